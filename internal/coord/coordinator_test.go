package coord

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/writemesh/writemesh/internal/bus"
	"github.com/writemesh/writemesh/internal/logger"
)

func testOptions(id string) Options {
	return Options{
		PeerID:            id,
		ElectionWindow:    50 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  600 * time.Millisecond,
		LivenessInterval:  25 * time.Millisecond,
	}
}

func startPeer(t *testing.T, net *bus.Network, id string) (*Coordinator, *bus.MemoryBus) {
	t.Helper()
	b := net.Join()
	c := New(b, testOptions(id), logger.NewForComponent("coord-test"))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c, b
}

func waitPrimary(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, c.IsPrimary, 2*time.Second, 10*time.Millisecond,
		"peer %s did not become primary", c.ID())
}

func waitBlocked(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Status().State == "blocked"
	}, 2*time.Second, 10*time.Millisecond, "peer %s did not block", c.ID())
}

func TestNoopBusAssumesSolePrimary(t *testing.T) {
	c := New(bus.NewNoopBus(), testOptions("solo"), logger.NewForComponent("coord-test"))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Close() })

	waitPrimary(t, c)
	assert.False(t, c.HasOtherPeers())
}

func TestLonePeerElectsItselfAndNeverDemotes(t *testing.T) {
	net := bus.NewNetwork()
	c, _ := startPeer(t, net, "lone")

	waitPrimary(t, c)
	assert.False(t, c.HasOtherPeers())

	// Several heartbeat and liveness cycles later the lone peer still holds
	// primary status
	time.Sleep(300 * time.Millisecond)
	assert.True(t, c.IsPrimary())
	assert.False(t, c.HasOtherPeers())
	assert.Equal(t, c.ID(), c.PrimaryID())
}

func TestLatePeerStandsDown(t *testing.T) {
	net := bus.NewNetwork()
	a, _ := startPeer(t, net, "peer-a")
	waitPrimary(t, a)

	focus := make(chan struct{}, 1)
	a.OnFocusRequest(func() {
		select {
		case focus <- struct{}{}:
		default:
		}
	})

	b, _ := startPeer(t, net, "peer-b")
	waitBlocked(t, b)

	assert.True(t, a.IsPrimary())
	assert.False(t, b.IsPrimary())
	assert.Equal(t, a.ID(), a.PrimaryID())
	assert.Equal(t, a.ID(), b.PrimaryID())

	// Standing down published a focus request that reached the primary
	select {
	case <-focus:
	case <-time.After(time.Second):
		t.Fatal("primary never received the focus request")
	}
}

func TestSimultaneousColdStart(t *testing.T) {
	net := bus.NewNetwork()
	a, _ := startPeer(t, net, "cold-a")
	b, _ := startPeer(t, net, "cold-b")

	// Exactly one ends primary, the other blocked, and both agree on who
	require.Eventually(t, func() bool {
		sa, sb := a.Status(), b.Status()
		onePrimary := sa.IsPrimary != sb.IsPrimary
		oneBlocked := sa.State == "blocked" || sb.State == "blocked"
		agree := sa.PrimaryID != "" && sa.PrimaryID == sb.PrimaryID
		return onePrimary && oneBlocked && agree
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBlockedListenerSeesDemotedProjection(t *testing.T) {
	net := bus.NewNetwork()
	a, _ := startPeer(t, net, "proj-a")
	waitPrimary(t, a)

	b, _ := startPeer(t, net, "proj-b")

	type change struct{ isPrimary, hasOtherPeers bool }
	var mu sync.Mutex
	var changes []change
	unsubscribe := b.OnChange(func(isPrimary, hasOtherPeers bool) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, change{isPrimary, hasOtherPeers})
	})
	defer unsubscribe()

	// Registration fires immediately with the current projection
	mu.Lock()
	require.NotEmpty(t, changes)
	mu.Unlock()

	waitBlocked(t, b)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		last := changes[len(changes)-1]
		return !last.isPrimary && last.hasOtherPeers
	}, time.Second, 10*time.Millisecond)
}

func TestGracefulHandoff(t *testing.T) {
	net := bus.NewNetwork()
	a, _ := startPeer(t, net, "hand-a")
	waitPrimary(t, a)
	b, _ := startPeer(t, net, "hand-b")
	waitBlocked(t, b)

	start := time.Now()
	require.NoError(t, a.Close())

	waitPrimary(t, b)

	// The goodbye bypasses the heartbeat timeout; promotion takes roughly
	// one election window, far less than the timeout
	assert.Less(t, time.Since(start), testOptions("").HeartbeatTimeout,
		"graceful handoff waited out the heartbeat timeout")
}

func TestCrashWithoutGoodbyeHonorsTimeout(t *testing.T) {
	net := bus.NewNetwork()
	a, aBus := startPeer(t, net, "crash-a")
	waitPrimary(t, a)
	b, _ := startPeer(t, net, "crash-b")
	waitBlocked(t, b)

	// Crash: a stops all activity with no goodbye
	net.Isolate(aBus)

	// Half the heartbeat timeout later the survivor still holds back
	time.Sleep(300 * time.Millisecond)
	assert.False(t, b.IsPrimary(), "promoted before the heartbeat timeout elapsed")

	waitPrimary(t, b)
}

func TestSplitBrainConvergesDeterministically(t *testing.T) {
	net := bus.NewNetwork()

	aBus := net.Join()
	bBus := net.Join()
	net.Isolate(aBus)
	net.Isolate(bBus)

	a := New(aBus, testOptions("split-a"), logger.NewForComponent("coord-test"))
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Close() })
	b := New(bBus, testOptions("split-b"), logger.NewForComponent("coord-test"))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Close() })

	// Partitioned, both conclude no primary exists
	waitPrimary(t, a)
	waitPrimary(t, b)

	sa, sb := a.Status(), b.Status()
	expected := b.ID()
	if olderPrimary(sa.PrimarySince.UnixMilli(), a.ID(), sb.PrimarySince.UnixMilli(), b.ID()) {
		expected = a.ID()
	}

	// Heal the partition; the next crossing heartbeats resolve the split
	net.Rejoin(aBus)
	net.Rejoin(bBus)

	require.Eventually(t, func() bool {
		sa, sb := a.Status(), b.Status()
		return sa.IsPrimary != sb.IsPrimary &&
			sa.PrimaryID == expected && sb.PrimaryID == expected
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTieBreakIsTotalOrder(t *testing.T) {
	net := bus.NewNetwork()
	a, _ := startPeer(t, net, "mmm")
	waitPrimary(t, a)

	fake := net.Join()
	since := a.Status().PrimarySince.UnixMilli()

	publishHeartbeat := func(sender string, primarySince int64) {
		data, err := Encode(&Envelope{
			Kind:         KindHeartbeat,
			SenderID:     sender,
			SentAt:       time.Now().UnixMilli(),
			PrimarySince: primarySince,
		})
		require.NoError(t, err)
		require.NoError(t, fake.Publish(context.Background(), data))
	}

	// A younger rival never displaces the incumbent
	publishHeartbeat("aaa", since+1000)
	time.Sleep(200 * time.Millisecond)
	assert.True(t, a.IsPrimary())

	// An exact tie from a lexicographically larger identity loses
	publishHeartbeat("zzz", since)
	time.Sleep(200 * time.Millisecond)
	assert.True(t, a.IsPrimary())

	// An exact tie from a smaller identity wins, reproducibly
	publishHeartbeat("aaa", since)
	waitBlocked(t, a)
	assert.Equal(t, "aaa", a.PrimaryID())
}

func TestIdempotentShutdown(t *testing.T) {
	net := bus.NewNetwork()
	a, _ := startPeer(t, net, "bye-a")
	waitPrimary(t, a)

	witness := net.Join()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	// Give any stray second goodbye time to arrive, then count
	time.Sleep(100 * time.Millisecond)

	goodbyes := 0
	for {
		select {
		case msg := <-witness.Messages():
			if env, err := Decode(msg.Data); err == nil && env.Kind == KindGoodbye {
				goodbyes++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, goodbyes)
}

func TestOnChangeUnsubscribe(t *testing.T) {
	net := bus.NewNetwork()
	b := net.Join()
	c := New(b, testOptions("unsub"), logger.NewForComponent("coord-test"))
	t.Cleanup(func() { c.Close() })

	var mu sync.Mutex
	calls := 0
	unsubscribe := c.OnChange(func(bool, bool) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})

	mu.Lock()
	assert.Equal(t, 1, calls, "listener not called on registration")
	mu.Unlock()

	unsubscribe()
	require.NoError(t, c.Start(context.Background()))
	waitPrimary(t, c)

	mu.Lock()
	assert.Equal(t, 1, calls, "unsubscribed listener was called again")
	mu.Unlock()
}

func TestStatusJSONOmitsUnsetTimes(t *testing.T) {
	net := bus.NewNetwork()
	b := net.Join()
	c := New(b, testOptions("fresh"), logger.NewForComponent("coord-test"))
	t.Cleanup(func() { c.Close() })

	// Never started: no primary tenure, no peer ever heard
	data, err := json.Marshal(c.Status())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "primary_since")
	assert.NotContains(t, string(data), "last_peer_seen")

	require.NoError(t, c.Start(context.Background()))
	waitPrimary(t, c)

	data, err = json.Marshal(c.Status())
	require.NoError(t, err)
	assert.Contains(t, string(data), "primary_since")
}

func TestResumeWithLivePrimaryStaysBlocked(t *testing.T) {
	net := bus.NewNetwork()
	a, _ := startPeer(t, net, "live-a")
	waitPrimary(t, a)

	var focusRequests atomic.Int32
	a.OnFocusRequest(func() { focusRequests.Add(1) })

	b, _ := startPeer(t, net, "live-b")
	waitBlocked(t, b)

	require.Eventually(t, func() bool {
		return focusRequests.Load() == 1
	}, time.Second, 10*time.Millisecond, "standing down did not request focus")

	// Foreground regained with the primary still alive: the probe election is
	// acked and the peer re-blocks without a second focus request
	b.Resume()
	time.Sleep(300 * time.Millisecond)

	assert.False(t, b.IsPrimary())
	assert.Equal(t, "blocked", b.Status().State)
	assert.True(t, a.IsPrimary())
	assert.Equal(t, int32(1), focusRequests.Load(),
		"probe election re-sent a focus request")
}

func TestGoodbyeFromNonPrimaryLeavesPrimaryStanding(t *testing.T) {
	net := bus.NewNetwork()
	a, _ := startPeer(t, net, "trio-a")
	waitPrimary(t, a)

	var focusRequests atomic.Int32
	a.OnFocusRequest(func() { focusRequests.Add(1) })

	b, _ := startPeer(t, net, "trio-b")
	waitBlocked(t, b)
	c, _ := startPeer(t, net, "trio-c")
	waitBlocked(t, c)

	require.Eventually(t, func() bool {
		return focusRequests.Load() == 2
	}, time.Second, 10*time.Millisecond)

	// A demoted peer leaves. The survivor probes, the primary answers, and
	// everything settles back where it was.
	require.NoError(t, c.Close())
	time.Sleep(300 * time.Millisecond)

	assert.True(t, a.IsPrimary())
	assert.Equal(t, "blocked", b.Status().State)
	assert.Equal(t, a.ID(), b.PrimaryID())
	assert.Equal(t, int32(2), focusRequests.Load(),
		"the probe after a non-primary goodbye re-sent a focus request")
}

func TestResumeWithDeadPrimaryPromotesPromptly(t *testing.T) {
	net := bus.NewNetwork()
	a, aBus := startPeer(t, net, "res-a")
	waitPrimary(t, a)
	b, _ := startPeer(t, net, "res-b")
	waitBlocked(t, b)

	net.Isolate(aBus)

	// The host regained foreground: re-announce instead of trusting timers.
	// With the primary gone the probe election wins within one window.
	start := time.Now()
	b.Resume()
	waitPrimary(t, b)
	assert.Less(t, time.Since(start), testOptions("").HeartbeatTimeout)
}
