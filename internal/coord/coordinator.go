package coord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/writemesh/writemesh/internal/bus"
)

// Listener receives the externally observable projection of the coordinator
// state. It is called once immediately on registration and then on every
// change. Listeners run on the coordinator's goroutine and must not call
// Close.
type Listener func(isPrimary, hasOtherPeers bool)

// Observer receives protocol-level events for instrumentation
type Observer interface {
	StateChanged(from, to State)
	MessageReceived(kind string)
	MessageSent(kind string)
}

// Options holds the protocol timing parameters
type Options struct {
	// PeerID overrides the generated identity, for deterministic tests
	PeerID string

	// ElectionWindow is how long a peer waits after publishing hello before
	// concluding no primary exists. A small multiple of expected one-way
	// broadcast latency.
	ElectionWindow time.Duration

	// HeartbeatInterval is the cadence of the primary's heartbeat
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a demoted peer waits without hearing any
	// other peer before attempting promotion. Several multiples of
	// HeartbeatInterval so suspension jitter does not cause false promotion.
	HeartbeatTimeout time.Duration

	// LivenessInterval is the cadence of the silence check, faster than
	// HeartbeatTimeout
	LivenessInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ElectionWindow <= 0 {
		o.ElectionWindow = 500 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 2 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 4 * o.HeartbeatInterval
	}
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = o.HeartbeatInterval / 2
	}
	return o
}

// Coordinator owns the peer identity and the protocol state machine that
// decides which single peer may use the shared single-writer resource. All
// protocol handling runs on one goroutine that serializes the two event
// sources: inbound bus messages and local timer fires.
type Coordinator struct {
	adapter bus.Bus
	logger  *logrus.Entry
	opts    Options
	id      string

	mu            sync.RWMutex
	state         State
	primaryID     string
	primarySince  int64 // epoch milliseconds, nonzero only while primary
	lastSeen      time.Time
	listeners     map[int]Listener
	nextListener  int
	focusFn       func()
	observer      Observer
	started       bool
	notified      bool
	lastIsPrimary bool
	lastHasPeers  bool

	// electionTimer is touched only by the run goroutine
	electionTimer *time.Timer

	// electedFromBlocked suppresses a second focus request when an already
	// blocked peer's probe election is answered by a live primary
	electedFromBlocked bool

	resumeCh  chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a coordinator on the given bus adapter. Call Start to begin
// the election handshake.
func New(adapter bus.Bus, opts Options, logger *logrus.Entry) *Coordinator {
	opts = opts.withDefaults()

	id := opts.PeerID
	if id == "" {
		id = NewPeerID()
	}

	return &Coordinator{
		adapter:   adapter,
		logger:    logger.WithField("peer_id", id),
		opts:      opts,
		id:        id,
		state:     StateInitializing,
		listeners: make(map[int]Listener),
		resumeCh:  make(chan struct{}, 1),
	}
}

// ID returns the peer identity, immutable for the process lifetime
func (c *Coordinator) ID() string {
	return c.id
}

// Start launches the protocol goroutine and begins the election handshake
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator is already started")
	}
	c.started = true
	c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.run()

	c.logger.Info("Coordinator started")
	return nil
}

// Close publishes a best-effort goodbye, stops the protocol goroutine, and
// closes the bus. Safe to call multiple times and from both a shutdown hook
// and a normal logic path; only the first call sends the goodbye.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.publish(KindGoodbye)

		c.mu.Lock()
		from := c.state
		c.state = StateTerminated
		c.mu.Unlock()
		c.observeTransition(from, StateTerminated)

		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		c.adapter.Close()

		c.logger.Info("Coordinator terminated")
	})
	return nil
}

// IsPrimary reports whether this peer currently holds exclusive write access.
// Advisory only: the resource owner checks it at startup, it is not a
// runtime-enforced lock.
func (c *Coordinator) IsPrimary() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StatePrimary
}

// HasOtherPeers reports whether another live peer has been observed within
// the heartbeat timeout
func (c *Coordinator) HasOtherPeers() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasOtherPeersLocked()
}

// PrimaryID returns the identity of the peer currently believed to be
// primary, or empty when unknown
func (c *Coordinator) PrimaryID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primaryID
}

// Status is a point-in-time snapshot for the HTTP surface
type Status struct {
	PeerID        string     `json:"peer_id"`
	State         string     `json:"state"`
	IsPrimary     bool       `json:"is_primary"`
	HasOtherPeers bool       `json:"has_other_peers"`
	PrimaryID     string     `json:"primary_id,omitempty"`
	PrimarySince  *time.Time `json:"primary_since,omitempty"`
	LastPeerSeen  *time.Time `json:"last_peer_seen,omitempty"`
}

// Status returns the current coordinator status
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{
		PeerID:        c.id,
		State:         c.state.String(),
		IsPrimary:     c.state == StatePrimary,
		HasOtherPeers: c.hasOtherPeersLocked(),
		PrimaryID:     c.primaryID,
	}
	if !c.lastSeen.IsZero() {
		seen := c.lastSeen
		s.LastPeerSeen = &seen
	}
	if c.primarySince > 0 {
		since := time.UnixMilli(c.primarySince)
		s.PrimarySince = &since
	}
	return s
}

// OnChange registers a listener and calls it once immediately with the
// current projection. The returned function unsubscribes.
func (c *Coordinator) OnChange(l Listener) func() {
	c.mu.Lock()
	c.nextListener++
	key := c.nextListener
	c.listeners[key] = l
	isP := c.state == StatePrimary
	hasP := c.hasOtherPeersLocked()
	c.mu.Unlock()

	l(isP, hasP)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, key)
	}
}

// OnFocusRequest registers the hook invoked when this peer, while primary,
// receives a focus request from a demoted peer. The host should request
// user attention.
func (c *Coordinator) OnFocusRequest(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focusFn = fn
}

// SetObserver registers an instrumentation observer. Call before Start.
func (c *Coordinator) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// RequestFocus broadcasts a focus request so the current primary's host
// requests user attention
func (c *Coordinator) RequestFocus() {
	c.publish(KindFocusRequest)
}

// Resume re-announces this peer after the host process regains the
// foreground. Suspension can leave internal timers stale, so the world is
// re-derived from fresh messages instead. Non-blocking.
func (c *Coordinator) Resume() {
	select {
	case c.resumeCh <- struct{}{}:
	default:
	}
}

// run is the single thread of protocol logic
func (c *Coordinator) run() {
	defer c.wg.Done()

	heartbeat := time.NewTicker(c.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	liveness := time.NewTicker(c.opts.LivenessInterval)
	defer liveness.Stop()

	if c.adapter.SinglePeer() {
		c.logger.Info("Broadcast bus unavailable, assuming sole-primary mode")
		c.promote()
	} else {
		c.startElection()
	}

	msgs := c.adapter.Messages()
	for {
		select {
		case <-c.ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			c.handleMessage(m)
		case <-c.electionExpiry():
			c.finishElection()
		case <-heartbeat.C:
			c.heartbeatTick()
		case <-liveness.C:
			c.livenessTick()
		case <-c.resumeCh:
			c.reannounce()
		}
	}
}

// electionExpiry returns the pending election window expiry, or a nil
// channel when no election is open
func (c *Coordinator) electionExpiry() <-chan time.Time {
	if c.electionTimer == nil {
		return nil
	}
	return c.electionTimer.C
}

// handleMessage dispatches one inbound protocol message. Any message from
// any other peer refreshes the last-seen observation.
func (c *Coordinator) handleMessage(m bus.Message) {
	env, err := Decode(m.Data)
	if err != nil {
		c.logger.WithError(err).Debug("Dropping malformed bus message")
		return
	}

	// Transports exclude local echo, but a misbehaving one must not let a
	// peer observe itself as another peer
	if env.SenderID == c.id {
		return
	}

	c.mu.Lock()
	c.lastSeen = time.Now()
	state := c.state
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		observer.MessageReceived(string(env.Kind))
	}

	switch env.Kind {
	case KindHello:
		// Only a primary answers hello
		if state == StatePrimary {
			c.publish(KindHelloAck)
		}
	case KindHelloAck, KindHeartbeat:
		c.observePrimary(env)
	case KindGoodbye:
		c.handleGoodbye(env)
	case KindFocusRequest:
		if state == StatePrimary {
			c.fireFocusRequest()
		}
	}

	c.notifyIfChanged()
}

// observePrimary handles evidence that another peer is primary: hello_ack
// and heartbeat. An open election is lost; a primary observing a
// longer-standing primary demotes itself.
func (c *Coordinator) observePrimary(env *Envelope) {
	var sendFocus bool

	c.mu.Lock()
	switch c.state {
	case StateElecting:
		c.stopElectionWindow()
		c.primaryID = env.SenderID
		c.logger.WithField("primary_id", env.SenderID).Info("Primary exists, standing down")
		c.blockLocked()
		sendFocus = !c.electedFromBlocked

	case StatePrimary:
		if olderPrimary(env.PrimarySince, env.SenderID, c.primarySince, c.id) {
			c.logger.WithFields(logrus.Fields{
				"primary_id":    env.SenderID,
				"primary_since": env.PrimarySince,
			}).Warn("Longer-standing primary observed, demoting")
			c.demoteLocked(env.SenderID)
			sendFocus = true
		}
		// A younger colliding primary demotes itself when it sees our
		// heartbeat; nothing to do here

	case StateSecondary, StateBlocked:
		c.primaryID = env.SenderID
	}
	c.mu.Unlock()

	if sendFocus {
		c.publish(KindFocusRequest)
	}
	c.notifyIfChanged()
}

// demoteLocked steps a primary down through secondary into blocked
func (c *Coordinator) demoteLocked(newPrimary string) {
	from := c.state
	c.state = StateSecondary
	c.primarySince = 0
	c.primaryID = newPrimary
	c.observeTransitionAsync(from, StateSecondary)
	c.blockLocked()
}

// blockLocked enters the blocked state, where the consumer renders its
// exclusion notice
func (c *Coordinator) blockLocked() {
	from := c.state
	c.state = StateBlocked
	c.observeTransitionAsync(from, StateBlocked)
}

// handleGoodbye reacts to a graceful shutdown notice. A non-primary peer
// re-runs the election immediately rather than waiting out the heartbeat
// timeout.
func (c *Coordinator) handleGoodbye(env *Envelope) {
	c.mu.Lock()
	state := c.state
	if env.SenderID == c.primaryID {
		c.primaryID = ""
	}
	// The departing peer no longer counts toward liveness
	c.lastSeen = time.Time{}
	c.mu.Unlock()

	c.logger.WithField("sender_id", env.SenderID).Info("Peer said goodbye")

	if state == StateSecondary || state == StateBlocked {
		c.startElection()
	}
	c.notifyIfChanged()
}

// startElection publishes hello and opens the election window
func (c *Coordinator) startElection() {
	c.mu.Lock()
	switch c.state {
	case StatePrimary, StateElecting, StateTerminated:
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = StateElecting
	c.electedFromBlocked = from == StateBlocked
	c.observeTransitionAsync(from, StateElecting)
	c.mu.Unlock()

	c.logger.Debug("Starting election")
	c.publish(KindHello)
	c.electionTimer = time.NewTimer(c.opts.ElectionWindow)
	c.notifyIfChanged()
}

// finishElection promotes this peer if the window elapsed in silence
func (c *Coordinator) finishElection() {
	c.electionTimer = nil

	c.mu.RLock()
	electing := c.state == StateElecting
	c.mu.RUnlock()
	if electing {
		c.promote()
	}
}

// stopElectionWindow cancels a pending election window
func (c *Coordinator) stopElectionWindow() {
	if c.electionTimer != nil {
		c.electionTimer.Stop()
		c.electionTimer = nil
	}
}

// promote makes this peer primary and starts heartbeating. The immediate
// heartbeat lets a colliding primary detect the split right away.
func (c *Coordinator) promote() {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = StatePrimary
	c.primaryID = c.id
	c.primarySince = time.Now().UnixMilli()
	c.mu.Unlock()
	c.observeTransition(from, StatePrimary)

	c.logger.Info("Promoted to primary")
	c.publish(KindHeartbeat)
	c.notifyIfChanged()
}

// heartbeatTick publishes a heartbeat while primary
func (c *Coordinator) heartbeatTick() {
	c.mu.RLock()
	primary := c.state == StatePrimary
	c.mu.RUnlock()

	if primary {
		c.publish(KindHeartbeat)
	}
}

// livenessTick promotes a demoted peer once every other peer has been
// silent for longer than the heartbeat timeout
func (c *Coordinator) livenessTick() {
	c.mu.RLock()
	state := c.state
	silent := c.lastSeen.IsZero() || time.Since(c.lastSeen) > c.opts.HeartbeatTimeout
	c.mu.RUnlock()

	if (state == StateSecondary || state == StateBlocked) && silent {
		c.logger.Info("No peer heard within heartbeat timeout, attempting promotion")
		c.startElection()
	}
	c.notifyIfChanged()
}

// reannounce re-derives this peer's standing from fresh messages after a
// suspension. A primary asserts itself with an immediate heartbeat; any
// other state re-runs the election.
func (c *Coordinator) reannounce() {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()

	c.logger.Debug("Re-announcing after resume")

	switch state {
	case StatePrimary:
		c.publish(KindHeartbeat)
	case StateSecondary, StateBlocked, StateInitializing:
		c.startElection()
	}
}

// fireFocusRequest invokes the focus hook without blocking the protocol
// goroutine
func (c *Coordinator) fireFocusRequest() {
	c.mu.RLock()
	fn := c.focusFn
	c.mu.RUnlock()

	if fn != nil {
		go fn()
	}
}

// publish broadcasts one protocol message, fire and forget
func (c *Coordinator) publish(kind Kind) {
	env := &Envelope{
		Kind:     kind,
		SenderID: c.id,
		SentAt:   time.Now().UnixMilli(),
	}

	if kind == KindHeartbeat || kind == KindHelloAck {
		c.mu.RLock()
		env.PrimarySince = c.primarySince
		c.mu.RUnlock()
		if env.PrimarySince == 0 {
			// Lost primary status between the decision and the send
			return
		}
	}

	data, err := Encode(env)
	if err != nil {
		c.logger.WithError(err).Error("Failed to encode protocol message")
		return
	}

	if err := c.adapter.Publish(context.Background(), data); err != nil {
		c.logger.WithError(err).WithField("kind", string(kind)).Warn("Failed to publish protocol message")
		return
	}

	c.mu.RLock()
	observer := c.observer
	c.mu.RUnlock()
	if observer != nil {
		observer.MessageSent(string(kind))
	}
}

func (c *Coordinator) hasOtherPeersLocked() bool {
	return !c.lastSeen.IsZero() && time.Since(c.lastSeen) <= c.opts.HeartbeatTimeout
}

// notifyIfChanged fires listeners when the externally observable projection
// moved. Listeners are called synchronously, outside the state lock.
func (c *Coordinator) notifyIfChanged() {
	c.mu.Lock()
	isP := c.state == StatePrimary
	hasP := c.hasOtherPeersLocked()
	if c.notified && isP == c.lastIsPrimary && hasP == c.lastHasPeers {
		c.mu.Unlock()
		return
	}
	c.notified = true
	c.lastIsPrimary = isP
	c.lastHasPeers = hasP

	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(isP, hasP)
	}
}

func (c *Coordinator) observeTransition(from, to State) {
	c.mu.RLock()
	observer := c.observer
	c.mu.RUnlock()
	if observer != nil {
		observer.StateChanged(from, to)
	}
}

// observeTransitionAsync records a transition while the state lock is held
func (c *Coordinator) observeTransitionAsync(from, to State) {
	if c.observer != nil {
		go c.observer.StateChanged(from, to)
	}
}
