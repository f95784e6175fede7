package bus

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

// Libp2pBus broadcasts between processes over a GossipSub topic, with mDNS
// used to find peers on the local network. This is the transport for peers
// that do not share a filesystem.
type Libp2pBus struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *logrus.Entry

	discovery mdns.Service
	msgs      chan Message

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

// Libp2pOptions configures the libp2p transport
type Libp2pOptions struct {
	Host    string
	Port    int
	Channel string
	MDNS    bool
}

// NewLibp2pBus creates a libp2p host, joins the broadcast topic, and starts
// delivering messages from other peers
func NewLibp2pBus(ctx context.Context, opts Libp2pOptions, logger *logrus.Entry) (*Libp2pBus, error) {
	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	addr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", opts.Host, opts.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to create multiaddr: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(addr),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	busCtx, cancel := context.WithCancel(ctx)

	b := &Libp2pBus{
		host:   h,
		logger: logger,
		msgs:   make(chan Message, memoryBufferSize),
		ctx:    busCtx,
		cancel: cancel,
	}

	ps, err := pubsub.NewGossipSub(busCtx, h)
	if err != nil {
		b.teardown()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}
	b.pubsub = ps

	topic, err := ps.Join(opts.Channel)
	if err != nil {
		b.teardown()
		return nil, fmt.Errorf("failed to join topic: %w", err)
	}
	b.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		b.teardown()
		return nil, fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	b.sub = sub

	if opts.MDNS {
		b.discovery = mdns.NewMdnsService(h, opts.Channel, b)
		if err := b.discovery.Start(); err != nil {
			b.logger.WithError(err).Warn("Failed to start mDNS discovery")
			b.discovery = nil
		}
	}

	b.wg.Add(1)
	go b.readLoop()

	b.logger.WithField("host_id", h.ID().String()).Info("Broadcast bus started")
	return b, nil
}

// HandlePeerFound implements the mdns.Notifee interface
func (b *Libp2pBus) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == b.host.ID() {
		return
	}

	if err := b.host.Connect(b.ctx, pi); err != nil {
		b.logger.WithError(err).WithField("peer", pi.ID.String()).Debug("Failed to connect to peer")
		return
	}

	b.logger.WithField("peer", pi.ID.String()).Debug("Connected to peer")
}

// readLoop delivers messages from the topic, excluding local echo
func (b *Libp2pBus) readLoop() {
	defer b.wg.Done()

	for {
		msg, err := b.sub.Next(b.ctx)
		if err != nil {
			// Subscription cancelled or context done
			return
		}

		if msg.ReceivedFrom == b.host.ID() {
			continue
		}

		select {
		case b.msgs <- Message{Data: msg.Data, From: msg.ReceivedFrom.String()}:
		default:
			b.logger.Warn("Subscriber buffer full, dropping pubsub message")
		}
	}
}

// Publish broadcasts data to the topic
func (b *Libp2pBus) Publish(ctx context.Context, data []byte) error {
	if b.closed.Load() {
		return nil
	}
	return b.topic.Publish(ctx, data)
}

// Messages returns the inbound message channel
func (b *Libp2pBus) Messages() <-chan Message {
	return b.msgs
}

// SinglePeer always reports false; the network may hold other peers
func (b *Libp2pBus) SinglePeer() bool {
	return false
}

// Close releases the topic, subscription, discovery service, and host.
// Safe to call multiple times.
func (b *Libp2pBus) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.teardown()
		b.wg.Wait()
		close(b.msgs)
	})
	return nil
}

func (b *Libp2pBus) teardown() {
	b.cancel()

	if b.discovery != nil {
		b.discovery.Close()
	}
	if b.sub != nil {
		b.sub.Cancel()
	}
	if b.topic != nil {
		b.topic.Close()
	}
	if b.host != nil {
		b.host.Close()
	}
}
