package bus

import "context"

// Message represents one broadcast payload received from another peer
type Message struct {
	Data []byte
	From string // transport-level sender identity, informational only
}

// Bus defines the interface for the broadcast adapter connecting all peers on
// one channel. Delivery is best effort: no delivery or ordering guarantees
// beyond in-arrival order for a given sender, and a published message is never
// echoed back to the adapter instance that sent it.
type Bus interface {
	// Publish enqueues data for best-effort delivery to all other live
	// subscribers on the channel. It must not be assumed synchronous.
	// After Close, Publish is a no-op.
	Publish(ctx context.Context, data []byte) error

	// Messages returns the channel of inbound messages, excluding local echo.
	Messages() <-chan Message

	// SinglePeer reports whether this adapter is a degraded no-op bus. A
	// consumer seeing true can assume no other peer will ever be reachable.
	SinglePeer() bool

	// Close unsubscribes and releases the underlying primitive. Safe to call
	// multiple times.
	Close() error
}
