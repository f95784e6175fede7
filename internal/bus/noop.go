package bus

import (
	"context"
	"sync"
)

// NoopBus is the degraded adapter used when no broadcast primitive is
// available in the host environment. It delivers nothing and accepts
// everything, signalling single-peer mode to its consumer.
type NoopBus struct {
	msgs      chan Message
	closeOnce sync.Once
}

// NewNoopBus creates a bus that never delivers a message. Construction
// cannot fail.
func NewNoopBus() *NoopBus {
	return &NoopBus{
		msgs: make(chan Message),
	}
}

// Publish discards the message
func (n *NoopBus) Publish(ctx context.Context, data []byte) error {
	return nil
}

// Messages returns a channel that never delivers
func (n *NoopBus) Messages() <-chan Message {
	return n.msgs
}

// SinglePeer always reports true
func (n *NoopBus) SinglePeer() bool {
	return true
}

// Close is a no-op, safe to call multiple times
func (n *NoopBus) Close() error {
	n.closeOnce.Do(func() {
		close(n.msgs)
	})
	return nil
}
