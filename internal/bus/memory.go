package bus

import (
	"context"
	"fmt"
	"sync"
)

// memoryBufferSize is the per-subscriber delivery buffer. A slow subscriber
// loses messages rather than blocking the publisher, matching the lossy
// contract of the real transports.
const memoryBufferSize = 64

// Network is an in-process broadcast medium connecting MemoryBus instances.
// It backs single-process embedding and the protocol tests. Isolate and
// Rejoin simulate partitions.
type Network struct {
	mu       sync.RWMutex
	buses    map[*MemoryBus]struct{}
	isolated map[*MemoryBus]bool
	nextID   int
}

// MemoryBus is one subscriber endpoint on a Network
type MemoryBus struct {
	net       *Network
	id        string
	msgs      chan Message
	closeOnce sync.Once
}

// NewNetwork creates an empty in-process broadcast network
func NewNetwork() *Network {
	return &Network{
		buses:    make(map[*MemoryBus]struct{}),
		isolated: make(map[*MemoryBus]bool),
	}
}

// Join attaches a new bus endpoint to the network
func (n *Network) Join() *MemoryBus {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	b := &MemoryBus{
		net:  n,
		id:   fmt.Sprintf("mem-%d", n.nextID),
		msgs: make(chan Message, memoryBufferSize),
	}
	n.buses[b] = struct{}{}
	return b
}

// Isolate cuts a bus off from the network in both directions. Its publishes
// reach nobody and it receives nothing until Rejoin.
func (n *Network) Isolate(b *MemoryBus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[b] = true
}

// Rejoin reverses Isolate
func (n *Network) Rejoin(b *MemoryBus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.isolated, b)
}

// broadcast fans data out to every attached bus except the sender
func (n *Network) broadcast(from *MemoryBus, data []byte) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if _, attached := n.buses[from]; !attached {
		// Sender already closed, nothing to deliver
		return
	}
	if n.isolated[from] {
		return
	}

	for b := range n.buses {
		if b == from || n.isolated[b] {
			continue
		}
		// Copy so a receiver never observes a publisher's later mutation
		payload := make([]byte, len(data))
		copy(payload, data)

		select {
		case b.msgs <- Message{Data: payload, From: from.id}:
		default:
			// Subscriber buffer is full, drop the message
		}
	}
}

// detach removes a bus from the network
func (n *Network) detach(b *MemoryBus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.buses, b)
	delete(n.isolated, b)
}

// Publish broadcasts data to all other attached buses. After Close it is a
// no-op.
func (b *MemoryBus) Publish(ctx context.Context, data []byte) error {
	b.net.broadcast(b, data)
	return nil
}

// Messages returns the inbound message channel
func (b *MemoryBus) Messages() <-chan Message {
	return b.msgs
}

// SinglePeer always reports false; a memory bus is a live transport
func (b *MemoryBus) SinglePeer() bool {
	return false
}

// Close detaches the bus from its network. Safe to call multiple times.
func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		b.net.detach(b)
		close(b.msgs)
	})
	return nil
}
