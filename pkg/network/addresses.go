package network

import (
	"sync"

	"github.com/backkem/mesh/pkg/message"
)

// StaticAddresses is an AddressResolver for a node with a contiguous range
// of element addresses and a subscription list.
type StaticAddresses struct {
	mu       sync.RWMutex
	primary  message.Address
	elements int
	subs     map[message.Address]struct{}
}

// NewStaticAddresses creates a resolver for elements starting at primary.
func NewStaticAddresses(primary message.Address, elements int) *StaticAddresses {
	if elements < 1 {
		elements = 1
	}
	return &StaticAddresses{
		primary:  primary,
		elements: elements,
		subs:     make(map[message.Address]struct{}),
	}
}

// SetPrimary changes the primary element address.
func (a *StaticAddresses) SetPrimary(primary message.Address) {
	a.mu.Lock()
	a.primary = primary
	a.mu.Unlock()
}

// Primary returns the primary element address.
func (a *StaticAddresses) Primary() message.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.primary
}

// Subscribe adds a group or virtual address.
func (a *StaticAddresses) Subscribe(addr message.Address) {
	a.mu.Lock()
	a.subs[addr] = struct{}{}
	a.mu.Unlock()
}

// Unsubscribe removes a group or virtual address.
func (a *StaticAddresses) Unsubscribe(addr message.Address) {
	a.mu.Lock()
	delete(a.subs, addr)
	a.mu.Unlock()
}

// HasAddress implements AddressResolver.
func (a *StaticAddresses) HasAddress(addr message.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if addr.IsUnicast() {
		return a.primary.IsUnicast() && addr >= a.primary && int(addr-a.primary) < a.elements
	}
	_, ok := a.subs[addr]
	return ok
}
