package mesh

import (
	"sort"
	"sync"

	"github.com/backkem/mesh/pkg/subnet"
)

// MemoryStorage is an in-memory Storage implementation.
// Useful for testing and development. Data is lost when the process exits.
//
// All methods are safe for concurrent use.
type MemoryStorage struct {
	mu sync.RWMutex

	subnets  map[uint16]subnet.Record
	netState *NetState
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		subnets: make(map[uint16]subnet.Record),
	}
}

func cloneRecord(r subnet.Record) subnet.Record {
	c := subnet.Record{NetIndex: r.NetIndex, Phase: r.Phase}
	for i, k := range r.Keys {
		if k != nil {
			c.Keys[i] = append([]byte(nil), k...)
		}
	}
	return c
}

// LoadSubnets returns all stored subnet records ordered by net key index.
func (m *MemoryStorage) LoadSubnets() ([]subnet.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]subnet.Record, 0, len(m.subnets))
	for _, r := range m.subnets {
		result = append(result, cloneRecord(r))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NetIndex < result[j].NetIndex
	})
	return result, nil
}

// StoreSubnet stores or replaces a subnet record.
func (m *MemoryStorage) StoreSubnet(r subnet.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subnets[r.NetIndex] = cloneRecord(r)
	return nil
}

// DeleteSubnet removes a subnet record.
func (m *MemoryStorage) DeleteSubnet(netIdx uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subnets, netIdx)
	return nil
}

// LoadNetState returns the stored network state.
func (m *MemoryStorage) LoadNetState() (*NetState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.netState.Clone(), nil
}

// StoreNetState stores the network state.
func (m *MemoryStorage) StoreNetState(s *NetState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.netState = s.Clone()
	return nil
}

// DeleteNetState removes the network state.
func (m *MemoryStorage) DeleteNetState() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.netState = nil
	return nil
}

// Verify MemoryStorage implements Storage.
var _ Storage = (*MemoryStorage)(nil)
