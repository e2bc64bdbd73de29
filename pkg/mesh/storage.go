package mesh

import (
	"github.com/backkem/mesh/pkg/message"
	"github.com/backkem/mesh/pkg/subnet"
)

// Storage is the interface for persisting node state.
// Implementations must be safe for concurrent use.
type Storage interface {
	// LoadSubnets returns all stored subnet records.
	LoadSubnets() ([]subnet.Record, error)

	// StoreSubnet stores or replaces the record of one subnet.
	StoreSubnet(r subnet.Record) error

	// DeleteSubnet removes a subnet record.
	DeleteSubnet(netIdx uint16) error

	// LoadNetState returns the stored network state, or nil if the node was
	// never provisioned.
	LoadNetState() (*NetState, error)

	// StoreNetState stores the network state.
	StoreNetState(s *NetState) error

	// DeleteNetState removes the network state.
	DeleteNetState() error
}

// NetState is the persistent network state of a provisioned node.
type NetState struct {
	// Address is the primary element address.
	Address message.Address

	IVIndex  uint32
	IVUpdate bool

	// Seq is a sequence number at or above every number already used.
	Seq uint32

	// Hours spent in the current IV update state.
	Hours uint32
}

// Clone returns a copy of the state.
func (s *NetState) Clone() *NetState {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
