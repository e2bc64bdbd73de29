package mesh

import (
	"github.com/backkem/mesh/pkg/bearer"
	"github.com/backkem/mesh/pkg/crypto"
	"github.com/backkem/mesh/pkg/message"
	"github.com/backkem/mesh/pkg/network"
	"github.com/pion/logging"
)

const (
	// DefaultSeqStoreRate is the default number of sequence numbers allocated
	// between two writes of the sequence number to storage.
	DefaultSeqStoreRate = 128

	// maxElements is the size of the unicast address space.
	maxElements = 0x7FFF
)

// NodeConfig holds all configuration for a Node.
type NodeConfig struct {
	// Storage - Required
	Storage Storage

	// Elements is the number of element addresses starting at the primary
	// address (default: 1).
	Elements int

	// Features are the initial Relay, GATT Proxy and Friend states.
	Features network.Features

	// Bearers are the network interfaces.
	Bearers []bearer.Bearer

	// Upper receives locally addressed traffic. Optional.
	Upper network.UpperTransport

	// Friends matches destinations of befriended Low Power nodes. Optional.
	Friends network.FriendMatcher

	// TxInProgress reports pending segmented transmissions, which defer the
	// completion of an IV update. Optional.
	TxInProgress func() bool

	// Limits - Optional (uses defaults if zero)
	SubnetCapacity     int    // default: 3
	FriendCapacity     int    // default: 4
	DefaultTTL         uint8  // default: 7
	MessageCacheSize   int    // default: 32
	DuplicateCacheSize int    // default: 32
	MinIVDuration      uint32 // hours, default: 96
	SeqLimit           uint32 // default: 8,000,000
	SeqStoreRate       uint32 // default: 128

	// Provider performs key derivation and encryption. Nil selects the
	// software implementation.
	Provider crypto.Provider

	// OnStateChanged is called after every lifecycle transition. Optional.
	OnStateChanged func(state NodeState)

	// OnIVIndexChanged is called after every IV index transition, so that
	// beacons are refreshed and, on ReplayReset, the replay protection list
	// is cleared. Optional.
	OnIVIndexChanged func(ev network.StateEvent)

	// LoggerFactory is the factory for creating loggers. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *NodeConfig) Validate() error {
	if c.Storage == nil {
		return ErrStorageRequired
	}
	if c.Elements < 0 || c.Elements > maxElements {
		return ErrInvalidConfig
	}
	if c.SubnetCapacity < 0 || c.FriendCapacity < 0 {
		return ErrInvalidConfig
	}
	if c.SeqLimit > message.SeqMax || c.SeqStoreRate > message.SeqMax {
		return ErrInvalidConfig
	}
	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *NodeConfig) applyDefaults() {
	if c.Elements == 0 {
		c.Elements = 1
	}
	if c.SeqStoreRate == 0 {
		c.SeqStoreRate = DefaultSeqStoreRate
	}
	if c.Provider == nil {
		c.Provider = crypto.DefaultProvider
	}
}
