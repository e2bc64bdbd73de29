package subnet

import "github.com/backkem/mesh/pkg/crypto"

// subnet is one live subnet. keys[1] is non-nil iff phase != PhaseNormal.
type subnet struct {
	netIdx uint16
	phase  Phase
	keys   [2]*crypto.NetKeys
	nodeID NodeIdentity
}

// txSlot returns the key slot used for transmission: the new key only once
// the subnet reached Phase2.
func (s *subnet) txSlot() int {
	if s.phase == Phase2 {
		return 1
	}
	return 0
}

// rxSlots returns the key slots accepted on receive in search order.
func (s *subnet) rxSlots() []int {
	if s.phase == PhaseNormal {
		return []int{0}
	}
	return []int{0, 1}
}

func (s *subnet) destroy() {
	for i := range s.keys {
		s.keys[i].Destroy()
		s.keys[i] = nil
	}
}

func (s *subnet) info() Info {
	info := Info{
		NetIndex:     s.netIdx,
		Phase:        s.phase,
		NodeIdentity: s.nodeID,
	}
	for i, k := range s.keys {
		if k == nil {
			continue
		}
		info.Slots[i] = SlotInfo{
			Valid: true,
			NID:   k.Cred.NID,
			NetID: k.NetID,
		}
	}
	return info
}

// Info is a snapshot of a subnet without key material.
type Info struct {
	NetIndex     uint16
	Phase        Phase
	NodeIdentity NodeIdentity
	Slots        [2]SlotInfo
}

// TxSlot returns the slot used for transmission.
func (i Info) TxSlot() int {
	if i.Phase == Phase2 {
		return 1
	}
	return 0
}

// SlotInfo describes the public identifiers of one key slot.
type SlotInfo struct {
	Valid bool
	NID   uint8
	NetID [crypto.NetIDSize]byte
}

// Match is one (subnet, slot) pair offered to a Find predicate. It carries
// the beacon related keys so that a beacon authenticator can verify a
// received beacon against the slot.
type Match struct {
	NetIndex uint16
	Phase    Phase
	Slot     int

	NID              uint8
	NetID            [crypto.NetIDSize]byte
	IdentityKey      [crypto.KeySize]byte
	BeaconKey        [crypto.KeySize]byte
	PrivateBeaconKey [crypto.KeySize]byte
}

// NewKey reports whether the match is on the key refresh slot.
func (m *Match) NewKey() bool { return m.Slot == 1 }

func newMatch(s *subnet, slot int) Match {
	k := s.keys[slot]
	return Match{
		NetIndex:         s.netIdx,
		Phase:            s.phase,
		Slot:             slot,
		NID:              k.Cred.NID,
		NetID:            k.NetID,
		IdentityKey:      k.IdentityKey,
		BeaconKey:        k.BeaconKey,
		PrivateBeaconKey: k.PrivateBeaconKey,
	}
}

// Candidate is a set of credentials offered to the receive path's
// credential search. Cred is a copy; callers should Zeroize it when done.
type Candidate struct {
	NetIndex uint16
	Slot     int
	Cred     crypto.Credentials

	// Friend is set for friendship credentials; Friendship identifies them.
	Friend     bool
	Friendship Friendship
}

// NewKey reports whether the candidate uses the key refresh slot.
func (c *Candidate) NewKey() bool { return c.Slot == 1 }

// Record is the persistent form of a subnet. Keys[1] is nil in PhaseNormal.
type Record struct {
	NetIndex uint16
	Phase    Phase
	Keys     [2][]byte
}
