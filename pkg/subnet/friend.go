package subnet

import (
	"github.com/backkem/mesh/pkg/crypto"
)

// Role is the local node's side of a friendship.
type Role uint8

const (
	// RoleFriend: the local node is the Friend of a Low Power node.
	RoleFriend Role = iota

	// RoleLPN: the local node is the Low Power node.
	RoleLPN
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	if r == RoleLPN {
		return "LPN"
	}
	return "Friend"
}

// Friendship identifies one established friendship. Negotiation happens
// elsewhere; the store only derives and holds the credentials.
type Friendship struct {
	NetIndex      uint16
	Role          Role
	LPNAddress    uint16
	FriendAddress uint16
	LPNCounter    uint16
	FriendCounter uint16
}

// Peer returns the address of the remote side.
func (f Friendship) Peer() uint16 {
	if f.Role == RoleFriend {
		return f.LPNAddress
	}
	return f.FriendAddress
}

func (f Friendship) params() crypto.FriendParams {
	return crypto.FriendParams{
		LPNAddress:    f.LPNAddress,
		FriendAddress: f.FriendAddress,
		LPNCounter:    f.LPNCounter,
		FriendCounter: f.FriendCounter,
	}
}

func (f Friendship) sameAs(o Friendship) bool {
	return f.NetIndex == o.NetIndex && f.LPNAddress == o.LPNAddress && f.FriendAddress == o.FriendAddress
}

// friendship mirrors the two key slots of its subnet.
type friendship struct {
	Friendship
	cred  [2]crypto.Credentials
	valid [2]bool
}

func (f *friendship) clear(slot int) {
	f.cred[slot].Zeroize()
	f.valid[slot] = false
}

// derive fills one credential slot from a subnet key. Caller holds the lock.
func (s *Store) derive(f *friendship, keys *crypto.NetKeys, slot int) error {
	raw := keys.NetKey.Bytes()
	if raw == nil {
		return crypto.ErrKeyDestroyed
	}
	defer func() {
		for i := range raw {
			raw[i] = 0
		}
	}()

	cred, err := s.provider.DeriveFriendCredentials(raw, f.params())
	if err != nil {
		return err
	}
	f.cred[slot] = cred
	f.valid[slot] = true
	return nil
}

// AddFriendship derives credentials for a new friendship on an existing
// subnet. Adding a friendship with the same subnet and address pair
// replaces the previous entry, covering re-establishment with new counters.
func (s *Store) AddFriendship(fr Friendship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.get(fr.NetIndex)
	if sub == nil {
		return StatusInvalidNetKey
	}

	pos := -1
	for i, f := range s.friends {
		if f != nil && f.sameAs(fr) {
			pos = i
			break
		}
		if f == nil && pos < 0 {
			pos = i
		}
	}
	if pos < 0 {
		return ErrFriendshipTableFull
	}

	f := &friendship{Friendship: fr}
	for slot, keys := range sub.keys {
		if keys == nil {
			continue
		}
		if err := s.derive(f, keys, slot); err != nil {
			f.clear(0)
			f.clear(1)
			return err
		}
	}

	if old := s.friends[pos]; old != nil {
		old.clear(0)
		old.clear(1)
	}
	s.friends[pos] = f

	if s.log != nil {
		s.log.Debugf("subnet 0x%03x: friendship %s 0x%04x <-> 0x%04x added",
			fr.NetIndex, fr.Role, fr.LPNAddress, fr.FriendAddress)
	}
	return nil
}

// RemoveFriendship destroys the credentials of a friendship.
func (s *Store) RemoveFriendship(netIdx, lpn, friend uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Friendship{NetIndex: netIdx, LPNAddress: lpn, FriendAddress: friend}
	for i, f := range s.friends {
		if f != nil && f.sameAs(key) {
			f.clear(0)
			f.clear(1)
			s.friends[i] = nil
			return nil
		}
	}
	return ErrFriendshipNotFound
}

// Friendships lists the established friendships.
func (s *Store) Friendships() []Friendship {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Friendship
	for _, f := range s.friends {
		if f != nil {
			out = append(out, f.Friendship)
		}
	}
	return out
}

// FriendCredentials returns the friendship credentials to transmit with
// towards dst on a subnet. A Friend-role friendship whose LPN is dst wins;
// otherwise any LPN-role friendship on the subnet is used, since an LPN
// sends everything through its Friend.
func (s *Store) FriendCredentials(netIdx, dst uint16) (Candidate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub := s.get(netIdx)
	if sub == nil {
		return Candidate{}, false
	}

	var lpn *friendship
	for _, f := range s.friends {
		if f == nil || f.NetIndex != netIdx {
			continue
		}
		if f.Role == RoleFriend && f.LPNAddress == dst {
			return friendCandidate(sub, f)
		}
		if f.Role == RoleLPN && lpn == nil {
			lpn = f
		}
	}
	if lpn != nil {
		return friendCandidate(sub, lpn)
	}
	return Candidate{}, false
}

func friendCandidate(sub *subnet, f *friendship) (Candidate, bool) {
	slot := sub.txSlot()
	if !f.valid[slot] {
		return Candidate{}, false
	}
	return Candidate{
		NetIndex:   sub.netIdx,
		Slot:       slot,
		Cred:       f.cred[slot],
		Friend:     true,
		Friendship: f.Friendship,
	}, true
}

// friendsUpdated derives slot 1 for every friendship on sub once the new
// key is in place. Caller holds the lock.
func (s *Store) friendsUpdated(sub *subnet) {
	if sub.keys[1] == nil {
		return
	}
	for _, f := range s.friends {
		if f == nil || f.NetIndex != sub.netIdx {
			continue
		}
		if err := s.derive(f, sub.keys[1], 1); err != nil && s.log != nil {
			s.log.Warnf("subnet 0x%03x: friendship credential derivation failed: %v", sub.netIdx, err)
		}
	}
}

// friendsRevoked promotes slot 1 into slot 0. Caller holds the lock.
func (s *Store) friendsRevoked(netIdx uint16) {
	for _, f := range s.friends {
		if f == nil || f.NetIndex != netIdx {
			continue
		}
		f.clear(0)
		f.cred[0] = f.cred[1]
		f.valid[0] = f.valid[1]
		f.clear(1)
	}
}

// friendsDeleted purges every friendship on a subnet. Caller holds the lock.
func (s *Store) friendsDeleted(netIdx uint16) {
	for i, f := range s.friends {
		if f == nil || f.NetIndex != netIdx {
			continue
		}
		f.clear(0)
		f.clear(1)
		s.friends[i] = nil
	}
}
