package subnet

import (
	"sync"

	"github.com/backkem/mesh/pkg/crypto"
	"github.com/pion/logging"
)

const (
	// DefaultCapacity is the default number of subnets a node can hold.
	DefaultCapacity = 3

	// DefaultFriendCapacity is the default number of friendships.
	DefaultFriendCapacity = 4
)

// StoreConfig configures a Store.
type StoreConfig struct {
	// Capacity bounds the number of live subnets (default: 3).
	Capacity int

	// FriendCapacity bounds the friendship table (default: 4).
	FriendCapacity int

	// Provider derives keys. Nil selects crypto.DefaultProvider.
	Provider crypto.Provider

	// GATTProxy reports whether node identity advertising is supported.
	GATTProxy bool

	// LoggerFactory is the factory for creating loggers. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *StoreConfig) Validate() error {
	if c.Capacity < 0 || c.FriendCapacity < 0 {
		return ErrInvalidConfig
	}
	if c.Capacity > int(MaxNetIndex)+1 {
		return ErrInvalidConfig
	}
	return nil
}

func (c *StoreConfig) applyDefaults() {
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.FriendCapacity == 0 {
		c.FriendCapacity = DefaultFriendCapacity
	}
	if c.Provider == nil {
		c.Provider = crypto.DefaultProvider
	}
}

// Store owns the live subnets and their key material.
//
// Subnets live in a fixed-capacity slab scanned linearly, so every lookup
// and the credential search are bounded by the capacity. All key slot
// mutation happens under the store lock; readers receive copies.
type Store struct {
	subnets   []*subnet
	friends   []*friendship
	listeners []Listener

	provider  crypto.Provider
	gattProxy bool
	log       logging.LeveledLogger

	mu sync.RWMutex
}

// NewStore creates an empty store.
func NewStore(config StoreConfig) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	s := &Store{
		subnets:   make([]*subnet, config.Capacity),
		friends:   make([]*friendship, config.FriendCapacity),
		provider:  config.Provider,
		gattProxy: config.GATTProxy,
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("subnet")
	}
	return s, nil
}

// AddListener registers a listener for subnet events.
func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *Store) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.mu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, e := range events {
		if s.log != nil {
			s.log.Debugf("subnet 0x%03x: %s (phase %s)", e.NetIndex, e.Type, e.Phase)
		}
		for _, l := range listeners {
			l(e)
		}
	}
}

// get returns the live subnet with netIdx. Caller holds the lock.
func (s *Store) get(netIdx uint16) *subnet {
	for _, sub := range s.subnets {
		if sub != nil && sub.netIdx == netIdx {
			return sub
		}
	}
	return nil
}

// alloc returns the existing subnet with netIdx, or the first free slot
// position. Returns (nil, -1) when the store is full.
func (s *Store) alloc(netIdx uint16) (*subnet, int) {
	free := -1
	for i, sub := range s.subnets {
		if sub == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if sub.netIdx == netIdx {
			return sub, i
		}
	}
	return nil, free
}

func (s *Store) initialNodeID() NodeIdentity {
	if s.gattProxy {
		return NodeIdentityStopped
	}
	return NodeIdentityNotSupported
}

// Add creates a subnet with the given key in PhaseNormal.
//
// Adding an index that already exists with the same key succeeds without
// change; a different key yields StatusIdxAlreadyStored.
func (s *Store) Add(netIdx uint16, key []byte) error {
	if netIdx > MaxNetIndex {
		return StatusInvalidNetKey
	}

	s.mu.Lock()
	sub, pos := s.alloc(netIdx)
	if sub != nil {
		same := sub.keys[0].NetKey.Equal(key)
		s.mu.Unlock()
		if !same {
			return StatusIdxAlreadyStored
		}
		return nil
	}
	if pos < 0 {
		s.mu.Unlock()
		return StatusInsuffResources
	}

	keys, err := s.provider.DeriveNetKeys(key)
	if err != nil {
		s.mu.Unlock()
		if s.log != nil {
			s.log.Warnf("subnet 0x%03x: key derivation failed: %v", netIdx, err)
		}
		return StatusUnspecified
	}
	sub = &subnet{
		netIdx: netIdx,
		phase:  PhaseNormal,
		nodeID: s.initialNodeID(),
	}
	sub.keys[0] = keys
	s.subnets[pos] = sub
	s.mu.Unlock()

	s.emit(Event{Type: EventAdded, NetIndex: netIdx, Phase: PhaseNormal})
	return nil
}

// Update starts a key refresh by placing key in slot 1 and entering Phase1.
// Repeating the update with the same key while in Phase1 succeeds.
func (s *Store) Update(netIdx uint16, key []byte) error {
	s.mu.Lock()
	sub := s.get(netIdx)
	if sub == nil {
		s.mu.Unlock()
		return StatusInvalidNetKey
	}

	switch sub.phase {
	case PhaseNormal:
		if sub.keys[0].NetKey.Equal(key) {
			s.mu.Unlock()
			return StatusIdxAlreadyStored
		}
	case Phase1:
		same := sub.keys[1].NetKey.Equal(key)
		s.mu.Unlock()
		if same {
			return nil
		}
		return StatusCannotUpdate
	default:
		s.mu.Unlock()
		return StatusCannotUpdate
	}

	keys, err := s.provider.DeriveNetKeys(key)
	if err != nil {
		s.mu.Unlock()
		return StatusCannotUpdate
	}
	sub.keys[1] = keys
	events := s.keyRefresh(sub, Phase1)
	s.mu.Unlock()

	s.emit(events...)
	return nil
}

// KRPhaseSet requests a key refresh phase transition and returns the
// resulting phase. Transitions outside the Key Refresh Phase table return
// StatusCannotUpdate and leave the subnet unchanged. Requesting the
// current phase succeeds without change. A transition to Phase3 revokes the
// old key, so the returned phase is PhaseNormal.
func (s *Store) KRPhaseSet(netIdx uint16, phase Phase) (Phase, error) {
	s.mu.Lock()
	sub := s.get(netIdx)
	if sub == nil {
		s.mu.Unlock()
		return PhaseNormal, StatusInvalidNetKey
	}
	if phase == sub.phase {
		s.mu.Unlock()
		return phase, nil
	}
	if !transitionAllowed(sub.phase, phase) {
		current := sub.phase
		s.mu.Unlock()
		if s.log != nil {
			s.log.Warnf("subnet 0x%03x: illegal key refresh transition %s -> %s", netIdx, current, phase)
		}
		return current, StatusCannotUpdate
	}

	events := s.keyRefresh(sub, phase)
	result := sub.phase
	s.mu.Unlock()

	s.emit(events...)
	return result, nil
}

// KRUpdate applies key refresh evidence from an authenticated secure network
// beacon. newKey reports whether the beacon authenticated with slot 1.
// Returns true if the phase changed.
//
// Phase1 moves to Phase2 on a KR=1 beacon, or straight to revocation on
// KR=0; Phase2 revokes on KR=0.
func (s *Store) KRUpdate(netIdx uint16, krFlag, newKey bool) bool {
	if !newKey {
		return false
	}

	s.mu.Lock()
	sub := s.get(netIdx)
	if sub == nil {
		s.mu.Unlock()
		return false
	}

	var events []Event
	switch {
	case sub.phase == Phase1 && krFlag:
		events = s.keyRefresh(sub, Phase2)
	case sub.phase == Phase1, sub.phase == Phase2 && !krFlag:
		events = s.keyRefresh(sub, Phase3)
	default:
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	s.emit(events...)
	return true
}

// keyRefresh performs a phase change. Caller holds the lock.
func (s *Store) keyRefresh(sub *subnet, phase Phase) []Event {
	var typ EventType
	switch phase {
	case Phase1:
		sub.phase = Phase1
		s.friendsUpdated(sub)
		typ = EventUpdated
	case Phase2:
		sub.phase = Phase2
		typ = EventSwapped
	case Phase3, PhaseNormal:
		if sub.phase == PhaseNormal {
			return nil
		}
		sub.keys[0].Destroy()
		sub.keys[0] = sub.keys[1]
		sub.keys[1] = nil
		sub.phase = PhaseNormal
		s.friendsRevoked(sub.netIdx)
		typ = EventRevoked
	default:
		return nil
	}
	return []Event{{Type: typ, NetIndex: sub.netIdx, Phase: sub.phase}}
}

// Del destroys a subnet, its key material and every friendship on it.
func (s *Store) Del(netIdx uint16) error {
	s.mu.Lock()
	for i, sub := range s.subnets {
		if sub == nil || sub.netIdx != netIdx {
			continue
		}
		s.del(i)
		s.mu.Unlock()

		s.emit(Event{Type: EventDeleted, NetIndex: netIdx, Phase: PhaseNormal})
		return nil
	}
	s.mu.Unlock()
	return StatusInvalidNetKey
}

// del frees slab position i. Caller holds the lock.
func (s *Store) del(i int) {
	sub := s.subnets[i]
	s.friendsDeleted(sub.netIdx)
	sub.destroy()
	sub.netIdx = NetIndexUnused
	s.subnets[i] = nil
}

// Clear deletes every subnet, raising EventDeleted for each.
func (s *Store) Clear() {
	s.mu.Lock()
	var events []Event
	for i, sub := range s.subnets {
		if sub == nil {
			continue
		}
		events = append(events, Event{Type: EventDeleted, NetIndex: sub.netIdx, Phase: PhaseNormal})
		s.del(i)
	}
	s.mu.Unlock()

	s.emit(events...)
}

// Set restores a subnet from its persistent record. No events are raised.
// newKey must be present exactly when phase is not PhaseNormal.
func (s *Store) Set(netIdx uint16, phase Phase, oldKey, newKey []byte) error {
	if netIdx > MaxNetIndex || phase > Phase2 || oldKey == nil {
		return ErrInvalidRecord
	}
	if (phase == PhaseNormal) != (newKey == nil) {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, pos := s.alloc(netIdx)
	if sub != nil {
		return ErrAlreadyExists
	}
	if pos < 0 {
		return StatusInsuffResources
	}

	sub = &subnet{
		netIdx: netIdx,
		phase:  phase,
		nodeID: s.initialNodeID(),
	}
	for i, raw := range [2][]byte{oldKey, newKey} {
		if raw == nil {
			continue
		}
		keys, err := s.provider.DeriveNetKeys(raw)
		if err != nil {
			sub.destroy()
			return err
		}
		sub.keys[i] = keys
	}
	s.subnets[pos] = sub
	return nil
}

// Record returns the persistent form of a subnet.
func (s *Store) Record(netIdx uint16) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub := s.get(netIdx)
	if sub == nil {
		return Record{}, false
	}
	r := Record{NetIndex: sub.netIdx, Phase: sub.phase}
	for i, k := range sub.keys {
		if k != nil {
			r.Keys[i] = k.NetKey.Bytes()
		}
	}
	return r, true
}

// Get returns a snapshot of a subnet.
func (s *Store) Get(netIdx uint16) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub := s.get(netIdx)
	if sub == nil {
		return Info{}, false
	}
	return sub.info(), true
}

// Exists reports whether a subnet with netIdx is live.
func (s *Store) Exists(netIdx uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(netIdx) != nil
}

// Primary returns the primary subnet, if present.
func (s *Store) Primary() (Info, bool) {
	return s.Get(PrimaryNetIndex)
}

// Count returns the number of live subnets.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, sub := range s.subnets {
		if sub != nil {
			n++
		}
	}
	return n
}

// Indexes returns the indexes of all live subnets in slab order.
func (s *Store) Indexes() []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []uint16
	for _, sub := range s.subnets {
		if sub != nil {
			out = append(out, sub.netIdx)
		}
	}
	return out
}

// ForEach calls fn with a snapshot of every live subnet.
func (s *Store) ForEach(fn func(Info)) {
	s.mu.RLock()
	infos := make([]Info, 0, len(s.subnets))
	for _, sub := range s.subnets {
		if sub != nil {
			infos = append(infos, sub.info())
		}
	}
	s.mu.RUnlock()

	for _, info := range infos {
		fn(info)
	}
}

// Next returns the live subnet following after in slab order, wrapping
// around. It is used to round-robin beacon transmission. If after is not
// live (for example NetIndexUnused) the first live subnet is returned.
func (s *Store) Next(after uint16) (uint16, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.subnets)
	start := 0
	for i, sub := range s.subnets {
		if sub != nil && sub.netIdx == after {
			start = i + 1
			break
		}
	}
	for i := 0; i < n; i++ {
		sub := s.subnets[(start+i)%n]
		if sub != nil {
			return sub.netIdx, true
		}
	}
	return NetIndexUnused, false
}

// Find returns the first (subnet, slot) for which pred returns true.
// Slots are offered in slab order, slot 0 before slot 1. pred runs without
// the store lock held.
func (s *Store) Find(pred func(*Match) bool) (Match, bool) {
	s.mu.RLock()
	var matches []Match
	for _, sub := range s.subnets {
		if sub == nil {
			continue
		}
		for slot, k := range sub.keys {
			if k != nil {
				matches = append(matches, newMatch(sub, slot))
			}
		}
	}
	s.mu.RUnlock()

	for i := range matches {
		if pred(&matches[i]) {
			return matches[i], true
		}
	}
	return Match{}, false
}

// Flags returns the net flags octet for a subnet's secure network beacon.
func (s *Store) Flags(netIdx uint16, ivUpdate bool) uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var flags uint8
	if sub := s.get(netIdx); sub != nil && sub.phase == Phase2 {
		flags |= FlagKeyRefresh
	}
	if ivUpdate {
		flags |= FlagIVUpdate
	}
	return flags
}

// TxCredentials returns the normal credentials a subnet transmits with.
func (s *Store) TxCredentials(netIdx uint16) (Candidate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub := s.get(netIdx)
	if sub == nil {
		return Candidate{}, false
	}
	slot := sub.txSlot()
	return Candidate{NetIndex: netIdx, Slot: slot, Cred: sub.keys[slot].Cred}, true
}

// Credentials returns the normal credentials of one slot.
func (s *Store) Credentials(netIdx uint16, slot int) (Candidate, bool) {
	if slot < 0 || slot > 1 {
		return Candidate{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sub := s.get(netIdx)
	if sub == nil || sub.keys[slot] == nil {
		return Candidate{}, false
	}
	return Candidate{NetIndex: netIdx, Slot: slot, Cred: sub.keys[slot].Cred}, true
}

// Candidates returns every credential set whose NID equals nid in search
// priority order. Per subnet, friendship credentials come before the normal
// credentials; within each, the slots follow the subnet's receive order.
func (s *Store) Candidates(nid uint8) []Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Candidate
	for _, sub := range s.subnets {
		if sub == nil {
			continue
		}
		slots := sub.rxSlots()
		for _, f := range s.friends {
			if f == nil || f.NetIndex != sub.netIdx {
				continue
			}
			for _, slot := range slots {
				if f.valid[slot] && f.cred[slot].NID == nid {
					out = append(out, Candidate{
						NetIndex:   sub.netIdx,
						Slot:       slot,
						Cred:       f.cred[slot],
						Friend:     true,
						Friendship: f.Friendship,
					})
				}
			}
		}
		for _, slot := range slots {
			if k := sub.keys[slot]; k != nil && k.Cred.NID == nid {
				out = append(out, Candidate{NetIndex: sub.netIdx, Slot: slot, Cred: k.Cred})
			}
		}
	}
	return out
}

// NodeIdentity returns the node identity state of a subnet.
func (s *Store) NodeIdentity(netIdx uint16) (NodeIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub := s.get(netIdx)
	if sub == nil {
		return NodeIdentityStopped, StatusInvalidNetKey
	}
	return sub.nodeID, nil
}

// SetNodeIdentity changes the node identity state and returns the
// resulting state. A subnet without proxy support stays NotSupported.
func (s *Store) SetNodeIdentity(netIdx uint16, id NodeIdentity) (NodeIdentity, error) {
	if id > NodeIdentityRunning {
		return NodeIdentityStopped, ErrInvalidNodeIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.get(netIdx)
	if sub == nil {
		return NodeIdentityStopped, StatusInvalidNetKey
	}
	if sub.nodeID != NodeIdentityNotSupported {
		sub.nodeID = id
	}
	return sub.nodeID, nil
}
