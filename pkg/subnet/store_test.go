package subnet

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/backkem/mesh/pkg/crypto"
)

// Network keys from the Mesh Profile sample data. key1 derives NID 0x68,
// key2 derives NID 0x7f.
const (
	key1Hex = "7dd7364cd842ad18c17c2b820c84c3d6"
	key2Hex = "f7a2a44f8e8a8029064f173ddc1e2b00"
	key3Hex = "000102030405060708090a0b0c0d0e0f"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("invalid hex %q: %v", s, err)
	}
	return b
}

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) listen(e Event) { r.events = append(r.events, e) }

func (r *eventRecorder) types() []EventType {
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newTestStore(t *testing.T, config StoreConfig) (*Store, *eventRecorder) {
	t.Helper()
	s, err := NewStore(config)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	rec := &eventRecorder{}
	s.AddListener(rec.listen)
	return s, rec
}

// storeInPhase returns a store holding subnet 0 in the given phase, with
// key1 as the old key and key2 as the new key.
func storeInPhase(t *testing.T, phase Phase) (*Store, *eventRecorder) {
	t.Helper()
	s, rec := newTestStore(t, StoreConfig{})
	if err := s.Add(0, mustHex(t, key1Hex)); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if phase >= Phase1 {
		if err := s.Update(0, mustHex(t, key2Hex)); err != nil {
			t.Fatalf("Update() error: %v", err)
		}
	}
	if phase >= Phase2 {
		if _, err := s.KRPhaseSet(0, Phase2); err != nil {
			t.Fatalf("KRPhaseSet(Phase2) error: %v", err)
		}
	}
	rec.events = nil
	return s, rec
}

func TestNewStoreInvalidConfig(t *testing.T) {
	if _, err := NewStore(StoreConfig{Capacity: -1}); err != ErrInvalidConfig {
		t.Errorf("negative capacity: error = %v, want %v", err, ErrInvalidConfig)
	}
}

func TestAdd(t *testing.T) {
	s, rec := newTestStore(t, StoreConfig{Capacity: 2})
	k1, k2, k3 := mustHex(t, key1Hex), mustHex(t, key2Hex), mustHex(t, key3Hex)

	if err := s.Add(0, k1); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	info, ok := s.Get(0)
	if !ok || info.Phase != PhaseNormal || !info.Slots[0].Valid || info.Slots[1].Valid {
		t.Fatalf("Get() = %+v, %v", info, ok)
	}
	if info.Slots[0].NID != 0x68 {
		t.Errorf("NID = 0x%02x, want 0x68", info.Slots[0].NID)
	}

	tests := []struct {
		name string
		idx  uint16
		key  []byte
		want Status
	}{
		{"same key is idempotent", 0, k1, StatusSuccess},
		{"different key", 0, k2, StatusIdxAlreadyStored},
		{"second subnet", 1, k2, StatusSuccess},
		{"store full", 2, k3, StatusInsuffResources},
		{"index out of range", 0x1000, k3, StatusInvalidNetKey},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := StatusOf(s.Add(tc.idx, tc.key)); got != tc.want {
				t.Errorf("Add() status = %s, want %s", got, tc.want)
			}
		})
	}

	want := []EventType{EventAdded, EventAdded}
	if got := rec.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if s.Count() != 2 {
		t.Errorf("Count() = %d, want 2", s.Count())
	}
}

func TestAddDerivationFailure(t *testing.T) {
	s, rec := newTestStore(t, StoreConfig{})
	if got := StatusOf(s.Add(0, make([]byte, 15))); got != StatusUnspecified {
		t.Errorf("short key status = %s, want %s", got, StatusUnspecified)
	}
	if s.Exists(0) || len(rec.events) != 0 {
		t.Error("failed Add left state behind")
	}
}

func TestUpdate(t *testing.T) {
	k1, k2, k3 := mustHex(t, key1Hex), mustHex(t, key2Hex), mustHex(t, key3Hex)

	tests := []struct {
		name  string
		phase Phase
		idx   uint16
		key   []byte
		want  Status
		after Phase
	}{
		{"unknown subnet", PhaseNormal, 5, k2, StatusInvalidNetKey, PhaseNormal},
		{"normal same key", PhaseNormal, 0, k1, StatusIdxAlreadyStored, PhaseNormal},
		{"normal new key", PhaseNormal, 0, k2, StatusSuccess, Phase1},
		{"phase1 same new key", Phase1, 0, k2, StatusSuccess, Phase1},
		{"phase1 other key", Phase1, 0, k3, StatusCannotUpdate, Phase1},
		{"phase2", Phase2, 0, k2, StatusCannotUpdate, Phase2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, rec := storeInPhase(t, tc.phase)
			if got := StatusOf(s.Update(tc.idx, tc.key)); got != tc.want {
				t.Errorf("Update() status = %s, want %s", got, tc.want)
			}
			info, _ := s.Get(0)
			if info.Phase != tc.after {
				t.Errorf("phase = %s, want %s", info.Phase, tc.after)
			}
			if tc.phase == PhaseNormal && tc.after == Phase1 {
				if len(rec.events) != 1 || rec.events[0].Type != EventUpdated {
					t.Errorf("events = %v, want [Updated]", rec.types())
				}
				if !info.Slots[1].Valid || info.Slots[1].NID != 0x7f {
					t.Errorf("slot 1 = %+v, want NID 0x7f", info.Slots[1])
				}
			} else if len(rec.events) != 0 {
				t.Errorf("unexpected events %v", rec.types())
			}
		})
	}
}

func TestKRPhaseSetLegality(t *testing.T) {
	phases := []Phase{PhaseNormal, Phase1, Phase2, Phase3, Phase(4)}
	legal := map[[2]Phase]Phase{
		{PhaseNormal, PhaseNormal}: PhaseNormal,
		{Phase1, Phase1}:           Phase1,
		{Phase1, Phase2}:           Phase2,
		{Phase1, Phase3}:           PhaseNormal,
		{Phase2, Phase2}:           Phase2,
		{Phase2, Phase3}:           PhaseNormal,
	}

	for _, from := range []Phase{PhaseNormal, Phase1, Phase2} {
		for _, to := range phases {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				s, _ := storeInPhase(t, from)
				before, _ := s.Record(0)

				got, err := s.KRPhaseSet(0, to)
				want, ok := legal[[2]Phase{from, to}]
				if !ok {
					if StatusOf(err) != StatusCannotUpdate {
						t.Fatalf("KRPhaseSet() error = %v, want %s", err, StatusCannotUpdate)
					}
					if got != from {
						t.Errorf("returned phase = %s, want %s", got, from)
					}
					after, _ := s.Record(0)
					if after.Phase != before.Phase || !bytes.Equal(after.Keys[0], before.Keys[0]) ||
						!bytes.Equal(after.Keys[1], before.Keys[1]) {
						t.Error("illegal transition changed state")
					}
					return
				}
				if err != nil {
					t.Fatalf("KRPhaseSet() error: %v", err)
				}
				if got != want {
					t.Errorf("returned phase = %s, want %s", got, want)
				}
			})
		}
	}

	s, _ := newTestStore(t, StoreConfig{})
	if _, err := s.KRPhaseSet(3, Phase2); StatusOf(err) != StatusInvalidNetKey {
		t.Errorf("unknown subnet: error = %v, want %s", err, StatusInvalidNetKey)
	}
}

func TestRevocationPromotesNewKey(t *testing.T) {
	s, rec := storeInPhase(t, Phase2)

	tx, _ := s.TxCredentials(0)
	if tx.Slot != 1 || tx.Cred.NID != 0x7f {
		t.Errorf("Phase2 TX = slot %d NID 0x%02x, want slot 1 NID 0x7f", tx.Slot, tx.Cred.NID)
	}

	phase, err := s.KRPhaseSet(0, Phase3)
	if err != nil || phase != PhaseNormal {
		t.Fatalf("KRPhaseSet(Phase3) = %s, %v", phase, err)
	}

	r, _ := s.Record(0)
	if !bytes.Equal(r.Keys[0], mustHex(t, key2Hex)) || r.Keys[1] != nil {
		t.Errorf("record after revoke = %+v", r)
	}
	info, _ := s.Get(0)
	if info.Slots[0].NID != 0x7f || info.Slots[1].Valid {
		t.Errorf("slots after revoke = %+v", info.Slots)
	}
	if len(s.Candidates(0x68)) != 0 {
		t.Error("old key still offered as a candidate")
	}
	if len(rec.events) != 1 || rec.events[0].Type != EventRevoked || rec.events[0].Phase != PhaseNormal {
		t.Errorf("events = %+v, want [Revoked]", rec.events)
	}
}

func TestKRUpdate(t *testing.T) {
	tests := []struct {
		name    string
		phase   Phase
		krFlag  bool
		newKey  bool
		changed bool
		after   Phase
		event   EventType
	}{
		{"old key ignored", Phase1, true, false, false, Phase1, 0},
		{"phase1 kr set", Phase1, true, true, true, Phase2, EventSwapped},
		{"phase1 kr clear skips phase2", Phase1, false, true, true, PhaseNormal, EventRevoked},
		{"phase2 kr set", Phase2, true, true, false, Phase2, 0},
		{"phase2 kr clear", Phase2, false, true, true, PhaseNormal, EventRevoked},
		{"normal", PhaseNormal, false, true, false, PhaseNormal, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, rec := storeInPhase(t, tc.phase)
			if got := s.KRUpdate(0, tc.krFlag, tc.newKey); got != tc.changed {
				t.Errorf("KRUpdate() = %v, want %v", got, tc.changed)
			}
			info, _ := s.Get(0)
			if info.Phase != tc.after {
				t.Errorf("phase = %s, want %s", info.Phase, tc.after)
			}
			if tc.changed {
				if len(rec.events) != 1 || rec.events[0].Type != tc.event {
					t.Errorf("events = %v, want [%s]", rec.types(), tc.event)
				}
			} else if len(rec.events) != 0 {
				t.Errorf("unexpected events %v", rec.types())
			}
		})
	}

	s, _ := newTestStore(t, StoreConfig{})
	if s.KRUpdate(9, false, true) {
		t.Error("KRUpdate() on unknown subnet reported a change")
	}
}

func TestDel(t *testing.T) {
	s, rec := storeInPhase(t, Phase1)
	if err := s.AddFriendship(Friendship{NetIndex: 0, Role: RoleFriend, LPNAddress: 0x0203, FriendAddress: 0x0405}); err != nil {
		t.Fatalf("AddFriendship() error: %v", err)
	}

	if err := s.Del(0); err != nil {
		t.Fatalf("Del() error: %v", err)
	}
	if s.Exists(0) || s.Count() != 0 {
		t.Error("subnet still present after Del")
	}
	if len(s.Friendships()) != 0 {
		t.Error("friendship survived subnet deletion")
	}
	if len(rec.events) != 1 || rec.events[0].Type != EventDeleted || rec.events[0].NetIndex != 0 {
		t.Errorf("events = %+v, want [Deleted 0]", rec.events)
	}
	if StatusOf(s.Del(0)) != StatusInvalidNetKey {
		t.Error("second Del() did not report InvalidNetKey")
	}

	// The freed slot is reusable.
	if err := s.Add(0, mustHex(t, key3Hex)); err != nil {
		t.Errorf("Add() after Del error: %v", err)
	}
}

func TestClear(t *testing.T) {
	s, rec := newTestStore(t, StoreConfig{})
	s.Add(0, mustHex(t, key1Hex))
	s.Add(7, mustHex(t, key2Hex))
	rec.events = nil

	s.Clear()
	if s.Count() != 0 {
		t.Errorf("Count() after Clear = %d", s.Count())
	}
	if len(rec.events) != 2 {
		t.Errorf("events = %v, want two Deleted", rec.types())
	}
}

func TestSetAndRecord(t *testing.T) {
	k1, k2 := mustHex(t, key1Hex), mustHex(t, key2Hex)

	s, rec := newTestStore(t, StoreConfig{})
	if err := s.Set(0x123, Phase1, k1, k2); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("Set() raised events %v", rec.types())
	}

	r, ok := s.Record(0x123)
	if !ok || r.Phase != Phase1 || !bytes.Equal(r.Keys[0], k1) || !bytes.Equal(r.Keys[1], k2) {
		t.Errorf("Record() = %+v, %v", r, ok)
	}

	tests := []struct {
		name     string
		idx      uint16
		phase    Phase
		old, new []byte
		want     error
	}{
		{"existing", 0x123, PhaseNormal, k1, nil, ErrAlreadyExists},
		{"normal with new key", 1, PhaseNormal, k1, k2, ErrInvalidRecord},
		{"phase1 without new key", 1, Phase1, k1, nil, ErrInvalidRecord},
		{"phase3", 1, Phase3, k1, k2, ErrInvalidRecord},
		{"no old key", 1, PhaseNormal, nil, nil, ErrInvalidRecord},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := s.Set(tc.idx, tc.phase, tc.old, tc.new); err != tc.want {
				t.Errorf("Set() error = %v, want %v", err, tc.want)
			}
		})
	}

	if _, ok := s.Record(0x999); ok {
		t.Error("Record() of unknown subnet succeeded")
	}
}

func TestNext(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{Capacity: 3})
	if _, ok := s.Next(NetIndexUnused); ok {
		t.Error("Next() on empty store succeeded")
	}

	s.Add(4, mustHex(t, key1Hex))
	s.Add(9, mustHex(t, key2Hex))

	seq := []uint16{}
	cur := NetIndexUnused
	for i := 0; i < 4; i++ {
		next, ok := s.Next(cur)
		if !ok {
			t.Fatal("Next() failed")
		}
		seq = append(seq, next)
		cur = next
	}
	if want := []uint16{4, 9, 4, 9}; fmt.Sprint(seq) != fmt.Sprint(want) {
		t.Errorf("Next() sequence = %v, want %v", seq, want)
	}

	if got := s.Indexes(); fmt.Sprint(got) != "[4 9]" {
		t.Errorf("Indexes() = %v, want [4 9]", got)
	}
}

func TestFind(t *testing.T) {
	s, _ := storeInPhase(t, Phase1)
	netID2 := mustHex(t, "ff046958233db014")

	m, ok := s.Find(func(m *Match) bool { return bytes.Equal(m.NetID[:], netID2) })
	if !ok {
		t.Fatal("Find() did not match the new key NetID")
	}
	if m.NetIndex != 0 || m.Slot != 1 || !m.NewKey() || m.Phase != Phase1 {
		t.Errorf("Find() = %+v", m)
	}

	netID1 := mustHex(t, "3ecaff672f673370")
	m, ok = s.Find(func(m *Match) bool { return bytes.Equal(m.NetID[:], netID1) })
	if !ok || m.NewKey() {
		t.Errorf("old key match = %+v, %v", m, ok)
	}
	wantBeacon := mustHex(t, "5423d967da639a99cb02231a83f7d254")
	if !bytes.Equal(m.BeaconKey[:], wantBeacon) {
		t.Errorf("BeaconKey = %x, want %x", m.BeaconKey, wantBeacon)
	}

	// The predicate may call back into the store.
	calls := 0
	_, ok = s.Find(func(m *Match) bool {
		if s.Exists(m.NetIndex) {
			calls++
		}
		return false
	})
	if ok || calls != 2 {
		t.Errorf("rejecting predicate: ok=%v calls=%d, want false 2", ok, calls)
	}
}

func TestFlags(t *testing.T) {
	tests := []struct {
		phase Phase
		ivu   bool
		want  uint8
	}{
		{PhaseNormal, false, 0x00},
		{PhaseNormal, true, FlagIVUpdate},
		{Phase1, false, 0x00},
		{Phase2, false, FlagKeyRefresh},
		{Phase2, true, FlagKeyRefresh | FlagIVUpdate},
	}
	for _, tc := range tests {
		s, _ := storeInPhase(t, tc.phase)
		if got := s.Flags(0, tc.ivu); got != tc.want {
			t.Errorf("Flags(%s, %v) = 0x%02x, want 0x%02x", tc.phase, tc.ivu, got, tc.want)
		}
	}
}

func TestNodeIdentity(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{GATTProxy: true})
	s.Add(0, mustHex(t, key1Hex))

	if id, _ := s.NodeIdentity(0); id != NodeIdentityStopped {
		t.Errorf("initial = %s, want Stopped", id)
	}
	if id, err := s.SetNodeIdentity(0, NodeIdentityRunning); err != nil || id != NodeIdentityRunning {
		t.Errorf("SetNodeIdentity(Running) = %s, %v", id, err)
	}
	if _, err := s.SetNodeIdentity(0, NodeIdentityNotSupported); err != ErrInvalidNodeIdentity {
		t.Errorf("SetNodeIdentity(NotSupported) error = %v", err)
	}
	if _, err := s.NodeIdentity(1); StatusOf(err) != StatusInvalidNetKey {
		t.Errorf("unknown subnet error = %v", err)
	}

	noProxy, _ := newTestStore(t, StoreConfig{})
	noProxy.Add(0, mustHex(t, key1Hex))
	if id, _ := noProxy.SetNodeIdentity(0, NodeIdentityRunning); id != NodeIdentityNotSupported {
		t.Errorf("without proxy = %s, want NotSupported", id)
	}
}

func TestListenerMayReenter(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{})
	var seen []Record
	s.AddListener(func(e Event) {
		if r, ok := s.Record(e.NetIndex); ok {
			seen = append(seen, r)
		}
	})

	s.Add(0, mustHex(t, key1Hex))
	s.Update(0, mustHex(t, key2Hex))
	if len(seen) != 2 || seen[1].Phase != Phase1 {
		t.Errorf("listener records = %+v", seen)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want Status
	}{
		{nil, StatusSuccess},
		{StatusCannotUpdate, StatusCannotUpdate},
		{fmt.Errorf("wrapped: %w", StatusIdxAlreadyStored), StatusIdxAlreadyStored},
		{errors.New("other"), StatusUnspecified},
		{crypto.ErrCryptoFailure, StatusUnspecified},
	}
	for _, tc := range tests {
		if got := StatusOf(tc.err); got != tc.want {
			t.Errorf("StatusOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if StatusCannotUpdate.Error() != "subnet: CannotUpdate" {
		t.Errorf("Error() = %q", StatusCannotUpdate.Error())
	}
}
