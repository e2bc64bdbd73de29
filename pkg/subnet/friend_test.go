package subnet

import (
	"bytes"
	"testing"

	"github.com/backkem/mesh/pkg/crypto"
)

// sameNIDProvider maps every key to one NID so that the credential search
// order can be observed.
type sameNIDProvider struct {
	crypto.SoftwareProvider
}

const sharedNID = 0x11

func (p sameNIDProvider) DeriveNetKeys(netKey []byte) (*crypto.NetKeys, error) {
	keys, err := p.SoftwareProvider.DeriveNetKeys(netKey)
	if err == nil {
		keys.Cred.NID = sharedNID
	}
	return keys, err
}

func (p sameNIDProvider) DeriveFriendCredentials(netKey []byte, params crypto.FriendParams) (crypto.Credentials, error) {
	cred, err := p.SoftwareProvider.DeriveFriendCredentials(netKey, params)
	cred.NID = sharedNID
	return cred, err
}

var testFriendship = Friendship{
	NetIndex:      0,
	Role:          RoleFriend,
	LPNAddress:    0x0203,
	FriendAddress: 0x0405,
	LPNCounter:    0x0607,
	FriendCounter: 0x0809,
}

type slotRef struct {
	friend bool
	slot   int
}

func candidateOrder(cands []Candidate) []slotRef {
	out := make([]slotRef, len(cands))
	for i, c := range cands {
		out[i] = slotRef{c.Friend, c.Slot}
	}
	return out
}

func TestCandidatesOrder(t *testing.T) {
	tests := []struct {
		name       string
		phase      Phase
		friendship bool
		want       []slotRef
	}{
		{"normal", PhaseNormal, false, []slotRef{{false, 0}}},
		{"phase1", Phase1, false, []slotRef{{false, 0}, {false, 1}}},
		{"phase2 old key first", Phase2, false, []slotRef{{false, 0}, {false, 1}}},
		{"friend before normal", PhaseNormal, true, []slotRef{{true, 0}, {false, 0}}},
		{"friend phase1", Phase1, true, []slotRef{{true, 0}, {true, 1}, {false, 0}, {false, 1}}},
		{"friend phase2", Phase2, true, []slotRef{{true, 0}, {true, 1}, {false, 0}, {false, 1}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestStore(t, StoreConfig{Provider: sameNIDProvider{}})
			s.Add(0, mustHex(t, key1Hex))
			if tc.friendship {
				if err := s.AddFriendship(testFriendship); err != nil {
					t.Fatalf("AddFriendship() error: %v", err)
				}
			}
			if tc.phase >= Phase1 {
				s.Update(0, mustHex(t, key2Hex))
			}
			if tc.phase == Phase2 {
				s.KRPhaseSet(0, Phase2)
			}

			got := candidateOrder(s.Candidates(sharedNID))
			if len(got) != len(tc.want) {
				t.Fatalf("Candidates() = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("Candidates()[%d] = %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestCandidatesNIDGated(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{})
	s.Add(0, mustHex(t, key1Hex))
	s.Add(1, mustHex(t, key2Hex))

	cands := s.Candidates(0x68)
	if len(cands) != 1 || cands[0].NetIndex != 0 {
		t.Errorf("Candidates(0x68) = %+v, want subnet 0 only", cands)
	}
	cands = s.Candidates(0x7f)
	if len(cands) != 1 || cands[0].NetIndex != 1 {
		t.Errorf("Candidates(0x7f) = %+v, want subnet 1 only", cands)
	}
	if len(s.Candidates(0x01)) != 0 {
		t.Error("Candidates() returned a non-matching NID")
	}
}

func TestFriendshipCredentials(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{})
	if StatusOf(s.AddFriendship(testFriendship)) != StatusInvalidNetKey {
		t.Error("AddFriendship() on unknown subnet succeeded")
	}

	// key2 with these parameters is the k2 friendship sample.
	s.Add(0, mustHex(t, key2Hex))
	if err := s.AddFriendship(testFriendship); err != nil {
		t.Fatalf("AddFriendship() error: %v", err)
	}

	c, ok := s.FriendCredentials(0, 0x0203)
	if !ok {
		t.Fatal("FriendCredentials() found nothing")
	}
	if c.Cred.NID != 0x73 || !c.Friend {
		t.Errorf("friend NID = 0x%02x friend=%v, want 0x73 true", c.Cred.NID, c.Friend)
	}
	if !bytes.Equal(c.Cred.EncKey[:], mustHex(t, "11efec0642774992510fb5929646df49")) {
		t.Errorf("EncKey = %x", c.Cred.EncKey)
	}
	if c.Friendship.Peer() != 0x0203 {
		t.Errorf("Peer() = 0x%04x", c.Friendship.Peer())
	}

	if _, ok := s.FriendCredentials(0, 0x0999); ok {
		t.Error("FriendCredentials() matched an unrelated destination")
	}
}

func TestFriendshipLPNFallback(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{})
	s.Add(0, mustHex(t, key1Hex))
	lpn := Friendship{NetIndex: 0, Role: RoleLPN, LPNAddress: 0x0010, FriendAddress: 0x0020}
	if err := s.AddFriendship(lpn); err != nil {
		t.Fatalf("AddFriendship() error: %v", err)
	}

	c, ok := s.FriendCredentials(0, 0xc000)
	if !ok || c.Friendship != lpn {
		t.Errorf("FriendCredentials() = %+v, %v, want LPN friendship", c, ok)
	}
	if lpn.Peer() != 0x0020 {
		t.Errorf("LPN Peer() = 0x%04x, want 0x0020", lpn.Peer())
	}
}

func TestFriendshipFollowsKeyRefresh(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{})
	s.Add(0, mustHex(t, key1Hex))
	s.AddFriendship(testFriendship)

	before, _ := s.FriendCredentials(0, testFriendship.LPNAddress)

	s.Update(0, mustHex(t, key2Hex))
	phase1, _ := s.FriendCredentials(0, testFriendship.LPNAddress)
	if phase1.Slot != 0 || phase1.Cred != before.Cred {
		t.Error("Phase1 friend TX credentials changed")
	}

	s.KRPhaseSet(0, Phase2)
	phase2, _ := s.FriendCredentials(0, testFriendship.LPNAddress)
	if phase2.Slot != 1 || phase2.Cred.NID != 0x73 {
		t.Errorf("Phase2 friend TX = slot %d NID 0x%02x, want slot 1 NID 0x73", phase2.Slot, phase2.Cred.NID)
	}

	s.KRPhaseSet(0, Phase3)
	after, _ := s.FriendCredentials(0, testFriendship.LPNAddress)
	if after.Slot != 0 || after.Cred != phase2.Cred {
		t.Error("revocation did not promote the friendship's new credentials")
	}
	for _, c := range s.Candidates(before.Cred.NID) {
		if c.Friend && c.Cred == before.Cred {
			t.Error("old friendship credentials still offered")
		}
	}
}

func TestFriendshipTable(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{FriendCapacity: 1})
	s.Add(0, mustHex(t, key1Hex))

	if err := s.AddFriendship(testFriendship); err != nil {
		t.Fatalf("AddFriendship() error: %v", err)
	}
	renewed := testFriendship
	renewed.FriendCounter++
	if err := s.AddFriendship(renewed); err != nil {
		t.Errorf("re-adding the same pair error: %v", err)
	}
	other := testFriendship
	other.LPNAddress = 0x0300
	if err := s.AddFriendship(other); err != ErrFriendshipTableFull {
		t.Errorf("full table error = %v, want %v", err, ErrFriendshipTableFull)
	}

	if got := s.Friendships(); len(got) != 1 || got[0] != renewed {
		t.Errorf("Friendships() = %+v, want [%+v]", got, renewed)
	}

	if err := s.RemoveFriendship(0, renewed.LPNAddress, renewed.FriendAddress); err != nil {
		t.Errorf("RemoveFriendship() error: %v", err)
	}
	if err := s.RemoveFriendship(0, renewed.LPNAddress, renewed.FriendAddress); err != ErrFriendshipNotFound {
		t.Errorf("second RemoveFriendship() error = %v, want %v", err, ErrFriendshipNotFound)
	}
}
