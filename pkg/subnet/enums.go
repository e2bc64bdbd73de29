// Package subnet implements the subnet store: the set of live subnets, their
// two network key slots, the key refresh phase machine and the friendship
// credentials derived from each subnet key.
//
// Spec References:
//   - Mesh Profile Section 3.10.4: Key Refresh procedure
//   - Mesh Profile Section 4.2.14: Key Refresh Phase state
//   - Mesh Profile Section 3.8.6.3.1: Friendship security material
package subnet

import "fmt"

// Net key index limits (Mesh Profile Section 4.3.1.1).
const (
	// PrimaryNetIndex is the index of the primary subnet.
	PrimaryNetIndex uint16 = 0x000

	// MaxNetIndex is the largest 12-bit key index.
	MaxNetIndex uint16 = 0xFFF

	// NetIndexUnused marks a free slot.
	NetIndexUnused uint16 = 0xFFFF
)

// Phase is the key refresh phase of a subnet.
type Phase uint8

const (
	// PhaseNormal: only slot 0 is valid.
	PhaseNormal Phase = 0x00

	// Phase1: slot 1 holds the new key. TX uses the old key, RX accepts both.
	Phase1 Phase = 0x01

	// Phase2: TX uses the new key, RX accepts both.
	Phase2 Phase = 0x02

	// Phase3 is never a resting state. Requesting it revokes the old key.
	Phase3 Phase = 0x03
)

// String returns a human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "Normal"
	case Phase1:
		return "Phase1"
	case Phase2:
		return "Phase2"
	case Phase3:
		return "Phase3"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(p))
	}
}

// IsValid returns true if the phase is a defined value.
func (p Phase) IsValid() bool {
	return p <= Phase3
}

// validTransitions is the Key Refresh Phase transition table from
// Mesh Profile Section 4.2.14, indexed by the current phase. A subnet in
// PhaseNormal only enters key refresh through Update.
var validTransitions = [...]uint8{
	PhaseNormal: 0,
	Phase1:      1<<Phase2 | 1<<Phase3,
	Phase2:      1 << Phase3,
}

func transitionAllowed(from, to Phase) bool {
	if int(from) >= len(validTransitions) || !to.IsValid() {
		return false
	}
	return validTransitions[from]&(1<<to) != 0
}

// NodeIdentity is the node identity advertising sub-state of a subnet,
// consumed by a proxy server.
type NodeIdentity uint8

const (
	NodeIdentityStopped      NodeIdentity = 0x00
	NodeIdentityRunning      NodeIdentity = 0x01
	NodeIdentityNotSupported NodeIdentity = 0x02
)

// String returns a human-readable name for the node identity state.
func (n NodeIdentity) String() string {
	switch n {
	case NodeIdentityStopped:
		return "Stopped"
	case NodeIdentityRunning:
		return "Running"
	case NodeIdentityNotSupported:
		return "NotSupported"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(n))
	}
}

// Net flags octet bits carried in secure network beacons.
const (
	FlagKeyRefresh uint8 = 0x01
	FlagIVUpdate   uint8 = 0x02
)
