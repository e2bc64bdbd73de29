// Package message implements the mesh network PDU format and its security
// processing: header layout, the three nonce types, header obfuscation,
// NetMIC encryption, and the message and duplicate caches that guard the
// receive path against replays.
//
// Spec References:
//   - Mesh Profile Section 3.4.4: Network PDU
//   - Mesh Profile Section 3.4.6.7: Network message cache
//   - Mesh Profile Section 3.8.5: Nonce
//   - Mesh Profile Section 3.8.7.2: Network layer obfuscation
package message

import "fmt"

// Address is a 16-bit mesh address (Mesh Profile Section 3.4.2).
type Address uint16

// Reserved and fixed group addresses.
const (
	AddrUnassigned Address = 0x0000

	AddrAllProxies Address = 0xFFFC
	AddrAllFriends Address = 0xFFFD
	AddrAllRelays  Address = 0xFFFE
	AddrAllNodes   Address = 0xFFFF
)

// IsUnassigned reports whether a is the unassigned address.
func (a Address) IsUnassigned() bool { return a == AddrUnassigned }

// IsUnicast reports whether a is a unicast element address (0x0001-0x7FFF).
func (a Address) IsUnicast() bool { return a != AddrUnassigned && a&0x8000 == 0 }

// IsVirtual reports whether a is a virtual address (0x8000-0xBFFF).
func (a Address) IsVirtual() bool { return a&0xC000 == 0x8000 }

// IsGroup reports whether a is a group address (0xC000-0xFFFF).
func (a Address) IsGroup() bool { return a&0xC000 == 0xC000 }

// IsFixedGroup reports whether a is one of the fixed group addresses.
func (a Address) IsFixedGroup() bool { return a >= AddrAllProxies }

// String returns the address in the conventional 0x%04x form.
func (a Address) String() string {
	return fmt.Sprintf("0x%04x", uint16(a))
}

// NonceType selects the nonce layout (Mesh Profile Section 3.8.5).
type NonceType uint8

const (
	// NonceNetwork secures PDUs on advertising and GATT bearers.
	NonceNetwork NonceType = 0x00

	// NonceProxy secures proxy configuration messages.
	NonceProxy NonceType = 0x03

	// NonceSolicitation secures proxy solicitation PDUs.
	NonceSolicitation NonceType = 0x04
)

// String returns a human-readable name for the nonce type.
func (n NonceType) String() string {
	switch n {
	case NonceNetwork:
		return "Network"
	case NonceProxy:
		return "Proxy"
	case NonceSolicitation:
		return "Solicitation"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(n))
	}
}

// IsValid returns true if the nonce type is a defined value.
func (n NonceType) IsValid() bool {
	return n == NonceNetwork || n == NonceProxy || n == NonceSolicitation
}
