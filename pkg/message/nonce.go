package message

import (
	"encoding/binary"

	"github.com/backkem/mesh/pkg/crypto"
)

// Nonce is a 13-byte AES-CCM nonce.
type Nonce [crypto.NonceSize]byte

// BuildNonce constructs the nonce for a cleartext network PDU
// (Mesh Profile Section 3.8.5). The PDU must carry its header bytes 1..6
// in the clear.
//
// Layouts:
//
//	Network:      0x00 | CTL/TTL | SEQ | SRC | 0x0000 | IV index
//	Proxy:        0x03 | 0x00    | SEQ | SRC | 0x0000 | IV index
//	Solicitation: 0x04 | 0x00    | SEQ | SRC | 0x0000 | 0x00000000
func BuildNonce(t NonceType, pdu []byte, iv uint32) (Nonce, error) {
	var n Nonce
	if !t.IsValid() {
		return n, ErrInvalidNonceType
	}
	if len(pdu) < EncryptedOffset {
		return n, ErrPDUTooShort
	}

	n[0] = byte(t)
	if t == NonceNetwork {
		n[1] = pdu[1]
	}
	copy(n[2:7], pdu[2:7])
	if t != NonceSolicitation {
		binary.BigEndian.PutUint32(n[9:13], iv)
	}
	return n, nil
}
