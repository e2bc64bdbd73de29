// Package crypto provides the cryptographic toolbox for mesh network security.
// This implements the functions defined in Mesh Profile Section 3.8: the
// AES-CMAC based derivation functions s1, k1, k2 and k3, AES-CCM with 32 and
// 64 bit MICs, and the raw AES-ECB "e" function used for header obfuscation.
package crypto

import (
	"crypto/subtle"
	"errors"
)

// Key material sizes from Mesh Profile Section 3.8.
const (
	// KeySize is the size of every 128-bit mesh key in bytes.
	KeySize = 16

	// NetIDSize is the size of the public network identifier derived with k3.
	NetIDSize = 8

	// NonceSize is the AES-CCM nonce length used by all mesh nonce types.
	NonceSize = 13

	// BlockSize is the AES block size.
	BlockSize = 16
)

// Errors
var (
	ErrInvalidKeySize   = errors.New("crypto: invalid key size, must be 16 bytes")
	ErrInvalidNonceSize = errors.New("crypto: invalid nonce size, must be 13 bytes")
	ErrInvalidMICSize   = errors.New("crypto: invalid MIC size, must be 4 or 8 bytes")
	ErrKeyDestroyed     = errors.New("crypto: key has been destroyed")

	// ErrCryptoFailure is returned for every AEAD failure. It deliberately
	// does not distinguish a wrong key from a corrupted ciphertext.
	ErrCryptoFailure = errors.New("crypto: operation failed")
)

// Key is a 128-bit key handle that exclusively owns its material.
// A Key is never copied: moving it between holders transfers the pointer,
// and Destroy zeroizes the bytes so that no stale copy can be used.
type Key struct {
	b     [KeySize]byte
	valid bool
}

// NewKey copies raw into a new key handle.
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		return nil, ErrInvalidKeySize
	}
	k := &Key{valid: true}
	copy(k.b[:], raw)
	return k, nil
}

// Valid reports whether the key still holds material.
func (k *Key) Valid() bool {
	return k != nil && k.valid
}

// Bytes returns a copy of the key material, or nil once destroyed.
func (k *Key) Bytes() []byte {
	if !k.Valid() {
		return nil
	}
	out := make([]byte, KeySize)
	copy(out, k.b[:])
	return out
}

// Equal compares the key with raw material in constant time.
func (k *Key) Equal(raw []byte) bool {
	if !k.Valid() || len(raw) != KeySize {
		return false
	}
	return subtle.ConstantTimeCompare(k.b[:], raw) == 1
}

// Destroy zeroizes the key material. It is safe to call more than once.
func (k *Key) Destroy() {
	if k == nil {
		return
	}
	for i := range k.b {
		k.b[i] = 0
	}
	k.valid = false
}

// Credentials is the set of keys used to secure one network PDU:
// the NID tag, the encryption key and the privacy key. Both the regular
// network credentials and friendship credentials have this shape.
type Credentials struct {
	NID        uint8
	EncKey     [KeySize]byte
	PrivacyKey [KeySize]byte
}

// Zeroize clears all credential material.
func (c *Credentials) Zeroize() {
	c.NID = 0
	for i := range c.EncKey {
		c.EncKey[i] = 0
		c.PrivacyKey[i] = 0
	}
}

// NetKeys holds a network key and everything derived from it.
// See Mesh Profile Section 3.8.6.3.
type NetKeys struct {
	// NetKey is the raw network key. NetKeys owns it exclusively.
	NetKey *Key

	// Cred holds the master security credentials (k2 with P = 0x00).
	Cred Credentials

	// NetID is the public network identifier used to match beacons (k3).
	NetID [NetIDSize]byte

	IdentityKey      [KeySize]byte
	BeaconKey        [KeySize]byte
	PrivateBeaconKey [KeySize]byte
}

// Destroy zeroizes the network key and all derived material.
func (n *NetKeys) Destroy() {
	if n == nil {
		return
	}
	n.NetKey.Destroy()
	n.Cred.Zeroize()
	for i := range n.NetID {
		n.NetID[i] = 0
	}
	for i := range n.IdentityKey {
		n.IdentityKey[i] = 0
		n.BeaconKey[i] = 0
		n.PrivateBeaconKey[i] = 0
	}
}

// FriendParams identifies one friendship for credential derivation.
// See Mesh Profile Section 3.8.6.3.1.
type FriendParams struct {
	LPNAddress    uint16
	FriendAddress uint16
	LPNCounter    uint16
	FriendCounter uint16
}
