package message

import (
	"encoding/binary"

	"github.com/backkem/mesh/pkg/crypto"
)

// Codec performs network layer security processing with a crypto provider.
// It holds no key material; credentials are supplied per call so that one
// codec serves every subnet and friendship.
type Codec struct {
	provider crypto.Provider
}

// NewCodec creates a codec. A nil provider selects crypto.DefaultProvider.
func NewCodec(p crypto.Provider) *Codec {
	if p == nil {
		p = crypto.DefaultProvider
	}
	return &Codec{provider: p}
}

// Provider returns the provider backing the codec.
func (c *Codec) Provider() crypto.Provider {
	return c.provider
}

// Obfuscate XORs header bytes 1..6 (CTL/TTL, SEQ, SRC) with the privacy
// mask in place. The operation is its own inverse; it must run on a PDU
// whose encrypted section (bytes 7..13) is already final.
// Implements Mesh Profile Section 3.8.7.2.
func (c *Codec) Obfuscate(pdu []byte, privacyKey []byte, iv uint32) error {
	if len(pdu) < EncryptedOffset+PrivacyRandomSize {
		return ErrPDUTooShort
	}

	// Privacy Plaintext = 0x0000000000 || IV Index || Privacy Random
	var plain [crypto.BlockSize]byte
	binary.BigEndian.PutUint32(plain[5:9], iv)
	copy(plain[9:], pdu[EncryptedOffset:EncryptedOffset+PrivacyRandomSize])

	pecb, err := c.provider.ECBEncrypt(privacyKey, plain)
	if err != nil {
		return err
	}
	for i := 0; i < ObfuscatedSize; i++ {
		pdu[ObfuscatedOffset+i] ^= pecb[i]
	}
	return nil
}

// Encrypt secures DST || TransportPDU of a cleartext PDU and appends the
// NetMIC. The returned slice may share storage with pdu.
func (c *Codec) Encrypt(pdu []byte, cred *crypto.Credentials, iv uint32, t NonceType) ([]byte, error) {
	if len(pdu) <= HeaderSize {
		return nil, ErrPDUTooShort
	}
	micSize := MICSizeOf(pdu)
	if len(pdu)+micSize > MaxPDUSize {
		return nil, ErrPayloadTooBig
	}

	nonce, err := BuildNonce(t, pdu, iv)
	if err != nil {
		return nil, err
	}
	sealed, err := c.provider.AEADEncrypt(cred.EncKey[:], nonce[:], nil, pdu[EncryptedOffset:], micSize)
	if err != nil {
		return nil, err
	}

	out := append(pdu[:EncryptedOffset], sealed...)
	return out, nil
}

// Decrypt verifies and decrypts a deobfuscated PDU. It returns the cleartext
// PDU without the NetMIC in a new buffer.
func (c *Codec) Decrypt(pdu []byte, cred *crypto.Credentials, iv uint32, t NonceType) ([]byte, error) {
	micSize := MICSizeOf(pdu)
	if len(pdu) < HeaderSize+1+micSize {
		return nil, ErrPDUTooShort
	}

	nonce, err := BuildNonce(t, pdu, iv)
	if err != nil {
		return nil, err
	}
	plain, err := c.provider.AEADDecrypt(cred.EncKey[:], nonce[:], nil, pdu[EncryptedOffset:], micSize)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	out := make([]byte, EncryptedOffset+len(plain))
	copy(out, pdu[:EncryptedOffset])
	copy(out[EncryptedOffset:], plain)
	return out, nil
}

// Secure encrypts then obfuscates a cleartext PDU, producing the bytes that
// go on the air. The IVI bit and NID in byte 0 must already be set.
func (c *Codec) Secure(pdu []byte, cred *crypto.Credentials, iv uint32, t NonceType) ([]byte, error) {
	out, err := c.Encrypt(pdu, cred, iv, t)
	if err != nil {
		return nil, err
	}
	if err := c.Obfuscate(out, cred.PrivacyKey[:], iv); err != nil {
		return nil, err
	}
	return out, nil
}

// Open deobfuscates and decrypts a received PDU with one candidate set of
// credentials. raw is not modified. The returned PDU is cleartext and
// excludes the NetMIC.
func (c *Codec) Open(raw []byte, cred *crypto.Credentials, iv uint32, t NonceType) ([]byte, error) {
	if len(raw) < MinPDUSize {
		return nil, ErrPDUTooShort
	}
	if len(raw) > MaxPDUSize {
		return nil, ErrPDUTooLong
	}

	pdu := make([]byte, len(raw))
	copy(pdu, raw)
	if err := c.Obfuscate(pdu, cred.PrivacyKey[:], iv); err != nil {
		return nil, err
	}
	return c.Decrypt(pdu, cred, iv, t)
}

// CheckLength validates the size of a received PDU.
func CheckLength(raw []byte) error {
	switch {
	case len(raw) < MinPDUSize:
		return ErrPDUTooShort
	case len(raw) > MaxPDUSize:
		return ErrPDUTooLong
	}
	return nil
}
