package crypto

import (
	"crypto/aes"

	"github.com/pion/dtls/v3/pkg/crypto/ccm"
)

// MIC sizes used by the mesh network layer (Mesh Profile Section 3.4.4).
const (
	// MICSizeAccess is the NetMIC size for access messages (CTL = 0).
	MICSizeAccess = 4

	// MICSizeControl is the NetMIC size for control messages (CTL = 1).
	MICSizeControl = 8
)

func newCCM(key []byte, micSize int) (ccm.CCM, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if micSize != MICSizeAccess && micSize != MICSizeControl {
		return nil, ErrInvalidMICSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return ccm.NewCCM(block, micSize, NonceSize)
}

// AEADEncrypt encrypts and authenticates plaintext with AES-CCM.
// The result is ciphertext || MIC, with len(MIC) == micSize.
func AEADEncrypt(key, nonce, ad, plaintext []byte, micSize int) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceSize
	}
	c, err := newCCM(key, micSize)
	if err != nil {
		return nil, err
	}
	if len(plaintext) > c.MaxLength() {
		return nil, ErrCryptoFailure
	}
	return c.Seal(nil, nonce, plaintext, ad), nil
}

// AEADDecrypt verifies and decrypts ciphertext || MIC with AES-CCM.
// Any failure, including a MIC mismatch, yields ErrCryptoFailure.
func AEADDecrypt(key, nonce, ad, ciphertext []byte, micSize int) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceSize
	}
	c, err := newCCM(key, micSize)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < micSize {
		return nil, ErrCryptoFailure
	}
	plaintext, err := c.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return plaintext, nil
}

// ECBEncrypt is the security function e: a single AES-128 block encryption.
func ECBEncrypt(key []byte, plaintext [BlockSize]byte) ([BlockSize]byte, error) {
	var out [BlockSize]byte
	if len(key) != KeySize {
		return out, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return out, err
	}
	block.Encrypt(out[:], plaintext[:])
	return out, nil
}
