package crypto

// Provider is the black-box crypto service consumed by the network layer.
// Implementations may delegate to hardware or a secure element; the default
// implementation uses the software primitives of this package.
type Provider interface {
	// DeriveNetKeys derives NID, EncKey, PrivacyKey, NetID and the
	// identity/beacon keys from a raw network key.
	DeriveNetKeys(netKey []byte) (*NetKeys, error)

	// DeriveFriendCredentials derives friendship credentials from a raw
	// network key and the friendship parameters.
	DeriveFriendCredentials(netKey []byte, params FriendParams) (Credentials, error)

	// AEADEncrypt returns ciphertext || MIC.
	AEADEncrypt(key, nonce, ad, plaintext []byte, micSize int) ([]byte, error)

	// AEADDecrypt returns the plaintext, or ErrCryptoFailure.
	AEADDecrypt(key, nonce, ad, ciphertext []byte, micSize int) ([]byte, error)

	// ECBEncrypt encrypts a single block.
	ECBEncrypt(key []byte, block [BlockSize]byte) ([BlockSize]byte, error)
}

// SoftwareProvider implements Provider with the functions of this package.
type SoftwareProvider struct{}

// DefaultProvider is the provider used when none is configured.
var DefaultProvider Provider = SoftwareProvider{}

func (SoftwareProvider) DeriveNetKeys(netKey []byte) (*NetKeys, error) {
	return DeriveNetKeys(netKey)
}

func (SoftwareProvider) DeriveFriendCredentials(netKey []byte, params FriendParams) (Credentials, error) {
	return DeriveFriendCredentials(netKey, params)
}

func (SoftwareProvider) AEADEncrypt(key, nonce, ad, plaintext []byte, micSize int) ([]byte, error) {
	return AEADEncrypt(key, nonce, ad, plaintext, micSize)
}

func (SoftwareProvider) AEADDecrypt(key, nonce, ad, ciphertext []byte, micSize int) ([]byte, error) {
	return AEADDecrypt(key, nonce, ad, ciphertext, micSize)
}

func (SoftwareProvider) ECBEncrypt(key []byte, block [BlockSize]byte) ([BlockSize]byte, error) {
	return ECBEncrypt(key, block)
}
