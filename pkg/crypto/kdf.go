package crypto

import (
	"crypto/aes"
	"encoding/binary"

	"github.com/aead/cmac"
)

// Derivation salts and info strings from Mesh Profile Section 3.8.6.3.
var (
	saltK2 = mustS1("smk2")
	saltK3 = mustS1("smk3")

	saltIdentity      = mustS1("nkik")
	saltBeacon        = mustS1("nkbk")
	saltPrivateBeacon = mustS1("nkpk")

	infoID64  = []byte("id64\x01")
	infoID128 = []byte("id128\x01")
)

// AESCMAC computes the 128-bit AES-CMAC of msg (RFC 4493).
func AESCMAC(key, msg []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cmac.Sum(msg, block, BlockSize)
}

// S1 is the salt generation function: s1(M) = AES-CMAC_ZERO(M).
func S1(m []byte) ([]byte, error) {
	var zero [KeySize]byte
	return AESCMAC(zero[:], m)
}

func mustS1(m string) []byte {
	salt, err := S1([]byte(m))
	if err != nil {
		// Only reachable with a broken AES implementation.
		panic(err)
	}
	return salt
}

// K1 is the key derivation function k1(N, SALT, P).
//
//	T  = AES-CMAC_SALT(N)
//	k1 = AES-CMAC_T(P)
func K1(n, salt, p []byte) ([]byte, error) {
	t, err := AESCMAC(salt, n)
	if err != nil {
		return nil, err
	}
	return AESCMAC(t, p)
}

// K2 is the network key material derivation function k2(N, P).
// It returns the 7-bit NID, the encryption key and the privacy key.
//
//	T  = AES-CMAC_s1("smk2")(N)
//	T1 = AES-CMAC_T(P || 0x01)
//	T2 = AES-CMAC_T(T1 || P || 0x02)
//	T3 = AES-CMAC_T(T2 || P || 0x03)
//	NID = T1 & 0x7F (last byte), EncKey = T2, PrivacyKey = T3
func K2(n, p []byte) (Credentials, error) {
	var cred Credentials
	if len(n) != KeySize {
		return cred, ErrInvalidKeySize
	}

	t, err := AESCMAC(saltK2, n)
	if err != nil {
		return cred, err
	}

	msg := make([]byte, 0, BlockSize+len(p)+1)
	msg = append(msg, p...)
	msg = append(msg, 0x01)
	t1, err := AESCMAC(t, msg)
	if err != nil {
		return cred, err
	}

	msg = append(msg[:0], t1...)
	msg = append(msg, p...)
	msg = append(msg, 0x02)
	t2, err := AESCMAC(t, msg)
	if err != nil {
		return cred, err
	}

	msg = append(msg[:0], t2...)
	msg = append(msg, p...)
	msg = append(msg, 0x03)
	t3, err := AESCMAC(t, msg)
	if err != nil {
		return cred, err
	}

	cred.NID = t1[BlockSize-1] & 0x7f
	copy(cred.EncKey[:], t2)
	copy(cred.PrivacyKey[:], t3)
	return cred, nil
}

// K3 derives the 64-bit public network identifier.
//
//	T  = AES-CMAC_s1("smk3")(N)
//	k3 = AES-CMAC_T("id64" || 0x01) mod 2^64
func K3(n []byte) ([NetIDSize]byte, error) {
	var id [NetIDSize]byte
	t, err := AESCMAC(saltK3, n)
	if err != nil {
		return id, err
	}
	out, err := AESCMAC(t, infoID64)
	if err != nil {
		return id, err
	}
	copy(id[:], out[BlockSize-NetIDSize:])
	return id, nil
}

// DeriveNetKeys derives the complete key set of a network key.
func DeriveNetKeys(netKey []byte) (*NetKeys, error) {
	key, err := NewKey(netKey)
	if err != nil {
		return nil, err
	}
	keys := &NetKeys{NetKey: key}

	if keys.Cred, err = K2(netKey, []byte{0x00}); err != nil {
		keys.Destroy()
		return nil, err
	}
	if keys.NetID, err = K3(netKey); err != nil {
		keys.Destroy()
		return nil, err
	}

	derived := []struct {
		salt []byte
		dst  []byte
	}{
		{saltIdentity, keys.IdentityKey[:]},
		{saltBeacon, keys.BeaconKey[:]},
		{saltPrivateBeacon, keys.PrivateBeaconKey[:]},
	}
	for _, d := range derived {
		out, err := K1(netKey, d.salt, infoID128)
		if err != nil {
			keys.Destroy()
			return nil, err
		}
		copy(d.dst, out)
	}

	return keys, nil
}

// DeriveFriendCredentials derives friendship security credentials:
// k2(NetKey, 0x01 || LPNAddress || FriendAddress || LPNCounter || FriendCounter).
func DeriveFriendCredentials(netKey []byte, params FriendParams) (Credentials, error) {
	p := make([]byte, 9)
	p[0] = 0x01
	binary.BigEndian.PutUint16(p[1:3], params.LPNAddress)
	binary.BigEndian.PutUint16(p[3:5], params.FriendAddress)
	binary.BigEndian.PutUint16(p[5:7], params.LPNCounter)
	binary.BigEndian.PutUint16(p[7:9], params.FriendCounter)
	return K2(netKey, p)
}
