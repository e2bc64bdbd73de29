package crypto

import (
	"bytes"
	"testing"
)

// RFC 3610 packet vectors #1 and #2 use a 13-byte nonce and an 8-byte MIC,
// the same parameters as mesh control messages.
var rfc3610Vectors = []struct {
	name       string
	key        string
	nonce      string
	aad        string
	plaintext  string
	ciphertext string
	tag        string
}{
	{
		name:       "RFC3610_Vector1",
		key:        "c0c1c2c3c4c5c6c7c8c9cacbcccdcecf",
		nonce:      "00000003020100a0a1a2a3a4a5",
		aad:        "0001020304050607",
		plaintext:  "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e",
		ciphertext: "588c979a61c663d2f066d0c2c0f989806d5f6b61dac384",
		tag:        "17e8d12cfdf926e0",
	},
	{
		name:       "RFC3610_Vector2",
		key:        "c0c1c2c3c4c5c6c7c8c9cacbcccdcecf",
		nonce:      "00000004030201a0a1a2a3a4a5",
		aad:        "0001020304050607",
		plaintext:  "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		ciphertext: "72c91a36e135f8cf291ca894085c87e3cc15c439c9e43a3b",
		tag:        "a091d56e10400916",
	},
}

func TestAEADVectors(t *testing.T) {
	for _, tv := range rfc3610Vectors {
		t.Run(tv.name, func(t *testing.T) {
			key := mustHex(t, tv.key)
			nonce := mustHex(t, tv.nonce)
			aad := mustHex(t, tv.aad)
			plaintext := mustHex(t, tv.plaintext)
			want := append(mustHex(t, tv.ciphertext), mustHex(t, tv.tag)...)

			got, err := AEADEncrypt(key, nonce, aad, plaintext, MICSizeControl)
			if err != nil {
				t.Fatalf("AEADEncrypt() error: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("AEADEncrypt() = %x, want %x", got, want)
			}

			opened, err := AEADDecrypt(key, nonce, aad, got, MICSizeControl)
			if err != nil {
				t.Fatalf("AEADDecrypt() error: %v", err)
			}
			if !bytes.Equal(opened, plaintext) {
				t.Errorf("AEADDecrypt() = %x, want %x", opened, plaintext)
			}
		})
	}
}

func TestAEADRoundTripMICSizes(t *testing.T) {
	key := mustHex(t, "0953fa93e7caac9638f58820220a398e")
	nonce := mustHex(t, "00800000011201000012345678")
	body := mustHex(t, "fffd034b50057e400000010000")

	for _, micSize := range []int{MICSizeAccess, MICSizeControl} {
		ct, err := AEADEncrypt(key, nonce, nil, body, micSize)
		if err != nil {
			t.Fatalf("mic %d: AEADEncrypt() error: %v", micSize, err)
		}
		if len(ct) != len(body)+micSize {
			t.Errorf("mic %d: ciphertext length = %d, want %d", micSize, len(ct), len(body)+micSize)
		}
		pt, err := AEADDecrypt(key, nonce, nil, ct, micSize)
		if err != nil {
			t.Fatalf("mic %d: AEADDecrypt() error: %v", micSize, err)
		}
		if !bytes.Equal(pt, body) {
			t.Errorf("mic %d: round trip mismatch", micSize)
		}
	}
}

func TestAEADDecryptFailuresAreOpaque(t *testing.T) {
	key := mustHex(t, "0953fa93e7caac9638f58820220a398e")
	other := mustHex(t, "8b84eedec100067d670971dd2aa700cf")
	nonce := mustHex(t, "00800000011201000012345678")
	ct, err := AEADEncrypt(key, nonce, nil, []byte{0x01, 0x02, 0x03}, MICSizeAccess)
	if err != nil {
		t.Fatalf("AEADEncrypt() error: %v", err)
	}

	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0x01

	cases := []struct {
		name string
		key  []byte
		ct   []byte
	}{
		{"wrong key", other, ct},
		{"tampered", key, tampered},
		{"truncated", key, ct[:2]},
	}
	for _, c := range cases {
		if _, err := AEADDecrypt(c.key, nonce, nil, c.ct, MICSizeAccess); err != ErrCryptoFailure {
			t.Errorf("%s: error = %v, want %v", c.name, err, ErrCryptoFailure)
		}
	}
}

func TestAEADInvalidParams(t *testing.T) {
	key := make([]byte, KeySize)
	if _, err := AEADEncrypt(key, make([]byte, 12), nil, nil, MICSizeAccess); err != ErrInvalidNonceSize {
		t.Errorf("short nonce error = %v, want %v", err, ErrInvalidNonceSize)
	}
	if _, err := AEADEncrypt(key, make([]byte, NonceSize), nil, nil, 16); err != ErrInvalidMICSize {
		t.Errorf("mic 16 error = %v, want %v", err, ErrInvalidMICSize)
	}
	if _, err := AEADEncrypt(key[:8], make([]byte, NonceSize), nil, nil, MICSizeAccess); err != ErrInvalidKeySize {
		t.Errorf("short key error = %v, want %v", err, ErrInvalidKeySize)
	}
}

// FIPS-197 Appendix C.1.
func TestECBEncrypt(t *testing.T) {
	key := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	var in [BlockSize]byte
	copy(in[:], mustHex(t, "00112233445566778899aabbccddeeff"))

	out, err := ECBEncrypt(key, in)
	if err != nil {
		t.Fatalf("ECBEncrypt() error: %v", err)
	}
	want := mustHex(t, "69c4e0d86a7b0430d8cdb78070b4c55a")
	if !bytes.Equal(out[:], want) {
		t.Errorf("ECBEncrypt() = %x, want %x", out, want)
	}
}
