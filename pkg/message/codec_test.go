package message

import (
	"bytes"
	"testing"

	"github.com/backkem/mesh/pkg/crypto"
)

const (
	sampleNetKey = "7dd7364cd842ad18c17c2b820c84c3d6"
	sampleIV     = 0x12345678
)

func sampleCredentials(t *testing.T) *crypto.Credentials {
	t.Helper()
	keys, err := crypto.DeriveNetKeys(mustHex(t, sampleNetKey))
	if err != nil {
		t.Fatalf("DeriveNetKeys() error: %v", err)
	}
	return &keys.Cred
}

// Mesh Profile Section 8.3.1, Message #1.
func sampleMessage1(t *testing.T) []byte {
	m := &Message{
		Header: Header{
			IVI: sampleIV & 1, NID: 0x68, CTL: true, TTL: 0,
			Seq: 0x000001, Src: 0x1201, Dst: AddrAllFriends,
		},
		Transport: mustHex(t, "034b50057e400000010000"),
	}
	pdu, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack() error: %v", err)
	}
	return pdu
}

func TestBuildNonce(t *testing.T) {
	pdu := mustHex(t, "68800000011201fffd")

	tests := []struct {
		name string
		typ  NonceType
		want string
	}{
		{"network", NonceNetwork, "00800000011201000012345678"},
		{"proxy", NonceProxy, "03000000011201000012345678"},
		{"solicitation", NonceSolicitation, "04000000011201000000000000"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n, err := BuildNonce(tc.typ, pdu, sampleIV)
			if err != nil {
				t.Fatalf("BuildNonce() error: %v", err)
			}
			if want := mustHex(t, tc.want); !bytes.Equal(n[:], want) {
				t.Errorf("BuildNonce() = %x, want %x", n, want)
			}
		})
	}

	if _, err := BuildNonce(NonceType(0x01), pdu, sampleIV); err != ErrInvalidNonceType {
		t.Errorf("type 0x01: error = %v, want %v", err, ErrInvalidNonceType)
	}
}

func TestSecureSampleMessage1(t *testing.T) {
	c := NewCodec(nil)
	cred := sampleCredentials(t)

	got, err := c.Secure(sampleMessage1(t), cred, sampleIV, NonceNetwork)
	if err != nil {
		t.Fatalf("Secure() error: %v", err)
	}
	want := mustHex(t, "68eca487516765b5e5bfdacbaf6cb7fb6bff871f035444ce83a670df")
	if !bytes.Equal(got, want) {
		t.Errorf("Secure() = %x\nwant       %x", got, want)
	}
}

func TestOpenSampleMessage1(t *testing.T) {
	c := NewCodec(nil)
	cred := sampleCredentials(t)
	raw := mustHex(t, "68eca487516765b5e5bfdacbaf6cb7fb6bff871f035444ce83a670df")
	orig := append([]byte(nil), raw...)

	pdu, err := c.Open(raw, cred, sampleIV, NonceNetwork)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !bytes.Equal(raw, orig) {
		t.Error("Open() modified its input")
	}
	if want := sampleMessage1(t); !bytes.Equal(pdu, want) {
		t.Errorf("Open() = %x, want %x", pdu, want)
	}

	// Wrong IV index or nonce type must fail authentication.
	if _, err := c.Open(raw, cred, sampleIV+1, NonceNetwork); err != ErrDecryptionFailed {
		t.Errorf("wrong IV: error = %v, want %v", err, ErrDecryptionFailed)
	}
	if _, err := c.Open(raw, cred, sampleIV, NonceProxy); err != ErrDecryptionFailed {
		t.Errorf("proxy nonce: error = %v, want %v", err, ErrDecryptionFailed)
	}
}

func TestObfuscateIsInvolution(t *testing.T) {
	c := NewCodec(nil)
	cred := sampleCredentials(t)

	pdu := mustHex(t, "68800000011201b5e5bfdacbaf6cb7fb6bff871f035444ce83a670df")
	orig := append([]byte(nil), pdu...)

	if err := c.Obfuscate(pdu, cred.PrivacyKey[:], sampleIV); err != nil {
		t.Fatalf("Obfuscate() error: %v", err)
	}
	if want := mustHex(t, "eca487516765"); !bytes.Equal(pdu[1:7], want) {
		t.Errorf("obfuscated header = %x, want %x", pdu[1:7], want)
	}
	if !bytes.Equal(pdu[7:], orig[7:]) || pdu[0] != orig[0] {
		t.Error("Obfuscate() touched bytes outside 1..6")
	}

	if err := c.Obfuscate(pdu, cred.PrivacyKey[:], sampleIV); err != nil {
		t.Fatalf("Obfuscate() error: %v", err)
	}
	if !bytes.Equal(pdu, orig) {
		t.Errorf("double Obfuscate() = %x, want %x", pdu, orig)
	}
}

func TestSecureOpenRoundTrip(t *testing.T) {
	c := NewCodec(nil)
	cred := sampleCredentials(t)

	tests := []struct {
		name      string
		ctl       bool
		transport int
		typ       NonceType
	}{
		{"access min", false, 6, NonceNetwork},
		{"access max", false, MaxTransportSize, NonceNetwork},
		{"control max", true, MaxTransportSize - 4, NonceNetwork},
		{"proxy config", true, 4, NonceProxy},
		{"solicitation", false, 10, NonceSolicitation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			transport := make([]byte, tc.transport)
			for i := range transport {
				transport[i] = byte(i + 1)
			}
			m := &Message{
				Header:    Header{NID: cred.NID, CTL: tc.ctl, TTL: 5, Seq: 0x0a0b0c, Src: 0x0042, Dst: 0xc001},
				Transport: transport,
			}
			pdu, err := m.Pack()
			if err != nil {
				t.Fatalf("Pack() error: %v", err)
			}
			want := append([]byte(nil), pdu...)

			raw, err := c.Secure(pdu, cred, 7, tc.typ)
			if err != nil {
				t.Fatalf("Secure() error: %v", err)
			}
			if len(raw) != len(want)+m.MICSize() {
				t.Errorf("secured length = %d, want %d", len(raw), len(want)+m.MICSize())
			}

			got, err := c.Open(raw, cred, 7, tc.typ)
			if err != nil {
				t.Fatalf("Open() error: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("Open() = %x, want %x", got, want)
			}
		})
	}
}

func TestEncryptRejectsOversize(t *testing.T) {
	c := NewCodec(nil)
	cred := sampleCredentials(t)

	m := &Message{
		Header:    Header{NID: cred.NID, CTL: true, Src: 1, Dst: 2},
		Transport: make([]byte, MaxTransportSize),
	}
	pdu, _ := m.Pack()
	if _, err := c.Encrypt(pdu, cred, 0, NonceNetwork); err != ErrPayloadTooBig {
		t.Errorf("Encrypt() error = %v, want %v", err, ErrPayloadTooBig)
	}
}

func TestCheckLength(t *testing.T) {
	tests := []struct {
		n    int
		want error
	}{
		{MinPDUSize - 1, ErrPDUTooShort},
		{MinPDUSize, nil},
		{MaxPDUSize, nil},
		{MaxPDUSize + 1, ErrPDUTooLong},
	}
	for _, tc := range tests {
		if err := CheckLength(make([]byte, tc.n)); err != tc.want {
			t.Errorf("CheckLength(%d bytes) = %v, want %v", tc.n, err, tc.want)
		}
	}
}
