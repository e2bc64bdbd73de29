package message

import "errors"

// Network PDU errors.
var (
	// Framing errors
	ErrPDUTooShort   = errors.New("message: network PDU too short")
	ErrPDUTooLong    = errors.New("message: network PDU too long")
	ErrInvalidTTL    = errors.New("message: TTL out of range")
	ErrInvalidSeq    = errors.New("message: sequence number exceeds 24 bits")
	ErrPayloadTooBig = errors.New("message: transport payload too large")

	// Security errors
	ErrDecryptionFailed = errors.New("message: decryption/authentication failed")
	ErrInvalidNonceType = errors.New("message: invalid nonce type")
)

// Network PDU layout constants from Mesh Profile Section 3.4.4.
const (
	// HeaderSize is the size of IVI/NID, CTL/TTL, SEQ, SRC and DST.
	HeaderSize = 9

	// ObfuscatedOffset is the first obfuscated byte (CTL/TTL).
	ObfuscatedOffset = 1

	// ObfuscatedSize covers CTL/TTL, SEQ and SRC.
	ObfuscatedSize = 6

	// EncryptedOffset is the first encrypted byte (DST).
	EncryptedOffset = 7

	// PrivacyRandomSize is the number of encrypted bytes mixed into the
	// privacy random (PDU[7..14)).
	PrivacyRandomSize = 7

	// MICSizeAccess is the NetMIC size for access messages (CTL = 0).
	MICSizeAccess = 4

	// MICSizeControl is the NetMIC size for control messages (CTL = 1).
	MICSizeControl = 8

	// MinPDUSize is the shortest valid PDU: header, one transport byte and
	// the largest MIC.
	MinPDUSize = HeaderSize + 1 + MICSizeControl

	// MaxTransportSize is the largest access transport PDU on an advertising
	// bearer. Control PDUs are limited to MaxTransportSize-4 by the longer MIC.
	MaxTransportSize = 16

	// MaxPDUSize is the largest network PDU on an advertising bearer.
	MaxPDUSize = HeaderSize + MaxTransportSize + MICSizeAccess

	// DigestSize is the number of trailing bytes folded into the duplicate digest.
	DigestSize = 8
)

// Field limits.
const (
	// SeqMax is the largest 24-bit sequence number.
	SeqMax uint32 = 0xFFFFFF

	// TTLMax is the largest 7-bit TTL value.
	TTLMax uint8 = 0x7F

	// NIDMask masks the 7-bit NID tag.
	NIDMask uint8 = 0x7F
)
