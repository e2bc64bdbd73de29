package message

// Header represents the cleartext network PDU header (Mesh Profile Section 3.4.4).
// All multi-byte fields are big-endian on the wire.
type Header struct {
	// IVI is the least significant bit of the IV index used to secure the PDU.
	IVI uint8

	// NID is the 7-bit tag of the credentials used to secure the PDU.
	NID uint8

	// CTL marks a control message; it selects the 64-bit NetMIC.
	CTL bool

	// TTL is the 7-bit time to live.
	TTL uint8

	// Seq is the 24-bit sequence number.
	Seq uint32

	Src Address
	Dst Address
}

// MICSize returns the NetMIC size selected by the CTL flag.
func (h *Header) MICSize() int {
	if h.CTL {
		return MICSizeControl
	}
	return MICSizeAccess
}

// Validate checks the field ranges.
func (h *Header) Validate() error {
	if h.TTL > TTLMax {
		return ErrInvalidTTL
	}
	if h.Seq > SeqMax {
		return ErrInvalidSeq
	}
	return nil
}

// EncodeTo writes the 9 header bytes into buf, which must be at least
// HeaderSize bytes long. Returns the number of bytes written.
func (h *Header) EncodeTo(buf []byte) int {
	buf[0] = (h.IVI&0x01)<<7 | h.NID&NIDMask
	buf[1] = h.TTL & TTLMax
	if h.CTL {
		buf[1] |= 0x80
	}
	buf[2] = byte(h.Seq >> 16)
	buf[3] = byte(h.Seq >> 8)
	buf[4] = byte(h.Seq)
	buf[5] = byte(h.Src >> 8)
	buf[6] = byte(h.Src)
	buf[7] = byte(h.Dst >> 8)
	buf[8] = byte(h.Dst)
	return HeaderSize
}

// Decode parses the header from cleartext (deobfuscated, decrypted) PDU bytes.
func (h *Header) Decode(pdu []byte) error {
	if len(pdu) < HeaderSize {
		return ErrPDUTooShort
	}
	h.IVI = IVI(pdu)
	h.NID = NID(pdu)
	h.CTL = CTL(pdu)
	h.TTL = TTL(pdu)
	h.Seq = Seq(pdu)
	h.Src = Src(pdu)
	h.Dst = Dst(pdu)
	return nil
}

// Field accessors on raw PDU bytes. IVI and NID are always in the clear;
// the remaining fields are only meaningful once the header is deobfuscated
// (and, for DST, decrypted).

// IVI returns the IV index parity bit.
func IVI(pdu []byte) uint8 { return pdu[0] >> 7 }

// NID returns the 7-bit credential tag.
func NID(pdu []byte) uint8 { return pdu[0] & NIDMask }

// CTL reports whether the PDU is a control message.
func CTL(pdu []byte) bool { return pdu[1]&0x80 != 0 }

// TTL returns the 7-bit TTL.
func TTL(pdu []byte) uint8 { return pdu[1] & TTLMax }

// Seq returns the 24-bit sequence number.
func Seq(pdu []byte) uint32 {
	return uint32(pdu[2])<<16 | uint32(pdu[3])<<8 | uint32(pdu[4])
}

// Src returns the source address.
func Src(pdu []byte) Address { return Address(pdu[5])<<8 | Address(pdu[6]) }

// Dst returns the destination address.
func Dst(pdu []byte) Address { return Address(pdu[7])<<8 | Address(pdu[8]) }

// MICSizeOf returns the NetMIC size of a cleartext PDU.
func MICSizeOf(pdu []byte) int {
	if CTL(pdu) {
		return MICSizeControl
	}
	return MICSizeAccess
}

// SetTTL rewrites the TTL of a cleartext PDU, leaving the CTL bit intact.
func SetTTL(pdu []byte, ttl uint8) {
	pdu[1] = pdu[1]&0x80 | ttl&TTLMax
}

// SetNID rewrites the NID, leaving the IVI bit intact.
func SetNID(pdu []byte, nid uint8) {
	pdu[0] = pdu[0]&0x80 | nid&NIDMask
}

// Message is a decoded network message: the header and the transport PDU.
// It is created per send or receive and never persisted.
type Message struct {
	Header
	Transport []byte
}

// Pack returns the cleartext PDU bytes: header followed by the transport PDU.
// The NetMIC is appended by Encrypt.
func (m *Message) Pack() ([]byte, error) {
	if err := m.Header.Validate(); err != nil {
		return nil, err
	}
	if len(m.Transport) == 0 {
		return nil, ErrPDUTooShort
	}
	pdu := make([]byte, HeaderSize+len(m.Transport), HeaderSize+len(m.Transport)+MICSizeControl)
	m.Header.EncodeTo(pdu)
	copy(pdu[HeaderSize:], m.Transport)
	return pdu, nil
}

// Unpack parses cleartext PDU bytes without the NetMIC.
func Unpack(pdu []byte) (*Message, error) {
	m := &Message{}
	if err := m.Header.Decode(pdu); err != nil {
		return nil, err
	}
	m.Transport = make([]byte, len(pdu)-HeaderSize)
	copy(m.Transport, pdu[HeaderSize:])
	return m, nil
}
