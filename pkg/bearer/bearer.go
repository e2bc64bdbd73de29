// Package bearer moves raw network PDUs between nodes. The network layer is
// bearer agnostic apart from the bearer kind, which selects the nonce type
// and the relay policy.
package bearer

import (
	"errors"
	"fmt"
)

// Kind is the network interface a PDU travels on.
type Kind uint8

const (
	// KindAdv is the advertising bearer, a broadcast medium.
	KindAdv Kind = iota

	// KindProxy carries network PDUs to and from GATT proxy clients.
	KindProxy

	// KindProxyConfig carries proxy configuration messages.
	KindProxyConfig

	// KindLocal is the loopback interface.
	KindLocal
)

// String returns a human-readable name for the bearer kind.
func (k Kind) String() string {
	switch k {
	case KindAdv:
		return "adv"
	case KindProxy:
		return "proxy"
	case KindProxyConfig:
		return "proxy-cfg"
	case KindLocal:
		return "local"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// IsBroadcast reports whether PDUs on this kind can be heard repeatedly,
// which makes them subject to the duplicate cache.
func (k Kind) IsBroadcast() bool {
	return k == KindAdv
}

// Handler receives raw PDUs from a bearer. The slice is only valid for the
// duration of the call.
type Handler func(pdu []byte, kind Kind)

// Bearer is a network interface.
type Bearer interface {
	// Kind returns the bearer kind.
	Kind() Kind

	// Start begins delivering received PDUs to h.
	Start(h Handler) error

	// Send transmits one PDU.
	Send(pdu []byte) error

	// Close stops the bearer and releases its resources.
	Close() error
}

// Bearer errors.
var (
	ErrClosed         = errors.New("bearer: closed")
	ErrAlreadyStarted = errors.New("bearer: already started")
	ErrNotStarted     = errors.New("bearer: not started")
	ErrPDUTooLarge    = errors.New("bearer: PDU too large")
	ErrNoPeers        = errors.New("bearer: no peers")
)
