package network

import "errors"

// Receive path drops. Every rejection is a per-message drop; callers
// classify them with errors.Is.
var (
	// ErrMalformedPDU is returned for PDUs outside the valid length range.
	ErrMalformedPDU = errors.New("network: malformed PDU")

	// ErrNoMatchingCredentials is returned when no candidate key
	// authenticated the PDU. This is the normal outcome for traffic of
	// subnets the node is not a member of.
	ErrNoMatchingCredentials = errors.New("network: no matching credentials")

	// ErrReplay is returned for a (SRC, SEQ) pair already in the message cache.
	ErrReplay = errors.New("network: replayed message")

	// ErrDuplicate is returned for a raw PDU already seen on a broadcast bearer.
	ErrDuplicate = errors.New("network: duplicate PDU")

	// ErrInvalidAddressing is returned for a non-unicast or own source, or
	// an unassigned destination.
	ErrInvalidAddressing = errors.New("network: invalid addressing")

	// ErrProxyDisabled is returned for proxy bearer traffic that is not for
	// this node while the GATT proxy feature is disabled.
	ErrProxyDisabled = errors.New("network: proxy disabled")
)

// IV index update outcomes that leave the state unchanged.
var (
	ErrIVIndexOutOfSync = errors.New("network: IV index out of sync")
	ErrIVIndexMismatch  = errors.New("network: IV index mismatch during update")
	ErrIVNoChange       = errors.New("network: IV index state unchanged")
	ErrIVUpdateTooSoon  = errors.New("network: IV update before minimum duration")
	ErrIVUpdateDeferred = errors.New("network: IV update deferred until segmented transfers complete")

	// ErrIVRecoveryTooSoon is returned for a second recovery within twice
	// the minimum IV update duration of the previous one.
	ErrIVRecoveryTooSoon = errors.New("network: IV index recovery before minimum delay")
)

// Send path and lifecycle errors.
var (
	// ErrTryAgain is returned by an UpperTransport that rejected a message
	// but wants to see a retransmission of it.
	ErrTryAgain = errors.New("network: try again")

	ErrLoopbackFull   = errors.New("network: loopback queue full")
	ErrSeqExhausted   = errors.New("network: sequence number space exhausted")
	ErrUnknownSubnet  = errors.New("network: unknown subnet")
	ErrTTLFilter      = errors.New("network: TTL 1 message to a non-local destination")
	ErrEmptyPayload   = errors.New("network: empty transport payload")
	ErrInvalidConfig  = errors.New("network: invalid configuration")
	ErrAlreadyStarted = errors.New("network: already started")
)
