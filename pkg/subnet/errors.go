package subnet

import (
	"errors"
	"fmt"
)

// Status is a foundation model status code (Mesh Profile Section 4.3.5).
// Store operations return a Status as their error so that a configuration
// server can relay the code unchanged.
type Status uint8

const (
	StatusSuccess          Status = 0x00
	StatusInvalidNetKey    Status = 0x04
	StatusInsuffResources  Status = 0x05
	StatusIdxAlreadyStored Status = 0x06
	StatusCannotUpdate     Status = 0x0B
	StatusUnspecified      Status = 0x10
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusInvalidNetKey:
		return "InvalidNetKey"
	case StatusInsuffResources:
		return "InsufficientResources"
	case StatusIdxAlreadyStored:
		return "KeyIndexAlreadyStored"
	case StatusCannotUpdate:
		return "CannotUpdate"
	case StatusUnspecified:
		return "UnspecifiedError"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(s))
	}
}

// Error implements the error interface.
func (s Status) Error() string {
	return "subnet: " + s.String()
}

// StatusOf extracts the status code from an error returned by the store.
// A nil error is StatusSuccess; errors that carry no status map to
// StatusUnspecified.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusUnspecified
}

// Store errors that are not foundation status codes.
var (
	ErrInvalidConfig       = errors.New("subnet: invalid store configuration")
	ErrInvalidRecord       = errors.New("subnet: invalid subnet record")
	ErrInvalidNodeIdentity = errors.New("subnet: invalid node identity state")
	ErrAlreadyExists       = errors.New("subnet: subnet already exists")
	ErrFriendshipTableFull = errors.New("subnet: friendship table full")
	ErrFriendshipNotFound  = errors.New("subnet: friendship not found")
)
