package mesh

import "errors"

// Package-level errors.
var (
	// ErrNotProvisioned is returned when an operation requires a provisioned node.
	ErrNotProvisioned = errors.New("mesh: node not provisioned")

	// ErrAlreadyProvisioned is returned by Provision on a provisioned node.
	ErrAlreadyProvisioned = errors.New("mesh: node already provisioned")

	// ErrAlreadyStarted is returned when Start() is called on a running node.
	ErrAlreadyStarted = errors.New("mesh: node already started")

	// ErrNotStarted is returned when Stop() is called on an idle node.
	ErrNotStarted = errors.New("mesh: node not started")

	// ErrAlreadyStopped is returned when the node was stopped before.
	ErrAlreadyStopped = errors.New("mesh: node already stopped")

	// ErrStorageRequired is returned when Storage is nil.
	ErrStorageRequired = errors.New("mesh: storage is required")

	// ErrInvalidConfig is returned when NodeConfig validation fails.
	ErrInvalidConfig = errors.New("mesh: invalid configuration")

	// ErrInvalidAddress is returned for a primary address that is not unicast
	// or whose element range leaves the unicast space.
	ErrInvalidAddress = errors.New("mesh: invalid unicast address")
)
