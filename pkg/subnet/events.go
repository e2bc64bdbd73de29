package subnet

import "fmt"

// EventType identifies a subnet key lifecycle change.
type EventType uint8

const (
	// EventAdded is raised when a subnet is created with Add.
	EventAdded EventType = iota

	// EventUpdated is raised when a new key enters slot 1 (Phase1).
	EventUpdated

	// EventSwapped is raised when TX moves to the new key (Phase2).
	EventSwapped

	// EventRevoked is raised when the old key is destroyed and the new key
	// is promoted to slot 0.
	EventRevoked

	// EventDeleted is raised when a subnet and all its keys are removed.
	EventDeleted
)

// String returns a human-readable name for the event type.
func (e EventType) String() string {
	switch e {
	case EventAdded:
		return "Added"
	case EventUpdated:
		return "Updated"
	case EventSwapped:
		return "Swapped"
	case EventRevoked:
		return "Revoked"
	case EventDeleted:
		return "Deleted"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(e))
	}
}

// Event describes one change to a subnet. Every event also means the
// persistent record of the subnet changed: EventDeleted asks for removal,
// all others for a store of Store.Record(NetIndex).
type Event struct {
	Type     EventType
	NetIndex uint16
	Phase    Phase
}

// Listener receives subnet events. Listeners run after the store lock is
// released and may call back into the store.
type Listener func(Event)
