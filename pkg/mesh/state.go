package mesh

// NodeState represents the lifecycle state of a Node.
type NodeState int

const (
	// NodeStateUnprovisioned means the node holds no network keys.
	NodeStateUnprovisioned NodeState = iota

	// NodeStateProvisioned means the node is a member of a network but its
	// bearers are not running.
	NodeStateProvisioned

	// NodeStateRunning means the bearers are started.
	NodeStateRunning

	// NodeStateStopped means the node has been shut down.
	NodeStateStopped
)

// String returns a human-readable name for the state.
func (s NodeState) String() string {
	switch s {
	case NodeStateUnprovisioned:
		return "Unprovisioned"
	case NodeStateProvisioned:
		return "Provisioned"
	case NodeStateRunning:
		return "Running"
	case NodeStateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// IsProvisioned returns true if the node holds network keys.
func (s NodeState) IsProvisioned() bool {
	return s == NodeStateProvisioned || s == NodeStateRunning
}
