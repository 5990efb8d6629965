package cnst

// ActionType represents the type of collaboration action carried on the bus
type ActionType string

const (
	// ActionLease represents a lease request (or a heartbeat when no path is given)
	ActionLease ActionType = "lease"
	// ActionRelease represents the release of a session's lease
	ActionRelease ActionType = "release"
	// ActionUpdate represents an aggregated content update
	ActionUpdate ActionType = "update"
	// ActionExit represents a page edit session leaving the page
	ActionExit ActionType = "exit"
)

// Distributed reports whether the action has to be replicated to every cluster node.
// Content updates are observed by each node's own repository listener.
func (a ActionType) Distributed() bool {
	return a != ActionUpdate
}
