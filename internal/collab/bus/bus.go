package bus

import (
	"context"

	"github.com/amoylab/collab/internal/common/cnst"
)

// Event is a collaboration action replicated to the cluster nodes
type Event struct {
	Action       cnst.ActionType `json:"action"`
	Page         string          `json:"page"`
	SessionID    string          `json:"uid,omitempty"`
	UserID       string          `json:"user,omitempty"`
	Path         string          `json:"path,omitempty"`
	Paths        []string        `json:"paths,omitempty"`
	RefreshPaths []string        `json:"refreshPaths,omitempty"`
	// Origin is the id of the node that published the event
	Origin string `json:"origin,omitempty"`
}

// Bus carries collaboration actions to every node applying them
type Bus interface {
	// Publish sends the event. Actions that are not distributed only reach
	// the local subscriber.
	Publish(ctx context.Context, event *Event) error
	// Subscribe returns the events to apply on this node. The channel is
	// closed when ctx is done or the bus is closed.
	Subscribe(ctx context.Context) (<-chan *Event, error)
	// CanReceive returns true if the bus delivers events to this node
	CanReceive() bool
	// CanSend returns true if the bus accepts events from this node
	CanSend() bool
	// Close releases the bus resources
	Close() error
}
