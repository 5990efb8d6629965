package change

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType is the kind of a repository mutation
type EventType string

const (
	NodeAdded       EventType = "node-added"
	NodeRemoved     EventType = "node-removed"
	NodeMoved       EventType = "node-moved"
	PropertyAdded   EventType = "property-added"
	PropertyChanged EventType = "property-changed"
	PropertyRemoved EventType = "property-removed"
)

var eventTypes = map[string]EventType{
	string(NodeAdded):       NodeAdded,
	string(NodeRemoved):     NodeRemoved,
	string(NodeMoved):       NodeMoved,
	string(PropertyAdded):   PropertyAdded,
	string(PropertyChanged): PropertyChanged,
	string(PropertyRemoved): PropertyRemoved,
}

// ParseEventType accepts "node-added" as well as "NODE_ADDED"
func ParseEventType(s string) (EventType, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	if t, ok := eventTypes[key]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Structural reports whether the event changes the node tree
func (t EventType) Structural() bool {
	return t == NodeAdded || t == NodeRemoved || t == NodeMoved
}

// Property reports whether the event changes a property
func (t EventType) Property() bool {
	return t == PropertyAdded || t == PropertyChanged || t == PropertyRemoved
}

// Known reports whether t is one of the mutation kinds above
func (t EventType) Known() bool {
	return t.Structural() || t.Property()
}

// UnmarshalJSON implements json.Unmarshaler
func (t *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEventType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Event is one raw repository mutation
type Event struct {
	Path string    `json:"path"`
	Type EventType `json:"type"`
	// MoveFrom and MoveTo are the absolute source and destination of a move
	MoveFrom string `json:"moveFrom,omitempty"`
	MoveTo   string `json:"moveTo,omitempty"`
}

// PageUpdate is the aggregated result for one page
type PageUpdate struct {
	Page         string   `json:"page"`
	Paths        []string `json:"paths"`
	RefreshPaths []string `json:"refreshPaths"`
}
