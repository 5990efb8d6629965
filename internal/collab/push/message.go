package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/amoylab/collab/internal/collab/page"
)

// Kind identifies a message variant
type Kind string

const (
	KindLeaseGranted  Kind = "lease"
	KindLeaseReleased Kind = "release"
	KindContentUpdate Kind = "update"
	KindUserEntered   Kind = "userEnter"
	KindUserExited    Kind = "userExit"
	KindSetup         Kind = "setup"
	KindPing          Kind = "ping"
)

// Message is a push payload sent to the browsers of a page
type Message interface {
	Kind() Kind
}

// Lease tells who holds a content path
type Lease struct {
	Path string    `json:"path"`
	User page.User `json:"user"`
}

// Annotations summarizes the review annotations of a page
type Annotations struct {
	Count      int      `json:"count"`
	Components []string `json:"components"`
}

// Update is one content change as seen by the browser. Time is in unix milliseconds.
type Update struct {
	Paths        []string     `json:"paths"`
	RefreshPaths []string     `json:"refreshPaths"`
	Time         int64        `json:"time"`
	Annotations  *Annotations `json:"annotations,omitempty"`
}

// NewUpdate converts a stored page update
func NewUpdate(u page.Update, annotations *Annotations) Update {
	return Update{
		Paths:        u.Paths,
		RefreshPaths: u.RefreshPaths,
		Time:         u.Time.UnixMilli(),
		Annotations:  annotations,
	}
}

type (
	// LeaseGranted announces a new lease
	LeaseGranted struct{ Lease Lease }
	// LeaseReleased announces that a path became free
	LeaseReleased struct{ Path string }
	// ContentUpdate asks browsers to refresh content
	ContentUpdate struct{ Updates []Update }
	// UserEntered announces users joining the page
	UserEntered struct{ Users []page.User }
	// UserExited announces users who left the page, by user id
	UserExited struct{ UserIDs []string }
	// Setup is the first message of a connection with the whole page state
	Setup struct {
		Users   []page.User
		Leases  []Lease
		Updates []Update
	}
	// Ping keeps idle connections open
	Ping struct{}
)

func (LeaseGranted) Kind() Kind  { return KindLeaseGranted }
func (LeaseReleased) Kind() Kind { return KindLeaseReleased }
func (ContentUpdate) Kind() Kind { return KindContentUpdate }
func (UserEntered) Kind() Kind   { return KindUserEntered }
func (UserExited) Kind() Kind    { return KindUserExited }
func (Setup) Kind() Kind         { return KindSetup }
func (Ping) Kind() Kind          { return KindPing }

type release struct {
	Paths []string `json:"paths"`
}

// envelope is the JSON shape understood by the browser client
type envelope struct {
	Leases    []Lease     `json:"leases,omitempty"`
	Releases  []release   `json:"releases,omitempty"`
	Updates   []Update    `json:"updates,omitempty"`
	UserExit  []string    `json:"userExit,omitempty"`
	UserEnter []page.User `json:"userEnter,omitempty"`
	Setup     bool        `json:"setup,omitempty"`
}

var (
	dataPrefix = []byte("data: ")
	frameEnd   = []byte("\n\n")
	pingFrame  = []byte("event: ping\ndata: \n\n")
)

// ErrMalformedFrame is returned by Decode for frames it cannot parse
var ErrMalformedFrame = errors.New("malformed frame")

// Encode renders msg as one server-sent event frame
func Encode(msg Message) ([]byte, error) {
	var env envelope
	switch m := msg.(type) {
	case Ping, *Ping:
		return bytes.Clone(pingFrame), nil
	case LeaseGranted:
		env.Leases = []Lease{m.Lease}
	case LeaseReleased:
		env.Releases = []release{{Paths: []string{m.Path}}}
	case ContentUpdate:
		env.Updates = m.Updates
	case UserEntered:
		env.UserEnter = m.Users
	case UserExited:
		env.UserExit = m.UserIDs
	case Setup:
		env.Setup = true
		env.UserEnter = m.Users
		env.Leases = m.Leases
		env.Updates = m.Updates
	default:
		return nil, fmt.Errorf("unsupported message %T", msg)
	}

	// json.Marshal escapes newlines so the payload is a single data line
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", msg.Kind(), err)
	}
	frame := make([]byte, 0, len(dataPrefix)+len(payload)+len(frameEnd))
	frame = append(frame, dataPrefix...)
	frame = append(frame, payload...)
	return append(frame, frameEnd...), nil
}

// Decode parses a frame produced by Encode
func Decode(frame []byte) (Message, error) {
	if bytes.Equal(frame, pingFrame) {
		return Ping{}, nil
	}
	payload, ok := bytes.CutPrefix(frame, dataPrefix)
	if !ok {
		return nil, ErrMalformedFrame
	}
	payload, ok = bytes.CutSuffix(payload, frameEnd)
	if !ok {
		return nil, ErrMalformedFrame
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch {
	case env.Setup:
		return Setup{Users: env.UserEnter, Leases: env.Leases, Updates: env.Updates}, nil
	case len(env.Leases) == 1:
		return LeaseGranted{Lease: env.Leases[0]}, nil
	case len(env.Releases) == 1 && len(env.Releases[0].Paths) == 1:
		return LeaseReleased{Path: env.Releases[0].Paths[0]}, nil
	case len(env.Updates) > 0:
		return ContentUpdate{Updates: env.Updates}, nil
	case len(env.UserEnter) > 0:
		return UserEntered{Users: env.UserEnter}, nil
	case len(env.UserExit) > 0:
		return UserExited{UserIDs: env.UserExit}, nil
	}
	return nil, ErrMalformedFrame
}
