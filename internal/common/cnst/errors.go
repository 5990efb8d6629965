package cnst

import "errors"

var (
	// ErrUnknownSession is returned when an operation references a page edit session
	// that isn't registered on the page
	ErrUnknownSession = errors.New("unknown session")
	// ErrLeaseRejected is returned when a content path is leased by another user
	ErrLeaseRejected = errors.New("lease rejected")
	// ErrConnectionClosed is returned when sending to a push connection that was closed
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendTimeout is returned when a push connection doesn't accept a frame in time
	ErrSendTimeout = errors.New("send timeout")
	// ErrProfileLookup is returned when a user profile cannot be resolved
	ErrProfileLookup = errors.New("profile lookup failed")
	// ErrNotReceiver is returned when a bus cannot receive events
	ErrNotReceiver = errors.New("bus cannot receive events")
	// ErrNotSender is returned when a bus cannot send events
	ErrNotSender = errors.New("bus cannot send events")
)
