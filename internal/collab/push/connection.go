package push

import (
	"context"
	"sync"
	"time"

	"github.com/amoylab/collab/internal/common/cnst"
	"github.com/amoylab/collab/internal/common/config"
)

// Connection is one live push channel to a browser tab
type Connection interface {
	// ID returns the connection id, unique per process
	ID() string
	// Send hands a frame to the transport. It returns an error if the
	// connection is closed or the frame isn't accepted in time.
	Send(ctx context.Context, frame []byte) error
	// Close terminates the connection, it may be called more than once
	Close()
}

// StreamConnection implements Connection using a buffered frame queue that
// a streaming response drains.
type StreamConnection struct {
	id      string
	timeout time.Duration
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
}

var _ Connection = (*StreamConnection)(nil)

// NewStreamConnection creates a connection buffering up to queueSize frames
func NewStreamConnection(id string, queueSize int, sendTimeout time.Duration) *StreamConnection {
	if queueSize <= 0 {
		queueSize = config.DefaultQueueSize
	}
	if sendTimeout <= 0 {
		sendTimeout = config.DefaultSendTimeout
	}
	return &StreamConnection{
		id:      id,
		timeout: sendTimeout,
		frames:  make(chan []byte, queueSize),
		done:    make(chan struct{}),
	}
}

// ID implements Connection.ID
func (c *StreamConnection) ID() string {
	return c.id
}

// Send implements Connection.Send
func (c *StreamConnection) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return cnst.ErrConnectionClosed
	default:
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case c.frames <- frame:
		return nil
	case <-c.done:
		return cnst.ErrConnectionClosed
	case <-timer.C:
		return cnst.ErrSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Connection.Close. The frame queue stays open so a
// concurrent Send can never panic; readers watch Done instead.
func (c *StreamConnection) Close() {
	c.once.Do(func() { close(c.done) })
}

// Frames returns the queue of frames to write to the client
func (c *StreamConnection) Frames() <-chan []byte {
	return c.frames
}

// Done is closed once the connection is closed
func (c *StreamConnection) Done() <-chan struct{} {
	return c.done
}
