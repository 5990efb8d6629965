package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/amoylab/collab/internal/common/cnst"
	"github.com/amoylab/collab/internal/common/config"
)

const localQueueSize = 256

// LocalBus implements Bus for a single node
type LocalBus struct {
	logger *zap.Logger
	role   config.BusRole
	nodeID string

	mu     sync.RWMutex
	queue  chan *Event
	closed bool
}

var _ Bus = (*LocalBus)(nil)

// NewLocalBus creates an in-process bus
func NewLocalBus(logger *zap.Logger, role config.BusRole, nodeID string) *LocalBus {
	return &LocalBus{
		logger: logger.Named("collab.bus.local"),
		role:   role,
		nodeID: nodeID,
		queue:  make(chan *Event, localQueueSize),
	}
}

// Publish implements Bus.Publish
func (b *LocalBus) Publish(ctx context.Context, event *Event) error {
	if !b.CanSend() {
		return cnst.ErrNotSender
	}
	if event.Origin == "" {
		event.Origin = b.nodeID
	}
	return b.deliver(ctx, event)
}

func (b *LocalBus) deliver(ctx context.Context, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return cnst.ErrConnectionClosed
	}

	select {
	case b.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe implements Bus.Subscribe
func (b *LocalBus) Subscribe(ctx context.Context) (<-chan *Event, error) {
	if !b.CanReceive() {
		return nil, cnst.ErrNotReceiver
	}

	ch := make(chan *Event, localQueueSize)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-b.queue:
				if !ok {
					return
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// CanReceive implements Bus.CanReceive
func (b *LocalBus) CanReceive() bool {
	return b.role == config.RoleReceiver || b.role == config.RoleBoth
}

// CanSend implements Bus.CanSend
func (b *LocalBus) CanSend() bool {
	return b.role == config.RoleSender || b.role == config.RoleBoth
}

// Close implements Bus.Close
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	return nil
}
