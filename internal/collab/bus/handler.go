package bus

import (
	"context"
	"errors"
	"hash/fnv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amoylab/collab/internal/common/cnst"
	"github.com/amoylab/collab/internal/common/config"
)

// workerQueueSize is the number of events buffered per worker
const workerQueueSize = 64

// Collab is the part of the collaboration service that bus events drive
type Collab interface {
	Lease(ctx context.Context, page, sessionID, path, userID string) error
	Release(ctx context.Context, page, sessionID string) error
	Update(ctx context.Context, page string, paths, refreshPaths []string)
	Exit(ctx context.Context, page, sessionID string)
	AddSession(ctx context.Context, page, userID, sessionID string)
}

// Handler applies bus events to the local collaboration state
type Handler struct {
	logger  *zap.Logger
	collab  Collab
	workers int
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithWorkers sets the number of workers events are spread over by page
func WithWorkers(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.workers = n
		}
	}
}

// NewHandler creates a Handler
func NewHandler(logger *zap.Logger, collab Collab, opts ...HandlerOption) *Handler {
	h := &Handler{
		logger:  logger.Named("collab.bus.handler"),
		collab:  collab,
		workers: config.DefaultBusWorkers,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run applies events from b until ctx is done or the bus closes. Events of
// one page keep their order; a page whose broadcast waits on a slow
// connection only holds back the pages sharing its worker.
func (h *Handler) Run(ctx context.Context, b Bus) error {
	events, err := b.Subscribe(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	queues := make([]chan *Event, h.workers)
	for i := range queues {
		queue := make(chan *Event, workerQueueSize)
		queues[i] = queue
		g.Go(func() error {
			for event := range queue {
				h.Handle(ctx, event)
			}
			return nil
		})
	}
	for event := range events {
		if event == nil {
			continue
		}
		queues[workerOf(event.Page, len(queues))] <- event
	}
	for _, queue := range queues {
		close(queue)
	}
	return g.Wait()
}

func workerOf(page string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(page))
	return int(h.Sum32() % uint32(n))
}

// Handle applies one event. A session unknown to this node is registered
// and the action retried once.
func (h *Handler) Handle(ctx context.Context, event *Event) {
	if event == nil || event.Action == "" {
		h.logger.Debug("skipping event without action")
		return
	}
	logger := h.logger.With(
		zap.String("action", string(event.Action)),
		zap.String("page", event.Page),
		zap.String("session_id", event.SessionID),
		zap.String("origin", event.Origin))
	logger.Debug("consuming event")

	var err error
	switch event.Action {
	case cnst.ActionLease:
		err = h.retry(ctx, event, func() error {
			return h.collab.Lease(ctx, event.Page, event.SessionID, event.Path, event.UserID)
		})
		if errors.Is(err, cnst.ErrLeaseRejected) {
			logger.Info("rejecting lease", zap.String("path", event.Path))
			return
		}
	case cnst.ActionRelease:
		err = h.retry(ctx, event, func() error {
			return h.collab.Release(ctx, event.Page, event.SessionID)
		})
	case cnst.ActionUpdate:
		h.collab.Update(ctx, event.Page, event.Paths, event.RefreshPaths)
	case cnst.ActionExit:
		h.collab.Exit(ctx, event.Page, event.SessionID)
	default:
		logger.Debug("unknown action")
		return
	}
	if err != nil {
		logger.Error("failed to apply event", zap.Error(err))
	}
}

func (h *Handler) retry(ctx context.Context, event *Event, apply func() error) error {
	err := apply()
	if !errors.Is(err, cnst.ErrUnknownSession) {
		return err
	}
	h.logger.Debug("session unknown on this node, registering",
		zap.String("page", event.Page),
		zap.String("session_id", event.SessionID))
	h.collab.AddSession(ctx, event.Page, event.UserID, event.SessionID)
	return apply()
}
