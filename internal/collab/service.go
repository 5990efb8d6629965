package collab

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amoylab/collab/internal/collab/annotation"
	"github.com/amoylab/collab/internal/collab/change"
	"github.com/amoylab/collab/internal/collab/page"
	"github.com/amoylab/collab/internal/collab/push"
	"github.com/amoylab/collab/internal/collab/users"
	"github.com/amoylab/collab/internal/common/cnst"
	"github.com/amoylab/collab/internal/common/config"
	"github.com/amoylab/collab/pkg/metrics"
	"github.com/amoylab/collab/pkg/trace"
)

// Service sequences page state changes and the messages they produce
type Service struct {
	logger      *zap.Logger
	cfg         config.CollabConfig
	registry    *push.Registry
	names       *users.Cached
	annotations annotation.Source
	aggregator  *change.Aggregator
	metrics     *metrics.Metrics
	now         func() time.Time

	// page path -> *page.State, entries live for the process lifetime
	pages sync.Map

	runningMu sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Service
type Option func(*Service)

// WithResolver sets the display name resolver
func WithResolver(r users.Resolver) Option {
	return func(s *Service) {
		s.names = users.NewCached(r, s.logger)
	}
}

// WithAnnotations sets the annotation summary source
func WithAnnotations(src annotation.Source) Option {
	return func(s *Service) {
		s.annotations = src
	}
}

// WithMetrics sets the collectors, nil disables them
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock replaces the wall clock of the service and its pages
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service pushing through registry
func NewService(logger *zap.Logger, cfg config.CollabConfig, registry *push.Registry, opts ...Option) *Service {
	if cfg.ExpirationWindow <= 0 {
		cfg.ExpirationWindow = config.DefaultExpirationWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = config.DefaultSweepInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = config.DefaultPingInterval
	}
	if cfg.SetupWindow <= 0 {
		cfg.SetupWindow = config.DefaultSetupWindow
	}
	s := &Service{
		logger:      logger.Named("collab.service"),
		cfg:         cfg,
		registry:    registry,
		annotations: annotation.Nop{},
		aggregator:  change.NewAggregator(logger),
		now:         time.Now,
	}
	s.names = users.NewCached(users.Static(nil), s.logger)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) page(path string) *page.State {
	if st, ok := s.pages.Load(path); ok {
		return st.(*page.State)
	}
	st, _ := s.pages.LoadOrStore(path, page.NewState(path,
		page.WithClock(s.now),
		page.WithExpiration(s.cfg.ExpirationWindow)))
	return st.(*page.State)
}

// HasPage reports whether the page was ever referenced
func (s *Service) HasPage(path string) bool {
	_, ok := s.pages.Load(path)
	return ok
}

// Lease requests path for the session. A blank path or the path the session
// already holds only counts as heartbeat.
func (s *Service) Lease(ctx context.Context, pagePath, sessionID, path, userID string) error {
	ctx, span := trace.Start(ctx, cnst.TraceCollab, cnst.SpanLease,
		attribute.String(cnst.AttrPage, pagePath),
		attribute.String(cnst.AttrSessionID, sessionID),
		attribute.String(cnst.AttrLeasePath, path))
	defer span.End()

	st := s.page(pagePath)
	if path == "" || path == st.CurrentLease(sessionID) {
		if err := st.Heartbeat(sessionID); err != nil {
			return err
		}
		s.metrics.LeaseResult("heartbeat")
		return nil
	}

	previous, err := st.AcquireLease(sessionID, path)
	if err != nil {
		if errors.Is(err, cnst.ErrLeaseRejected) {
			s.metrics.LeaseResult("rejected")
		}
		span.Fail(err)
		return err
	}
	s.metrics.LeaseResult("granted")

	if previous != "" && previous != path {
		s.registry.Broadcast(ctx, pagePath, push.LeaseReleased{Path: previous}, sessionID)
	}
	if userID == "" {
		if u, ok := st.User(sessionID); ok {
			userID = u.ID
		}
	}
	holder := page.User{ID: userID, Name: s.names.DisplayName(ctx, userID)}
	s.registry.Broadcast(ctx, pagePath, push.LeaseGranted{Lease: push.Lease{Path: path, User: holder}}, sessionID)
	return nil
}

// Release gives up the lease of the session
func (s *Service) Release(ctx context.Context, pagePath, sessionID string) error {
	ctx, span := trace.Start(ctx, cnst.TraceCollab, cnst.SpanRelease,
		attribute.String(cnst.AttrPage, pagePath),
		attribute.String(cnst.AttrSessionID, sessionID))
	defer span.End()

	path, err := s.page(pagePath).ReleaseLease(sessionID)
	if err != nil {
		return err
	}
	if path != "" {
		s.registry.Broadcast(ctx, pagePath, push.LeaseReleased{Path: path}, sessionID)
	}
	return nil
}

// Update records a content change and tells every browser of the page to refresh
func (s *Service) Update(ctx context.Context, pagePath string, paths, refreshPaths []string) {
	ctx, span := trace.Start(ctx, cnst.TraceCollab, cnst.SpanUpdate,
		attribute.String(cnst.AttrPage, pagePath))
	defer span.End()

	at := s.page(pagePath).AppendUpdate(paths, refreshPaths)
	s.metrics.ContentUpdated()

	var summary *push.Annotations
	sum, err := s.annotations.Summary(ctx, pagePath)
	if err != nil {
		s.logger.Warn("failed to compute annotation summary", zap.String("page", pagePath), zap.Error(err))
	} else if sum.Count > 0 {
		summary = &push.Annotations{Count: sum.Count, Components: sum.Components}
	}

	update := push.NewUpdate(page.Update{Paths: nonNil(paths), RefreshPaths: nonNil(refreshPaths), Time: at}, summary)
	s.registry.Broadcast(ctx, pagePath, push.ContentUpdate{Updates: []push.Update{update}}, "")
}

// Exit marks the session as gone, the sweep removes it
func (s *Service) Exit(ctx context.Context, pagePath, sessionID string) {
	ctx, span := trace.Start(ctx, cnst.TraceCollab, cnst.SpanExit,
		attribute.String(cnst.AttrPage, pagePath),
		attribute.String(cnst.AttrSessionID, sessionID))
	defer span.End()

	if path := s.page(pagePath).MarkExited(sessionID); path != "" {
		s.logger.Debug("session left, releasing lease",
			zap.String("page", pagePath),
			zap.String("session_id", sessionID))
		s.registry.Broadcast(ctx, pagePath, push.LeaseReleased{Path: path}, sessionID)
	}
}

// AddSession registers a session on the page and announces its user
func (s *Service) AddSession(ctx context.Context, pagePath, userID, sessionID string) {
	if userID == "" || sessionID == "" {
		s.logger.Error("cannot add session with missing data",
			zap.String("user_id", userID),
			zap.String("session_id", sessionID))
		return
	}
	name := s.names.DisplayName(ctx, userID)
	if s.page(pagePath).AddSession(sessionID, userID, name) {
		s.registry.Broadcast(ctx, pagePath, push.UserEntered{Users: []page.User{{ID: userID, Name: name}}}, "")
	}
}

// MayLease reports whether the session could lease path right now
func (s *Service) MayLease(pagePath, sessionID, path string) bool {
	return s.page(pagePath).MayLease(sessionID, path)
}

// Users returns the users present on the page
func (s *Service) Users(pagePath string) []page.User {
	return s.page(pagePath).Users()
}

// Leases returns the leases of the page, skipping the one of excludeSessionID
func (s *Service) Leases(pagePath, excludeSessionID string) map[string]page.User {
	return s.page(pagePath).Leases(excludeSessionID)
}

// Updates returns the updates of the page newer than minTime
func (s *Service) Updates(pagePath string, minTime time.Time) []page.Update {
	return s.page(pagePath).Updates(minTime)
}

// Open registers a push connection for the session and sends it the
// current page state.
func (s *Service) Open(ctx context.Context, pagePath, userID, sessionID string, conn push.Connection) error {
	ctx, span := trace.Start(ctx, cnst.TraceCollab, cnst.SpanOpen,
		attribute.String(cnst.AttrPage, pagePath),
		attribute.String(cnst.AttrSessionID, sessionID))
	defer span.End()

	s.AddSession(ctx, pagePath, userID, sessionID)
	s.registry.Register(pagePath, sessionID, conn)

	st := s.page(pagePath)
	setup := push.Setup{Users: st.Users()}
	for path, holder := range st.Leases(sessionID) {
		setup.Leases = append(setup.Leases, push.Lease{Path: path, User: holder})
	}
	sort.Slice(setup.Leases, func(i, j int) bool { return setup.Leases[i].Path < setup.Leases[j].Path })
	for _, u := range st.Updates(s.now().Add(-s.cfg.SetupWindow)) {
		setup.Updates = append(setup.Updates, push.NewUpdate(u, nil))
	}

	if err := s.registry.SendTo(ctx, conn, setup); err != nil {
		span.Fail(err)
		return err
	}
	return nil
}

// Close drops the connection, used when the stream ends
func (s *Service) Close(conn push.Connection) {
	s.registry.Drop(conn)
}

// HandleChanges aggregates repository mutations and updates the affected pages
func (s *Service) HandleChanges(ctx context.Context, events []change.Event) []change.PageUpdate {
	updates := s.aggregator.Aggregate(ctx, events, s.HasPage)
	for _, u := range updates {
		s.Update(ctx, u.Page, u.Paths, u.RefreshPaths)
	}
	return updates
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
