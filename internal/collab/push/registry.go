package push

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amoylab/collab/pkg/metrics"
)

type binding struct {
	page      string
	sessionID string
	conn      Connection
}

// Registry keeps the live connections per page and session. A single
// mutex guards every index so drops that scan across pages stay consistent.
// Connections are indexed by ID, so any Connection type may be registered.
type Registry struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	pages    map[string]map[string]Connection
	sessions map[string]Connection
	bindings map[string]binding
}

// NewRegistry creates an empty Registry, m may be nil
func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		logger:   logger.Named("collab.push"),
		metrics:  m,
		pages:    make(map[string]map[string]Connection),
		sessions: make(map[string]Connection),
		bindings: make(map[string]binding),
	}
}

// Register binds conn to the session on page. A connection the session
// held before is dropped and closed, which happens when a browser reconnects.
func (r *Registry) Register(page, sessionID string, conn Connection) {
	r.mu.Lock()
	old, exists := r.sessions[sessionID]
	replaced := exists && old.ID() != conn.ID()
	if replaced {
		r.remove(old)
	}
	byPage, ok := r.pages[page]
	if !ok {
		byPage = make(map[string]Connection)
		r.pages[page] = byPage
	}
	byPage[sessionID] = conn
	r.sessions[sessionID] = conn
	r.bindings[conn.ID()] = binding{page: page, sessionID: sessionID, conn: conn}
	count := len(r.bindings)
	r.mu.Unlock()

	if replaced {
		r.logger.Debug("replaced connection of session",
			zap.String("session_id", sessionID),
			zap.String("old", old.ID()),
			zap.String("new", conn.ID()))
		old.Close()
	}
	r.metrics.SetConnections(count)
}

// Drop removes and closes conn. It is safe to call for unknown connections.
func (r *Registry) Drop(conn Connection) {
	r.mu.Lock()
	removed := r.remove(conn)
	count := len(r.bindings)
	r.mu.Unlock()

	if removed {
		r.metrics.SetConnections(count)
	}
	conn.Close()
}

// DropSession removes and closes the connection of the session, if any
func (r *Registry) DropSession(sessionID string) {
	r.mu.Lock()
	conn, ok := r.sessions[sessionID]
	if ok {
		r.remove(conn)
	}
	count := len(r.bindings)
	r.mu.Unlock()

	if ok {
		r.metrics.SetConnections(count)
		conn.Close()
	}
}

// remove must be called with mu held
func (r *Registry) remove(conn Connection) bool {
	id := conn.ID()
	b, ok := r.bindings[id]
	if !ok {
		return false
	}
	delete(r.bindings, id)
	if cur, ok := r.sessions[b.sessionID]; ok && cur.ID() == id {
		delete(r.sessions, b.sessionID)
	}
	if byPage, ok := r.pages[b.page]; ok {
		if cur, ok := byPage[b.sessionID]; ok && cur.ID() == id {
			delete(byPage, b.sessionID)
		}
		if len(byPage) == 0 {
			delete(r.pages, b.page)
		}
	}
	return true
}

// Broadcast sends msg to every connection of page except the one of
// excludeSessionID. Failing connections are dropped, never reported.
func (r *Registry) Broadcast(ctx context.Context, page string, msg Message, excludeSessionID string) {
	frame, err := Encode(msg)
	if err != nil {
		r.logger.Error("failed to encode message", zap.String("kind", string(msg.Kind())), zap.Error(err))
		return
	}

	r.mu.Lock()
	recipients := make([]Connection, 0, len(r.pages[page]))
	for sessionID, conn := range r.pages[page] {
		if excludeSessionID != "" && sessionID == excludeSessionID {
			continue
		}
		recipients = append(recipients, conn)
	}
	r.mu.Unlock()

	r.fanOut(ctx, recipients, frame)
	r.metrics.MessageSent(string(msg.Kind()))
}

// SendTo sends msg to a single connection, dropping it on failure
func (r *Registry) SendTo(ctx context.Context, conn Connection, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, frame); err != nil {
		r.logger.Debug("failed to send to connection", zap.String("conn", conn.ID()), zap.Error(err))
		r.metrics.SendFailed(1)
		r.Drop(conn)
		return err
	}
	r.metrics.MessageSent(string(msg.Kind()))
	return nil
}

// PingAll sends a keep-alive frame to every registered connection
func (r *Registry) PingAll(ctx context.Context) {
	r.mu.Lock()
	recipients := make([]Connection, 0, len(r.bindings))
	for _, b := range r.bindings {
		recipients = append(recipients, b.conn)
	}
	r.mu.Unlock()

	if len(recipients) == 0 {
		return
	}
	r.fanOut(ctx, recipients, pingFrame)
	r.metrics.MessageSent(string(KindPing))
}

// fanOut sends frame in parallel; failed connections are dropped once all sends returned
func (r *Registry) fanOut(ctx context.Context, recipients []Connection, frame []byte) {
	if len(recipients) == 0 {
		return
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []Connection
	)
	for _, conn := range recipients {
		g.Go(func() error {
			if err := conn.Send(ctx, frame); err != nil {
				r.logger.Debug("failed to send to connection", zap.String("conn", conn.ID()), zap.Error(err))
				mu.Lock()
				failed = append(failed, conn)
				mu.Unlock()
			}
			// a failure must not cancel the other sends
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) == 0 {
		return
	}
	r.metrics.SendFailed(len(failed))
	for _, conn := range failed {
		r.Drop(conn)
	}
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}

// PageCount returns the number of connections on page
func (r *Registry) PageCount(page string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pages[page])
}

// CloseAll drops and closes every connection, used on shutdown
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]Connection, 0, len(r.bindings))
	for _, b := range r.bindings {
		conns = append(conns, b.conn)
	}
	r.pages = make(map[string]map[string]Connection)
	r.sessions = make(map[string]Connection)
	r.bindings = make(map[string]binding)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	r.metrics.SetConnections(0)
	if len(conns) > 0 {
		r.logger.Info("closed push connections", zap.Int("count", len(conns)))
	}
}
