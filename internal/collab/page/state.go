package page

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amoylab/collab/internal/common/cnst"
	"github.com/amoylab/collab/internal/common/config"
)

// Option configures a State
type Option func(*State)

// WithClock replaces the wall clock, used by tests
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

// WithExpiration sets how long a session survives without heartbeat.
// The same window bounds the age of the update history.
func WithExpiration(d time.Duration) Option {
	return func(s *State) {
		if d > 0 {
			s.expiration = d
		}
	}
}

// State holds the sessions, leases and update history of one page.
// sessions and leases are guarded together by mu: the reverse index
// leases[path] == id holds iff sessions[id].LeasePath == path.
type State struct {
	path       string
	now        func() time.Time
	expiration time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	leases   map[string]string

	updMu   sync.Mutex
	updates []Update
}

// NewState creates the state of the page at path
func NewState(path string, opts ...Option) *State {
	s := &State{
		path:       path,
		now:        time.Now,
		expiration: config.DefaultExpirationWindow,
		sessions:   make(map[string]*Session),
		leases:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the page path
func (s *State) Path() string {
	return s.path
}

// Heartbeat refreshes the session and revives it if it was marked expired
func (s *State) Heartbeat(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", sessionID, cnst.ErrUnknownSession)
	}
	s.touch(sess)
	return nil
}

// CurrentLease returns the path leased by the session, or "" if none
func (s *State) CurrentLease(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		return sess.LeasePath
	}
	return ""
}

// AcquireLease assigns path to the session and returns the path it held before,
// or "" when there is nothing to announce as released.
func (s *State) AcquireLease(sessionID, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("lease %s: %w", sessionID, cnst.ErrUnknownSession)
	}
	if !s.mayLease(sessionID, path) {
		return "", fmt.Errorf("lease %s by %s: %w", path, sessionID, cnst.ErrLeaseRejected)
	}
	s.touch(sess)

	previous := sess.LeasePath
	if previous == path {
		return "", nil
	}
	s.release(sess)

	// another tab of the same user gives the path up
	if holderID, held := s.leases[path]; held {
		if holder, ok := s.sessions[holderID]; ok {
			holder.LeasePath = ""
		}
	}
	s.leases[path] = sessionID
	sess.LeasePath = path
	return previous, nil
}

// ReleaseLease clears the lease of the session and returns the released path
func (s *State) ReleaseLease(sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("release %s: %w", sessionID, cnst.ErrUnknownSession)
	}
	s.touch(sess)
	return s.release(sess), nil
}

// MarkExited expires the session immediately and releases its lease.
// The session itself is removed by the next sweep.
func (s *State) MarkExited(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ""
	}
	sess.Expired = true
	return s.release(sess)
}

// AddSession registers a session, returns false if it was already present
func (s *State) AddSession(sessionID, userID, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; ok {
		return false
	}
	s.sessions[sessionID] = &Session{
		ID:       sessionID,
		UserID:   userID,
		Name:     name,
		LastPing: s.now(),
	}
	return true
}

// HasSession reports whether the session is registered
func (s *State) HasSession(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[sessionID]
	return ok
}

// User returns the user owning the session
func (s *State) User(sessionID string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return User{}, false
	}
	return sess.user(), true
}

// Users returns the distinct users of the live sessions, ordered by id
func (s *State) Users() []User {
	s.mu.Lock()
	seen := make(map[string]User, len(s.sessions))
	for _, sess := range s.sessions {
		// exited sessions leave the snapshot now, the sweep announces them later
		if sess.Expired {
			continue
		}
		if _, ok := seen[sess.UserID]; !ok {
			seen[sess.UserID] = sess.user()
		}
	}
	s.mu.Unlock()

	users := make([]User, 0, len(seen))
	for _, u := range seen {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// Leases maps every leased path to its holder, skipping the lease of exclude
func (s *State) Leases(exclude string) map[string]User {
	s.mu.Lock()
	defer s.mu.Unlock()

	leases := make(map[string]User, len(s.leases))
	for path, id := range s.leases {
		if id == exclude {
			continue
		}
		if sess, ok := s.sessions[id]; ok {
			leases[path] = sess.user()
		}
	}
	return leases
}

// MayLease reports whether the session can take path: it is free or held by the same user.
func (s *State) MayLease(sessionID, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mayLease(sessionID, path)
}

func (s *State) mayLease(sessionID, path string) bool {
	holderID, held := s.leases[path]
	if !held {
		return true
	}
	if sessionID == "" {
		return false
	}
	if holderID == sessionID {
		return true
	}
	requester, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	holder, ok := s.sessions[holderID]
	return ok && holder.UserID == requester.UserID
}

// AppendUpdate records a content change and returns its timestamp
func (s *State) AppendUpdate(paths, refreshPaths []string) time.Time {
	s.updMu.Lock()
	defer s.updMu.Unlock()

	u := Update{
		Paths:        clone(paths),
		RefreshPaths: clone(refreshPaths),
		Time:         s.now(),
	}
	s.updates = append(s.updates, u)
	return u.Time
}

// Updates returns the updates newer than minTime and prunes the ones
// older than the expiration window.
func (s *State) Updates(minTime time.Time) []Update {
	s.updMu.Lock()
	defer s.updMu.Unlock()

	cutoff := s.now().Add(-s.expiration)
	kept := s.updates[:0]
	var out []Update
	for _, u := range s.updates {
		if u.Time.Before(cutoff) {
			continue
		}
		kept = append(kept, u)
		if u.Time.After(minTime) {
			out = append(out, u)
		}
	}
	clear(s.updates[len(kept):])
	s.updates = kept
	return out
}

// SweepExpired removes the sessions marked expired or silent for longer
// than the expiration window.
func (s *State) SweepExpired() SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var res SweepResult
	candidates := make(map[string]struct{})
	for id, sess := range s.sessions {
		if !sess.Expired && now.Sub(sess.LastPing) <= s.expiration {
			continue
		}
		if released := s.release(sess); released != "" {
			res.ReleasedPaths = append(res.ReleasedPaths, released)
		}
		delete(s.sessions, id)
		res.RemovedSessions = append(res.RemovedSessions, id)
		candidates[sess.UserID] = struct{}{}
	}
	if len(candidates) == 0 {
		return res
	}

	for _, sess := range s.sessions {
		delete(candidates, sess.UserID)
	}
	for userID := range candidates {
		res.DepartedUsers = append(res.DepartedUsers, userID)
	}
	sort.Strings(res.RemovedSessions)
	sort.Strings(res.ReleasedPaths)
	sort.Strings(res.DepartedUsers)
	return res
}

// Empty reports whether no session is registered
func (s *State) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions) == 0
}

// Len returns the number of registered sessions
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *State) touch(sess *Session) {
	sess.LastPing = s.now()
	sess.Expired = false
}

// release must be called with mu held
func (s *State) release(sess *Session) string {
	path := sess.LeasePath
	if path == "" {
		return ""
	}
	sess.LeasePath = ""
	if s.leases[path] == sess.ID {
		delete(s.leases, path)
	}
	return path
}

func clone(in []string) []string {
	if in == nil {
		return []string{}
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
