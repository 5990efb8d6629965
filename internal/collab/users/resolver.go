package users

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Resolver looks up the display name of a user. An unknown user yields an
// empty name and no error.
type Resolver interface {
	Name(ctx context.Context, userID string) (string, error)
}

// Static resolves names from a fixed map
type Static map[string]string

var _ Resolver = Static(nil)

// Name implements Resolver.Name
func (s Static) Name(_ context.Context, userID string) (string, error) {
	return strings.TrimSpace(s[userID]), nil
}

// Cached remembers resolved names for the process lifetime and falls
// back to the user id when no name is known.
type Cached struct {
	logger *zap.Logger
	next   Resolver

	mu    sync.RWMutex
	names map[string]string
}

// NewCached wraps next with a cache
func NewCached(next Resolver, logger *zap.Logger) *Cached {
	return &Cached{
		logger: logger.Named("collab.users"),
		next:   next,
		names:  make(map[string]string),
	}
}

// DisplayName returns the name of userID, never failing
func (c *Cached) DisplayName(ctx context.Context, userID string) string {
	if strings.TrimSpace(userID) == "" {
		return ""
	}

	c.mu.RLock()
	name, ok := c.names[userID]
	c.mu.RUnlock()
	if ok {
		return name
	}

	name, err := c.next.Name(ctx, userID)
	if err != nil {
		// not cached, the next lookup retries
		c.logger.Warn("failed to resolve user name", zap.String("user_id", userID), zap.Error(err))
		return userID
	}
	if name == "" {
		name = userID
	}

	c.mu.Lock()
	c.names[userID] = name
	c.mu.Unlock()
	c.logger.Debug("resolved user name", zap.String("user_id", userID), zap.String("name", name))
	return name
}
