package users

import (
	"fmt"

	"github.com/amoylab/collab/internal/common/config"
)

// NewResolver creates a Resolver based on configuration
func NewResolver(cfg *config.UsersConfig) (Resolver, error) {
	switch cfg.Type {
	case "", "static":
		return Static(cfg.Names), nil
	case "db":
		return NewDBResolver(&cfg.Database)
	default:
		return nil, fmt.Errorf("unsupported users type: %s", cfg.Type)
	}
}
