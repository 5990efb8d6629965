package bus

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amoylab/collab/internal/common/config"
)

// Type represents the type of bus
type Type string

const (
	// TypeLocal represents a single node bus
	TypeLocal Type = "local"
	// TypeRedis represents a Redis pub/sub bus
	TypeRedis Type = "redis"
)

// ParseType validates a configured bus type, empty means local
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeLocal, "":
		return TypeLocal, nil
	case TypeRedis:
		return TypeRedis, nil
	default:
		return "", fmt.Errorf("unknown bus type: %s", s)
	}
}

// NewBus creates a new bus based on the configuration
func NewBus(logger *zap.Logger, cfg *config.BusConfig) (Bus, error) {
	typ, err := ParseType(cfg.Type)
	if err != nil {
		return nil, err
	}
	role := config.BusRole(cfg.Role)
	if role == "" {
		role = config.RoleBoth // Default to both if not specified
	}
	nodeID := uuid.NewString()

	if typ == TypeRedis {
		return NewRedisBus(logger, cfg.Redis, role, nodeID)
	}
	return NewLocalBus(logger, role, nodeID), nil
}
