package presence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/amoylab/syncroom/internal/common/config"
)

// Type represents the type of presence store
type Type string

const (
	// TypeMemory represents the in-memory presence store
	TypeMemory Type = "memory"
	// TypeRedis represents the Redis-backed presence store
	TypeRedis Type = "redis"
)

// NewStore creates a new presence store based on configuration
func NewStore(logger *zap.Logger, cfg *config.PresenceConfig) (Store, error) {
	logger.Info("Initializing presence store", zap.String("type", cfg.Type))
	switch Type(cfg.Type) {
	case TypeMemory, "":
		return NewMemoryStore(logger), nil
	case TypeRedis:
		return NewRedisStore(logger, cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported presence store type: %s", cfg.Type)
	}
}
