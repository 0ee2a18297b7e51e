package bus

import (
	"context"
	"fmt"
	"log"

	"github.com/npezzotti/crm-gateway/internal/config"
)

// Open connects the transport selected by cfg.BusDriver.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (Transport, error) {
	switch cfg.BusDriver {
	case config.BusMemory, "":
		return NewMemoryTransport(), nil
	case config.BusRedis:
		return NewRedisTransport(ctx, cfg.RedisURL)
	case config.BusPostgres:
		return NewPostgresTransport(cfg.DatabaseDSN, logger)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
}
