package cache

import (
	"fmt"

	// Registers the pgx stdlib driver used by the SQL store.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tracdap/gateway/internal/config"
)

// NewFromConfig builds the configured job cache store.
func NewFromConfig(name string, cfg config.CacheConfig) (JobCache, error) {
	switch cfg.Store {
	case "local":
		return NewLocalCache(name, cfg.MaxTicketDuration), nil
	case "sql":
		return OpenSQLCache(name, cfg.MaxTicketDuration, cfg.Driver, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown cache store %q", cfg.Store)
	}
}
