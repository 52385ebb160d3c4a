package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/bookshelf/internal/audit"
	"github.com/odyssey-erp/bookshelf/internal/catalog"
	"github.com/odyssey-erp/bookshelf/internal/platform/cache"
	"github.com/odyssey-erp/bookshelf/internal/platform/db"
	"github.com/odyssey-erp/bookshelf/internal/rbac"
)

// Stores bundles the backends selected by STORE_DRIVER and REDIS_ADDR.
type Stores struct {
	RBAC            rbac.Store
	Catalog         catalog.RepositoryPort
	Audit           audit.Repository
	PermissionCache rbac.PermissionCache

	Pool  *pgxpool.Pool
	Redis *redis.Client
}

// OpenStores connects the configured backends and applies the schemas.
// Redis is optional: when it cannot be reached the permission cache is
// disabled and every decision reads the store.
func OpenStores(ctx context.Context, cfg *Config, logger *slog.Logger) (*Stores, error) {
	s := &Stores{}
	switch cfg.StoreDriver {
	case StoreDriverMemory:
		s.RBAC = rbac.NewMemoryStore()
		s.Catalog = catalog.NewMemoryRepository()
		s.Audit = audit.NewMemoryRepository()
	case StoreDriverPostgres:
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{
			MaxConns:       cfg.PGMaxConns,
			ConnectTimeout: cfg.PGConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		s.Pool = pool
		rbacStore := rbac.NewPGStore(pool)
		catalogRepo := catalog.NewRepository(pool)
		auditRepo := audit.NewPGRepository(pool)
		for _, schema := range []interface{ EnsureSchema(context.Context) error }{rbacStore, catalogRepo, auditRepo} {
			if err := schema.EnsureSchema(ctx); err != nil {
				s.Close()
				return nil, err
			}
		}
		s.RBAC = rbacStore
		s.Catalog = catalogRepo
		s.Audit = auditRepo
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	if cfg.RedisAddr != "" {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("permission cache disabled", slog.Any("error", err))
		} else {
			s.Redis = client
			s.PermissionCache = rbac.NewRedisPermissionCache(client, cfg.PermissionCacheTTL)
		}
	}
	return s, nil
}

// Close releases every open connection.
func (s *Stores) Close() {
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
