package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/example/discussion/internal/platform/config"
	"github.com/example/discussion/internal/platform/db"
	"github.com/example/discussion/services/threads/internal/store"
)

type backend struct {
	name  string
	store store.CommentStore
	// pool is set for Postgres and shared with the idempotency store.
	pool    *pgxpool.Pool
	migrate func(context.Context) ([]string, error)
}

// openBackend selects the comment store: Postgres when DATABASE_URL is set,
// SQLite when SQLITE_PATH is set, otherwise memory. Production refuses the
// in-memory store.
func openBackend(ctx context.Context, cfg config.AppConfig, log *zap.Logger) (*backend, error) {
	switch {
	case cfg.Store.DatabaseURL != "":
		pool, err := db.Open(ctx, db.DefaultConfig(cfg.Store.DatabaseURL))
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		st := store.NewPostgresCommentStore(pool)
		log.Info("comment store ready", zap.String("backend", "postgres"))
		return &backend{name: "postgres", store: st, pool: pool, migrate: st.Migrate}, nil

	case cfg.Store.SQLitePath != "":
		st, err := store.OpenSQLite(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info("comment store ready", zap.String("backend", "sqlite"), zap.String("path", cfg.Store.SQLitePath))
		return &backend{name: "sqlite", store: st, migrate: st.Migrate}, nil

	case cfg.IsProd():
		return nil, errors.New("production requires DATABASE_URL or SQLITE_PATH; in-memory store is not allowed")
	}

	log.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory comment store (development only)")
	return &backend{name: "memory", store: store.NewInMemoryCommentStore()}, nil
}
