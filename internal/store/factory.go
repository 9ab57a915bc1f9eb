package store

import (
	"context"
	"strings"
)

// Backend bundles the two store views every backend implements.
type Backend interface {
	Store
	BlobStore
}

// NewBackend selects a backend by DSN: postgres URLs get PostgresStore,
// "memory" or empty gets the in-process store, anything else is treated as
// a SQLite path.
func NewBackend(ctx context.Context, dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(ctx, dsn)
	default:
		return NewSQLiteStore(ctx, strings.TrimPrefix(dsn, "sqlite:"))
	}
}
