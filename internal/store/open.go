package store

import (
	"context"
	"strings"
)

// Open returns the store implementation selected by dsn: empty or "memory"
// yields a MemoryStore, postgres:// and postgresql:// URLs a PostgresStore,
// and anything else is treated as a SQLite database path.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
