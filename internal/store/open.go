package store

import (
	"context"
	"strings"
)

// Open selects a backend from target:
//
//	redis://host:6379/0, rediss://...      Redis lists
//	postgres://..., postgresql://...       PostgreSQL via pgx
//	sqlite://path/to.db, path/to.db        SQLite (default)
func Open(ctx context.Context, target string) (Log, error) {
	target = strings.TrimSpace(target)
	switch {
	case strings.HasPrefix(target, "redis://"), strings.HasPrefix(target, "rediss://"):
		st, err := OpenRedis(ctx, target)
		if err != nil {
			return nil, err
		}
		return st, nil
	case strings.HasPrefix(target, "postgres://"), strings.HasPrefix(target, "postgresql://"):
		st, err := OpenPostgres(ctx, target)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		st, err := OpenSQLite(strings.TrimPrefix(target, "sqlite://"))
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}
