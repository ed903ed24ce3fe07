package cursor

import (
	"context"
	"fmt"
	"strings"
)

// Backend names returned by DetectDSNType
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// DetectDSNType determines the backend for a store URL.
func DetectDSNType(dsn string) string {
	switch {
	case dsn == "" || dsn == BackendMemory:
		return BackendMemory
	case strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://"):
		return BackendRedis
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname="):
		return BackendPostgres
	default:
		return BackendSQLite
	}
}

// Open creates the KV backend described by dsn.
func Open(ctx context.Context, dsn string) (KV, error) {
	switch DetectDSNType(dsn) {
	case BackendRedis:
		return NewRedisKV(ctx, dsn)
	case BackendPostgres:
		return NewPostgresKV(dsn)
	case BackendSQLite:
		return NewSQLiteKV(dsn)
	case BackendMemory:
		return NewMemoryKV(nil), nil
	}
	return nil, fmt.Errorf("unsupported cursor store %q", dsn)
}
