package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Options selects and configures a persistence backend.
type Options struct {
	// Driver is "sqlite", "postgres" or "memory".
	Driver      string
	DBPath      string
	DatabaseURL string
	MaxConns    int

	// DedupBackend is "db" (default) or "redis".
	DedupBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
}

// Open builds the Store described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		s   Store
		err error
	)
	switch opts.Driver {
	case "", "sqlite":
		s, err = OpenSQLite(opts.DBPath)
	case "postgres":
		s, err = OpenPostgres(ctx, opts.DatabaseURL, opts.MaxConns)
	case "memory":
		slog.Warn("store_memory_backend", "note", "dedup and wallet state are lost on restart")
		s = NewMemory()
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if opts.DedupBackend == "redis" {
		seen, err := NewRedisSeen(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisTTL)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s = WithSeenStore(s, seen)
	}

	slog.Info("store_opened", "driver", opts.Driver, "dedup", opts.DedupBackend)
	return s, nil
}
