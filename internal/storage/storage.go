// Package storage opens the run store selected by the configured database
// URL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/fluxrun/internal/config"
	"github.com/petrijr/fluxrun/internal/persistence"
)

// sqliteBusyTimeout is how long a SQLite connection waits for a lock.
const sqliteBusyTimeout = 5 * time.Second

// Backend bundles an opened run store with the resources behind it.
type Backend struct {
	// Name is the backend kind: memory, sqlite, postgres, redis or mongodb.
	Name  string
	Store persistence.RunStore

	closers []func() error
}

// Ping checks that the store is reachable. Stores without a connection
// are always ready.
func (b *Backend) Ping(ctx context.Context) error {
	if p, ok := b.Store.(persistence.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases the backend's connections in reverse order of opening.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Open connects to the backend chosen by cfg.Database.URL:
//
//	""                          SQLite file at database.sqlite_path
//	sqlite://path, file:path    SQLite
//	memory://                   in-process memory (not durable)
//	postgres://, postgresql://  PostgreSQL via pgx ("+driver" suffixes are dropped)
//	redis://, rediss://         Redis
//	mongodb://, mongodb+srv://  MongoDB
func Open(ctx context.Context, cfg *config.Config) (*Backend, error) {
	raw := cfg.Database.URL

	switch scheme := config.Scheme(raw); scheme {
	case "":
		if raw != "" {
			return nil, fmt.Errorf("storage: database url has no scheme")
		}
		return openSQLitePath(ctx, cfg.Database.SQLitePath, cfg.Database)
	case "sqlite":
		path := strings.TrimPrefix(raw[strings.Index(raw, ":")+1:], "//")
		return openSQLitePath(ctx, path, cfg.Database)
	case "file":
		return openSQLitePath(ctx, raw, cfg.Database)
	case "memory":
		return &Backend{Name: "memory", Store: persistence.NewInMemoryRunStore()}, nil
	case "postgres", "postgresql":
		return openPostgres(ctx, postgresURL(raw), cfg.Database)
	case "redis", "rediss":
		return openRedis(ctx, raw, cfg)
	case "mongodb", "mongodb+srv":
		return openMongo(ctx, raw, cfg)
	default:
		return nil, fmt.Errorf("storage: unsupported database url scheme %q", scheme)
	}
}

// sqliteDSN turns a path into a modernc.org/sqlite DSN with a busy timeout
// and WAL journaling. The parent directory of a plain path is created.
func sqliteDSN(path string) (string, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		if path != ":memory:" {
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return "", fmt.Errorf("storage: create sqlite directory: %w", err)
				}
			}
		}
		dsn = "file:" + path
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", dsn, sep, sqliteBusyTimeout.Milliseconds()), nil
}

func openSQLitePath(ctx context.Context, path string, cfg config.DatabaseConfig) (*Backend, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	return openSQLite(ctx, dsn, cfg)
}

// postgresURL strips a "+driver" suffix from the scheme, e.g.
// postgresql+psycopg:// becomes postgresql://.
func postgresURL(raw string) string {
	i := strings.Index(raw, "://")
	if i < 0 {
		return raw
	}
	scheme := raw[:i]
	if j := strings.Index(scheme, "+"); j > 0 {
		return scheme[:j] + raw[i:]
	}
	return raw
}

func openSQLite(ctx context.Context, dsn string, cfg config.DatabaseConfig) (*Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// between our own goroutines.
	db.SetMaxOpenConns(1)

	if err := ping(ctx, cfg.PingTimeout, db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}

	store, err := persistence.NewSQLiteRunStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Backend{Name: "sqlite", Store: store, closers: []func() error{db.Close}}, nil
}

func openPostgres(ctx context.Context, url string, cfg config.DatabaseConfig) (*Backend, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := ping(ctx, cfg.PingTimeout, db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}

	store, err := persistence.NewPostgresRunStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Backend{Name: "postgres", Store: store, closers: []func() error{db.Close}}, nil
}

func openRedis(ctx context.Context, raw string, cfg *config.Config) (*Backend, error) {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("storage: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingFn := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	if err := ping(ctx, cfg.Database.PingTimeout, pingFn); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("storage: ping redis: %w", err)
	}

	store := persistence.NewRedisRunStore(client, cfg.Redis.Prefix)
	return &Backend{Name: "redis", Store: store, closers: []func() error{client.Close}}, nil
}

func openMongo(ctx context.Context, raw string, cfg *config.Config) (*Backend, error) {
	opts := options.Client().ApplyURI(raw)
	if cfg.Database.PingTimeout > 0 {
		opts.SetServerSelectionTimeout(cfg.Database.PingTimeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("storage: connect mongodb: %w", err)
	}
	disconnect := func() error { return client.Disconnect(context.Background()) }

	pingFn := func(ctx context.Context) error { return client.Ping(ctx, nil) }
	if err := ping(ctx, cfg.Database.PingTimeout, pingFn); err != nil {
		_ = disconnect()
		return nil, fmt.Errorf("storage: ping mongodb: %w", err)
	}

	store, err := persistence.NewMongoRunStore(ctx, client, cfg.Mongo.Database, cfg.Mongo.Collection)
	if err != nil {
		_ = disconnect()
		return nil, err
	}
	return &Backend{Name: "mongodb", Store: store, closers: []func() error{disconnect}}, nil
}

func ping(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}
