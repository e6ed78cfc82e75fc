// Package sqlite provides a ConfigAdapter storing stream registrations
// in SQLite, with a TTL-bounded LRU over the reverse lookup. It shares a
// database handle with the event store or runs against its own file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/arqueio/arque/pkg/arque"
	"github.com/arqueio/arque/pkg/store/sqlite/migrate"
)

const migrationTable = "arque_config_migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Option configures the adapter.
type Option func(*config)

type config struct {
	cacheSize   int
	cacheTTL    time.Duration
	autoMigrate bool
}

func defaultConfig() *config {
	return &config{
		cacheSize:   1024,
		cacheTTL:    10 * time.Minute,
		autoMigrate: true,
	}
}

// WithCacheSize bounds the FindStreams cache to n event types.
func WithCacheSize(n int) Option {
	return func(c *config) {
		c.cacheSize = n
	}
}

// WithCacheTTL bounds how long a cached lookup may go unrefreshed. This
// is also the staleness ceiling for registrations written by other
// processes.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.cacheTTL = ttl
	}
}

// WithAutoMigrate controls whether pending migrations run on construction.
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) {
		c.autoMigrate = enabled
	}
}

// Config is a SQLite-backed implementation of arque.ConfigAdapter.
//
// Example usage:
//
//	cfg, err := configsqlite.New(store.DB())
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	db    *sql.DB
	cache *expirable.LRU[uint32, []string]
}

// New creates an adapter over db, which may be shared with the event
// store. The adapter never closes db; that stays with its owner.
func New(db *sql.DB, opts ...Option) (*Config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.autoMigrate {
		m := migrate.New(db, migrationTable)
		if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to load config migrations: %w", err)
		}
		if err := m.Up(); err != nil {
			return nil, fmt.Errorf("failed to run config migrations: %w", err)
		}
	}

	return &Config{
		db:    db,
		cache: expirable.NewLRU[uint32, []string](cfg.cacheSize, nil, cfg.cacheTTL),
	}, nil
}

// SaveStream upserts a registration and drops cached lookups for every
// event type whose answer may have changed.
func (c *Config) SaveStream(ctx context.Context, reg arque.StreamRegistration) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stale, err := c.registeredTypes(ctx, tx, reg.ID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO streams (id, timestamp) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET timestamp = excluded.timestamp
	`, reg.ID, reg.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save stream: %w", err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM stream_events WHERE stream_id = ?", reg.ID)
	if err != nil {
		return fmt.Errorf("failed to clear stream events: %w", err)
	}

	for _, eventType := range reg.Events {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stream_events (stream_id, event_type) VALUES (?, ?)
			ON CONFLICT (stream_id, event_type) DO NOTHING
		`, reg.ID, eventType)
		if err != nil {
			return fmt.Errorf("failed to register event type %d: %w", eventType, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit registration: %w", err)
	}

	for _, eventType := range stale {
		c.cache.Remove(eventType)
	}
	for _, eventType := range reg.Events {
		c.cache.Remove(eventType)
	}
	return nil
}

func (c *Config) registeredTypes(ctx context.Context, tx *sql.Tx, streamID string) ([]uint32, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT event_type FROM stream_events WHERE stream_id = ?", streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to query registered types: %w", err)
	}
	defer rows.Close()

	var types []uint32
	for rows.Next() {
		var t uint32
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan event type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// FindStreams returns every stream registered for eventType, sorted by
// id. Results are cached per event type until SaveStream invalidates
// them or the TTL expires.
func (c *Config) FindStreams(ctx context.Context, eventType uint32) ([]string, error) {
	if ids, ok := c.cache.Get(eventType); ok {
		return append([]string(nil), ids...), nil
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT stream_id FROM stream_events
		WHERE event_type = ?
		ORDER BY stream_id ASC
	`, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to query streams: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan stream id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read streams: %w", err)
	}

	c.cache.Add(eventType, ids)
	return append([]string(nil), ids...), nil
}

// Close drops the cache. The shared database handle stays open.
func (c *Config) Close() error {
	c.cache.Purge()
	return nil
}

var _ arque.ConfigAdapter = (*Config)(nil)
