// Package sqlite provides a StoreAdapter backed by SQLite through the
// pure Go modernc.org/sqlite driver. A single database file (or :memory:
// for tests) holds events, aggregate heads, snapshots and projection
// checkpoints; the schema is managed by embedded migrations.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arqueio/arque/pkg/arque"
	"github.com/arqueio/arque/pkg/codec"
	"github.com/arqueio/arque/pkg/retry"
	"github.com/arqueio/arque/pkg/store/sqlite/migrate"
)

// Option configures the store.
type Option func(*config)

type config struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	savePolicy   retry.Policy
}

func defaultConfig() *config {
	policy := retry.StorePolicy()
	policy.Retryable = arque.IsTransient

	return &config{
		dsn:          "arque.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		savePolicy:   policy,
	}
}

// WithDSN sets the SQLite connection string directly.
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase configures an in-memory database, useful for tests.
func WithMemoryDatabase() Option {
	return func(c *config) {
		c.dsn = ":memory:"
	}
}

// WithFilename sets the database file path.
func WithFilename(path string) Option {
	return func(c *config) {
		c.dsn = path
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) Option {
	return func(c *config) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables or disables write-ahead logging. WAL is on by
// default; disable it for in-memory databases.
func WithWALMode(enabled bool) Option {
	return func(c *config) {
		c.walMode = enabled
	}
}

// WithAutoMigrate controls whether pending migrations run on open.
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) {
		c.autoMigrate = enabled
	}
}

// WithSavePolicy overrides the retry schedule for event appends. Only
// errors classified transient by the adapter are retried.
func WithSavePolicy(p retry.Policy) Option {
	return func(c *config) {
		if p.Retryable == nil {
			p.Retryable = arque.IsTransient
		}
		c.savePolicy = p
	}
}

// Store is a SQLite-backed implementation of arque.StoreAdapter.
//
// Example usage:
//
//	store, err := sqlite.New(
//	    sqlite.WithFilename("arque.db"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
type Store struct {
	db         *sql.DB
	savePolicy retry.Policy

	// writeMu serializes appends and finalization so the head check and
	// the insert see the same state. snapMu keeps at most one snapshot
	// write in flight.
	writeMu sync.Mutex
	snapMu  sync.Mutex
}

// New opens a store, creating the database and schema as needed. The
// default configuration uses ./arque.db with WAL mode and auto-migration.
func New(opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.dsn == ":memory:" {
		// An in-memory database exists per connection; more than one
		// would each see an empty schema.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if cfg.walMode {
		pragmas := []string{
			"PRAGMA journal_mode=WAL;",
			"PRAGMA synchronous=NORMAL;",
			"PRAGMA busy_timeout=5000;",
			"PRAGMA foreign_keys=ON;",
		}
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
			}
		}
	}

	if cfg.autoMigrate {
		if err := runMigrations(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{
		db:         db,
		savePolicy: cfg.savePolicy,
	}, nil
}

// SaveEvents appends a batch atomically under the optimistic version
// check. Transient driver failures (busy, locked) are retried with
// backoff; conflicts and finalized aggregates surface immediately.
func (s *Store) SaveEvents(ctx context.Context, batch arque.EventBatch) error {
	if len(batch.Events) == 0 {
		return nil
	}
	return retry.Do(ctx, s.savePolicy, func(ctx context.Context) error {
		return s.saveEventsOnce(ctx, batch)
	})
}

func (s *Store) saveEventsOnce(ctx context.Context, batch arque.EventBatch) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	id := batch.Aggregate.ID

	var current uint32
	var final bool
	err = tx.QueryRowContext(ctx,
		"SELECT version, final FROM aggregates WHERE id = ?", id.Bytes(),
	).Scan(&current, &final)
	if err != nil && err != sql.ErrNoRows {
		return classify(fmt.Errorf("failed to read aggregate head: %w", err))
	}
	if final {
		return &arque.FinalizedError{ID: id}
	}
	if batch.Aggregate.Version != current+1 {
		return &arque.VersionConflictError{Aggregate: batch.Aggregate}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, type, aggregate_id, aggregate_version, body, meta, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return classify(fmt.Errorf("failed to prepare event insert: %w", err))
	}
	defer stmt.Close()

	for _, ev := range batch.Events {
		meta, err := codec.EncodeMeta(ev.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode event meta: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			ev.ID.Bytes(), ev.Type, id.Bytes(), ev.Aggregate.Version,
			ev.Body, meta, ev.Timestamp.UnixMilli(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				// A concurrent writer committed between our head check and
				// this insert.
				return &arque.VersionConflictError{Aggregate: batch.Aggregate}
			}
			return classify(fmt.Errorf("failed to insert event: %w", err))
		}
	}

	last := batch.Events[len(batch.Events)-1]
	_, err = tx.ExecContext(ctx, `
		INSERT INTO aggregates (id, version, timestamp, final)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version,
			timestamp = excluded.timestamp
	`, id.Bytes(), last.Aggregate.Version, batch.Timestamp.UnixMilli())
	if err != nil {
		return classify(fmt.Errorf("failed to update aggregate head: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit events: %w", err))
	}
	return nil
}

// ListEvents returns a lazy cursor over matching events in
// (aggregate id asc, version asc) order. Rows are fetched as the caller
// advances, so large logs never materialize in memory.
func (s *Store) ListEvents(ctx context.Context, q arque.ListEventsQuery) (arque.EventCursor, error) {
	query := "SELECT id, type, aggregate_id, aggregate_version, body, meta, timestamp FROM events"

	var where []string
	var args []any
	if q.Aggregate != nil {
		where = append(where, "aggregate_id = ?", "aggregate_version > ?")
		args = append(args, q.Aggregate.ID.Bytes(), q.Aggregate.Version)
	}
	if q.Type != nil {
		where = append(where, "type = ?")
		args = append(args, *q.Type)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY aggregate_id ASC, aggregate_version ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query events: %w", err))
	}
	return &rowCursor{rows: rows}, nil
}

// FindLatestSnapshot returns the newest snapshot strictly above the
// passed version, or arque.ErrSnapshotNotFound.
func (s *Store) FindLatestSnapshot(ctx context.Context, q arque.SnapshotQuery) (*arque.Snapshot, error) {
	var version uint32
	var state []byte
	var ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT aggregate_version, state, timestamp FROM snapshots
		WHERE aggregate_id = ? AND aggregate_version > ?
		ORDER BY aggregate_version DESC
		LIMIT 1
	`, q.Aggregate.ID.Bytes(), q.Aggregate.Version).Scan(&version, &state, &ts)
	if err == sql.ErrNoRows {
		return nil, arque.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query snapshot: %w", err))
	}

	return &arque.Snapshot{
		Aggregate: arque.AggregateRef{ID: q.Aggregate.ID, Version: version},
		State:     state,
		Timestamp: time.UnixMilli(ts),
	}, nil
}

// SaveSnapshot upserts a snapshot keyed by (aggregate id, version).
func (s *Store) SaveSnapshot(ctx context.Context, snap *arque.Snapshot) error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_version, state, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (aggregate_id, aggregate_version) DO UPDATE SET
			state = excluded.state,
			timestamp = excluded.timestamp
	`, snap.Aggregate.ID.Bytes(), snap.Aggregate.Version, snap.State, snap.Timestamp.UnixMilli())
	if err != nil {
		return classify(fmt.Errorf("failed to save snapshot: %w", err))
	}
	return nil
}

// SaveCheckpoint upserts the checkpoint, overwriting unconditionally.
func (s *Store) SaveCheckpoint(ctx context.Context, cp arque.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (projection, aggregate_id, aggregate_version, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection, aggregate_id) DO UPDATE SET
			aggregate_version = excluded.aggregate_version,
			timestamp = excluded.timestamp
	`, cp.Projection, cp.Aggregate.ID.Bytes(), cp.Aggregate.Version, cp.Timestamp.UnixMilli())
	if err != nil {
		return classify(fmt.Errorf("failed to save checkpoint: %w", err))
	}
	return nil
}

// ShouldProcess reports whether no checkpoint covers the passed version yet.
func (s *Store) ShouldProcess(ctx context.Context, cp arque.Checkpoint) (bool, error) {
	var existing uint32
	err := s.db.QueryRowContext(ctx, `
		SELECT aggregate_version FROM checkpoints
		WHERE projection = ? AND aggregate_id = ?
	`, cp.Projection, cp.Aggregate.ID.Bytes()).Scan(&existing)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, classify(fmt.Errorf("failed to query checkpoint: %w", err))
	}
	return existing < cp.Aggregate.Version, nil
}

// FinalizeAggregate freezes the aggregate. Idempotent; finalizing an
// aggregate with no events still blocks its first append.
func (s *Store) FinalizeAggregate(ctx context.Context, id arque.AggregateID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregates (id, version, timestamp, final)
		VALUES (?, 0, ?, 1)
		ON CONFLICT (id) DO UPDATE SET final = 1
	`, id.Bytes(), time.Now().UnixMilli())
	if err != nil {
		return classify(fmt.Errorf("failed to finalize aggregate: %w", err))
	}
	return nil
}

// RunMigrations applies pending schema migrations. Only needed when the
// store was opened with WithAutoMigrate(false).
func (s *Store) RunMigrations() error {
	return runMigrations(s.db)
}

// MigrationVersion returns the highest applied schema version, 0 when
// the database is fresh.
func (s *Store) MigrationVersion() (int, error) {
	return migrate.New(s.db, migrationTable).Version()
}

// DB exposes the underlying connection pool, letting read models and
// telemetry exporters share the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowCursor struct {
	rows *sql.Rows
	cur  *arque.Event
	err  error
}

func (c *rowCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}

	ev, err := scanEvent(c.rows)
	if err != nil {
		c.err = err
		return false
	}
	c.cur = ev
	return true
}

func (c *rowCursor) Event() *arque.Event {
	return c.cur
}

func (c *rowCursor) Err() error {
	return c.err
}

func (c *rowCursor) Close() error {
	return c.rows.Close()
}

func scanEvent(rows *sql.Rows) (*arque.Event, error) {
	var (
		idRaw   []byte
		typ     uint32
		aggRaw  []byte
		version uint32
		body    []byte
		metaRaw []byte
		ts      int64
	)
	if err := rows.Scan(&idRaw, &typ, &aggRaw, &version, &body, &metaRaw, &ts); err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}

	id, err := arque.EventIDFromBytes(idRaw)
	if err != nil {
		return nil, err
	}
	aggID, err := arque.AggregateIDFromBytes(aggRaw)
	if err != nil {
		return nil, err
	}
	meta, err := codec.DecodeMeta(metaRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode event meta: %w", err)
	}

	return &arque.Event{
		ID:        id,
		Type:      typ,
		Aggregate: arque.AggregateRef{ID: aggID, Version: version},
		Body:      body,
		Meta:      meta,
		Timestamp: time.UnixMilli(ts),
	}, nil
}

// isUniqueViolation matches the UNIQUE constraint message the driver
// produces when racing writers collide on (aggregate_id, aggregate_version).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// classify wraps busy and locked driver errors as transient so the retry
// schedule picks them up. Everything else surfaces unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") {
		return arque.Transient(arque.PersistenceTransient, err)
	}
	return err
}

var _ arque.StoreAdapter = (*Store)(nil)
