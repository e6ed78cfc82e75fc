package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SQLiteConfig configures the local SQLite exporters. They let a
// single-node deployment keep its telemetry next to its event store,
// queryable with plain SQL.
type SQLiteConfig struct {
	DB *sql.DB

	// SpansTable defaults to "otel_spans".
	SpansTable string
	// MetricsTable defaults to "otel_metrics".
	MetricsTable string

	// Retention removes rows older than this. Zero keeps everything.
	Retention time.Duration
}

// DefaultSQLiteConfig returns a config with default table names and a
// one-week retention.
func DefaultSQLiteConfig(db *sql.DB) *SQLiteConfig {
	return &SQLiteConfig{
		DB:           db,
		SpansTable:   "otel_spans",
		MetricsTable: "otel_metrics",
		Retention:    7 * 24 * time.Hour,
	}
}

func (c *SQLiteConfig) validate() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.DB == nil {
		return fmt.Errorf("database connection is required")
	}
	if c.SpansTable == "" {
		c.SpansTable = "otel_spans"
	}
	if c.MetricsTable == "" {
		c.MetricsTable = "otel_metrics"
	}
	return nil
}

// SQLiteSpanExporter writes finished spans into a SQLite table.
type SQLiteSpanExporter struct {
	cfg *SQLiteConfig

	mu        sync.Mutex
	lastSweep time.Time
}

// NewSQLiteSpanExporter creates the spans table if needed and returns an
// exporter usable with sdktrace.WithBatcher or WithSyncer.
func NewSQLiteSpanExporter(cfg *SQLiteConfig) (*SQLiteSpanExporter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			span_id        TEXT PRIMARY KEY,
			trace_id       TEXT NOT NULL,
			parent_id      TEXT,
			name           TEXT NOT NULL,
			kind           INTEGER NOT NULL,
			start_ns       INTEGER NOT NULL,
			end_ns         INTEGER NOT NULL,
			status         INTEGER NOT NULL,
			status_message TEXT,
			attributes     TEXT,
			events         TEXT,
			resource       TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_trace_id ON %[1]s(trace_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_start_ns ON %[1]s(start_ns);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_name ON %[1]s(name);
	`, cfg.SpansTable)

	if _, err := cfg.DB.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create spans table: %w", err)
	}
	return &SQLiteSpanExporter{cfg: cfg}, nil
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *SQLiteSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.cfg.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (
			span_id, trace_id, parent_id, name, kind,
			start_ns, end_ns, status, status_message,
			attributes, events, resource
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.cfg.SpansTable))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		spanCtx := span.SpanContext()

		var parentID *string
		if span.Parent().SpanID().IsValid() {
			id := span.Parent().SpanID().String()
			parentID = &id
		}

		if _, err := stmt.ExecContext(ctx,
			spanCtx.SpanID().String(),
			spanCtx.TraceID().String(),
			parentID,
			span.Name(),
			int(span.SpanKind()),
			span.StartTime().UnixNano(),
			span.EndTime().UnixNano(),
			int(span.Status().Code),
			span.Status().Description,
			attrsJSON(span.Attributes()),
			spanEventsJSON(span.Events()),
			attrsJSON(span.Resource().Attributes()),
		); err != nil {
			return fmt.Errorf("failed to insert span: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit spans: %w", err)
	}

	e.sweep("start_ns", e.cfg.SpansTable, time.Now().Add(-e.cfg.Retention).UnixNano())
	return nil
}

// Shutdown implements sdktrace.SpanExporter. The database connection is
// managed by the caller.
func (e *SQLiteSpanExporter) Shutdown(ctx context.Context) error {
	return nil
}

// sweep deletes expired rows at most once an hour. Callers hold e.mu.
func (e *SQLiteSpanExporter) sweep(column, table string, cutoff int64) {
	if e.cfg.Retention <= 0 || time.Since(e.lastSweep) < time.Hour {
		return
	}
	e.lastSweep = time.Now()
	_, _ = e.cfg.DB.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table, column), cutoff)
}

// SQLiteMetricExporter writes collected metrics into a SQLite table.
type SQLiteMetricExporter struct {
	cfg *SQLiteConfig

	mu        sync.Mutex
	lastSweep time.Time
}

// NewSQLiteMetricExporter creates the metrics table if needed and returns
// an exporter usable with sdkmetric.NewPeriodicReader.
func NewSQLiteMetricExporter(cfg *SQLiteConfig) (*SQLiteMetricExporter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT NOT NULL,
			unit        TEXT,
			kind        TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			value       REAL,
			count       INTEGER,
			sum         REAL,
			attributes  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_name ON %[1]s(name);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_recorded_at ON %[1]s(recorded_at);
	`, cfg.MetricsTable)

	if _, err := cfg.DB.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create metrics table: %w", err)
	}
	return &SQLiteMetricExporter{cfg: cfg}, nil
}

// Export implements sdkmetric.Exporter.
func (e *SQLiteMetricExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.cfg.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (name, unit, kind, recorded_at, value, count, sum, attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.cfg.MetricsTable))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if err := exportMetric(ctx, stmt, m, now); err != nil {
				return fmt.Errorf("failed to export metric %s: %w", m.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metrics: %w", err)
	}

	e.sweep(now - int64(e.cfg.Retention/time.Second))
	return nil
}

func exportMetric(ctx context.Context, stmt *sql.Stmt, m metricdata.Metrics, now int64) error {
	row := func(kind string, value *float64, count *int64, sum *float64, attrs attribute.Set) error {
		_, err := stmt.ExecContext(ctx, m.Name, m.Unit, kind, now, value, count, sum, setJSON(attrs))
		return err
	}

	switch data := m.Data.(type) {
	case metricdata.Gauge[int64]:
		for _, dp := range data.DataPoints {
			v := float64(dp.Value)
			if err := row("gauge", &v, nil, nil, dp.Attributes); err != nil {
				return err
			}
		}
	case metricdata.Gauge[float64]:
		for _, dp := range data.DataPoints {
			v := dp.Value
			if err := row("gauge", &v, nil, nil, dp.Attributes); err != nil {
				return err
			}
		}
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			v := float64(dp.Value)
			if err := row("sum", &v, nil, nil, dp.Attributes); err != nil {
				return err
			}
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			v := dp.Value
			if err := row("sum", &v, nil, nil, dp.Attributes); err != nil {
				return err
			}
		}
	case metricdata.Histogram[int64]:
		for _, dp := range data.DataPoints {
			count := int64(dp.Count)
			sum := float64(dp.Sum)
			if err := row("histogram", nil, &count, &sum, dp.Attributes); err != nil {
				return err
			}
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			count := int64(dp.Count)
			sum := dp.Sum
			if err := row("histogram", nil, &count, &sum, dp.Attributes); err != nil {
				return err
			}
		}
	}
	return nil
}

// Temporality implements sdkmetric.Exporter.
func (e *SQLiteMetricExporter) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

// Aggregation implements sdkmetric.Exporter.
func (e *SQLiteMetricExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

// ForceFlush implements sdkmetric.Exporter.
func (e *SQLiteMetricExporter) ForceFlush(ctx context.Context) error {
	return nil
}

// Shutdown implements sdkmetric.Exporter.
func (e *SQLiteMetricExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (e *SQLiteMetricExporter) sweep(cutoff int64) {
	if e.cfg.Retention <= 0 || time.Since(e.lastSweep) < time.Hour {
		return
	}
	e.lastSweep = time.Now()
	_, _ = e.cfg.DB.Exec(
		fmt.Sprintf("DELETE FROM %s WHERE recorded_at < ?", e.cfg.MetricsTable), cutoff)
}

// SpanQuery filters stored spans.
type SpanQuery struct {
	TraceID     string
	Name        string
	MinDuration time.Duration
	Since       time.Time
	Limit       int
}

// SpanRecord is a stored span row.
type SpanRecord struct {
	SpanID        string
	TraceID       string
	ParentID      *string
	Name          string
	Kind          int
	Start         time.Time
	End           time.Time
	Duration      time.Duration
	Status        int
	StatusMessage string
	Attributes    map[string]any
}

// MetricQuery filters stored metric rows.
type MetricQuery struct {
	Name  string
	Kind  string
	Since time.Time
	Limit int
}

// MetricPoint is a stored metric row.
type MetricPoint struct {
	Name       string
	Unit       string
	Kind       string
	RecordedAt time.Time
	Value      *float64
	Count      *int64
	Sum        *float64
	Attributes map[string]any
}

// SQLiteQueries reads back telemetry written by the SQLite exporters.
type SQLiteQueries struct {
	cfg *SQLiteConfig
}

// NewSQLiteQueries creates a query helper over the exporter tables.
func NewSQLiteQueries(cfg *SQLiteConfig) (*SQLiteQueries, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &SQLiteQueries{cfg: cfg}, nil
}

// QuerySpans returns spans matching q, most recent first.
func (s *SQLiteQueries) QuerySpans(ctx context.Context, q SpanQuery) ([]SpanRecord, error) {
	query := fmt.Sprintf(`
		SELECT span_id, trace_id, parent_id, name, kind,
		       start_ns, end_ns, status, status_message, attributes
		FROM %s WHERE 1=1
	`, s.cfg.SpansTable)
	var args []any

	if q.TraceID != "" {
		query += " AND trace_id = ?"
		args = append(args, q.TraceID)
	}
	if q.Name != "" {
		query += " AND name = ?"
		args = append(args, q.Name)
	}
	if q.MinDuration > 0 {
		query += " AND (end_ns - start_ns) >= ?"
		args = append(args, q.MinDuration.Nanoseconds())
	}
	if !q.Since.IsZero() {
		query += " AND start_ns >= ?"
		args = append(args, q.Since.UnixNano())
	}
	query += " ORDER BY start_ns DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.cfg.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query spans: %w", err)
	}
	defer rows.Close()

	var spans []SpanRecord
	for rows.Next() {
		var rec SpanRecord
		var startNS, endNS int64
		var attrs string
		if err := rows.Scan(
			&rec.SpanID, &rec.TraceID, &rec.ParentID, &rec.Name, &rec.Kind,
			&startNS, &endNS, &rec.Status, &rec.StatusMessage, &attrs,
		); err != nil {
			return nil, err
		}
		rec.Start = time.Unix(0, startNS)
		rec.End = time.Unix(0, endNS)
		rec.Duration = time.Duration(endNS - startNS)
		if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode span attributes: %w", err)
		}
		spans = append(spans, rec)
	}
	return spans, rows.Err()
}

// QueryMetrics returns metric rows matching q, most recent first.
func (s *SQLiteQueries) QueryMetrics(ctx context.Context, q MetricQuery) ([]MetricPoint, error) {
	query := fmt.Sprintf(`
		SELECT name, unit, kind, recorded_at, value, count, sum, attributes
		FROM %s WHERE 1=1
	`, s.cfg.MetricsTable)
	var args []any

	if q.Name != "" {
		query += " AND name = ?"
		args = append(args, q.Name)
	}
	if q.Kind != "" {
		query += " AND kind = ?"
		args = append(args, q.Kind)
	}
	if !q.Since.IsZero() {
		query += " AND recorded_at >= ?"
		args = append(args, q.Since.Unix())
	}
	query += " ORDER BY recorded_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.cfg.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var points []MetricPoint
	for rows.Next() {
		var p MetricPoint
		var recordedAt int64
		var attrs string
		if err := rows.Scan(
			&p.Name, &p.Unit, &p.Kind, &recordedAt,
			&p.Value, &p.Count, &p.Sum, &attrs,
		); err != nil {
			return nil, err
		}
		p.RecordedAt = time.Unix(recordedAt, 0)
		if err := json.Unmarshal([]byte(attrs), &p.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode metric attributes: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func attrsJSON(attrs []attribute.KeyValue) string {
	m := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		m[string(attr.Key)] = attr.Value.AsInterface()
	}
	data, _ := json.Marshal(m)
	return string(data)
}

func setJSON(attrs attribute.Set) string {
	m := make(map[string]any, attrs.Len())
	iter := attrs.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	data, _ := json.Marshal(m)
	return string(data)
}

func spanEventsJSON(events []sdktrace.Event) string {
	out := make([]map[string]any, len(events))
	for i, event := range events {
		out[i] = map[string]any{
			"name":       event.Name,
			"time_ns":    event.Time.UnixNano(),
			"attributes": json.RawMessage(attrsJSON(event.Attributes)),
		}
	}
	data, _ := json.Marshal(out)
	return string(data)
}

var (
	_ sdktrace.SpanExporter = (*SQLiteSpanExporter)(nil)
	_ sdkmetric.Exporter    = (*SQLiteMetricExporter)(nil)
)
