package observability

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/arqueio/arque/pkg/arque"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitWithoutExporters(t *testing.T) {
	tel, err := Init(context.Background(), Config{
		ServiceName:    "arque-test",
		ServiceVersion: "0.0.0",
		Environment:    "test",
	})
	require.NoError(t, err)

	// No-op providers still hand out usable tracers and meters.
	_, span := StartSpan(context.Background(), tel.Tracer("test"), "noop")
	span.End()
	assert.Nil(t, tel.Metrics)

	// Nil metrics are safe to record against.
	tel.Metrics.RecordCommand(context.Background(), 1, time.Millisecond, nil)
	tel.Metrics.RecordBrokerRoute(context.Background(), 1, 2)

	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestSQLiteSpanExporter(t *testing.T) {
	db := openTestDB(t)
	cfg := DefaultSQLiteConfig(db)

	exporter, err := NewSQLiteSpanExporter(cfg)
	require.NoError(t, err)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracer := tp.Tracer("test")

	ctx, parent := tracer.Start(context.Background(), "process")
	_, child := tracer.Start(ctx, "save")
	child.End()
	EndSpan(parent, errors.New("boom"))

	require.NoError(t, tp.Shutdown(context.Background()))

	queries, err := NewSQLiteQueries(cfg)
	require.NoError(t, err)

	spans, err := queries.QuerySpans(context.Background(), SpanQuery{Name: "process"})
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "boom", spans[0].StatusMessage)
	assert.Nil(t, spans[0].ParentID)

	children, err := queries.QuerySpans(context.Background(), SpanQuery{
		TraceID: spans[0].TraceID,
		Name:    "save",
	})
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.NotNil(t, children[0].ParentID)
	assert.Equal(t, spans[0].SpanID, *children[0].ParentID)
}

func TestSQLiteMetricExporter(t *testing.T) {
	db := openTestDB(t)
	cfg := DefaultSQLiteConfig(db)

	exporter, err := NewSQLiteMetricExporter(cfg)
	require.NoError(t, err)

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(time.Hour))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	metrics, err := NewMetrics(mp.Meter("arque"))
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordCommand(ctx, 1, 5*time.Millisecond, nil)
	metrics.RecordAppend(ctx, 3)
	metrics.RecordBrokerRoute(ctx, 1, 0)

	require.NoError(t, mp.ForceFlush(ctx))
	require.NoError(t, mp.Shutdown(ctx))

	queries, err := NewSQLiteQueries(cfg)
	require.NoError(t, err)

	points, err := queries.QueryMetrics(ctx, MetricQuery{Name: "arque.events.appended"})
	require.NoError(t, err)
	require.NotEmpty(t, points)
	require.NotNil(t, points[0].Value)
	assert.Equal(t, float64(3), *points[0].Value)

	dropped, err := queries.QueryMetrics(ctx, MetricQuery{Name: "arque.broker.dropped"})
	require.NoError(t, err)
	require.NotEmpty(t, dropped)

	histograms, err := queries.QueryMetrics(ctx, MetricQuery{Name: "arque.command.duration", Kind: "histogram"})
	require.NoError(t, err)
	require.NotEmpty(t, histograms)
	require.NotNil(t, histograms[0].Count)
	assert.Equal(t, int64(1), *histograms[0].Count)
}

func TestEventMiddleware(t *testing.T) {
	tel, err := Init(context.Background(), Config{ServiceName: "arque-test"})
	require.NoError(t, err)

	handled := 0
	wrapped := EventMiddleware(tel, "balances")(func(ctx context.Context, ev *arque.Event) error {
		handled++
		if ev.Aggregate.Version == 2 {
			return errors.New("bad event")
		}
		return nil
	})

	ev := &arque.Event{
		ID:        arque.NewEventID(),
		Type:      1,
		Aggregate: arque.AggregateRef{ID: arque.NewAggregateID(), Version: 1},
		Timestamp: time.Now(),
	}
	require.NoError(t, wrapped(context.Background(), ev))

	ev.Aggregate.Version = 2
	require.Error(t, wrapped(context.Background(), ev))
	assert.Equal(t, 2, handled)
}
