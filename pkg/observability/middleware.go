package observability

import (
	"context"
	"time"

	"github.com/arqueio/arque/pkg/arque"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EventMiddleware wraps a decoded stream handler with a consumer span and
// per-event metrics. The stream name is used as the messaging destination.
func EventMiddleware(tel *Telemetry, stream string) func(arque.EventHandler) arque.EventHandler {
	tracer := tel.Tracer("arque.stream")

	return func(next arque.EventHandler) arque.EventHandler {
		return func(ctx context.Context, ev *arque.Event) error {
			ctx, span := tracer.Start(ctx, stream+" process",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.destination", stream),
					AttrEventType.Int64(int64(ev.Type)),
					AttrEventID.String(ev.ID.String()),
					AttrAggregateID.String(ev.Aggregate.ID.String()),
					AttrAggregateVersion.Int64(int64(ev.Aggregate.Version)),
				),
			)
			defer span.End()

			err := next(ctx, ev)

			tel.Metrics.RecordProjection(ctx, stream, err)
			tel.Metrics.RecordProjectionLag(ctx, stream, time.Since(ev.Timestamp).Seconds())

			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return err
		}
	}
}

// PublishMiddleware wraps a StreamAdapter's send path with producer spans
// and publish metrics. It implements arque.StreamAdapter by delegating
// everything else to the wrapped adapter.
type PublishMiddleware struct {
	arque.StreamAdapter

	tel    *Telemetry
	tracer trace.Tracer
}

// NewPublishMiddleware wraps adapter with publish instrumentation.
func NewPublishMiddleware(adapter arque.StreamAdapter, tel *Telemetry) *PublishMiddleware {
	return &PublishMiddleware{
		StreamAdapter: adapter,
		tel:           tel,
		tracer:        tel.Tracer("arque.stream"),
	}
}

// SendEvents publishes the batches, recording one producer span and the
// publish latency per batch.
func (p *PublishMiddleware) SendEvents(ctx context.Context, batches []arque.Batch) error {
	for _, b := range batches {
		ctx, span := p.tracer.Start(ctx, b.Stream+" publish",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("messaging.destination", b.Stream),
				AttrEventCount.Int(len(b.Events)),
			),
		)

		start := time.Now()
		err := p.StreamAdapter.SendEvents(ctx, []arque.Batch{b})
		p.tel.Metrics.RecordPublish(ctx, b.Stream, time.Since(start), len(b.Events))

		EndSpan(span, err)
		if err != nil {
			return err
		}
	}
	return nil
}
