package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the recalculation subsystem's counters. All methods are safe
// on a nil receiver so callers don't have to guard every instrumentation
// point.
type Metrics struct {
	tickTotal      metric.Int64Counter
	runsEmitted    metric.Int64Counter
	recalcFinished metric.Int64Counter
	dayQueries     metric.Int64Counter
	dayQuerySecs   metric.Float64Histogram
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("github.com/statlab/expstats-backend")

	tickTotal, err := meter.Int64Counter("expstats.schedule.ticks",
		metric.WithDescription("Schedule coordinator ticks, by outcome"))
	if err != nil {
		return nil, err
	}
	runsEmitted, err := meter.Int64Counter("expstats.schedule.run_requests",
		metric.WithDescription("Run requests emitted by the schedule coordinator"))
	if err != nil {
		return nil, err
	}
	recalcFinished, err := meter.Int64Counter("expstats.recalculation.finished",
		metric.WithDescription("Recalculation requests reaching a terminal status"))
	if err != nil {
		return nil, err
	}
	dayQueries, err := meter.Int64Counter("expstats.recalculation.day_queries",
		metric.WithDescription("Per-day metric queries, by outcome"))
	if err != nil {
		return nil, err
	}
	dayQuerySecs, err := meter.Float64Histogram("expstats.recalculation.day_query_seconds",
		metric.WithDescription("Per-day metric query latency"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		tickTotal:      tickTotal,
		runsEmitted:    runsEmitted,
		recalcFinished: recalcFinished,
		dayQueries:     dayQueries,
		dayQuerySecs:   dayQuerySecs,
	}, nil
}

func (m *Metrics) TickFinished(ctx context.Context, skipped bool, runRequests int) {
	if m == nil {
		return
	}
	outcome := "emitted"
	if skipped {
		outcome = "skipped"
	}
	m.tickTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if runRequests > 0 {
		m.runsEmitted.Add(ctx, int64(runRequests))
	}
}

func (m *Metrics) RecalculationFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.recalcFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) DayQueryFinished(ctx context.Context, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "completed"
	if !ok {
		outcome = "failed"
	}
	m.dayQueries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.dayQuerySecs.Record(ctx, elapsed.Seconds())
}
