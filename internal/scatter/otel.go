package scatter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/memsync/memsync/internal/scatter"

// Metrics are the OpenTelemetry instruments fed by executed batches.
type Metrics struct {
	roundTrips metric.Int64Counter
	requests   metric.Int64Counter
	failed     metric.Int64Counter
	dropped    metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider (no-op if
// not configured).
func NewMetrics() (*Metrics, error) {
	m := otel.Meter(instrumentationName)
	var (
		out Metrics
		err error
	)

	out.roundTrips, err = m.Int64Counter(
		"scatter.round_trips",
		metric.WithDescription("Scatter transport calls issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating round trip counter: %w", err)
	}

	out.requests, err = m.Int64Counter(
		"scatter.requests",
		metric.WithDescription("Scatter entries issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request counter: %w", err)
	}

	out.failed, err = m.Int64Counter(
		"scatter.requests.failed",
		metric.WithDescription("Scatter entries the transport could not read"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}

	out.dropped, err = m.Int64Counter(
		"scatter.requests.dropped",
		metric.WithDescription("Requests dropped as invalid or beyond the round cap"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return &out, nil
}

func (m *Metrics) record(ctx context.Context, s *Stats) {
	if m == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	m.roundTrips.Add(ctx, int64(s.Rounds))
	m.requests.Add(ctx, int64(s.Requests))
	m.failed.Add(ctx, int64(s.Failed))
	m.dropped.Add(ctx, int64(s.Dropped))
}
