package dispatcher

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/memsync/memsync/internal/dispatcher"

type instruments struct {
	queued    metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter
}

// newInstruments uses the global meter provider, a no-op until one is
// installed.
func newInstruments(d *Dispatcher) (instruments, error) {
	m := otel.Meter(instrumentationName)
	var (
		in  instruments
		err error
	)
	in.queued, err = m.Int64ObservableGauge("dispatcher.queue.size",
		metric.WithDescription("Events waiting in a buffered handler"))
	if err != nil {
		return in, fmt.Errorf("creating queue size gauge: %w", err)
	}
	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for name, n := range d.queueLengths() {
			o.ObserveInt64(in.queued, int64(n), metric.WithAttributes(attribute.String("handler", name)))
		}
		return nil
	}, in.queued)
	if err != nil {
		return in, fmt.Errorf("registering queue callback: %w", err)
	}
	in.processed, err = m.Int64Counter("dispatcher.events.processed",
		metric.WithDescription("Events handled by buffered handlers"))
	if err != nil {
		return in, fmt.Errorf("creating processed counter: %w", err)
	}
	in.dropped, err = m.Int64Counter("dispatcher.events.dropped",
		metric.WithDescription("Events dropped by a full buffered handler"))
	if err != nil {
		return in, fmt.Errorf("creating dropped counter: %w", err)
	}
	return in, nil
}

func handlerAttr(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("handler", name))
}
