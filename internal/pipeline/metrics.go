package pipeline

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/satindergrewal/facecast/internal/engine"
	"github.com/satindergrewal/facecast/internal/frame"
)

const meterName = "github.com/satindergrewal/facecast/internal/pipeline"

type metrics struct {
	mode      attribute.KeyValue
	received  metric.Int64Counter
	delivered metric.Int64Counter
	writes    metric.Float64Histogram
	runs      metric.Int64Counter
	queue     metric.Registration
}

// newMetrics creates the run instruments on the global meter provider,
// which is a no-op unless telemetry was set up.
func newMetrics(frames *frame.Channel, mode engine.Mode) *metrics {
	meter := otel.Meter(meterName)
	m := &metrics{mode: attribute.String("mode", string(mode))}

	var err error
	if m.received, err = meter.Int64Counter("facecast.frames.received",
		metric.WithDescription("Frames taken off the frame channel")); err != nil {
		log.Printf("Metric setup: %v", err)
	}
	if m.delivered, err = meter.Int64Counter("facecast.frames.delivered",
		metric.WithDescription("Frames written to the display and every encoder")); err != nil {
		log.Printf("Metric setup: %v", err)
	}
	if m.writes, err = meter.Float64Histogram("facecast.encoder.write.duration",
		metric.WithDescription("Time spent writing one frame into an encoder"),
		metric.WithUnit("s")); err != nil {
		log.Printf("Metric setup: %v", err)
	}
	if m.runs, err = meter.Int64Counter("facecast.runs",
		metric.WithDescription("Finished runs by outcome")); err != nil {
		log.Printf("Metric setup: %v", err)
	}

	depth, err := meter.Int64ObservableGauge("facecast.queue.depth",
		metric.WithDescription("Frames buffered between engine and consumer"))
	if err != nil {
		log.Printf("Metric setup: %v", err)
		return m
	}
	m.queue, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(depth, int64(frames.Len()), metric.WithAttributes(m.mode))
		return nil
	}, depth)
	if err != nil {
		log.Printf("Metric setup: %v", err)
	}
	return m
}

func (m *metrics) observeWrite(ctx context.Context, encoder string, d time.Duration) {
	m.writes.Record(ctx, d.Seconds(), metric.WithAttributes(m.mode, attribute.String("encoder", encoder)))
}

func (m *metrics) finish(ctx context.Context, err error) {
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(m.mode, attribute.String("outcome", outcome)))
}

func (m *metrics) unregister() {
	if m.queue != nil {
		m.queue.Unregister()
	}
}
