// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// OpenTelemetry instruments for queue operations.

package control

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/momentics/ioqueue/api"
)

const instrumentationName = "github.com/momentics/ioqueue"

// Metrics records submissions, completions, wait latency and open queues.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	submissions metric.Int64Counter
	completions metric.Int64Counter
	bytes       metric.Int64Counter
	waits       metric.Float64Histogram
	queues      metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on mp, or on the global provider
// when mp is nil. Instrument errors go to the otel error handler; the
// instruments the provider returned alongside them are still used.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &Metrics{}
	var errs [5]error
	m.submissions, errs[0] = meter.Int64Counter("ioqueue.submissions",
		metric.WithUnit("{operation}"),
		metric.WithDescription("Operations submitted, by kind and completion path"),
	)
	m.completions, errs[1] = meter.Int64Counter("ioqueue.completions",
		metric.WithUnit("{operation}"),
		metric.WithDescription("Operations resolved, by kind and status"),
	)
	m.bytes, errs[2] = meter.Int64Counter("ioqueue.bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Payload bytes transferred by push and pop"),
	)
	m.waits, errs[3] = meter.Float64Histogram("ioqueue.wait.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent blocked in wait and wait_any"),
	)
	m.queues, errs[4] = meter.Int64UpDownCounter("ioqueue.queues.open",
		metric.WithUnit("{queue}"),
		metric.WithDescription("Open queues by transport kind"),
	)
	if err := errors.Join(errs[:]...); err != nil {
		otel.Handle(err)
	}
	return m
}

func status(err error) string {
	if err == nil {
		return "ok"
	}
	return api.CodeOf(err).String()
}

// Submitted counts a submission; inline marks completion inside the call.
func (m *Metrics) Submitted(ctx context.Context, kind api.OpKind, inline bool) {
	if m == nil || m.submissions == nil {
		return
	}
	path := "deferred"
	if inline {
		path = "inline"
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", kind.String()),
		attribute.String("path", path),
	))
}

// Completed counts a resolved operation and the bytes it moved.
func (m *Metrics) Completed(ctx context.Context, kind api.OpKind, n int, err error) {
	if m == nil || m.completions == nil {
		return
	}
	op := attribute.String("op", kind.String())
	m.completions.Add(ctx, 1, metric.WithAttributes(op, attribute.String("status", status(err))))
	if n > 0 && m.bytes != nil {
		m.bytes.Add(ctx, int64(n), metric.WithAttributes(op))
	}
}

// Waited records the time a waiter spent blocked.
func (m *Metrics) Waited(ctx context.Context, kind api.OpKind, d time.Duration, err error) {
	if m == nil || m.waits == nil {
		return
	}
	m.waits.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("op", kind.String()),
		attribute.String("status", status(err)),
	))
}

// QueueOpened and QueueClosed track open queues per kind.
func (m *Metrics) QueueOpened(ctx context.Context, k api.Kind) { m.queueDelta(ctx, k, 1) }

func (m *Metrics) QueueClosed(ctx context.Context, k api.Kind) { m.queueDelta(ctx, k, -1) }

func (m *Metrics) queueDelta(ctx context.Context, k api.Kind, d int64) {
	if m == nil || m.queues == nil {
		return
	}
	m.queues.Add(ctx, d, metric.WithAttributes(attribute.String("kind", k.String())))
}
