// Package metrics defines the orchestrator's OpenTelemetry instruments.
// Instruments are created against the global meter provider, so they are
// no-ops until Init installs a real provider (daemon --metrics).
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	meter = otel.Meter("github.com/jclem/work")

	JobsEnqueued, _  = meter.Int64Counter("work.jobs.enqueued")
	JobsClaimed, _   = meter.Int64Counter("work.jobs.claimed")
	JobsCompleted, _ = meter.Int64Counter("work.jobs.completed")
	JobsRetried, _   = meter.Int64Counter("work.jobs.retried")
	JobsFailed, _    = meter.Int64Counter("work.jobs.failed")
	JobsReaped, _    = meter.Int64Counter("work.jobs.reaped")

	HandlerDuration, _ = meter.Float64Histogram("work.handler.duration",
		metric.WithUnit("s"))
)

// JobType builds the job-type attribute applied to every job instrument.
func JobType(t string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("job.type", t))
}

// ObserveHandler records one handler execution.
func ObserveHandler(ctx context.Context, jobType string, d time.Duration) {
	HandlerDuration.Record(ctx, d.Seconds(), JobType(jobType))
}

// Init installs a periodic stdout exporter as the global meter provider
// and returns its shutdown function.
func Init(ctx context.Context, interval time.Duration) (func(context.Context) error, error) {
	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}
