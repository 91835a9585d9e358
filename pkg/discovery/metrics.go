package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName          = "llmscout.discovery"
	metricPassTotal    = "discovery_pass_total"
	metricPassDuration = "discovery_pass_duration_seconds"
	metricHostsFound   = "discovery_hosts_confirmed_total"
)

var (
	// instrumentation handles are cached globally to avoid re-registering OTEL instruments on every pass.
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	meterOnce sync.Once
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	passCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	passDuration metric.Float64Histogram
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	hostsCounter metric.Int64Counter
)

func initMeter() {
	meter := otel.Meter(meterName)

	counter, err := meter.Int64Counter(
		metricPassTotal,
		metric.WithDescription("Total discovery passes by outcome"),
	)
	if err != nil {
		otel.Handle(err)
	}
	passCounter = counter

	hist, err := meter.Float64Histogram(
		metricPassDuration,
		metric.WithDescription("Duration of a full scan/drain/reconcile pass"),
		metric.WithUnit("s"),
	)
	if err != nil {
		otel.Handle(err)
	}
	passDuration = hist

	hosts, err := meter.Int64Counter(
		metricHostsFound,
		metric.WithDescription("Total hosts confirmed across all passes"),
	)
	if err != nil {
		otel.Handle(err)
	}
	hostsCounter = hosts
}

// recordPass captures one pass: a counter by outcome, the pass duration,
// and the number of confirmed hosts.
func recordPass(ctx context.Context, duration time.Duration, confirmed int, outcome string) {
	meterOnce.Do(initMeter)

	if passCounter != nil {
		passCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}

	if passDuration != nil {
		passDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
	}

	if hostsCounter != nil && confirmed > 0 {
		hostsCounter.Add(ctx, int64(confirmed))
	}
}

// passOutcome maps a pass error to the outcome attribute.
func passOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
