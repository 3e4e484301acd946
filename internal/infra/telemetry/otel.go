package telemetry

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/quantfeed/tickvault/errs"
)

// Settings configures the metric exporter. An empty endpoint selects the
// noop provider; instruments keep working but nothing is exported.
type Settings struct {
	Endpoint    string
	Insecure    bool
	Interval    time.Duration
	Environment string
}

// Provider holds the installed meter provider and its shutdown hook.
type Provider struct {
	MeterProvider apimetric.MeterProvider
	shutdown      func(context.Context) error
}

// Shutdown flushes and stops the exporter.
func (p Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Init installs the global meter provider. Metrics only: the engine carries
// no tracing surface.
func Init(ctx context.Context, cfg Settings) (Provider, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		mp := noop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return Provider{MeterProvider: mp}, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return Provider{}, err
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure || cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return Provider{}, errs.New("telemetry/init", errs.KindFatal,
			errs.WithMessage("create metric exporter"), errs.WithCause(err))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("tickvault"),
			AttrEnvironment.String(cfg.Environment),
		),
	)
	if err != nil {
		return Provider{}, errs.New("telemetry/init", errs.KindFatal,
			errs.WithMessage("create resource"), errs.WithCause(err))
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(latencyView()),
	)
	otel.SetMeterProvider(mp)

	return Provider{MeterProvider: mp, shutdown: mp.Shutdown}, nil
}

// latencyView narrows histogram buckets to the millisecond ranges market
// data latencies actually occupy.
func latencyView() sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: "*.latency.ms"},
		sdkmetric.Stream{
			Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000, 2000, 5000},
			},
		},
	)
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, errs.New("telemetry/init", errs.KindValidation,
			errs.WithMessage("parse otlp endpoint"), errs.WithCause(err))
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	return host, parsed.Scheme != "https", nil
}
