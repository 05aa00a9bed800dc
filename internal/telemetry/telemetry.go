// Package telemetry provides OpenTelemetry metrics for the agent factory.
//
// Telemetry is disabled by default (no-op providers when off).
//
// # Configuration
//
//	telemetry.enabled   DOGOOD_OTEL_ENABLED=true      enable metrics
//	telemetry.exporter  stdout | otlp                 (default: stdout)
//	telemetry.endpoint  OTLP/HTTP host:port           (e.g. localhost:4318)
//	telemetry.interval  export period                 (default: 30s)
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/danielalanbates/github-helper"

// Exporter names
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config holds telemetry configuration
type Config struct {
	Enabled     bool          // Install a real meter provider (default: false)
	Exporter    string        // stdout or otlp (default: stdout)
	Endpoint    string        // OTLP/HTTP endpoint, required for otlp
	Interval    time.Duration // Export period (default: 30s)
	ServiceName string        // Resource service name (default: dogood)
}

// DefaultConfig returns telemetry disabled with stdout export
func DefaultConfig() Config {
	return Config{
		Exporter:    ExporterStdout,
		Interval:    30 * time.Second,
		ServiceName: "dogood",
	}
}

// Validate checks exporter settings
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case ExporterStdout:
	case ExporterOTLP:
		if c.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("telemetry.exporter must be %q or %q, got %q", ExporterStdout, ExporterOTLP, c.Exporter)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("telemetry.interval must be positive, got %v", c.Interval)
	}
	return nil
}

// Init installs the global meter provider and returns its shutdown func.
// When disabled this installs a no-op provider and the shutdown is a no-op.
func Init(ctx context.Context, cfg Config, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "dogood"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	exp, err := buildExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval))),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

func buildExporter(ctx context.Context, cfg Config) (sdkmetric.Exporter, error) {
	if cfg.Exporter == ExporterOTLP {
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.Endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	}
	return stdoutmetric.New()
}

// Meter returns a meter with the given instrumentation name (or the global scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}
