// Package telemetry wires OpenTelemetry metrics and traces for readaloud.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/dgnsrekt/readaloud"

// Config configures telemetry.
type Config struct {
	// MetricsAddr serves /metrics when non-empty, e.g. "127.0.0.1:9464".
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr"`

	// Tracing enables the span exporter.
	Tracing bool `yaml:"tracing" mapstructure:"tracing"`

	// TraceOutput receives exported spans; defaults to io.Discard.
	TraceOutput io.Writer `yaml:"-" mapstructure:"-"`
}

// Telemetry owns the providers and the application's instruments.
type Telemetry struct {
	Tracer trace.Tracer

	requests     metric.Int64Counter
	chunks       metric.Int64Counter
	failures     metric.Int64Counter
	cacheHits    metric.Int64Counter
	synthLatency metric.Float64Histogram

	registry *prometheus.Registry
	meters   *sdkmetric.MeterProvider
	tracer   *sdktrace.TracerProvider
	server   *http.Server
	logger   *log.Logger
}

// Setup builds the meter and tracer providers. The providers are private to
// the returned value so several instances can coexist in one process.
func Setup(ctx context.Context, cfg Config, logger *log.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("component", "telemetry")

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName("readaloud")))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	t := &Telemetry{logger: logger, registry: prometheus.NewRegistry()}

	exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	t.meters = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	if cfg.Tracing {
		out := cfg.TraceOutput
		if out == nil {
			out = io.Discard
		}
		spans, err := stdouttrace.New(stdouttrace.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		t.tracer = sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(spans),
			sdktrace.WithResource(res),
		)
		t.Tracer = t.tracer.Tracer(instrumentationName)
	} else {
		t.Tracer = noop.NewTracerProvider().Tracer(instrumentationName)
	}

	if err := t.instruments(); err != nil {
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", t.Handler())
		t.server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics endpoint stopped", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}
	return t, nil
}

func (t *Telemetry) instruments() error {
	meter := t.meters.Meter(instrumentationName)
	var err error
	if t.requests, err = meter.Int64Counter("readaloud.requests",
		metric.WithDescription("Speak requests by outcome")); err != nil {
		return err
	}
	if t.chunks, err = meter.Int64Counter("readaloud.chunks.synthesized",
		metric.WithDescription("Chunks synthesized by the service")); err != nil {
		return err
	}
	if t.failures, err = meter.Int64Counter("readaloud.synthesis.failures",
		metric.WithDescription("Failed synthesis calls")); err != nil {
		return err
	}
	if t.cacheHits, err = meter.Int64Counter("readaloud.cache.hits",
		metric.WithDescription("Chunks served from the audio cache")); err != nil {
		return err
	}
	if t.synthLatency, err = meter.Float64Histogram("readaloud.synthesis.duration",
		metric.WithDescription("Synthesis call latency"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

// Handler serves the Prometheus exposition of this instance's metrics.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// RequestFinished counts a request by outcome.
func (t *Telemetry) RequestFinished(ctx context.Context, outcome string) {
	if t == nil {
		return
	}
	t.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Synthesized records one synthesis call.
func (t *Telemetry) Synthesized(ctx context.Context, elapsed time.Duration, err error) {
	if t == nil {
		return
	}
	t.synthLatency.Record(ctx, elapsed.Seconds())
	if err != nil {
		t.failures.Add(ctx, 1)
		return
	}
	t.chunks.Add(ctx, 1)
}

// CacheHit counts a chunk served from the cache at level.
func (t *Telemetry) CacheHit(ctx context.Context, level string) {
	if t == nil {
		return
	}
	t.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

// StartSpan starts a span, or a no-op span on a nil receiver.
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName).Start(ctx, name)
	}
	return t.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes and stops the providers and the metrics endpoint.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.server != nil {
		errs = append(errs, t.server.Shutdown(ctx))
	}
	errs = append(errs, t.meters.Shutdown(ctx))
	if t.tracer != nil {
		errs = append(errs, t.tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
