package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/irfndi/celebrum-forecast/internal/config"
)

const instrumentationPrefix = "github.com/irfndi/celebrum-forecast/"

// Provider holds the installed tracer provider. Shutdown flushes pending
// spans; it is a no-op when tracing is disabled.
type Provider struct {
	Shutdown func(context.Context) error
	Exporter string
}

// Init installs the global tracer provider and W3C propagators selected by
// cfg.Exporter: "stdout" prints spans to stdout, "otlp" ships them over
// OTLP/HTTP, "none" (or Enabled=false) keeps the no-op provider.
func Init(ctx context.Context, cfg config.TelemetryConfig, environment string, logger *logrus.Logger) (*Provider, error) {
	return initWithWriter(ctx, cfg, environment, logger, os.Stdout)
}

func initWithWriter(ctx context.Context, cfg config.TelemetryConfig, environment string, logger *logrus.Logger, out io.Writer) (*Provider, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	noop := &Provider{Shutdown: func(context.Context) error { return nil }, Exporter: "none"}
	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == "none" {
		logger.Debug("Tracing disabled")
		return noop, nil
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	case "otlp":
		hostport, urlPath, insecure, resolved, nerr := normalizeOTLPEndpoint(cfg.OTLPEndpoint)
		if nerr != nil {
			return nil, nerr
		}
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(hostport),
			otlptracehttp.WithURLPath(urlPath),
		}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		logger.WithField("endpoint", resolved).Info("Exporting traces over OTLP")
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(provider)

	return &Provider{Shutdown: provider.Shutdown, Exporter: cfg.Exporter}, nil
}

// NormalizeOTLPEndpoint exposes the host:port form of a collector URL for
// exporters that take the two parts separately.
func NormalizeOTLPEndpoint(raw string) (hostport string, insecure bool, err error) {
	hostport, _, insecure, _, err = normalizeOTLPEndpoint(raw)
	return hostport, insecure, err
}

// normalizeOTLPEndpoint splits a collector base URL into the pieces the
// HTTP exporter wants, appending /v1/traces unless already present.
func normalizeOTLPEndpoint(raw string) (hostport, urlPath string, insecure bool, resolved string, err error) {
	u, perr := url.Parse(strings.TrimSpace(raw))
	if perr != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false, "", fmt.Errorf("invalid OTLPEndpoint %q: expected scheme://host:port", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", false, "", fmt.Errorf("invalid OTLPEndpoint %q: unsupported scheme %s", raw, u.Scheme)
	}

	base := strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(base, "/v1/traces") {
		base += "/v1/traces"
	}
	resolved = fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, base)
	return u.Host, base, u.Scheme == "http", resolved, nil
}

// GetTracer returns a tracer named under the module path.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(instrumentationPrefix + name)
}

// RecordError marks the span as failed. Context cancellation is recorded
// but does not flip the status.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	if errors.Is(err, context.Canceled) {
		return
	}
	span.SetStatus(codes.Error, err.Error())
}
