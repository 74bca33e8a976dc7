package logging

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OTLPConfig holds configuration for OpenTelemetry logging
type OTLPConfig struct {
	Enabled        bool
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// AttachOTLP ships every entry of logger to an OTLP/HTTP collector in
// addition to its normal output. The returned function flushes and stops
// the exporter. A disabled config attaches nothing.
func AttachOTLP(ctx context.Context, logger *logrus.Logger, config OTLPConfig) (func(context.Context) error, error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	exporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(endpoint),
		otlploghttp.WithURLPath("/v1/logs"),
		otlploghttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}

	provider, err := NewLoggerProvider(ctx, config, log.NewBatchProcessor(exporter))
	if err != nil {
		return nil, err
	}

	logger.AddHook(NewOTLPHook(provider.Logger(config.ServiceName)))
	return provider.Shutdown, nil
}

// NewLoggerProvider creates a log provider tagged with the service resource.
func NewLoggerProvider(ctx context.Context, config OTLPConfig, processor log.Processor) (*log.LoggerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return log.NewLoggerProvider(
		log.WithProcessor(processor),
		log.WithResource(res),
	), nil
}

// OTLPHook is a logrus hook that re-emits entries as OpenTelemetry log
// records. Entries logged WithContext carry their trace context along.
type OTLPHook struct {
	logger otellog.Logger
}

// NewOTLPHook creates a new OTLPHook
func NewOTLPHook(logger otellog.Logger) *OTLPHook {
	return &OTLPHook{logger: logger}
}

// Levels implements logrus.Hook
func (h *OTLPHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook
func (h *OTLPHook) Fire(entry *logrus.Entry) error {
	ctx := entry.Context
	if ctx == nil {
		ctx = context.Background()
	}

	record := otellog.Record{}
	record.SetTimestamp(entry.Time)
	record.SetObservedTimestamp(time.Now())
	record.SetSeverity(convertLogrusLevelToSeverity(entry.Level))
	record.SetSeverityText(entry.Level.String())
	record.SetBody(otellog.StringValue(entry.Message))

	attrs := make([]otellog.KeyValue, 0, len(entry.Data))
	for k, v := range entry.Data {
		attrs = append(attrs, convertField(k, v))
	}
	record.AddAttributes(attrs...)

	h.logger.Emit(ctx, record)
	return nil
}

func convertField(key string, value interface{}) otellog.KeyValue {
	switch v := value.(type) {
	case string:
		return otellog.String(key, v)
	case bool:
		return otellog.Bool(key, v)
	case int:
		return otellog.Int(key, v)
	case int64:
		return otellog.Int64(key, v)
	case float64:
		return otellog.Float64(key, v)
	case time.Duration:
		return otellog.Int64(key, v.Milliseconds())
	case error:
		return otellog.String(key, v.Error())
	default:
		return otellog.String(key, fmt.Sprint(v))
	}
}

func convertLogrusLevelToSeverity(level logrus.Level) otellog.Severity {
	switch level {
	case logrus.TraceLevel:
		return otellog.SeverityTrace
	case logrus.DebugLevel:
		return otellog.SeverityDebug
	case logrus.InfoLevel:
		return otellog.SeverityInfo
	case logrus.WarnLevel:
		return otellog.SeverityWarn
	case logrus.ErrorLevel:
		return otellog.SeverityError
	case logrus.FatalLevel:
		return otellog.SeverityFatal
	case logrus.PanicLevel:
		return otellog.SeverityFatal4
	default:
		return otellog.SeverityInfo
	}
}
