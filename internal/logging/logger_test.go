package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

func TestParseLogrusLevel(t *testing.T) {
	tests := map[string]logrus.Level{
		"trace":   logrus.TraceLevel,
		"DEBUG":   logrus.DebugLevel,
		"info":    logrus.InfoLevel,
		"warning": logrus.WarnLevel,
		"warn":    logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"fatal":   logrus.FatalLevel,
		"panic":   logrus.PanicLevel,
		"":        logrus.InfoLevel,
		"verbose": logrus.InfoLevel,
	}
	for input, want := range tests {
		assert.Equal(t, want, ParseLogrusLevel(input), input)
	}
}

func TestNewLogger_ProductionWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput("info", "production", &buf)

	WithComponent(logger, "engine").WithField("strategy", "baseline").Info("Forecast completed")
	logger.Debug("hidden")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Forecast completed", line["msg"])
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "baseline", line["strategy"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNewLogger_DevelopmentWritesText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput("debug", "development", &buf)

	LogStartup(logger, "celebrum-forecast", "dev", 8080)
	LogShutdown(logger, "celebrum-forecast", "signal")

	out := buf.String()
	assert.Contains(t, out, "Application startup")
	assert.Contains(t, out, "port=8080")
	assert.Contains(t, out, "reason=signal")
}

type captureExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *captureExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *captureExporter) Shutdown(context.Context) error   { return nil }
func (e *captureExporter) ForceFlush(context.Context) error { return nil }

func TestOTLPHook_EmitsRecords(t *testing.T) {
	exporter := &captureExporter{}
	provider, err := NewLoggerProvider(context.Background(), OTLPConfig{
		ServiceName:    "celebrum-forecast",
		ServiceVersion: "test",
		Environment:    "test",
	}, sdklog.NewSimpleProcessor(exporter))
	require.NoError(t, err)
	defer func() { _ = provider.Shutdown(context.Background()) }()

	var buf bytes.Buffer
	logger := NewLoggerWithOutput("info", "production", &buf)
	logger.AddHook(NewOTLPHook(provider.Logger("test")))

	logger.WithFields(logrus.Fields{
		"strategy": "hybrid-residual-correction",
		"horizon":  4,
		"degraded": true,
		"elapsed":  1500 * time.Millisecond,
	}).WithError(errors.New("artifact missing")).Warn("Forecast degraded")

	require.Len(t, exporter.records, 1)
	record := exporter.records[0]
	assert.Equal(t, "Forecast degraded", record.Body().AsString())
	assert.Equal(t, otellog.SeverityWarn, record.Severity())
	assert.Equal(t, "warning", record.SeverityText())

	attrs := map[string]otellog.Value{}
	record.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value
		return true
	})
	assert.Equal(t, "hybrid-residual-correction", attrs["strategy"].AsString())
	assert.Equal(t, int64(4), attrs["horizon"].AsInt64())
	assert.True(t, attrs["degraded"].AsBool())
	assert.Equal(t, int64(1500), attrs["elapsed"].AsInt64())
	assert.Equal(t, "artifact missing", attrs["error"].AsString())

	// The hook does not replace normal output.
	assert.Contains(t, buf.String(), "Forecast degraded")
}

func TestAttachOTLP_Disabled(t *testing.T) {
	logger := logrus.New()
	shutdown, err := AttachOTLP(context.Background(), logger, OTLPConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Empty(t, logger.Hooks)
}

func TestConvertLogrusLevelToSeverity(t *testing.T) {
	assert.Equal(t, otellog.SeverityTrace, convertLogrusLevelToSeverity(logrus.TraceLevel))
	assert.Equal(t, otellog.SeverityError, convertLogrusLevelToSeverity(logrus.ErrorLevel))
	assert.Equal(t, otellog.SeverityFatal, convertLogrusLevelToSeverity(logrus.FatalLevel))
}
