package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/utils"
)

const pipelineDependency = "foundation pipeline"

// PipelineRequest is the body sent to a zero-shot forecasting pipeline.
type PipelineRequest struct {
	Model            string    `json:"model"`
	Device           string    `json:"device"`
	Context          []float64 `json:"context"`
	Timestamps       []string  `json:"timestamps,omitempty"`
	PredictionLength int       `json:"prediction_length"`
	Quantiles        []float64 `json:"quantiles"`
	BatchSize        int       `json:"batch_size"`
}

// QuantileSeries is one quantile level projected over the horizon.
type QuantileSeries struct {
	Quantile float64   `json:"quantile"`
	Values   []float64 `json:"values"`
}

// PipelineResponse carries the quantile forecasts, and optionally a plain
// point forecast for pipelines that do not emit a median.
type PipelineResponse struct {
	Quantiles   []QuantileSeries `json:"quantiles"`
	Predictions []float64        `json:"predictions,omitempty"`
}

// Quantile looks up the values for level q.
func (r *PipelineResponse) Quantile(q float64) ([]float64, bool) {
	for _, qs := range r.Quantiles {
		if math.Abs(qs.Quantile-q) < 1e-9 {
			return qs.Values, true
		}
	}
	return nil, false
}

// Pipeline is a loaded zero-shot model.
type Pipeline interface {
	Predict(ctx context.Context, req PipelineRequest) (*PipelineResponse, error)
}

// PipelineFactory loads the pipeline for a model on a device. It is called
// at most once per (model, device) through the artifact cache.
type PipelineFactory func(ctx context.Context, modelID, device string) (Pipeline, error)

// Executor guards outbound calls, typically a circuit breaker.
type Executor interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
}

// ExecutorProvider returns the guard for a named dependency.
type ExecutorProvider func(name string) Executor

// HTTPPipelineConfig points at a model-serving sidecar.
type HTTPPipelineConfig struct {
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
}

type httpPipeline struct {
	endpoint string
	modelID  string
	device   string
	client   *http.Client
	guard    Executor
	logger   *logrus.Logger
}

// NewHTTPPipelineFactory returns a factory that binds to a model-serving
// sidecar over HTTP. Loading probes the sidecar's health endpoint; an
// empty endpoint or a failed probe makes the foundation model unavailable.
func NewHTTPPipelineFactory(cfg HTTPPipelineConfig, guards ExecutorProvider, logger *logrus.Logger) PipelineFactory {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return func(ctx context.Context, modelID, device string) (Pipeline, error) {
		endpoint := strings.TrimRight(cfg.Endpoint, "/")
		if endpoint == "" {
			return nil, utils.NewUnavailableError(pipelineDependency, errors.New("no endpoint configured"))
		}

		p := &httpPipeline{
			endpoint: endpoint,
			modelID:  modelID,
			device:   device,
			client:   client,
			logger:   logger,
		}
		if guards != nil {
			p.guard = guards("foundation:" + modelID)
		}

		if err := p.probe(ctx); err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"model":    modelID,
			"device":   device,
		}).Info("Foundation pipeline loaded")
		return p, nil
	}
}

func (p *httpPipeline) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return utils.NewUnavailableError(pipelineDependency, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return utils.NewUnavailableError(pipelineDependency,
			fmt.Errorf("health check returned status %d", resp.StatusCode))
	}
	return nil
}

func (p *httpPipeline) Predict(ctx context.Context, req PipelineRequest) (*PipelineResponse, error) {
	var out *PipelineResponse
	call := func(ctx context.Context) error {
		resp, err := p.post(ctx, req)
		if err != nil {
			return err
		}
		out = resp
		return nil
	}

	var err error
	if p.guard != nil {
		err = p.guard.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *httpPipeline) post(ctx context.Context, body PipelineRequest) (*PipelineResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode pipeline request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/forecast", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build pipeline request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return nil, utils.NewUnavailableError(pipelineDependency, err)
		}
		return nil, fmt.Errorf("pipeline request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read pipeline response: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"model":       p.modelID,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
		"horizon":     body.PredictionLength,
	}).Debug("Foundation pipeline call")

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, utils.NewUnavailableError(pipelineDependency, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("pipeline returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out PipelineResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode pipeline response: %w", err)
	}
	return &out, nil
}
