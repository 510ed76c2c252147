// Package telemetry provides pipeline monitoring and LLM cost tracking.
// Prometheus collectors back the /metrics endpoint; a tracer handle is
// exposed for span instrumentation of pipeline stages.
package telemetry

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/finsightlab/finsight/config"
)

// Telemetry aggregates run metrics and cost accounting for the pipeline.
type Telemetry struct {
	config   config.TelemetryConfig
	logger   *log.Logger
	registry *prometheus.Registry
	tracer   trace.Tracer

	stageRuns      *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	llmRequests    *prometheus.CounterVec
	llmTokens      *prometheus.CounterVec
	sandboxRuns    *prometheus.CounterVec
	sourceRequests *prometheus.CounterVec

	costTracker *CostTracker
}

// CostTracker tracks spend across models and operations.
type CostTracker struct {
	mu sync.RWMutex

	ModelCosts     map[string]float64
	OperationCosts map[string]float64

	TotalCost   float64
	TotalTokens int64
}

// CostSummary is a point-in-time copy of the tracker state.
type CostSummary struct {
	TotalCost      float64            `json:"total_cost"`
	TotalTokens    int64              `json:"total_tokens"`
	ModelCosts     map[string]float64 `json:"model_costs"`
	OperationCosts map[string]float64 `json:"operation_costs"`
}

// New creates a telemetry instance with its own prometheus registry.
func New(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config:   cfg,
		logger:   log.New(os.Stdout, "[TELEMETRY] ", log.LstdFlags),
		registry: prometheus.NewRegistry(),
		tracer:   otel.Tracer("finsight"),
		costTracker: &CostTracker{
			ModelCosts:     make(map[string]float64),
			OperationCosts: make(map[string]float64),
		},
	}

	t.stageRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finsight",
		Name:      "pipeline_stage_runs_total",
		Help:      "Pipeline stage executions by outcome.",
	}, []string{"stage", "outcome"})
	t.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "finsight",
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Pipeline stage wall time.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})
	t.llmRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finsight",
		Name:      "llm_requests_total",
		Help:      "Generation requests by model.",
	}, []string{"model"})
	t.llmTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finsight",
		Name:      "llm_tokens_total",
		Help:      "Tokens consumed by model.",
	}, []string{"model"})
	t.sandboxRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finsight",
		Name:      "sandbox_executions_total",
		Help:      "Sandbox code executions by outcome.",
	}, []string{"outcome"})
	t.sourceRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finsight",
		Name:      "source_requests_total",
		Help:      "External data source requests by outcome.",
	}, []string{"source", "outcome"})

	t.registry.MustRegister(
		t.stageRuns, t.stageDuration,
		t.llmRequests, t.llmTokens,
		t.sandboxRuns, t.sourceRequests,
	)
	return t
}

// Tracer returns the tracer used for pipeline spans.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// Handler serves the prometheus registry, suitable for mounting at /metrics.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStage records one pipeline stage execution.
func (t *Telemetry) RecordStage(stage string, d time.Duration, err error) {
	if !t.config.Enabled {
		return
	}
	t.stageRuns.WithLabelValues(stage, outcome(err)).Inc()
	t.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		t.logger.Printf("stage %s failed after %v: %v", stage, d, err)
	} else {
		t.logger.Printf("stage %s completed in %v", stage, d)
	}
}

// modelRates holds per-1K-token pricing. Models without an entry fall
// back to defaultRate.
var modelRates = map[string]struct{ input, output float64 }{
	"gpt-4o":        {0.0025, 0.01},
	"gpt-4o-mini":   {0.00015, 0.0006},
	"gpt-4-turbo":   {0.01, 0.03},
	"gpt-3.5-turbo": {0.0005, 0.0015},
}

var defaultRate = struct{ input, output float64 }{0.0025, 0.01}

// LLMUsage converts one call's token usage to spend and records it. The
// signature matches the provider usage callback so it can be wired
// directly.
func (t *Telemetry) LLMUsage(model, operation string, promptTokens, completionTokens int64) {
	rate, ok := modelRates[model]
	if !ok {
		rate = defaultRate
	}
	cost := t.CalculateCost(promptTokens, completionTokens, rate.input, rate.output)
	t.RecordLLMCall(model, operation, promptTokens+completionTokens, cost)
}

// RecordLLMCall records one generation request and its spend.
func (t *Telemetry) RecordLLMCall(model, operation string, tokens int64, cost float64) {
	if !t.config.Enabled {
		return
	}
	t.llmRequests.WithLabelValues(model).Inc()
	t.llmTokens.WithLabelValues(model).Add(float64(tokens))

	if !t.config.CostTracking {
		return
	}
	t.costTracker.mu.Lock()
	t.costTracker.ModelCosts[model] += cost
	t.costTracker.OperationCosts[operation] += cost
	t.costTracker.TotalCost += cost
	t.costTracker.TotalTokens += tokens
	t.costTracker.mu.Unlock()
}

// RecordSandboxRun records one sandbox code execution.
func (t *Telemetry) RecordSandboxRun(success bool) {
	if !t.config.Enabled {
		return
	}
	if success {
		t.sandboxRuns.WithLabelValues("ok").Inc()
	} else {
		t.sandboxRuns.WithLabelValues("fault").Inc()
	}
}

// RecordSourceRequest records one external data source call.
func (t *Telemetry) RecordSourceRequest(source string, err error) {
	if !t.config.Enabled {
		return
	}
	t.sourceRequests.WithLabelValues(source, outcome(err)).Inc()
}

// CalculateCost converts token usage to dollars for the given rates.
func (t *Telemetry) CalculateCost(inputTokens, outputTokens int64, costPer1KInput, costPer1KOutput float64) float64 {
	return float64(inputTokens)/1000*costPer1KInput + float64(outputTokens)/1000*costPer1KOutput
}

// CostSummary returns a copy of the current cost state.
func (t *Telemetry) CostSummary() CostSummary {
	t.costTracker.mu.RLock()
	defer t.costTracker.mu.RUnlock()

	s := CostSummary{
		TotalCost:      t.costTracker.TotalCost,
		TotalTokens:    t.costTracker.TotalTokens,
		ModelCosts:     make(map[string]float64, len(t.costTracker.ModelCosts)),
		OperationCosts: make(map[string]float64, len(t.costTracker.OperationCosts)),
	}
	for k, v := range t.costTracker.ModelCosts {
		s.ModelCosts[k] = v
	}
	for k, v := range t.costTracker.OperationCosts {
		s.OperationCosts[k] = v
	}
	return s
}

// CostReport renders a human-readable spend summary.
func (t *Telemetry) CostReport() string {
	s := t.CostSummary()
	out := fmt.Sprintf("Total cost: $%.4f over %d tokens\n", s.TotalCost, s.TotalTokens)
	for model, cost := range s.ModelCosts {
		out += fmt.Sprintf("  %s: $%.4f\n", model, cost)
	}
	return out
}
