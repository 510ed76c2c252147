// Package pipeline wires the collectors and agents into one end-to-end
// research run over a shared orchestrator. Each stage is traced and
// timed; collection irregularities degrade the run instead of aborting
// it and are noted in the audit log.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/finsightlab/finsight/config"
	"github.com/finsightlab/finsight/internal/agent/analysis"
	"github.com/finsightlab/finsight/internal/agent/collect"
	"github.com/finsightlab/finsight/internal/agent/deepsearch"
	"github.com/finsightlab/finsight/internal/agent/visualize"
	"github.com/finsightlab/finsight/internal/eval"
	"github.com/finsightlab/finsight/internal/llm"
	"github.com/finsightlab/finsight/internal/runtime"
	"github.com/finsightlab/finsight/internal/sources"
	"github.com/finsightlab/finsight/internal/telemetry"
	"github.com/finsightlab/finsight/internal/writing"
)

// Defaults applied when the request leaves the knob at zero.
const (
	defaultAnalysisSteps    = 3
	defaultSearchIterations = 3
	defaultChartIterations  = 3
)

// DefaultChartSpec is the stock-history line chart used when a caller
// asks for a visualization without supplying a spec.
func DefaultChartSpec() *visualize.ChartSpec {
	return &visualize.ChartSpec{
		Type: "line",
		X:    "Date",
		Y:    []string{"Close"},
	}
}

// Request describes one research run.
type Request struct {
	Company      string
	Ticker       string // resolved from Company when empty
	AnalysisGoal string

	FredSeries    map[string]string // label -> FRED series id
	HistoryPeriod string
	Outline       []string

	VisualizationSpec *visualize.ChartSpec
	VisualizationGoal string

	AnalysisSteps    int
	SearchIterations int
	ChartIterations  int
}

// Result carries the run outputs plus the artifact uid map used by the
// evaluation runner and the dashboard.
type Result struct {
	Company   string            `json:"company"`
	Ticker    string            `json:"ticker"`
	Artifacts map[string]string `json:"artifacts"`

	Memo         writing.Memo           `json:"memo"`
	Perspectives []analysis.Perspective `json:"perspectives"`
	Chain        *analysis.Chain        `json:"chain,omitempty"`

	// Degraded lists stages that failed non-fatally.
	Degraded []string `json:"degraded,omitempty"`
}

// Deps are the external clients a pipeline needs. Provider, Search,
// Market and SEC are required; the rest are optional.
type Deps struct {
	Provider  llm.Provider
	Search    sources.Searcher
	Fetcher   *sources.ArticleFetcher
	Market    *sources.MarketClient
	Fred      *sources.FredClient
	SEC       *sources.SECClient
	Telemetry *telemetry.Telemetry
}

// Pipeline is the high-level controller for research runs.
type Pipeline struct {
	orch   *runtime.Orchestrator
	deps   Deps
	tel    *telemetry.Telemetry
	logger *log.Logger
}

// New validates the dependency set and builds a pipeline bound to the
// given orchestrator.
func New(orch *runtime.Orchestrator, deps Deps) (*Pipeline, error) {
	if orch == nil {
		return nil, fmt.Errorf("pipeline: orchestrator is required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("pipeline: llm provider is required")
	}
	if deps.Search == nil {
		return nil, fmt.Errorf("pipeline: search client is required")
	}
	if deps.Market == nil {
		return nil, fmt.Errorf("pipeline: market client is required")
	}
	if deps.SEC == nil {
		return nil, fmt.Errorf("pipeline: sec client is required")
	}
	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.New(config.TelemetryConfig{})
	}
	return &Pipeline{
		orch:   orch,
		deps:   deps,
		tel:    tel,
		logger: log.New(os.Stdout, "[PIPELINE] ", log.LstdFlags),
	}, nil
}

// stage traces and times one pipeline stage.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tel.Tracer().Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.tel.RecordStage(name, time.Since(start), err)
	return err
}

// degrade notes a tolerated stage failure in the result and audit log.
func (p *Pipeline) degrade(ctx context.Context, res *Result, stage string, err error) {
	p.logger.Printf("stage %s degraded: %v", stage, err)
	res.Degraded = append(res.Degraded, stage)
	p.orch.Note(ctx, "stage_degraded", map[string]interface{}{
		"stage": stage,
		"error": err.Error(),
	})
}

// Run executes the full pipeline for one request. Collection and search
// failures degrade the run; analysis and report failures abort it.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Company) == "" {
		return nil, fmt.Errorf("pipeline: company is required")
	}
	if strings.TrimSpace(req.AnalysisGoal) == "" {
		return nil, fmt.Errorf("pipeline: analysis goal is required")
	}

	res := &Result{Company: req.Company, Artifacts: map[string]string{}}

	if err := p.stage(ctx, "resolve_ticker", func(ctx context.Context) error {
		res.Ticker = p.resolveTicker(ctx, res, req)
		return nil
	}); err != nil {
		return nil, err
	}

	_ = p.stage(ctx, "collect", func(ctx context.Context) error {
		p.collect(ctx, res, req)
		return nil
	})

	_ = p.stage(ctx, "deep_search", func(ctx context.Context) error {
		query := fmt.Sprintf("%s latest developments", req.Company)
		iterations := req.SearchIterations
		if iterations <= 0 {
			iterations = defaultSearchIterations
		}
		var opts []deepsearch.AgentOption
		if p.deps.Fetcher != nil {
			opts = append(opts, deepsearch.WithArticleFetcher(p.deps.Fetcher))
		}
		agent := deepsearch.NewAgent(p.orch, p.deps.Provider, p.deps.Search, iterations, opts...)
		_, uid, err := agent.Run(ctx, query)
		if err != nil {
			p.degrade(ctx, res, "deep_search", err)
			return err
		}
		res.Artifacts["deep_search_uid"] = uid
		return nil
	})

	if err := p.stage(ctx, "analysis", func(ctx context.Context) error {
		return p.analyse(ctx, res, req)
	}); err != nil {
		return nil, err
	}

	if req.VisualizationSpec != nil && req.VisualizationGoal != "" {
		_ = p.stage(ctx, "visualize", func(ctx context.Context) error {
			tableUID := res.Artifacts["stock_history_uid"]
			if tableUID == "" {
				err := fmt.Errorf("no stock history artifact to visualize")
				p.degrade(ctx, res, "visualize", err)
				return err
			}
			iterations := req.ChartIterations
			if iterations <= 0 {
				iterations = defaultChartIterations
			}
			agent := visualize.NewAgent(p.orch, p.deps.Provider, iterations)
			_, uid, err := agent.Run(ctx, tableUID, *req.VisualizationSpec, req.VisualizationGoal)
			if err != nil {
				p.degrade(ctx, res, "visualize", err)
				return err
			}
			res.Artifacts["visualization_uid"] = uid
			return nil
		})
	}

	if err := p.stage(ctx, "report", func(ctx context.Context) error {
		writer := writing.NewWriter(p.orch, p.deps.Provider)
		memo, uid, err := writer.Write(ctx, req.AnalysisGoal, res.Perspectives, req.Outline, res.Artifacts["visualization_uid"])
		if err != nil {
			return err
		}
		res.Memo = memo
		res.Artifacts["memo_uid"] = uid
		return nil
	}); err != nil {
		return nil, fmt.Errorf("report stage: %w", err)
	}

	p.logger.Printf("run complete for %s (%s): %d artifacts, %d degraded stages",
		req.Company, res.Ticker, len(res.Artifacts), len(res.Degraded))
	return res, nil
}

// resolveTicker prefers an explicit ticker, then the SEC company mapping,
// then an upper-cased company name as a last resort.
func (p *Pipeline) resolveTicker(ctx context.Context, res *Result, req Request) string {
	if t := strings.TrimSpace(req.Ticker); t != "" {
		return strings.ToUpper(t)
	}
	ticker, err := p.deps.SEC.ResolveTicker(ctx, req.Company)
	p.tel.RecordSourceRequest("sec_tickers", err)
	if err != nil {
		p.degrade(ctx, res, "resolve_ticker", err)
		return strings.ToUpper(strings.Fields(req.Company)[0])
	}
	return ticker
}

// collect delegates to the collection agent and folds its failures into
// the run's degradation record.
func (p *Pipeline) collect(ctx context.Context, res *Result, req Request) {
	agent := collect.NewAgent(p.orch, p.deps.Market, p.deps.Fred, p.deps.SEC)
	out := agent.Run(ctx, res.Ticker, req.HistoryPeriod, req.FredSeries)

	for key, uid := range out.Artifacts {
		res.Artifacts[key] = uid
	}
	p.tel.RecordSourceRequest("yahoo_chart", out.Failures["collect_stock_history"])
	p.tel.RecordSourceRequest("sec_edgar", out.Failures["collect_sec_filing"])

	names := make([]string, 0, len(out.Failures))
	for name := range out.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p.degrade(ctx, res, name, out.Failures[name])
	}
}

// analyse runs the stepper, registers the chain and reasoning logs, and
// compiles the chain into perspectives.
func (p *Pipeline) analyse(ctx context.Context, res *Result, req Request) error {
	steps := req.AnalysisSteps
	if steps <= 0 {
		steps = defaultAnalysisSteps
	}

	stepper := analysis.NewStepper(p.orch, p.deps.Provider, steps)
	chain, logs, err := stepper.Run(ctx, req.AnalysisGoal)
	if err != nil {
		return err
	}
	res.Chain = chain

	chainUID, err := p.orch.RegisterData(ctx,
		"analysis_chain_steps", chain.ToMaps(),
		"Ordered chain-of-analysis steps", "data_analysis_agent",
		[]string{"analysis", "chain"})
	if err != nil {
		return err
	}
	res.Artifacts["analysis_chain_uid"] = chainUID

	if len(logs) > 0 {
		logsUID, err := p.orch.RegisterData(ctx,
			"analysis_reasoning_logs", logs,
			"Prompts and plans used during analysis execution", "data_analysis_agent",
			[]string{"analysis", "logs"})
		if err != nil {
			return err
		}
		res.Artifacts["analysis_logs_uid"] = logsUID
	}

	compiler := analysis.NewCompiler(p.orch, p.deps.Provider)
	perspectives, uid, err := compiler.Compile(ctx, chain, req.AnalysisGoal)
	if err != nil {
		return err
	}
	res.Perspectives = perspectives
	res.Artifacts["perspectives_uid"] = uid
	return nil
}

// Evaluate scores a finished run against reference conclusions and key
// points using the run's own artifact space.
func (p *Pipeline) Evaluate(res *Result, referenceConclusions, keyPoints []string) (eval.RunScore, error) {
	if res == nil {
		return eval.RunScore{}, fmt.Errorf("pipeline: nil result")
	}
	return eval.EvaluateRun(p.orch.Space(), res.Artifacts, referenceConclusions, keyPoints)
}
