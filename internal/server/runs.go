package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/finsightlab/finsight/config"
	"github.com/finsightlab/finsight/internal/llm"
	"github.com/finsightlab/finsight/internal/pipeline"
	"github.com/finsightlab/finsight/internal/runtime"
	"github.com/finsightlab/finsight/internal/sources"
	"github.com/finsightlab/finsight/internal/telemetry"
)

// Runner executes one research run and returns its result together with
// the artifact space backing the run.
type Runner interface {
	Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, *runtime.Space, error)
}

type runJob struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"` // running, done, error
	Error     string    `json:"error,omitempty"`
	Company   string    `json:"company"`
	CreatedAt time.Time `json:"created_at"`

	result *pipeline.Result
	space  *runtime.Space
	done   chan struct{}
}

type runRequest struct {
	Company      string            `json:"company"`
	Ticker       string            `json:"ticker,omitempty"`
	AnalysisGoal string            `json:"analysis_goal"`
	FredSeries   map[string]string `json:"fred_series,omitempty"`
	Outline      []string          `json:"outline,omitempty"`
	Visualize    bool              `json:"visualize,omitempty"`
}

func (s *Server) createRun(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Company == "" || req.AnalysisGoal == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "company and analysis_goal are required")
	}

	preq := pipeline.Request{
		Company:      req.Company,
		Ticker:       req.Ticker,
		AnalysisGoal: req.AnalysisGoal,
		FredSeries:   req.FredSeries,
		Outline:      req.Outline,
	}
	if req.Visualize {
		preq.VisualizationSpec = pipeline.DefaultChartSpec()
		preq.VisualizationGoal = "Show the closing price trend clearly"
	}

	job := &runJob{
		ID:        uuid.NewString(),
		Status:    "running",
		Company:   req.Company,
		CreatedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	go func() {
		defer close(job.done)
		res, space, err := s.runner.Execute(context.Background(), preq)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			job.Status = "error"
			job.Error = err.Error()
			s.logger.Printf("run %s failed: %v", job.ID, err)
			return
		}
		job.Status = "done"
		job.result = res
		job.space = space
	}()

	return c.JSON(http.StatusAccepted, map[string]string{"run_id": job.ID, "status": job.Status})
}

func (s *Server) listRuns(c echo.Context) error {
	s.mu.RLock()
	jobs := make([]*runJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) job(c echo.Context) (*runJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[c.Param("id")]
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return job, nil
}

func (s *Server) getRun(c echo.Context) error {
	job, err := s.job(c)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]interface{}{
		"id":         job.ID,
		"status":     job.Status,
		"company":    job.Company,
		"created_at": job.CreatedAt,
	}
	if job.Error != "" {
		out["error"] = job.Error
	}
	if job.result != nil {
		out["result"] = job.result
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getSnapshot(c echo.Context) error {
	job, err := s.job(c)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if job.space == nil {
		return echo.NewHTTPError(http.StatusConflict, "run has no snapshot yet")
	}
	return c.JSON(http.StatusOK, job.space.Snapshot())
}

func (s *Server) getArtifact(c echo.Context) error {
	job, err := s.job(c)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if job.space == nil {
		return echo.NewHTTPError(http.StatusConflict, "run has no artifacts yet")
	}
	artifact, err := job.space.Get(c.Param("uid"))
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, artifact)
}

func (s *Server) getReview(c echo.Context) error {
	job, err := s.job(c)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if job.result == nil {
		return echo.NewHTTPError(http.StatusConflict, "run has no review record yet")
	}
	return c.JSON(http.StatusOK, job.result.Memo.SelfReview)
}

func (s *Server) getCosts(c echo.Context) error {
	return c.JSON(http.StatusOK, s.tel.CostSummary())
}

// localRunner builds a fresh orchestrator, space and dependency set per
// run from the application config.
type localRunner struct {
	cfg *config.Config
	tel *telemetry.Telemetry
}

// NewLocalRunner constructs the default in-process run executor.
func NewLocalRunner(cfg *config.Config, tel *telemetry.Telemetry) Runner {
	return &localRunner{cfg: cfg, tel: tel}
}

func (r *localRunner) Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, *runtime.Space, error) {
	space := runtime.NewSpace()

	var opts []runtime.OrchestratorOption
	sink, err := OpenAuditSink(ctx, r.cfg.Audit)
	if err != nil {
		return nil, nil, err
	}
	if sink != nil {
		defer sink.Close()
		opts = append(opts, runtime.WithAuditSink(sink))
	}
	if r.cfg.Security.PolicyFile != "" {
		policy, err := runtime.LoadSandboxPolicy(r.cfg.Security.PolicyFile)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, runtime.WithExecutor(runtime.NewExecutorWithPolicy(policy)))
	}
	if r.tel != nil {
		opts = append(opts, runtime.WithExecutionObserver(r.tel.RecordSandboxRun))
	}
	orch := runtime.NewOrchestrator(space, opts...)

	deps, err := BuildDeps(r.cfg, r.tel)
	if err != nil {
		return nil, nil, err
	}
	p, err := pipeline.New(orch, deps)
	if err != nil {
		return nil, nil, err
	}
	res, err := p.Run(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return res, space, nil
}

// BuildDeps assembles the pipeline dependency set from config.
func BuildDeps(cfg *config.Config, tel *telemetry.Telemetry) (pipeline.Deps, error) {
	searchHTTP := sources.NewHTTPClient(cfg.Search.Timeout, 2, 0)
	collectHTTP := sources.NewHTTPClient(cfg.Collectors.Timeout, 2, 0)

	search, err := sources.NewSerperClient(cfg.Search.SerperAPIKey, "", searchHTTP)
	if err != nil {
		return pipeline.Deps{}, err
	}
	sec, err := sources.NewSECClient(cfg.Collectors.SECUserAgent, collectHTTP)
	if err != nil {
		return pipeline.Deps{}, err
	}

	provider := llm.NewOpenAI(cfg.LLM)
	if tel != nil {
		provider.OnUsage(tel.LLMUsage)
	}

	deps := pipeline.Deps{
		Provider:  provider,
		Search:    search,
		Fetcher:   sources.NewArticleFetcher(searchHTTP),
		Market:    sources.NewMarketClient("", collectHTTP),
		SEC:       sec,
		Telemetry: tel,
	}
	if cfg.Collectors.FredAPIKey != "" {
		fred, err := sources.NewFredClient(cfg.Collectors.FredAPIKey, "", collectHTTP)
		if err != nil {
			return pipeline.Deps{}, err
		}
		deps.Fred = fred
	}
	return deps, nil
}

// OpenAuditSink opens the configured audit sink, preferring Redis when
// an address is set. Returns nil when auditing is disabled.
func OpenAuditSink(ctx context.Context, cfg config.AuditConfig) (runtime.AuditSink, error) {
	if cfg.RedisAddr != "" {
		return runtime.NewRedisAuditSink(ctx, cfg.RedisAddr, cfg.RedisPass, cfg.RedisStream)
	}
	if cfg.LogFile != "" {
		return runtime.NewFileAuditSink(cfg.LogFile)
	}
	return nil, nil
}
