package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/finsightlab/finsight/config"
	"github.com/finsightlab/finsight/internal/agent/visualize"
	"github.com/finsightlab/finsight/internal/llm"
	"github.com/finsightlab/finsight/internal/runtime"
	"github.com/finsightlab/finsight/internal/sources"
	"github.com/finsightlab/finsight/internal/telemetry"
)

// stubProvider routes canned responses on prompt content so a single
// instance can serve every agent in the run.
type stubProvider struct {
	memo string
}

const stubStepCode = `package main

import "fmt"

func main() {
	fmt.Println("close trend examined")
}
`

func (s *stubProvider) Generate(_ context.Context, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "analysis critic"):
		return "APPROVED: goal sufficiently analysed", nil
	case strings.Contains(prompt, "gathering web context"):
		return "APPROVED: gathered context suffices", nil
	default:
		return s.memo, nil
	}
}

func (s *stubProvider) GenerateStructured(_ context.Context, prompt string, out interface{}) error {
	if strings.Contains(prompt, "chain-of-analysis compiler") {
		return json.Unmarshal([]byte(`{"perspectives":[
			{"id":"P-1","focus":"Momentum","narrative":"Price momentum is strong.","evidence_uids":[]}]}`), out)
	}
	plan, _ := json.Marshal(map[string]interface{}{
		"focus":      "Inspect closing prices",
		"code":       stubStepCode,
		"commentary": []string{"closing prices trend upward"},
		"evidence":   []string{},
	})
	return json.Unmarshal(plan, out)
}

func (s *stubProvider) GenerateWithAttachment(_ context.Context, _ []llm.Part) (string, error) {
	return "APPROVED: chart is clear", nil
}

type stubSearcher struct{}

func (stubSearcher) SearchNews(_ context.Context, query string, _ int) ([]sources.SearchResult, error) {
	return []sources.SearchResult{{Title: "Guidance raised", URL: "https://news.example.com/1",
		Snippet: "raised full-year guidance", Vertical: "news"}}, nil
}

func (stubSearcher) SearchWeb(_ context.Context, query string, _ int) ([]sources.SearchResult, error) {
	return []sources.SearchResult{{Title: "Overview", URL: "https://web.example.com/1",
		Snippet: "data center revenue grew", Vertical: "web"}}, nil
}

func fixtureServer(t *testing.T, marketOK bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/company_tickers.json":
			w.Write([]byte(`{"0":{"cik_str":1045810,"ticker":"NVDA","title":"NVIDIA CORP"}}`))
		case r.URL.Path == "/submissions/CIK0001045810.json":
			w.Write([]byte(`{"cik":"1045810","filings":{"recent":{
				"form":["10-K"],
				"accessionNumber":["0001-24-000002"],
				"primaryDocument":["nvda-10k.htm"]}}}`))
		case strings.Contains(r.URL.Path, "/archives/1045810/000124000002/nvda-10k.htm"):
			w.Write([]byte("<html>ANNUAL REPORT BODY</html>"))
		case strings.HasPrefix(r.URL.Path, "/market/"):
			if !marketOK {
				http.Error(w, "upstream down", http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"chart":{"result":[{"timestamp":[1719792000,1719878400],
				"indicators":{"quote":[{"open":[100.0,102.0],"high":[103.0,104.0],"low":[99.0,101.0],"close":[102.5,103.5],"volume":[1000,1100]}]}}],"error":null}}`))
		case r.URL.Path == "/fred/series/observations":
			w.Write([]byte(`{"observations":[{"date":"2026-07-01","value":"3.1"},{"date":"2026-08-01","value":"3.2"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestPipeline(t *testing.T, srv *httptest.Server, orch *runtime.Orchestrator) *Pipeline {
	t.Helper()
	hc := sources.NewHTTPClient(0, 0, 0)
	sec, err := sources.NewSECClient("finsight test agent", hc)
	if err != nil {
		t.Fatalf("NewSECClient: %v", err)
	}
	sec.WithEndpoints(srv.URL+"/company_tickers.json", srv.URL+"/submissions", srv.URL+"/archives")
	fred, err := sources.NewFredClient("test-key", srv.URL+"/fred/series/observations", hc)
	if err != nil {
		t.Fatalf("NewFredClient: %v", err)
	}

	p, err := New(orch, Deps{
		Provider:  &stubProvider{memo: "# Executive Summary\nNVIDIA shows strong momentum. [Ref: P-1]\n"},
		Search:    stubSearcher{},
		Market:    sources.NewMarketClient(srv.URL+"/market", hc),
		Fred:      fred,
		SEC:       sec,
		Telemetry: telemetry.New(config.TelemetryConfig{Enabled: true, CostTracking: true}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestRunProducesFullArtifactMap(t *testing.T) {
	srv := fixtureServer(t, true)
	defer srv.Close()

	orch := runtime.NewOrchestrator(runtime.NewSpace())
	p := newTestPipeline(t, srv, orch)

	res, err := p.Run(context.Background(), Request{
		Company:      "NVIDIA",
		AnalysisGoal: "Assess NVIDIA price momentum",
		FredSeries:   map[string]string{"cpi": "CPIAUCSL"},
		VisualizationSpec: &visualize.ChartSpec{
			Type: "line", X: "Date", Y: []string{"Close"}, Title: "NVDA Close",
		},
		VisualizationGoal: "Show the closing price trend",
		AnalysisSteps:     1,
		SearchIterations:  1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Ticker != "NVDA" {
		t.Fatalf("ticker = %q, want NVDA", res.Ticker)
	}
	if len(res.Degraded) != 0 {
		t.Fatalf("unexpected degraded stages: %v", res.Degraded)
	}
	for _, key := range []string{
		"stock_history_uid", "fred_cpi_uid", "sec_filing_uid",
		"deep_search_uid", "analysis_chain_uid", "analysis_logs_uid",
		"perspectives_uid", "visualization_uid", "memo_uid",
	} {
		if res.Artifacts[key] == "" {
			t.Fatalf("artifact %s missing from result: %v", key, res.Artifacts)
		}
	}
	if !strings.Contains(res.Memo.Markdown, "References") {
		t.Fatalf("memo missing references table:\n%s", res.Memo.Markdown)
	}
	if len(res.Chain.Steps) != 1 || !res.Chain.Steps[0].Success {
		t.Fatalf("unexpected chain: %+v", res.Chain)
	}

	score, err := p.Evaluate(res, []string{"strong momentum"}, []string{"momentum"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if score.FactualAccuracyScore <= 0 {
		t.Fatalf("factual accuracy not scored: %+v", score)
	}
}

func TestRunDegradesWhenCollectorsFail(t *testing.T) {
	srv := fixtureServer(t, false)
	defer srv.Close()

	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := runtime.NewFileAuditSink(auditPath)
	if err != nil {
		t.Fatalf("NewFileAuditSink: %v", err)
	}
	defer sink.Close()

	orch := runtime.NewOrchestrator(runtime.NewSpace(), runtime.WithAuditSink(sink))
	p := newTestPipeline(t, srv, orch)

	res, err := p.Run(context.Background(), Request{
		Company:          "Unlisted Startup Co",
		Ticker:           "ZZZZ", // no submissions fixture for this cik
		AnalysisGoal:     "Assess momentum without market data",
		AnalysisSteps:    1,
		SearchIterations: 1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Artifacts["memo_uid"] == "" {
		t.Fatal("degraded run must still produce a memo")
	}
	if res.Artifacts["stock_history_uid"] != "" {
		t.Fatalf("stock history should be absent: %v", res.Artifacts)
	}

	wantDegraded := map[string]bool{}
	for _, stage := range res.Degraded {
		wantDegraded[stage] = true
	}
	if !wantDegraded["collect_stock_history"] || !wantDegraded["collect_sec_filing"] {
		t.Fatalf("degraded stages = %v", res.Degraded)
	}

	raw, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(raw), "stage_degraded") {
		t.Fatalf("audit log missing degradation records:\n%s", raw)
	}
}

func TestRunRejectsMissingGoal(t *testing.T) {
	srv := fixtureServer(t, true)
	defer srv.Close()

	p := newTestPipeline(t, srv, runtime.NewOrchestrator(runtime.NewSpace()))
	if _, err := p.Run(context.Background(), Request{Company: "NVIDIA"}); err == nil {
		t.Fatal("expected error for missing analysis goal")
	}
}
