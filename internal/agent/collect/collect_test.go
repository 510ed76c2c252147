package collect

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/finsightlab/finsight/internal/runtime"
	"github.com/finsightlab/finsight/internal/sources"
)

func collectorServer(t *testing.T, marketOK bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/market/"):
			if !marketOK {
				http.Error(w, "upstream down", http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"chart":{"result":[{"timestamp":[1719792000],
				"indicators":{"quote":[{"open":[100.0],"high":[103.0],"low":[99.0],"close":[102.5],"volume":[1000]}]}}],"error":null}}`))
		case r.URL.Path == "/fred/series/observations":
			w.Write([]byte(`{"observations":[{"date":"2026-08-01","value":"3.2"}]}`))
		case r.URL.Path == "/submissions/CIK0001045810.json":
			w.Write([]byte(`{"cik":"1045810","filings":{"recent":{
				"form":["10-K"],
				"accessionNumber":["0001-24-000002"],
				"primaryDocument":["nvda-10k.htm"]}}}`))
		case r.URL.Path == "/company_tickers.json":
			w.Write([]byte(`{"0":{"cik_str":1045810,"ticker":"NVDA","title":"NVIDIA CORP"}}`))
		case strings.Contains(r.URL.Path, "/archives/1045810/000124000002/nvda-10k.htm"):
			w.Write([]byte("<html>ANNUAL REPORT BODY</html>"))
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestAgent(t *testing.T, srv *httptest.Server, orch *runtime.Orchestrator) *Agent {
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
	return NewAgent(orch, sources.NewMarketClient(srv.URL+"/market", hc), fred, sec)
}

func TestRunCollectsAllSources(t *testing.T) {
	srv := collectorServer(t, true)
	defer srv.Close()

	orch := runtime.NewOrchestrator(runtime.NewSpace())
	agent := newTestAgent(t, srv, orch)

	out := agent.Run(context.Background(), "NVDA", "", map[string]string{"cpi": "CPIAUCSL"})
	if len(out.Failures) != 0 {
		t.Fatalf("unexpected failures: %v", out.Failures)
	}
	for _, key := range []string{"stock_history_uid", "fred_cpi_uid", "sec_filing_uid"} {
		uid := out.Artifacts[key]
		if uid == "" {
			t.Fatalf("artifact %s missing: %v", key, out.Artifacts)
		}
		if _, err := orch.Space().Get(uid); err != nil {
			t.Fatalf("artifact %s not registered: %v", key, err)
		}
	}

	history := orch.Space().FindByName("NVDA_stock_history")
	if len(history) != 1 {
		t.Fatalf("stock history artifact not findable by name")
	}
	table, ok := history[0].Value.(sources.PriceTable)
	if !ok || len(table.Rows) != 1 {
		t.Fatalf("unexpected stock history value: %#v", history[0].Value)
	}
}

func TestRunReportsMissingFredClient(t *testing.T) {
	srv := collectorServer(t, true)
	defer srv.Close()

	orch := runtime.NewOrchestrator(runtime.NewSpace())
	hc := sources.NewHTTPClient(0, 0, 0)
	sec, err := sources.NewSECClient("finsight test agent", hc)
	if err != nil {
		t.Fatalf("NewSECClient: %v", err)
	}
	sec.WithEndpoints(srv.URL+"/company_tickers.json", srv.URL+"/submissions", srv.URL+"/archives")
	agent := NewAgent(orch, sources.NewMarketClient(srv.URL+"/market", hc), nil, sec)

	out := agent.Run(context.Background(), "NVDA", "", map[string]string{"cpi": "CPIAUCSL", "gdp": "GDP"})
	for _, name := range []string{"collect_fred_cpi", "collect_fred_gdp"} {
		if !errors.Is(out.Failures[name], ErrNoFredClient) {
			t.Fatalf("%s failure = %v, want ErrNoFredClient", name, out.Failures[name])
		}
	}
	if out.Artifacts["stock_history_uid"] == "" || out.Artifacts["sec_filing_uid"] == "" {
		t.Fatalf("other collectors should still run: %v", out.Artifacts)
	}
}

func TestRunToleratesPartialFailure(t *testing.T) {
	srv := collectorServer(t, false)
	defer srv.Close()

	orch := runtime.NewOrchestrator(runtime.NewSpace())
	agent := newTestAgent(t, srv, orch)

	out := agent.Run(context.Background(), "NVDA", "2y", nil)
	if out.Failures["collect_stock_history"] == nil {
		t.Fatalf("market failure not reported: %v", out.Failures)
	}
	if out.Artifacts["stock_history_uid"] != "" {
		t.Fatal("failed collector must not register an artifact")
	}
	if out.Artifacts["sec_filing_uid"] == "" {
		t.Fatalf("filing collection should survive market failure: %v", out.Artifacts)
	}
}
