// Package collect gathers market, macro and filing data into the
// artifact space ahead of analysis. Each collector fails independently;
// the caller decides what a partially collected run means.
package collect

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/finsightlab/finsight/internal/runtime"
	"github.com/finsightlab/finsight/internal/sources"
)

// ErrNoFredClient is reported for each requested macro series when no
// FRED client was configured.
var ErrNoFredClient = errors.New("fred client not configured")

const defaultHistoryPeriod = "2y"

// FilingTruncate caps the stored 10-K excerpt length.
const FilingTruncate = 20000

// Agent is the multi-source data collection agent.
type Agent struct {
	orch   *runtime.Orchestrator
	market *sources.MarketClient
	fred   *sources.FredClient
	sec    *sources.SECClient
	logger *log.Logger
}

// NewAgent builds a collection agent. fred may be nil when no macro
// series are requested.
func NewAgent(orch *runtime.Orchestrator, market *sources.MarketClient, fred *sources.FredClient, sec *sources.SECClient) *Agent {
	return &Agent{
		orch:   orch,
		market: market,
		fred:   fred,
		sec:    sec,
		logger: log.New(os.Stdout, "[COLLECT] ", log.LstdFlags),
	}
}

// Outcome reports what was collected and which collectors failed.
type Outcome struct {
	// Artifacts maps uid-map keys (stock_history_uid, fred_<label>_uid,
	// sec_filing_uid) to registered uids.
	Artifacts map[string]string

	// Failures maps a failed collector name to its error.
	Failures map[string]error
}

func (o *Outcome) fail(name string, err error) {
	o.Failures[name] = err
}

// Run collects stock history, the requested FRED series and the latest
// 10-K for the ticker. Every collector failure is tolerated and reported
// in the outcome.
func (a *Agent) Run(ctx context.Context, ticker, period string, fredSeries map[string]string) Outcome {
	out := Outcome{Artifacts: map[string]string{}, Failures: map[string]error{}}
	if period == "" {
		period = defaultHistoryPeriod
	}

	table, err := a.market.StockHistory(ctx, ticker, period)
	if err != nil {
		out.fail("collect_stock_history", err)
	} else {
		uid, regErr := a.orch.RegisterData(ctx,
			fmt.Sprintf("%s_stock_history", ticker), table,
			fmt.Sprintf("%s historical prices (%s)", ticker, period),
			"data_collection_agent",
			[]string{"market", "price", ticker})
		if regErr != nil {
			out.fail("collect_stock_history", regErr)
		} else {
			out.Artifacts["stock_history_uid"] = uid
		}
	}

	if len(fredSeries) > 0 {
		labels := make([]string, 0, len(fredSeries))
		for label := range fredSeries {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			if a.fred == nil {
				out.fail("collect_fred_"+label, ErrNoFredClient)
				continue
			}
			seriesID := fredSeries[label]
			series, err := a.fred.Series(ctx, seriesID)
			if err != nil {
				out.fail("collect_fred_"+label, err)
				continue
			}
			uid, regErr := a.orch.RegisterData(ctx,
				"fred_"+label, series,
				fmt.Sprintf("FRED series %s for %s", seriesID, label),
				"data_collection_agent",
				[]string{"macro", "fred", seriesID})
			if regErr != nil {
				out.fail("collect_fred_"+label, regErr)
				continue
			}
			out.Artifacts["fred_"+label+"_uid"] = uid
		}
	}

	filing, err := a.sec.LatestFiling(ctx, ticker, "10-K", FilingTruncate)
	if err != nil {
		out.fail("collect_sec_filing", err)
		return out
	}
	uid, regErr := a.orch.RegisterData(ctx,
		fmt.Sprintf("%s_10k_excerpt", ticker), filing,
		"SEC filing snippet", "sec_edgar_api",
		[]string{"sec", "filing"})
	if regErr != nil {
		out.fail("collect_sec_filing", regErr)
		return out
	}
	out.Artifacts["sec_filing_uid"] = uid

	a.logger.Printf("collected %d artifacts for %s (%d failures)",
		len(out.Artifacts), ticker, len(out.Failures))
	return out
}
