package sources

import (
	"context"
	"fmt"
	"time"
)

const yahooChartEndpoint = "https://query1.finance.yahoo.com/v8/finance/chart"

// PriceTable is a tabular market-data payload: column names plus one row
// per trading day. Consumers reference columns by name only.
type PriceTable struct {
	Ticker  string          `json:"ticker"`
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// MarketClient fetches daily price history from the Yahoo chart API.
type MarketClient struct {
	endpoint string
	http     *HTTPClient
}

// NewMarketClient builds a market client. endpoint overrides the live API
// base, mainly for tests; empty keeps the default.
func NewMarketClient(endpoint string, http *HTTPClient) *MarketClient {
	if http == nil {
		http = NewHTTPClient(0, 2, 0)
	}
	return &MarketClient{endpoint: endpoint, http: http}
}

// StockHistory returns adjusted daily bars for ticker over range strings
// the chart API accepts ("1y", "2y", ...).
func (m *MarketClient) StockHistory(ctx context.Context, ticker, period string) (PriceTable, error) {
	if period == "" {
		period = "2y"
	}
	base := m.endpoint
	if base == "" {
		base = yahooChartEndpoint
	}
	url := fmt.Sprintf("%s/%s?range=%s&interval=1d&events=div%%2Csplit", base, ticker, period)

	var resp struct {
		Chart struct {
			Result []struct {
				Timestamp  []int64 `json:"timestamp"`
				Indicators struct {
					Quote []struct {
						Open   []float64 `json:"open"`
						High   []float64 `json:"high"`
						Low    []float64 `json:"low"`
						Close  []float64 `json:"close"`
						Volume []int64   `json:"volume"`
					} `json:"quote"`
				} `json:"indicators"`
			} `json:"result"`
			Error *struct {
				Description string `json:"description"`
			} `json:"error"`
		} `json:"chart"`
	}
	headers := map[string]string{"User-Agent": "finsight/1.0"}
	if err := m.http.DoJSON(ctx, "GET", url, headers, nil, &resp); err != nil {
		return PriceTable{}, fmt.Errorf("market history %s: %w", ticker, err)
	}
	if resp.Chart.Error != nil {
		return PriceTable{}, fmt.Errorf("market history %s: %s", ticker, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
		return PriceTable{}, fmt.Errorf("no market data returned for %s", ticker)
	}

	result := resp.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	table := PriceTable{
		Ticker:  ticker,
		Columns: []string{"Date", "Open", "High", "Low", "Close", "Volume"},
	}
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) {
			break
		}
		day := time.Unix(ts, 0).UTC().Format("2006-01-02")
		table.Rows = append(table.Rows, []interface{}{
			day, pick(quote.Open, i), pick(quote.High, i), pick(quote.Low, i), quote.Close[i], pickInt(quote.Volume, i),
		})
	}
	if len(table.Rows) == 0 {
		return PriceTable{}, fmt.Errorf("no market data returned for %s", ticker)
	}
	return table, nil
}

func pick(vals []float64, i int) float64 {
	if i < len(vals) {
		return vals[i]
	}
	return 0
}

func pickInt(vals []int64, i int) int64 {
	if i < len(vals) {
		return vals[i]
	}
	return 0
}
