package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

const fredObservationsEndpoint = "https://api.stlouisfed.org/fred/series/observations"

// SeriesTable is a macro time series payload: one {date, value} row per
// observation. Missing observations (".") are skipped.
type SeriesTable struct {
	SeriesID string          `json:"series_id"`
	Columns  []string        `json:"columns"`
	Rows     [][]interface{} `json:"rows"`
}

// FredClient fetches macroeconomic series from the FRED API.
type FredClient struct {
	apiKey   string
	endpoint string
	http     *HTTPClient
}

func NewFredClient(apiKey, endpoint string, http *HTTPClient) (*FredClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("fred api key is required")
	}
	if http == nil {
		http = NewHTTPClient(0, 2, 0)
	}
	return &FredClient{apiKey: apiKey, endpoint: endpoint, http: http}, nil
}

// Series returns all observations for seriesID.
func (f *FredClient) Series(ctx context.Context, seriesID string) (SeriesTable, error) {
	base := f.endpoint
	if base == "" {
		base = fredObservationsEndpoint
	}
	q := url.Values{}
	q.Set("series_id", seriesID)
	q.Set("api_key", f.apiKey)
	q.Set("file_type", "json")

	var resp struct {
		Observations []struct {
			Date  string `json:"date"`
			Value string `json:"value"`
		} `json:"observations"`
	}
	if err := f.http.DoJSON(ctx, "GET", base+"?"+q.Encode(), nil, nil, &resp); err != nil {
		return SeriesTable{}, fmt.Errorf("fred series %s: %w", seriesID, err)
	}

	table := SeriesTable{SeriesID: seriesID, Columns: []string{"Date", "Value"}}
	for _, obs := range resp.Observations {
		if obs.Value == "." {
			continue
		}
		v, err := strconv.ParseFloat(obs.Value, 64)
		if err != nil {
			continue
		}
		table.Rows = append(table.Rows, []interface{}{obs.Date, v})
	}
	if len(table.Rows) == 0 {
		return SeriesTable{}, fmt.Errorf("no observations for series %s", seriesID)
	}
	return table, nil
}
