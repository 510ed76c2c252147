package sources

import (
	"context"
	"fmt"
)

// SearchResult is one hit from the search provider, normalized across the
// news and web verticals.
type SearchResult struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Snippet   string `json:"snippet"`
	Published string `json:"published,omitempty"`
	Vertical  string `json:"vertical"`
}

// Searcher is the query surface the deep search agent consumes.
type Searcher interface {
	SearchNews(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
	SearchWeb(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

const (
	serperSearchEndpoint = "https://google.serper.dev/search"
	serperNewsEndpoint   = "https://google.serper.dev/news"
)

// SerperClient queries serper.dev (Google Search API).
type SerperClient struct {
	apiKey   string
	endpoint string
	http     *HTTPClient
}

// NewSerperClient builds a serper client. endpoint overrides the live API
// base, mainly for tests; empty keeps the default.
func NewSerperClient(apiKey, endpoint string, http *HTTPClient) (*SerperClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("serper api key is required")
	}
	if http == nil {
		http = NewHTTPClient(0, 2, 0)
	}
	return &SerperClient{apiKey: apiKey, endpoint: endpoint, http: http}, nil
}

func (s *SerperClient) headers() map[string]string {
	return map[string]string{"X-API-KEY": s.apiKey}
}

func (s *SerperClient) url(live string, path string) string {
	if s.endpoint != "" {
		return s.endpoint + path
	}
	return live
}

func (s *SerperClient) SearchNews(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	var resp struct {
		News []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
			Date    string `json:"date"`
		} `json:"news"`
	}
	body := map[string]any{"q": query, "num": maxResults}
	if err := s.http.DoJSON(ctx, "POST", s.url(serperNewsEndpoint, "/news"), s.headers(), body, &resp); err != nil {
		return nil, fmt.Errorf("serper news search: %w", err)
	}
	out := make([]SearchResult, 0, len(resp.News))
	for _, r := range resp.News {
		if len(out) == maxResults {
			break
		}
		out = append(out, SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet, Published: r.Date, Vertical: "news"})
	}
	return out, nil
}

func (s *SerperClient) SearchWeb(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	var resp struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	body := map[string]any{"q": query, "num": maxResults}
	if err := s.http.DoJSON(ctx, "POST", s.url(serperSearchEndpoint, "/search"), s.headers(), body, &resp); err != nil {
		return nil, fmt.Errorf("serper web search: %w", err)
	}
	out := make([]SearchResult, 0, len(resp.Organic))
	for _, r := range resp.Organic {
		if len(out) == maxResults {
			break
		}
		out = append(out, SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet, Vertical: "web"})
	}
	return out, nil
}
