package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"
)

// Article is the readable body extracted from a web page.
type Article struct {
	Title   string `json:"title"`
	Excerpt string `json:"excerpt"`
	Text    string `json:"text"`
	URL     string `json:"url"`
}

// ArticleFetcher downloads a page and strips it down to readable text.
type ArticleFetcher struct {
	http     *HTTPClient
	maxBytes int64
}

func NewArticleFetcher(http *HTTPClient) *ArticleFetcher {
	if http == nil {
		http = NewHTTPClient(0, 1, 0)
	}
	return &ArticleFetcher{http: http, maxBytes: 2 << 20}
}

// Fetch extracts the readable article at rawURL.
func (f *ArticleFetcher) Fetch(ctx context.Context, rawURL string) (Article, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Article{}, fmt.Errorf("article url: %w", err)
	}
	html, err := f.http.DoText(ctx, rawURL, map[string]string{"User-Agent": "finsight/1.0"}, f.maxBytes)
	if err != nil {
		return Article{}, fmt.Errorf("fetch article: %w", err)
	}
	doc, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		return Article{}, fmt.Errorf("extract article: %w", err)
	}
	return Article{
		Title:   doc.Title,
		Excerpt: doc.Excerpt,
		Text:    doc.TextContent,
		URL:     rawURL,
	}, nil
}
