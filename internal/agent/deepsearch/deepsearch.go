// Package deepsearch implements the exploratory search agent: an
// iterative loop that refines a web/news query until the gathered
// context suffices, then registers the full exploration as an artifact.
package deepsearch

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/blevesearch/bleve"
	"github.com/google/uuid"

	"github.com/finsightlab/finsight/internal/agent/refine"
	"github.com/finsightlab/finsight/internal/llm"
	"github.com/finsightlab/finsight/internal/runtime"
	"github.com/finsightlab/finsight/internal/sources"
)

// StepRecord is one exploration iteration: the query issued and what both
// search verticals returned.
type StepRecord struct {
	Iteration int                    `json:"iteration"`
	Query     string                 `json:"query"`
	News      []sources.SearchResult `json:"news_results"`
	Web       []sources.SearchResult `json:"text_results"`
}

// Summary is the registered exploration artifact. URL is the canonical
// source: the first url encountered across all iterations.
type Summary struct {
	InitialQuery string       `json:"initial_query"`
	Itinerary    []StepRecord `json:"itinerary"`
	Snippets     []string     `json:"snippets"`
	Sources      []string     `json:"sources"`
	URL          string       `json:"url,omitempty"`
}

// Agent drives iterative search refinement. The snippet index ranks
// gathered context for the sufficiency critique.
type Agent struct {
	orch          *runtime.Orchestrator
	provider      llm.Provider
	search        sources.Searcher
	fetcher       *sources.ArticleFetcher
	maxIterations int
	maxResults    int
	logger        *log.Logger
}

type AgentOption func(*Agent)

// WithArticleFetcher enables readable-text extraction of the top hit of
// each iteration. Extraction failures degrade to snippet-only context.
func WithArticleFetcher(f *sources.ArticleFetcher) AgentOption {
	return func(a *Agent) { a.fetcher = f }
}

// WithMaxResults caps per-vertical results for each query.
func WithMaxResults(n int) AgentOption {
	return func(a *Agent) { a.maxResults = n }
}

// NewAgent builds a deep search agent. maxIterations <= 0 defaults to 3.
func NewAgent(orch *runtime.Orchestrator, provider llm.Provider, search sources.Searcher, maxIterations int, opts ...AgentOption) *Agent {
	if maxIterations <= 0 {
		maxIterations = 3
	}
	a := &Agent{
		orch:          orch,
		provider:      provider,
		search:        search,
		maxIterations: maxIterations,
		maxResults:    5,
		logger:        log.New(os.Stdout, "[DEEPSEARCH] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type indexedSnippet struct {
	Query   string `json:"query"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

type searchStrategy struct {
	a       *Agent
	initial string

	index     bleve.Index
	meta      map[string]indexedSnippet
	itinerary []StepRecord
	snippets  []string
	urls      []string
	seenURLs  map[string]bool
}

func newSearchStrategy(a *Agent, initial string) (*searchStrategy, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("snippet index: %w", err)
	}
	return &searchStrategy{
		a:        a,
		initial:  initial,
		index:    index,
		meta:     make(map[string]indexedSnippet),
		seenURLs: make(map[string]bool),
	}, nil
}

func (st *searchStrategy) Propose(ctx context.Context, seed *refine.Proposal, prev *refine.Iteration) (refine.Proposal, error) {
	query := st.initial
	if seed != nil {
		if q, ok := seed.Fields["query"].(string); ok && q != "" {
			query = q
		}
	}
	return refine.Proposal{Summary: query, Fields: map[string]interface{}{"query": query}}, nil
}

func (st *searchStrategy) Execute(ctx context.Context, p refine.Proposal) (refine.Result, error) {
	query, _ := p.Fields["query"].(string)

	news, newsErr := st.a.search.SearchNews(ctx, query, st.a.maxResults)
	web, webErr := st.a.search.SearchWeb(ctx, query, st.a.maxResults)
	if newsErr != nil && webErr != nil {
		return refine.Result{}, fmt.Errorf("search %q: %w", query, newsErr)
	}

	record := StepRecord{Iteration: len(st.itinerary) + 1, Query: query, News: news, Web: web}
	st.itinerary = append(st.itinerary, record)

	for _, r := range append(append([]sources.SearchResult{}, news...), web...) {
		if r.Snippet != "" {
			st.snippets = append(st.snippets, r.Snippet)
			st.addToIndex(indexedSnippet{Query: query, Title: r.Title, Snippet: r.Snippet, URL: r.URL})
		}
		if r.URL != "" && !st.seenURLs[r.URL] {
			st.seenURLs[r.URL] = true
			st.urls = append(st.urls, r.URL)
		}
	}

	st.extractTopArticle(ctx, record)
	return refine.Result{Output: record}, nil
}

// extractTopArticle pulls readable text from the iteration's first hit.
// Failures are logged and ignored; the snippets already carry context.
func (st *searchStrategy) extractTopArticle(ctx context.Context, record StepRecord) {
	if st.a.fetcher == nil {
		return
	}
	var target string
	for _, r := range append(append([]sources.SearchResult{}, record.News...), record.Web...) {
		if r.URL != "" {
			target = r.URL
			break
		}
	}
	if target == "" {
		return
	}
	article, err := st.a.fetcher.Fetch(ctx, target)
	if err != nil {
		st.a.logger.Printf("article extraction failed for %s: %v", target, err)
		return
	}
	body := article.Excerpt
	if body == "" {
		body = article.Text
	}
	if len(body) > 1200 {
		body = body[:1200]
	}
	if body != "" {
		st.snippets = append(st.snippets, body)
		st.addToIndex(indexedSnippet{Query: record.Query, Title: article.Title, Snippet: body, URL: target})
	}
}

func (st *searchStrategy) addToIndex(doc indexedSnippet) {
	id := uuid.NewString()
	st.meta[id] = doc
	if err := st.index.Index(id, doc); err != nil {
		st.a.logger.Printf("snippet indexing failed: %v", err)
	}
}

// topSnippets returns the indexed snippets most relevant to the query.
func (st *searchStrategy) topSnippets(query string, n int) []string {
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), n, 0, false)
	res, err := st.index.Search(req)
	if err != nil {
		// fall back to recency
		if len(st.snippets) > n {
			return st.snippets[len(st.snippets)-n:]
		}
		return st.snippets
	}
	out := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if doc, ok := st.meta[hit.ID]; ok {
			out = append(out, doc.Snippet)
		}
	}
	return out
}

func (st *searchStrategy) Evaluate(ctx context.Context, p refine.Proposal, r refine.Result) (refine.Critique, error) {
	relevant := st.topSnippets(st.initial, 5)
	prompt := fmt.Sprintf(
		"You are assisting a financial analyst gathering web context.\n"+
			"Research question: %s\nLast query issued: %s\n"+
			"Most relevant snippets so far:\n- %s\n"+
			"Respond EXACTLY in one of the following formats:\n"+
			"APPROVED: <why the gathered context suffices>\n"+
			"REVISE: <a single refined search query to issue next>",
		st.initial, p.Summary, strings.Join(relevant, "\n- "))

	text, err := st.a.provider.Generate(ctx, prompt)
	if err != nil {
		return refine.Critique{}, err
	}
	return refine.Critique{Verdict: refine.ParseVerdict(text), Text: text}, nil
}

func (st *searchStrategy) Revise(p refine.Proposal, c refine.Critique) refine.Proposal {
	refined := strings.TrimSpace(c.Text)
	if idx := strings.Index(strings.ToUpper(refined), "REVISE:"); idx >= 0 {
		refined = strings.TrimSpace(refined[idx+len("REVISE:"):])
	}
	if refined == "" {
		return p
	}
	return refine.Proposal{Summary: refined, Fields: map[string]interface{}{"query": refined}}
}

// Run explores the query and registers the exploration summary artifact.
// Returns the summary and the registered artifact uid.
func (a *Agent) Run(ctx context.Context, query string) (Summary, string, error) {
	strategy, err := newSearchStrategy(a, query)
	if err != nil {
		return Summary{}, "", err
	}
	defer strategy.index.Close()

	loop := &refine.Loop{MaxIterations: a.maxIterations, Strategy: strategy}
	if _, err := loop.Run(ctx); err != nil {
		return Summary{}, "", fmt.Errorf("deep search: %w", err)
	}

	summary := Summary{
		InitialQuery: query,
		Itinerary:    strategy.itinerary,
		Snippets:     strategy.snippets,
		Sources:      strategy.urls,
	}
	if len(summary.Sources) > 20 {
		summary.Sources = summary.Sources[:20]
	}
	if len(strategy.urls) > 0 {
		summary.URL = strategy.urls[0]
	}

	uid, err := a.orch.RegisterData(ctx, "deep_search_summary", summary,
		"Deep search exploration results", "deep_search_agent", []string{"search", "web"})
	if err != nil {
		return Summary{}, "", err
	}
	a.logger.Printf("exploration complete: %d iterations, %d sources", len(summary.Itinerary), len(summary.Sources))
	return summary, uid, nil
}
