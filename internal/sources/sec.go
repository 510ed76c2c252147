package sources

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	secTickersURL      = "https://www.sec.gov/files/company_tickers.json"
	secSubmissionsBase = "https://data.sec.gov/submissions"
	secArchivesBase    = "https://www.sec.gov/Archives/edgar/data"
)

// Filing is a downloaded regulatory filing, truncated to a budget the
// downstream prompt can carry.
type Filing struct {
	Ticker    string `json:"ticker"`
	Form      string `json:"form"`
	Text      string `json:"text"`
	SourceURL string `json:"source_url"`
}

// SECClient resolves tickers and downloads filings from EDGAR. SEC asks
// for a descriptive User-Agent on every request.
type SECClient struct {
	userAgent       string
	tickersURL      string
	submissionsBase string
	archivesBase    string
	http            *HTTPClient

	tickerCache map[string]string
}

func NewSECClient(userAgent string, http *HTTPClient) (*SECClient, error) {
	if userAgent == "" {
		return nil, fmt.Errorf("sec user agent is required")
	}
	if http == nil {
		http = NewHTTPClient(0, 2, 0)
	}
	return &SECClient{
		userAgent:       userAgent,
		tickersURL:      secTickersURL,
		submissionsBase: secSubmissionsBase,
		archivesBase:    secArchivesBase,
		http:            http,
		tickerCache:     make(map[string]string),
	}, nil
}

// WithEndpoints overrides the live EDGAR endpoints, mainly for tests.
func (c *SECClient) WithEndpoints(tickersURL, submissionsBase, archivesBase string) *SECClient {
	if tickersURL != "" {
		c.tickersURL = tickersURL
	}
	if submissionsBase != "" {
		c.submissionsBase = submissionsBase
	}
	if archivesBase != "" {
		c.archivesBase = archivesBase
	}
	return c
}

func (c *SECClient) headers() map[string]string {
	return map[string]string{"User-Agent": c.userAgent}
}

type tickerEntry struct {
	CIK    int    `json:"cik_str"`
	Ticker string `json:"ticker"`
	Title  string `json:"title"`
}

func (c *SECClient) tickerMapping(ctx context.Context) (map[string]tickerEntry, error) {
	var mapping map[string]tickerEntry
	if err := c.http.DoJSON(ctx, "GET", c.tickersURL, c.headers(), nil, &mapping); err != nil {
		return nil, fmt.Errorf("download company tickers mapping: %w", err)
	}
	return mapping, nil
}

// sortedTickerEntries flattens the mapping in its published order. EDGAR
// keys entries "0", "1", ... by descending market cap, so scanning in key
// order keeps matches deterministic and prefers the larger listing when
// several titles tie.
func sortedTickerEntries(mapping map[string]tickerEntry) []tickerEntry {
	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, aErr := strconv.Atoi(keys[i])
		b, bErr := strconv.Atoi(keys[j])
		if aErr == nil && bErr == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	entries := make([]tickerEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, mapping[k])
	}
	return entries
}

var (
	namePunctRe  = regexp.MustCompile(`[.,'\-]`)
	nameSuffixRe = regexp.MustCompile(`\b(incorporated|inc|corp|corporation|co|company|ltd|plc|llc|s\.a\.|s\.a|ag|nv)\b`)
	nameSpaceRe  = regexp.MustCompile(`\s+`)
)

// normalizeCompanyName lowers, strips punctuation and corporate suffixes.
func normalizeCompanyName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = namePunctRe.ReplaceAllString(name, " ")
	name = nameSuffixRe.ReplaceAllString(name, "")
	return strings.TrimSpace(nameSpaceRe.ReplaceAllString(name, " "))
}

// ResolveTicker maps a human-entered company name to its listed ticker.
// Match preference: exact title, normalized exact, prefix, then substring.
func (c *SECClient) ResolveTicker(ctx context.Context, companyName string) (string, error) {
	if strings.TrimSpace(companyName) == "" {
		return "", fmt.Errorf("company name is required to resolve ticker")
	}
	mapping, err := c.tickerMapping(ctx)
	if err != nil {
		return "", err
	}

	targetRaw := strings.ToLower(strings.TrimSpace(companyName))
	targetNorm := normalizeCompanyName(companyName)

	var exact, normExact, prefix, substring string
	for _, entry := range sortedTickerEntries(mapping) {
		ticker := strings.ToUpper(entry.Ticker)
		if ticker == "" || entry.Title == "" {
			continue
		}
		if strings.ToLower(strings.TrimSpace(entry.Title)) == targetRaw {
			exact = ticker
			break
		}
		norm := normalizeCompanyName(entry.Title)
		if norm == targetNorm && normExact == "" {
			normExact = ticker
		}
		if strings.HasPrefix(norm, targetNorm) && prefix == "" {
			prefix = ticker
		}
		if strings.Contains(norm, targetNorm) && substring == "" {
			substring = ticker
		}
	}
	for _, candidate := range []string{exact, normExact, prefix, substring} {
		if candidate != "" {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not resolve ticker for company %q", companyName)
}

func (c *SECClient) lookupCIK(ctx context.Context, ticker string) (string, error) {
	ticker = strings.ToUpper(ticker)
	if cik, ok := c.tickerCache[ticker]; ok {
		return cik, nil
	}
	mapping, err := c.tickerMapping(ctx)
	if err != nil {
		return "", err
	}
	for _, entry := range mapping {
		if strings.ToUpper(entry.Ticker) == ticker {
			cik := fmt.Sprintf("%010d", entry.CIK)
			c.tickerCache[ticker] = cik
			return cik, nil
		}
	}
	return "", fmt.Errorf("ticker %s not found in SEC company ticker list", ticker)
}

// LatestFiling downloads the most recent filing of the given form type
// (for example "10-K"), truncated to truncate bytes when truncate > 0.
func (c *SECClient) LatestFiling(ctx context.Context, ticker, form string, truncate int) (Filing, error) {
	cik, err := c.lookupCIK(ctx, ticker)
	if err != nil {
		return Filing{}, err
	}

	var submission struct {
		CIK     string `json:"cik"`
		Filings struct {
			Recent struct {
				Form            []string `json:"form"`
				AccessionNumber []string `json:"accessionNumber"`
				PrimaryDocument []string `json:"primaryDocument"`
			} `json:"recent"`
		} `json:"filings"`
	}
	url := fmt.Sprintf("%s/CIK%s.json", c.submissionsBase, cik)
	if err := c.http.DoJSON(ctx, "GET", url, c.headers(), nil, &submission); err != nil {
		return Filing{}, fmt.Errorf("sec submissions %s: %w", ticker, err)
	}

	recent := submission.Filings.Recent
	target := -1
	for i, f := range recent.Form {
		if f == form {
			target = i
			break
		}
	}
	if target < 0 {
		return Filing{}, fmt.Errorf("no %s filing found for %s", form, ticker)
	}
	if target >= len(recent.AccessionNumber) || target >= len(recent.PrimaryDocument) {
		return Filing{}, fmt.Errorf("incomplete filing metadata for %s", ticker)
	}

	accession := strings.ReplaceAll(recent.AccessionNumber[target], "-", "")
	doc := recent.PrimaryDocument[target]
	docURL := fmt.Sprintf("%s/%s/%s/%s", c.archivesBase, strings.TrimLeft(cik, "0"), accession, doc)

	text, err := c.http.DoText(ctx, docURL, c.headers(), 0)
	if err != nil {
		return Filing{}, fmt.Errorf("download %s document for %s: %w", form, ticker, err)
	}
	if truncate > 0 && len(text) > truncate {
		text = text[:truncate]
	}
	return Filing{Ticker: ticker, Form: form, Text: text, SourceURL: docURL}, nil
}
