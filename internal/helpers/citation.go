package helpers

import (
	"fmt"
	"net/url"
	"strings"
)

// Reference models metadata for a single citable id: an artifact uid or a
// perspective id.
type Reference struct {
	ID          string
	Name        string
	Description string
	URL         string
}

// CitationToken renders the inline citation marker for an id.
func CitationToken(id string) string {
	return "[Ref: " + id + "]"
}

// LinkedCitationToken renders the inline link form used when the id
// resolves to a known url.
func LinkedCitationToken(id, rawURL string) string {
	return CitationToken(id) + "(" + rawURL + ")"
}

// FormatReferenceRow renders one markdown table row for the references
// section: | id | name | description | link |. The link text is the
// source domain so the table stays readable with long URLs.
func FormatReferenceRow(r Reference) string {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		name = r.ID
	}
	link := ""
	if u := strings.TrimSpace(r.URL); u != "" {
		text := Domain(u)
		if text == "" {
			text = u
		}
		link = fmt.Sprintf("[%s](%s)", text, u)
	}
	return fmt.Sprintf("| %s | %s | %s | %s |", r.ID, name, strings.TrimSpace(r.Description), link)
}

// Domain extracts the lowercased host from a URL, without default ports.
func Domain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	return host
}
