// Package writing turns compiled perspectives into the delivered memo
// and enforces citation integrity over the generated prose.
package writing

import (
	"regexp"
	"sort"
	"strings"

	"github.com/finsightlab/finsight/internal/helpers"
)

// Substitution records one in-place replacement of an id that was not in
// the allowed set.
type Substitution struct {
	Line     string `json:"line"`
	Replaced string `json:"replaced"`
	With     string `json:"with"`
}

// Insertion records one fallback citation added to an uncited sentence.
type Insertion struct {
	Line       string `json:"line"`
	InsertedID string `json:"inserted_id"`
}

// ReviewRecord summarizes what the self-review pass changed.
type ReviewRecord struct {
	Substitutions []Substitution `json:"substitutions"`
	Insertions    []Insertion    `json:"insertions"`
	AllowedIDs    []string       `json:"allowed_ids"`
}

// Reviewer rewrites prose so every delivered citation resolves to an
// allowed id. It repairs rather than rejects: malformed or unknown
// citations never fail the pass.
type Reviewer struct {
	allowed  map[string]bool
	sorted   []string
	index    map[string]helpers.Reference
	fallback string
}

// NewReviewer builds a reviewer over the allowed id set and the id
// metadata index. The fallback id is deterministic: the lexicographically
// smallest allowed id with a known url, else the smallest allowed id.
func NewReviewer(allowedIDs []string, index map[string]helpers.Reference) *Reviewer {
	r := &Reviewer{
		allowed: make(map[string]bool, len(allowedIDs)),
		index:   index,
	}
	if r.index == nil {
		r.index = map[string]helpers.Reference{}
	}
	for _, id := range allowedIDs {
		if id != "" && !r.allowed[id] {
			r.allowed[id] = true
			r.sorted = append(r.sorted, id)
		}
	}
	sort.Strings(r.sorted)

	for _, id := range r.sorted {
		if r.index[id].URL != "" {
			r.fallback = id
			break
		}
	}
	if r.fallback == "" && len(r.sorted) > 0 {
		r.fallback = r.sorted[0]
	}
	return r
}

// citationRe matches `[Ref: id]` with an optional `(url)` suffix.
var citationRe = regexp.MustCompile(`\[Ref:\s*([^\]]+?)\s*\](?:\(([^)]*)\))?`)

var sentenceTerminators = ".!?"

func endsWithTerminator(line string) bool {
	trimmed := strings.TrimRight(line, " \t")
	if trimmed == "" {
		return false
	}
	return strings.ContainsRune(sentenceTerminators, rune(trimmed[len(trimmed)-1]))
}

// Review processes markdown line by line. Headings pass through and reset
// the paragraph citation flag; blank lines reset it too.
func (r *Reviewer) Review(markdown string) (string, ReviewRecord) {
	record := ReviewRecord{
		Substitutions: []Substitution{},
		Insertions:    []Insertion{},
		AllowedIDs:    append([]string{}, r.sorted...),
	}

	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines))
	paragraphCited := false

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			out = append(out, line)
			paragraphCited = false
			continue
		}

		adjusted := line
		matches := citationRe.FindAllStringSubmatchIndex(line, -1)
		if len(matches) == 0 {
			if !paragraphCited && endsWithTerminator(line) && r.fallback != "" {
				record.Insertions = append(record.Insertions, Insertion{Line: line, InsertedID: r.fallback})
				adjusted = line + " " + r.renderToken(r.fallback)
				paragraphCited = true
			}
		} else {
			var b strings.Builder
			seen := make(map[string]bool)
			hadValid := false
			last := 0
			for _, m := range matches {
				id := strings.TrimSpace(line[m[2]:m[3]])
				if r.allowed[id] {
					hadValid = true
				} else {
					record.Substitutions = append(record.Substitutions, Substitution{Line: line, Replaced: id, With: r.fallback})
					id = r.fallback
				}
				b.WriteString(line[last:m[0]])
				if id != "" && !seen[id] {
					seen[id] = true
					b.WriteString(r.renderToken(id))
				}
				last = m[1]
			}
			b.WriteString(line[last:])
			adjusted = b.String()
			if hadValid {
				paragraphCited = true
			}
		}

		if strings.TrimSpace(adjusted) == "" {
			paragraphCited = false
		}
		out = append(out, adjusted)
	}

	return strings.Join(out, "\n"), record
}

// renderToken emits the inline citation, linked when the id resolves to a
// known url.
func (r *Reviewer) renderToken(id string) string {
	if url := r.index[id].URL; url != "" {
		return helpers.LinkedCitationToken(id, url)
	}
	return helpers.CitationToken(id)
}
