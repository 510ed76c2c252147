package writing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/finsightlab/finsight/internal/agent/analysis"
	"github.com/finsightlab/finsight/internal/agent/visualize"
	"github.com/finsightlab/finsight/internal/helpers"
	"github.com/finsightlab/finsight/internal/llm"
	"github.com/finsightlab/finsight/internal/runtime"
)

// defaultOutline is the memo section order used when the caller supplies
// none.
var defaultOutline = []string{
	"Executive Summary",
	"Company Overview",
	"Market & Macro Trends",
	"Financial Analysis",
	"Risk Factors",
	"Catalysts & Outlook",
	"Recommendation",
	"References",
}

// Memo is the registered report artifact.
type Memo struct {
	Markdown         string                 `json:"markdown"`
	Outline          []string               `json:"outline"`
	ResearchQuestion string                 `json:"research_question"`
	Perspectives     []analysis.Perspective `json:"perspectives"`
	SelfReview       ReviewRecord           `json:"self_review"`
}

// Writer generates the final memo from compiled perspectives and the
// artifact space, then runs the citation self-review pass over it.
type Writer struct {
	orch     *runtime.Orchestrator
	provider llm.Provider
	logger   *log.Logger
}

func NewWriter(orch *runtime.Orchestrator, provider llm.Provider) *Writer {
	return &Writer{
		orch:     orch,
		provider: provider,
		logger:   log.New(os.Stdout, "[REPORT] ", log.LstdFlags),
	}
}

// Write produces the memo. visualizationUID optionally embeds that
// artifact's final chart image; empty skips the figure.
func (w *Writer) Write(ctx context.Context, researchQuestion string, perspectives []analysis.Perspective, outline []string, visualizationUID string) (Memo, string, error) {
	if len(outline) == 0 {
		outline = defaultOutline
	}

	allowed, index := w.buildReferenceIndex(perspectives)
	reviewer := NewReviewer(allowed, index)

	markdown, err := w.generateDraft(ctx, researchQuestion, perspectives, outline, allowed)
	if err != nil {
		return Memo{}, "", err
	}

	markdown, review := reviewer.Review(markdown)
	markdown = stripModelReferences(markdown)
	markdown = w.embedChart(markdown, visualizationUID)
	markdown = appendReferencesTable(markdown, allowed, index)

	memo := Memo{
		Markdown:         markdown,
		Outline:          outline,
		ResearchQuestion: researchQuestion,
		Perspectives:     perspectives,
		SelfReview:       review,
	}
	uid, err := w.orch.RegisterData(ctx, "final_investment_memo", memo,
		"Final investment memo generated by report writer", "report_writer", []string{"report", "memo"})
	if err != nil {
		return Memo{}, "", err
	}
	w.logger.Printf("memo registered: %d substitutions, %d insertions", len(review.Substitutions), len(review.Insertions))
	return memo, uid, nil
}

// buildReferenceIndex derives the allowed id set (perspective ids plus
// their evidence uids) and the id metadata index from the space. Value
// maps contribute source_url/url; perspectives inherit the first evidence
// url.
func (w *Writer) buildReferenceIndex(perspectives []analysis.Perspective) ([]string, map[string]helpers.Reference) {
	allowedSet := make(map[string]bool)
	var allowed []string
	add := func(id string) {
		if id != "" && !allowedSet[id] {
			allowedSet[id] = true
			allowed = append(allowed, id)
		}
	}
	for _, p := range perspectives {
		add(p.ID)
		for _, uid := range p.EvidenceUIDs {
			add(uid)
		}
	}

	index := make(map[string]helpers.Reference, len(allowed))
	perspectiveIDs := make(map[string]bool, len(perspectives))
	for _, p := range perspectives {
		perspectiveIDs[p.ID] = true
	}

	for _, id := range allowed {
		if perspectiveIDs[id] {
			continue
		}
		artifact, err := w.orch.Space().Get(id)
		if err != nil {
			continue
		}
		index[id] = helpers.Reference{
			ID:          id,
			Name:        artifact.Metadata.Name,
			Description: artifact.Metadata.Description,
			URL:         valueURL(artifact.Value),
		}
	}
	for _, p := range perspectives {
		inherited := ""
		for _, uid := range p.EvidenceUIDs {
			if ref, ok := index[uid]; ok && ref.URL != "" {
				inherited = ref.URL
				break
			}
		}
		description := p.Focus
		if description == "" {
			description = "Perspective"
		}
		index[p.ID] = helpers.Reference{
			ID:          p.ID,
			Name:        "Perspective " + p.ID,
			Description: description,
			URL:         inherited,
		}
	}
	return allowed, index
}

// valueURL pulls a citation url out of an artifact value. Struct values
// go through a json round trip so their tagged fields are reachable.
func valueURL(value interface{}) string {
	m, ok := value.(map[string]interface{})
	if !ok {
		raw, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return ""
		}
	}
	for _, key := range []string{"source_url", "url"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func (w *Writer) generateDraft(ctx context.Context, researchQuestion string, perspectives []analysis.Perspective, outline, allowed []string) (string, error) {
	snapshot, err := json.Marshal(w.orch.Space().Snapshot())
	if err != nil {
		snapshot = []byte("{}")
	}
	perspectivesJSON, err := json.Marshal(perspectives)
	if err != nil {
		perspectivesJSON = []byte("[]")
	}
	sortedAllowed := append([]string{}, allowed...)
	sort.Strings(sortedAllowed)

	prompt := fmt.Sprintf(
		"You are the report generation agent.\n"+
			"Craft a professional financial research memo in Markdown.\n"+
			"Use the provided perspectives and artifact memory to support claims.\n"+
			"For every factual statement, cite evidence using [Ref: <id>] where id is either a perspective id or artifact uid from the allowed list.\n"+
			"Allowed IDs: %s\n"+
			"Structure the memo according to the outline order. Do not write your own references section.\n"+
			"Research Question: %s\nOutline: %s\nPerspectives: %s\nArtifact Snapshot: %s\n",
		strings.Join(sortedAllowed, ", "), researchQuestion, strings.Join(outline, " | "), perspectivesJSON, snapshot)

	return w.provider.Generate(ctx, prompt)
}

// stripModelReferences drops any references section the capability wrote;
// the deterministic table is appended instead.
func stripModelReferences(markdown string) string {
	lower := strings.ToLower(markdown)
	for _, marker := range []string{"\n### references", "\n## references", "\n# references"} {
		if idx := strings.Index(lower, marker); idx >= 0 {
			return strings.TrimRight(markdown[:idx], "\n")
		}
	}
	return markdown
}

func (w *Writer) embedChart(markdown, visualizationUID string) string {
	if visualizationUID == "" {
		return markdown
	}
	artifact, err := w.orch.Space().Get(visualizationUID)
	if err != nil {
		w.logger.Printf("visualization %s unavailable: %v", visualizationUID, err)
		return markdown
	}
	figure := ""
	switch v := artifact.Value.(type) {
	case visualize.Outcome:
		figure = v.FinalFigure()
	case map[string]interface{}:
		if iters, ok := v["iterations"].([]interface{}); ok && len(iters) > 0 {
			if last, ok := iters[len(iters)-1].(map[string]interface{}); ok {
				figure, _ = last["figure_b64"].(string)
			}
		}
	}
	if figure == "" {
		return markdown
	}
	return markdown + "\n\n### Figure: Final Chart\n\n" +
		fmt.Sprintf("![Final Chart](data:image/svg+xml;base64,%s)\n", figure)
}

func appendReferencesTable(markdown string, allowed []string, index map[string]helpers.Reference) string {
	sorted := append([]string{}, allowed...)
	sort.Strings(sorted)

	lines := []string{strings.TrimRight(markdown, "\n"), "", "### References", ""}
	lines = append(lines, "| UID | Name | Description | Link |")
	lines = append(lines, "| :--- | :--- | :--- | :--- |")
	for _, id := range sorted {
		ref, ok := index[id]
		if !ok {
			ref = helpers.Reference{ID: id}
		}
		lines = append(lines, helpers.FormatReferenceRow(ref))
	}
	return strings.Join(lines, "\n")
}
