// Package visualize implements the chart refinement agent: render a
// spec against a table, critique the image, and fold feedback back into
// the spec through a fixed rule table.
package visualize

import "strings"

// Annotation is a free-floating label placed in figure-relative
// coordinates (0..1).
type Annotation struct {
	Text string  `json:"text"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// ChartSpec describes one chart. Zero values fall back to renderer
// defaults (line chart, first numeric column, generated title).
type ChartSpec struct {
	Type        string       `json:"type,omitempty"`
	X           string       `json:"x,omitempty"`
	Y           []string     `json:"y,omitempty"`
	Title       string       `json:"title,omitempty"`
	XAxisTitle  string       `json:"xaxis_title,omitempty"`
	YAxisTitle  string       `json:"yaxis_title,omitempty"`
	ShowLegend  *bool        `json:"show_legend,omitempty"`
	PaletteHint string       `json:"palette_hint,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
	Notes       []string     `json:"notes,omitempty"`
}

func (s ChartSpec) clone() ChartSpec {
	out := s
	out.Y = append([]string(nil), s.Y...)
	out.Annotations = append([]Annotation(nil), s.Annotations...)
	out.Notes = append([]string(nil), s.Notes...)
	if s.ShowLegend != nil {
		v := *s.ShowLegend
		out.ShowLegend = &v
	}
	return out
}

// feedbackRule maps critique keywords to one deterministic spec change.
type feedbackRule struct {
	keywords []string
	apply    func(spec *ChartSpec)
}

// feedbackRules is ordered and extensible. Feedback matching no rule is
// retained verbatim as a note and changes nothing else.
var feedbackRules = []feedbackRule{
	{keywords: []string{"TITLE"}, apply: func(spec *ChartSpec) {
		title := spec.Title
		if title == "" {
			title = "Generated Chart"
		}
		spec.Title = title + " (Refined)"
	}},
	{keywords: []string{"AXIS", "AXES"}, apply: func(spec *ChartSpec) {
		if spec.XAxisTitle == "" {
			spec.XAxisTitle = "Date"
		}
		if spec.YAxisTitle == "" && len(spec.Y) > 0 {
			spec.YAxisTitle = strings.Join(spec.Y, ", ")
		}
	}},
	{keywords: []string{"COLOR"}, apply: func(spec *ChartSpec) {
		spec.PaletteHint = "corporate"
	}},
	{keywords: []string{"ANNOT"}, apply: func(spec *ChartSpec) {
		spec.Annotations = append(spec.Annotations, Annotation{Text: "Key event", X: 0.95, Y: 0.95})
	}},
	{keywords: []string{"LEGEND"}, apply: func(spec *ChartSpec) {
		show := true
		spec.ShowLegend = &show
	}},
}

// ApplyFeedback merges critique text into a new spec. The full feedback
// is always appended to Notes for the audit trail; keyword rules then
// fire in table order.
func ApplyFeedback(spec ChartSpec, feedback string) ChartSpec {
	updated := spec.clone()
	updated.Notes = append(updated.Notes, feedback)

	upper := strings.ToUpper(feedback)
	for _, rule := range feedbackRules {
		for _, kw := range rule.keywords {
			if strings.Contains(upper, kw) {
				rule.apply(&updated)
				break
			}
		}
	}
	return updated
}
