// Package analysis runs the code-first analysis stepper and compiles its
// chain of steps into citable perspectives.
package analysis

// ChainStep records one analytical step: the code proposed for it, what
// the sandbox captured, and the insights and evidence derived from it.
type ChainStep struct {
	Ordinal      int      `json:"step_id"`
	Focus        string   `json:"focus"`
	Code         string   `json:"code"`
	Stdout       string   `json:"stdout"`
	Stderr       string   `json:"stderr"`
	Success      bool     `json:"success"`
	Insights     []string `json:"insights"`
	EvidenceUIDs []string `json:"evidence_uids"`
}

// AddInsight appends one insight.
func (s *ChainStep) AddInsight(insight string) {
	s.Insights = append(s.Insights, insight)
}

// AddEvidence appends an evidence uid; duplicates are silently ignored.
func (s *ChainStep) AddEvidence(uid string) {
	for _, existing := range s.EvidenceUIDs {
		if existing == uid {
			return
		}
	}
	s.EvidenceUIDs = append(s.EvidenceUIDs, uid)
}

// Chain is the ordered record of an analysis run. Steps are appended once
// and immutable afterwards.
type Chain struct {
	Steps []ChainStep `json:"steps"`
}

// AddStep appends a step to the chain.
func (c *Chain) AddStep(step ChainStep) {
	c.Steps = append(c.Steps, step)
}

// ToMaps renders the chain as plain maps for prompts and artifacts.
func (c *Chain) ToMaps() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(c.Steps))
	for _, step := range c.Steps {
		out = append(out, map[string]interface{}{
			"step_id":       step.Ordinal,
			"focus":         step.Focus,
			"code":          step.Code,
			"stdout":        step.Stdout,
			"stderr":        step.Stderr,
			"success":       step.Success,
			"insights":      step.Insights,
			"evidence_uids": step.EvidenceUIDs,
		})
	}
	return out
}

// Perspective is a structured narrative derived from chain steps, citable
// by id in the final memo.
type Perspective struct {
	ID                string                   `json:"id"`
	Focus             string                   `json:"focus"`
	Narrative         string                   `json:"narrative"`
	EvidenceUIDs      []string                 `json:"evidence_uids"`
	ResolvedVariables []map[string]interface{} `json:"resolved_variables,omitempty"`
}
