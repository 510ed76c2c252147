package eval

import (
	"fmt"

	"github.com/finsightlab/finsight/internal/agent/analysis"
	"github.com/finsightlab/finsight/internal/agent/visualize"
	"github.com/finsightlab/finsight/internal/runtime"
	"github.com/finsightlab/finsight/internal/writing"
)

// RunScore is the graded result of one pipeline run.
type RunScore struct {
	FactualAccuracy          map[string]float64 `json:"factual_accuracy"`
	InformationEffectiveness map[string]float64 `json:"information_effectiveness"`
	PresentationQuality      map[string]float64 `json:"presentation_quality"`

	FactualAccuracyScore          float64 `json:"factual_accuracy_score"`
	InformationEffectivenessScore float64 `json:"information_effectiveness_score"`
	PresentationQualityScore      float64 `json:"presentation_quality_score"`
}

// EvaluateRun scores the run described by the artifact uid map. The memo
// artifact is required; perspectives and visualization are optional and
// degrade the affected metrics when absent.
func EvaluateRun(space *runtime.Space, artifacts map[string]string, referenceConclusions, keyPoints []string) (RunScore, error) {
	memoUID := artifacts["memo_uid"]
	if memoUID == "" {
		return RunScore{}, fmt.Errorf("memo_uid missing from artifacts; cannot evaluate run")
	}
	memoArtifact, err := space.Get(memoUID)
	if err != nil {
		return RunScore{}, err
	}
	memo := memoMarkdown(memoArtifact.Value)

	var perspectives []analysis.Perspective
	var evidenceUIDs []string
	if uid := artifacts["perspectives_uid"]; uid != "" {
		if a, err := space.Get(uid); err == nil {
			perspectives = coercePerspectives(a.Value)
			for _, p := range perspectives {
				evidenceUIDs = append(evidenceUIDs, p.EvidenceUIDs...)
			}
		}
	}

	var vizFeedback []string
	if uid := artifacts["visualization_uid"]; uid != "" {
		if a, err := space.Get(uid); err == nil {
			vizFeedback = visualizationFeedback(a.Value)
		}
	}

	factual := map[string]float64{
		"core_conclusion_consistency": CoreConclusionConsistency(memo, referenceConclusions),
		"textual_faithfulness":        TextualFaithfulness(memo, evidenceUIDs),
		"text_image_coherence":        TextImageCoherence(vizFeedback),
	}
	information := map[string]float64{
		"information_richness": InformationRichness(perspectives),
		"coverage":             CoverageScore(perspectives, keyPoints),
		"analytical_insight":   AnalyticalInsight(perspectives),
	}
	presentation := map[string]float64{
		"structural_logic":         StructuralLogic(memo),
		"language_professionalism": LanguageProfessionalism(memo),
		"chart_expressiveness":     ChartExpressiveness(vizFeedback),
	}

	return RunScore{
		FactualAccuracy:               factual,
		InformationEffectiveness:      information,
		PresentationQuality:           presentation,
		FactualAccuracyScore:          AggregateDimension(factual),
		InformationEffectivenessScore: AggregateDimension(information),
		PresentationQualityScore:      AggregateDimension(presentation),
	}, nil
}

func memoMarkdown(value interface{}) string {
	switch v := value.(type) {
	case writing.Memo:
		return v.Markdown
	case map[string]interface{}:
		if s, ok := v["markdown"].(string); ok {
			return s
		}
	case string:
		return v
	}
	return fmt.Sprintf("%v", value)
}

func coercePerspectives(value interface{}) []analysis.Perspective {
	switch v := value.(type) {
	case []analysis.Perspective:
		return v
	case []interface{}:
		out := make([]analysis.Perspective, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			p := analysis.Perspective{}
			p.ID, _ = m["id"].(string)
			p.Focus, _ = m["focus"].(string)
			p.Narrative, _ = m["narrative"].(string)
			if uids, ok := m["evidence_uids"].([]interface{}); ok {
				for _, u := range uids {
					if s, ok := u.(string); ok {
						p.EvidenceUIDs = append(p.EvidenceUIDs, s)
					}
				}
			}
			out = append(out, p)
		}
		return out
	}
	return nil
}

func visualizationFeedback(value interface{}) []string {
	switch v := value.(type) {
	case visualize.Outcome:
		out := make([]string, 0, len(v.Iterations))
		for _, it := range v.Iterations {
			out = append(out, it.Feedback)
		}
		return out
	case map[string]interface{}:
		iters, ok := v["iterations"].([]interface{})
		if !ok {
			return nil
		}
		var out []string
		for _, item := range iters {
			if m, ok := item.(map[string]interface{}); ok {
				if f, ok := m["feedback"].(string); ok {
					out = append(out, f)
				}
			}
		}
		return out
	}
	return nil
}
