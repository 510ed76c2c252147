// Package eval scores a completed research run along three dimensions:
// factual accuracy, information effectiveness and presentation quality.
// Every metric is clamped to [0,10] and rounded to one decimal.
package eval

import (
	"math"
	"regexp"
	"strings"

	"github.com/finsightlab/finsight/internal/agent/analysis"
)

var citationRe = regexp.MustCompile(`\[Ref:\s*([^\]]+?)\s*\]`)

func clamp(score float64) float64 {
	return math.Round(math.Max(0, math.Min(10, score))*10) / 10
}

// CoreConclusionConsistency scores how many reference conclusions the
// memo reinforces.
func CoreConclusionConsistency(memo string, referenceConclusions []string) float64 {
	if len(referenceConclusions) == 0 {
		if strings.TrimSpace(memo) != "" {
			return 8.0
		}
		return 0.0
	}
	memoLower := strings.ToLower(memo)
	hits := 0
	for _, conclusion := range referenceConclusions {
		if strings.Contains(memoLower, strings.ToLower(conclusion)) {
			hits++
		}
	}
	return clamp(float64(hits) / float64(len(referenceConclusions)) * 10)
}

// TextualFaithfulness rewards evidence coverage with a depth bonus and a
// penalty for heavy reuse of the same source.
func TextualFaithfulness(memo string, evidenceUIDs []string) float64 {
	if strings.TrimSpace(memo) == "" {
		return 0.0
	}

	var cited []string
	for _, m := range citationRe.FindAllStringSubmatch(memo, -1) {
		cited = append(cited, strings.TrimSpace(m[1]))
	}
	unique := make(map[string]int)
	for _, uid := range cited {
		unique[uid]++
	}
	if len(unique) == 0 {
		return 1.0
	}

	evidence := make(map[string]bool, len(evidenceUIDs))
	for _, uid := range evidenceUIDs {
		evidence[uid] = true
	}
	if len(evidence) == 0 {
		coverage := math.Min(1, float64(len(unique))/8)
		return clamp(coverage * 7)
	}

	matched := 0
	duplicates := 0
	mentions := 0
	for uid, count := range unique {
		if evidence[uid] {
			matched++
			mentions += count
			duplicates += count - 1
		}
	}

	coverage := float64(matched) / float64(len(evidence))
	reusePenalty := math.Min(0.4, float64(duplicates)/10)
	depthBonus := math.Min(0.3, float64(mentions)/float64(len(evidence)*4))

	score := coverage*9 + depthBonus*10 - reusePenalty*10
	if matched == 0 {
		score = math.Min(score, 3.0)
	}
	return clamp(score)
}

// TextImageCoherence penalizes repeated REVISE chart feedback; an
// eventual APPROVED sets a floor.
func TextImageCoherence(vizFeedback []string) float64 {
	if len(vizFeedback) == 0 {
		return 5.0 // neutral when no chart was generated
	}
	revise := 0
	approved := false
	for _, feedback := range vizFeedback {
		upper := strings.ToUpper(feedback)
		if strings.HasPrefix(upper, "REVISE") {
			revise++
		}
		if strings.HasPrefix(upper, "APPROVED") {
			approved = true
		}
	}
	score := 10 - 3*float64(revise)
	if approved && score < 8 {
		score = 8
	}
	return clamp(score)
}

// InformationRichness scores focus diversity across perspectives.
func InformationRichness(perspectives []analysis.Perspective) float64 {
	distinct := make(map[string]bool)
	for _, p := range perspectives {
		if p.Focus != "" {
			distinct[p.Focus] = true
		}
	}
	if len(distinct) == 0 {
		if len(perspectives) > 0 {
			return 3.0
		}
		return 0.0
	}
	return clamp(math.Min(1, float64(len(distinct))/5) * 10)
}

// CoverageScore checks how many caller-supplied key points the combined
// narratives touch.
func CoverageScore(perspectives []analysis.Perspective, keyPoints []string) float64 {
	if len(keyPoints) == 0 {
		if len(perspectives) > 0 {
			return 7.0
		}
		return 0.0
	}
	var b strings.Builder
	for _, p := range perspectives {
		b.WriteString(p.Narrative)
		b.WriteString("\n")
	}
	narratives := strings.ToLower(b.String())
	hits := 0
	for _, point := range keyPoints {
		if strings.Contains(narratives, strings.ToLower(point)) {
			hits++
		}
	}
	return clamp(float64(hits) / float64(len(keyPoints)) * 10)
}

// AnalyticalInsight scales with narrative depth; 800+ words earns full
// marks.
func AnalyticalInsight(perspectives []analysis.Perspective) float64 {
	tokens := 0
	for _, p := range perspectives {
		tokens += len(strings.Fields(p.Narrative))
	}
	if tokens == 0 {
		return 0.0
	}
	return clamp(math.Min(1, float64(tokens)/800) * 10)
}

// StructuralLogic scores the memo's section structure.
func StructuralLogic(memo string) float64 {
	sections := 0
	for _, line := range strings.Split(memo, "\n") {
		if strings.HasPrefix(line, "#") {
			sections++
		}
	}
	if sections == 0 {
		if strings.TrimSpace(memo) != "" {
			return 2.0
		}
		return 0.0
	}
	return clamp(math.Min(1, float64(sections)/6) * 10)
}

var professionalTerms = []string{
	"ebitda",
	"yoy",
	"guidance",
	"valuation",
	"margin",
	"liquidity",
	"free cash flow",
	"run-rate",
	"operating leverage",
	"capital allocation",
}

// LanguageProfessionalism scores financial-register vocabulary plus a
// small length bonus.
func LanguageProfessionalism(memo string) float64 {
	if strings.TrimSpace(memo) == "" {
		return 0.0
	}
	memoLower := strings.ToLower(memo)
	hits := 0
	for _, term := range professionalTerms {
		if strings.Contains(memoLower, term) {
			hits++
		}
	}
	richnessBonus := math.Min(0.3, float64(len(strings.Fields(memo)))/2000)
	return clamp(math.Min(1, float64(hits)/5+richnessBonus) * 10)
}

// ChartExpressiveness scores the refinement trail: approval earns full
// marks, repeated revisions erode the score with a floor of 2.
func ChartExpressiveness(feedback []string) float64 {
	if len(feedback) == 0 {
		return 0.0
	}
	revise := 0
	for _, f := range feedback {
		upper := strings.ToUpper(f)
		if strings.HasPrefix(upper, "APPROVED") {
			return 10.0
		}
		if strings.HasPrefix(upper, "REVISE") {
			revise++
		}
	}
	return clamp(math.Max(2, 10-3*float64(revise)))
}

// AggregateDimension averages a dimension's metric map.
func AggregateDimension(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, v := range scores {
		sum += v
	}
	return clamp(sum / float64(len(scores)))
}
