package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/finsightlab/finsight/internal/llm"
	"github.com/finsightlab/finsight/internal/runtime"
)

// Compiler turns raw chain steps into structured perspectives.
type Compiler struct {
	orch     *runtime.Orchestrator
	provider llm.Provider
}

// NewCompiler builds a compiler over the run's orchestrator.
func NewCompiler(orch *runtime.Orchestrator, provider llm.Provider) *Compiler {
	return &Compiler{orch: orch, provider: provider}
}

// compiledPerspectives is the tagged schema for the compile call site.
// A bare array response is tolerated via the custom unmarshaller.
type compiledPerspectives struct {
	Perspectives []Perspective `json:"perspectives"`
}

func (c *compiledPerspectives) UnmarshalJSON(data []byte) error {
	var list []Perspective
	if err := json.Unmarshal(data, &list); err == nil {
		c.Perspectives = list
		return nil
	}
	type alias compiledPerspectives
	var wrapped alias
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	c.Perspectives = wrapped.Perspectives
	return nil
}

// Compile derives perspectives from the chain, resolves their evidence
// against the space, and registers the result as a data artifact. The
// returned uid addresses the registered perspectives artifact.
func (c *Compiler) Compile(ctx context.Context, chain *Chain, researchQuestion string) ([]Perspective, string, error) {
	snapshot, err := json.Marshal(c.orch.Space().Snapshot())
	if err != nil {
		snapshot = []byte("{}")
	}
	chainJSON, err := json.Marshal(chain.ToMaps())
	if err != nil {
		chainJSON = []byte("[]")
	}

	prompt := fmt.Sprintf(
		"You are the chain-of-analysis compiler.\n"+
			"Given the raw analytical steps, produce structured perspectives.\n"+
			"Respond with JSON containing: perspectives (list of {id, focus, narrative, evidence_uids}).\n"+
			"Ensure evidence_uids align with the provided chain entries and artifact snapshot.\n"+
			"Research Question: %s\nChain Steps: %s\nArtifact Snapshot: %s\n",
		researchQuestion, chainJSON, snapshot)

	var compiled compiledPerspectives
	if err := c.provider.GenerateStructured(ctx, prompt, &compiled); err != nil {
		return nil, "", fmt.Errorf("compile perspectives: %w", err)
	}

	enriched := make([]Perspective, 0, len(compiled.Perspectives))
	for _, p := range compiled.Perspectives {
		if p.ID == "" {
			p.ID = fmt.Sprintf("P-%d", len(enriched)+1)
		}
		p.ResolvedVariables = c.resolveEvidence(p.EvidenceUIDs)
		enriched = append(enriched, p)
	}

	uid, err := c.orch.RegisterData(ctx, "chain_of_analysis_perspectives", enriched,
		"Structured perspectives from chain-of-analysis", "chain_compiler", []string{"chain_of_analysis"})
	if err != nil {
		return nil, "", err
	}
	return enriched, uid, nil
}

func (c *Compiler) resolveEvidence(uids []string) []map[string]interface{} {
	resolved := make([]map[string]interface{}, 0, len(uids))
	for _, uid := range uids {
		a, err := c.orch.Space().Get(uid)
		if errors.Is(err, runtime.ErrNotFound) {
			resolved = append(resolved, map[string]interface{}{"uid": uid, "name": "UNKNOWN", "type": "unknown"})
			continue
		}
		resolved = append(resolved, map[string]interface{}{
			"uid":         uid,
			"name":        a.Metadata.Name,
			"type":        string(a.Metadata.Kind),
			"description": a.Metadata.Description,
		})
	}
	return resolved
}
