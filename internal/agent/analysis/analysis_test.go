package analysis

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/finsightlab/finsight/internal/llm"
	"github.com/finsightlab/finsight/internal/runtime"
)

// stubProvider replays scripted responses in order.
type stubProvider struct {
	structured []string
	texts      []string
}

func (p *stubProvider) Generate(ctx context.Context, prompt string) (string, error) {
	if len(p.texts) == 0 {
		return "", llm.ErrGeneration
	}
	out := p.texts[0]
	p.texts = p.texts[1:]
	return out, nil
}

func (p *stubProvider) GenerateStructured(ctx context.Context, prompt string, out interface{}) error {
	if len(p.structured) == 0 {
		return llm.ErrGeneration
	}
	raw := p.structured[0]
	p.structured = p.structured[1:]
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return llm.ErrParse
	}
	return nil
}

func (p *stubProvider) GenerateWithAttachment(ctx context.Context, parts []llm.Part) (string, error) {
	return p.Generate(ctx, "")
}

func TestStepperRunsUntilApproved(t *testing.T) {
	orch := runtime.NewOrchestrator(runtime.NewSpace())
	uid, err := orch.RegisterData(context.Background(), "prices", []float64{101.2, 102.8}, "daily closes", "test", nil)
	if err != nil {
		t.Fatalf("RegisterData: %v", err)
	}

	plan := map[string]interface{}{
		"focus":      "Summarise closing prices",
		"code":       "package main\n\nimport \"fmt\"\n\nfunc main() { fmt.Println(\"mean: 102.0\") }\n",
		"commentary": []string{"prices stable across the window"},
		"evidence":   []string{"prices"},
	}
	planJSON, _ := json.Marshal(plan)

	provider := &stubProvider{
		structured: []string{string(planJSON)},
		texts:      []string{"APPROVED: the summary answers the goal"},
	}

	chain, logs, err := NewStepper(orch, provider, 3).Run(context.Background(), "summarise prices")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(chain.Steps) != 1 {
		t.Fatalf("expected 1 chain step, got %d", len(chain.Steps))
	}
	step := chain.Steps[0]
	if step.Ordinal != 1 || step.Focus != "Summarise closing prices" {
		t.Fatalf("unexpected step header: %+v", step)
	}
	if !step.Success {
		t.Fatalf("step should succeed, stderr=%q", step.Stderr)
	}
	if !strings.Contains(step.Stdout, "mean: 102.0") {
		t.Fatalf("stdout not captured: %q", step.Stdout)
	}
	if len(step.EvidenceUIDs) != 1 || step.EvidenceUIDs[0] != uid {
		t.Fatalf("evidence name not resolved to uid: %v", step.EvidenceUIDs)
	}
	if len(logs) != 1 || logs[0].Plan["focus"] != "Summarise closing prices" {
		t.Fatalf("reasoning log not retained: %+v", logs)
	}
}

func TestStepperStopsAtCapWhenNeverApproved(t *testing.T) {
	orch := runtime.NewOrchestrator(runtime.NewSpace())

	plan := `{"focus":"probe","code":"package main\n\nimport \"fmt\"\n\nfunc main() { fmt.Println(\"probe\") }","commentary":[],"evidence":[]}`
	provider := &stubProvider{
		structured: []string{plan, plan},
		texts:      []string{"REVISE: dig deeper", "REVISE: still shallow"},
	}

	chain, _, err := NewStepper(orch, provider, 2).Run(context.Background(), "probe the data")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(chain.Steps) != 2 {
		t.Fatalf("expected cap of 2 steps, got %d", len(chain.Steps))
	}
}

func TestStepperHaltsOnFaultAndRecordsStep(t *testing.T) {
	orch := runtime.NewOrchestrator(runtime.NewSpace())

	plan := `{"focus":"broken","code":"package main\n\nfunc main() { panic(\"boom\") }","commentary":[],"evidence":[]}`
	provider := &stubProvider{structured: []string{plan, plan, plan}}

	chain, _, err := NewStepper(orch, provider, 3).Run(context.Background(), "goal")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(chain.Steps) != 1 {
		t.Fatalf("fault should halt the chain after 1 step, got %d", len(chain.Steps))
	}
	if chain.Steps[0].Success {
		t.Fatal("faulted step should not be marked successful")
	}
	if chain.Steps[0].Stderr == "" {
		t.Fatal("faulted step should retain the failure text")
	}
}

func TestChainStepEvidenceDedup(t *testing.T) {
	var step ChainStep
	step.AddEvidence("u-1")
	step.AddEvidence("u-2")
	step.AddEvidence("u-1")
	if len(step.EvidenceUIDs) != 2 {
		t.Fatalf("duplicate evidence should be dropped: %v", step.EvidenceUIDs)
	}
}

func TestCompilerResolvesEvidenceAndRegisters(t *testing.T) {
	orch := runtime.NewOrchestrator(runtime.NewSpace())
	uid, err := orch.RegisterData(context.Background(), "earnings", map[string]interface{}{"q1": 1.2}, "quarterly earnings", "test", nil)
	if err != nil {
		t.Fatalf("RegisterData: %v", err)
	}

	response := map[string]interface{}{
		"perspectives": []map[string]interface{}{
			{"id": "", "focus": "Earnings trend", "narrative": "Earnings grew.", "evidence_uids": []string{uid, "missing-uid"}},
		},
	}
	raw, _ := json.Marshal(response)
	provider := &stubProvider{structured: []string{string(raw)}}

	perspectives, pUID, err := NewCompiler(orch, provider).Compile(context.Background(), &Chain{}, "how are earnings trending?")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(perspectives) != 1 {
		t.Fatalf("expected 1 perspective, got %d", len(perspectives))
	}
	p := perspectives[0]
	if p.ID != "P-1" {
		t.Fatalf("blank id should default to P-1, got %q", p.ID)
	}
	if len(p.ResolvedVariables) != 2 {
		t.Fatalf("expected 2 resolved entries, got %d", len(p.ResolvedVariables))
	}
	if p.ResolvedVariables[0]["name"] != "earnings" {
		t.Fatalf("known uid should resolve to its name: %v", p.ResolvedVariables[0])
	}
	if p.ResolvedVariables[1]["name"] != "UNKNOWN" {
		t.Fatalf("missing uid should resolve to UNKNOWN: %v", p.ResolvedVariables[1])
	}

	artifact, err := orch.Space().Get(pUID)
	if err != nil {
		t.Fatalf("perspectives artifact not registered: %v", err)
	}
	if artifact.Metadata.Name != "chain_of_analysis_perspectives" {
		t.Fatalf("unexpected artifact name %q", artifact.Metadata.Name)
	}
}

func TestCompilerAcceptsBareArrayResponse(t *testing.T) {
	orch := runtime.NewOrchestrator(runtime.NewSpace())
	provider := &stubProvider{
		structured: []string{`[{"id":"P-7","focus":"liquidity","narrative":"n","evidence_uids":[]}]`},
	}
	perspectives, _, err := NewCompiler(orch, provider).Compile(context.Background(), &Chain{}, "q")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(perspectives) != 1 || perspectives[0].ID != "P-7" {
		t.Fatalf("bare array should decode: %+v", perspectives)
	}
}
