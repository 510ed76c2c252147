package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/finsightlab/finsight/internal/agent/refine"
	"github.com/finsightlab/finsight/internal/llm"
	"github.com/finsightlab/finsight/internal/runtime"
)

// StepLog retains one iteration's prompt and plan for the reasoning-log
// artifact.
type StepLog struct {
	Ordinal int                    `json:"step_id"`
	Prompt  string                 `json:"prompt"`
	Plan    map[string]interface{} `json:"plan"`
	Stdout  string                 `json:"stdout"`
	Stderr  string                 `json:"stderr"`
	Success bool                   `json:"success"`
}

// Stepper iterates proposed Go code against the run's artifact space.
type Stepper struct {
	orch     *runtime.Orchestrator
	provider llm.Provider
	maxSteps int
	logger   *log.Logger
}

// NewStepper builds a stepper. maxSteps <= 0 defaults to 5.
func NewStepper(orch *runtime.Orchestrator, provider llm.Provider, maxSteps int) *Stepper {
	if maxSteps <= 0 {
		maxSteps = 5
	}
	return &Stepper{
		orch:     orch,
		provider: provider,
		maxSteps: maxSteps,
		logger:   log.New(os.Stdout, "[ANALYSIS] ", log.LstdFlags),
	}
}

// stepPlan is the tagged schema for one proposed step. Validated at the
// boundary rather than trusting the capability's shape.
type stepPlan struct {
	Focus      string   `json:"focus"`
	Code       string   `json:"code"`
	Commentary []string `json:"commentary"`
	Evidence   []string `json:"evidence"`
}

type stepperStrategy struct {
	s       *Stepper
	goal    string
	ordinal int
	logs    []StepLog
}

func (st *stepperStrategy) contextPrompt(prev *refine.Iteration) string {
	var b strings.Builder
	b.WriteString("You are the analysis agent operating in a code-first environment.\n")
	b.WriteString("Given the current artifact memory snapshot, propose Go code that advances the analysis goal.\n")
	b.WriteString("The code runs in a sandboxed interpreter. Write a complete program: package main, stdlib imports only, and a main function.\n")
	b.WriteString("Shared memory is available through the cavm package: cavm.Space (artifact store) and cavm.Vars (scratch bindings).\n")
	fmt.Fprintf(&b, "Analysis goal: %s\n", st.goal)
	b.WriteString("Return JSON with fields: focus (string), code (Go source string), commentary (list of insights), evidence (list of artifact names).\n")

	snapshot, err := json.Marshal(st.s.orch.Space().Snapshot())
	if err != nil {
		snapshot = []byte("{}")
	}
	fmt.Fprintf(&b, "Current memory: %s\n", snapshot)

	if prev != nil {
		if res, ok := prev.Result.Output.(runtime.ExecutionResult); ok {
			fmt.Fprintf(&b, "Previous step stdout: %s\n", res.Stdout)
		}
		if insights, ok := prev.Proposal.Fields["commentary"].([]string); ok && len(insights) > 0 {
			fmt.Fprintf(&b, "Previous insights: %s\n", strings.Join(insights, "; "))
		}
		if prev.Critique.Text != "" {
			fmt.Fprintf(&b, "Previous critique: %s\n", prev.Critique.Text)
		}
	}
	return b.String()
}

func (st *stepperStrategy) Propose(ctx context.Context, _ *refine.Proposal, prev *refine.Iteration) (refine.Proposal, error) {
	st.ordinal++
	prompt := st.contextPrompt(prev)

	var plan stepPlan
	if err := st.s.provider.GenerateStructured(ctx, prompt, &plan); err != nil {
		return refine.Proposal{}, err
	}
	if plan.Focus == "" {
		plan.Focus = fmt.Sprintf("Step %d", st.ordinal)
	}

	st.logs = append(st.logs, StepLog{
		Ordinal: st.ordinal,
		Prompt:  prompt,
		Plan: map[string]interface{}{
			"focus":      plan.Focus,
			"code":       plan.Code,
			"commentary": plan.Commentary,
			"evidence":   plan.Evidence,
		},
	})

	return refine.Proposal{
		Summary: plan.Focus,
		Fields: map[string]interface{}{
			"code":       plan.Code,
			"commentary": plan.Commentary,
			"evidence":   plan.Evidence,
		},
	}, nil
}

func (st *stepperStrategy) Execute(ctx context.Context, p refine.Proposal) (refine.Result, error) {
	code, _ := p.Fields["code"].(string)
	res := st.s.orch.ExecuteAgentCode(ctx, code, nil)

	if n := len(st.logs); n > 0 {
		st.logs[n-1].Stdout = res.Stdout
		st.logs[n-1].Stderr = stderrText(res)
		st.logs[n-1].Success = res.Success()
	}
	return refine.Result{Output: res, Err: res.Fault}, nil
}

func (st *stepperStrategy) Evaluate(ctx context.Context, p refine.Proposal, r refine.Result) (refine.Critique, error) {
	res, _ := r.Output.(runtime.ExecutionResult)
	prompt := fmt.Sprintf(
		"You are the analysis critic. The goal is: %s\n"+
			"The last step focused on %q and printed:\n%s\n"+
			"Respond EXACTLY in one of the following formats:\n"+
			"APPROVED: <short justification that the goal is sufficiently analysed>\n"+
			"REVISE: <what the next step should examine>",
		st.goal, p.Summary, res.Stdout)

	text, err := st.s.provider.Generate(ctx, prompt)
	if err != nil {
		return refine.Critique{}, err
	}
	return refine.Critique{Verdict: refine.ParseVerdict(text), Text: text}, nil
}

func (st *stepperStrategy) Revise(p refine.Proposal, c refine.Critique) refine.Proposal {
	// The next proposal is generated fresh against the updated snapshot;
	// the critique reaches it through the previous iteration's record.
	return p
}

// stderrText preserves the fault text when the interpreter wrote nothing
// to the error stream before failing.
func stderrText(res runtime.ExecutionResult) string {
	if res.Stderr == "" && res.Fault != nil {
		return res.Fault.Error()
	}
	return res.Stderr
}

// Run executes up to maxSteps analysis iterations and returns the chain
// plus the retained reasoning logs. Execution faults stop the chain; the
// faulted step is still recorded.
func (s *Stepper) Run(ctx context.Context, goal string) (*Chain, []StepLog, error) {
	strategy := &stepperStrategy{s: s, goal: goal}
	loop := &refine.Loop{MaxIterations: s.maxSteps, HaltOnFault: true, Strategy: strategy}

	history, err := loop.Run(ctx)
	if err != nil {
		return nil, strategy.logs, fmt.Errorf("analysis stepper: %w", err)
	}

	chain := &Chain{}
	for _, it := range history {
		res, _ := it.Result.Output.(runtime.ExecutionResult)
		code, _ := it.Proposal.Fields["code"].(string)
		step := ChainStep{
			Ordinal: it.Ordinal,
			Focus:   it.Proposal.Summary,
			Code:    code,
			Stdout:  res.Stdout,
			Stderr:  stderrText(res),
			Success: res.Success(),
		}
		if insights, ok := it.Proposal.Fields["commentary"].([]string); ok {
			for _, insight := range insights {
				step.AddInsight(insight)
			}
		}
		if evidence, ok := it.Proposal.Fields["evidence"].([]string); ok {
			for _, name := range evidence {
				for _, match := range s.orch.Space().FindByName(name) {
					step.AddEvidence(match.UID)
				}
			}
		}
		chain.AddStep(step)
	}
	s.logger.Printf("chain complete: %d steps", len(chain.Steps))
	return chain, strategy.logs, nil
}
