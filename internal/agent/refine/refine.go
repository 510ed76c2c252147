// Package refine implements the iterative refinement loop shared by the
// analysis stepper, the deep search agent, and the chart agent:
// PROPOSE -> EXECUTE -> EVALUATE -> {STOP, REVISE -> PROPOSE}, bounded by
// an iteration cap.
package refine

import (
	"context"
	"fmt"
	"strings"
)

// Verdict is the standardized sentinel vocabulary for critiques.
type Verdict string

const (
	VerdictApproved Verdict = "APPROVED"
	VerdictRevise   Verdict = "REVISE"
)

// ParseVerdict classifies a critique by its leading sentinel,
// case-insensitively. Critiques carrying neither sentinel count as REVISE
// so the loop keeps refining until the cap.
func ParseVerdict(critique string) Verdict {
	upper := strings.ToUpper(strings.TrimSpace(critique))
	if strings.HasPrefix(upper, string(VerdictApproved)) {
		return VerdictApproved
	}
	return VerdictRevise
}

// Proposal is one proposed action: code to run, a query to issue, or a
// chart spec to render. Fields carries the structured form.
type Proposal struct {
	Summary string                 `json:"summary,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// Result is the outcome of executing a proposal. Execution-level faults
// are captured in Err, not returned by the loop; the halt policy decides
// what happens next.
type Result struct {
	Output interface{} `json:"output,omitempty"`
	Err    error       `json:"-"`
}

// Critique is the evaluation of a result.
type Critique struct {
	Verdict Verdict `json:"verdict"`
	Text    string  `json:"text,omitempty"`
}

// Iteration is the retained record of one loop pass.
type Iteration struct {
	Ordinal  int      `json:"ordinal"`
	Proposal Proposal `json:"proposal"`
	Result   Result   `json:"result"`
	Critique Critique `json:"critique"`
}

// Strategy supplies the four states of one instantiation. Propose receives
// the revised seed (nil on the first pass) and the previous iteration
// (nil on the first pass).
type Strategy interface {
	Propose(ctx context.Context, seed *Proposal, prev *Iteration) (Proposal, error)
	Execute(ctx context.Context, p Proposal) (Result, error)
	Evaluate(ctx context.Context, p Proposal, r Result) (Critique, error)
	Revise(p Proposal, c Critique) Proposal
}

// Loop drives a Strategy to acceptance or the iteration cap. It always
// terminates at the cap even when Evaluate never accepts.
type Loop struct {
	MaxIterations int
	// HaltOnFault stops the loop after recording an iteration whose
	// execution faulted, without evaluating it. The analysis stepper sets
	// this; the chart agent critiques even a degraded render.
	HaltOnFault bool
	Strategy    Strategy
}

// Run executes the loop and returns the ordered iteration history. Errors
// from Propose/Evaluate (capability failures) propagate with the history
// gathered so far.
func (l *Loop) Run(ctx context.Context) ([]Iteration, error) {
	if l.Strategy == nil {
		return nil, fmt.Errorf("refine: strategy is nil")
	}
	max := l.MaxIterations
	if max <= 0 {
		max = 3
	}

	var history []Iteration
	var prev *Iteration
	var seed *Proposal

	for ordinal := 1; ordinal <= max; ordinal++ {
		proposal, err := l.Strategy.Propose(ctx, seed, prev)
		if err != nil {
			return history, fmt.Errorf("propose iteration %d: %w", ordinal, err)
		}

		result, err := l.Strategy.Execute(ctx, proposal)
		if err != nil {
			return history, fmt.Errorf("execute iteration %d: %w", ordinal, err)
		}

		it := Iteration{Ordinal: ordinal, Proposal: proposal, Result: result}

		if result.Err != nil && l.HaltOnFault {
			it.Critique = Critique{Verdict: VerdictRevise, Text: "execution fault: " + result.Err.Error()}
			history = append(history, it)
			return history, nil
		}

		critique, err := l.Strategy.Evaluate(ctx, proposal, result)
		if err != nil {
			return append(history, it), fmt.Errorf("evaluate iteration %d: %w", ordinal, err)
		}
		it.Critique = critique
		history = append(history, it)

		if critique.Verdict == VerdictApproved {
			return history, nil
		}

		revised := l.Strategy.Revise(proposal, critique)
		seed = &revised
		prev = &history[len(history)-1]
	}
	return history, nil
}
