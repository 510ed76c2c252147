package visualize

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/finsightlab/finsight/internal/agent/refine"
	"github.com/finsightlab/finsight/internal/llm"
	"github.com/finsightlab/finsight/internal/runtime"
	"github.com/finsightlab/finsight/internal/sources"
)

// Iteration is one retained refinement pass: the spec rendered, the
// figure produced and the critique received.
type Iteration struct {
	Iteration  int       `json:"iteration"`
	Spec       ChartSpec `json:"spec"`
	FigureJSON string    `json:"figure_json"`
	FigureB64  string    `json:"figure_b64"`
	Feedback   string    `json:"feedback"`
}

// Outcome is the registered visualization artifact: the table it drew
// from, every iteration in order, and the final spec.
type Outcome struct {
	TableUID   string      `json:"table_uid"`
	Iterations []Iteration `json:"iterations"`
	FinalSpec  ChartSpec   `json:"final_spec"`
}

// FinalFigure returns the last rendered image, base64-encoded, or "".
func (o Outcome) FinalFigure() string {
	if len(o.Iterations) == 0 {
		return ""
	}
	return o.Iterations[len(o.Iterations)-1].FigureB64
}

// Agent refines a chart against a critique loop. Unlike the analysis
// stepper it never halts on a degraded render; even a failed figure gets
// critiqued so the feedback trail stays complete.
type Agent struct {
	orch          *runtime.Orchestrator
	provider      llm.Provider
	maxIterations int
	logger        *log.Logger
}

// NewAgent builds a chart agent. maxIterations <= 0 defaults to 3.
func NewAgent(orch *runtime.Orchestrator, provider llm.Provider, maxIterations int) *Agent {
	if maxIterations <= 0 {
		maxIterations = 3
	}
	return &Agent{
		orch:          orch,
		provider:      provider,
		maxIterations: maxIterations,
		logger:        log.New(os.Stdout, "[VISUALIZE] ", log.LstdFlags),
	}
}

type renderOutput struct {
	figureJSON string
	raster     []byte
	fault      error
}

type chartStrategy struct {
	a       *Agent
	goal    string
	table   Table
	initial ChartSpec

	iterations []Iteration
}

func (st *chartStrategy) Propose(ctx context.Context, seed *refine.Proposal, prev *refine.Iteration) (refine.Proposal, error) {
	spec := st.initial
	if seed != nil {
		if s, ok := seed.Fields["spec"].(ChartSpec); ok {
			spec = s
		}
	}
	return refine.Proposal{Summary: spec.Title, Fields: map[string]interface{}{"spec": spec}}, nil
}

func (st *chartStrategy) Execute(ctx context.Context, p refine.Proposal) (refine.Result, error) {
	spec, _ := p.Fields["spec"].(ChartSpec)
	figureJSON, raster, err := Render(st.table, spec)
	// Render faults are carried in the result so the critique still runs.
	return refine.Result{Output: renderOutput{figureJSON: figureJSON, raster: raster, fault: err}, Err: err}, nil
}

func (st *chartStrategy) Evaluate(ctx context.Context, p refine.Proposal, r refine.Result) (refine.Critique, error) {
	spec, _ := p.Fields["spec"].(ChartSpec)
	out, _ := r.Output.(renderOutput)

	specJSON, err := json.Marshal(spec)
	if err != nil {
		specJSON = []byte("{}")
	}
	parts := []llm.Part{
		{Text: "You are the visualization critic.\n" +
			"Evaluate the attached chart image against the stated goal.\n" +
			"Respond EXACTLY in one of the following formats:\n" +
			"APPROVED: <short justification>\n" +
			"REVISE: <bullet list with actionable changes>"},
		{Text: fmt.Sprintf("Iteration: %d", len(st.iterations)+1)},
		{Text: fmt.Sprintf("Goal: %s", st.goal)},
		{Text: fmt.Sprintf("Current Spec: %s", specJSON)},
	}
	if out.fault != nil {
		parts = append(parts, llm.Part{Text: fmt.Sprintf("Render failed: %v", out.fault)})
	} else {
		parts = append(parts, llm.Part{MIMEType: "image/svg+xml", Data: out.raster})
	}

	feedback, err := st.a.provider.GenerateWithAttachment(ctx, parts)
	if err != nil {
		return refine.Critique{}, err
	}

	st.iterations = append(st.iterations, Iteration{
		Iteration:  len(st.iterations) + 1,
		Spec:       spec,
		FigureJSON: out.figureJSON,
		FigureB64:  base64.StdEncoding.EncodeToString(out.raster),
		Feedback:   feedback,
	})
	return refine.Critique{Verdict: refine.ParseVerdict(feedback), Text: feedback}, nil
}

func (st *chartStrategy) Revise(p refine.Proposal, c refine.Critique) refine.Proposal {
	spec, _ := p.Fields["spec"].(ChartSpec)
	updated := ApplyFeedback(spec, c.Text)
	return refine.Proposal{Summary: updated.Title, Fields: map[string]interface{}{"spec": updated}}
}

// Run loads the table artifact, refines the chart against it and
// registers the full iteration history plus the final spec.
func (a *Agent) Run(ctx context.Context, tableUID string, spec ChartSpec, goal string) (Outcome, string, error) {
	artifact, err := a.orch.Space().Get(tableUID)
	if err != nil {
		return Outcome{}, "", err
	}
	table, err := coerceTable(artifact.Value)
	if err != nil {
		return Outcome{}, "", fmt.Errorf("artifact %s: %w", tableUID, err)
	}

	strategy := &chartStrategy{a: a, goal: goal, table: table, initial: spec}
	loop := &refine.Loop{MaxIterations: a.maxIterations, Strategy: strategy}
	if _, err := loop.Run(ctx); err != nil {
		return Outcome{}, "", fmt.Errorf("chart refinement: %w", err)
	}

	outcome := Outcome{TableUID: tableUID, Iterations: strategy.iterations, FinalSpec: spec}
	if n := len(strategy.iterations); n > 0 {
		outcome.FinalSpec = strategy.iterations[n-1].Spec
	}

	uid, err := a.orch.RegisterData(ctx, "visualization_"+artifact.Metadata.Name, outcome,
		fmt.Sprintf("Visualization refinements for %s", artifact.Metadata.Name), "iterative_visualizer",
		[]string{"visualization", "chart"})
	if err != nil {
		return Outcome{}, "", err
	}
	a.logger.Printf("chart refined over %d iterations", len(outcome.Iterations))
	return outcome, uid, nil
}

// coerceTable accepts the tabular shapes collectors register.
func coerceTable(value interface{}) (Table, error) {
	switch v := value.(type) {
	case Table:
		return v, nil
	case sources.PriceTable:
		return Table{Columns: v.Columns, Rows: v.Rows}, nil
	case sources.SeriesTable:
		return Table{Columns: v.Columns, Rows: v.Rows}, nil
	case map[string]interface{}:
		return tableFromMap(v)
	default:
		return Table{}, fmt.Errorf("value is not tabular")
	}
}

func tableFromMap(m map[string]interface{}) (Table, error) {
	cols, ok := m["columns"].([]interface{})
	if !ok {
		if typed, ok := m["columns"].([]string); ok {
			rows, err := rowsFromAny(m["rows"])
			return Table{Columns: typed, Rows: rows}, err
		}
		return Table{}, fmt.Errorf("value is not tabular")
	}
	columns := make([]string, 0, len(cols))
	for _, c := range cols {
		columns = append(columns, fmt.Sprintf("%v", c))
	}
	rows, err := rowsFromAny(m["rows"])
	if err != nil {
		return Table{}, err
	}
	return Table{Columns: columns, Rows: rows}, nil
}

func rowsFromAny(v interface{}) ([][]interface{}, error) {
	switch rows := v.(type) {
	case [][]interface{}:
		return rows, nil
	case []interface{}:
		out := make([][]interface{}, 0, len(rows))
		for _, r := range rows {
			cells, ok := r.([]interface{})
			if !ok {
				return nil, fmt.Errorf("value is not tabular")
			}
			out = append(out, cells)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("value is not tabular")
	}
}
