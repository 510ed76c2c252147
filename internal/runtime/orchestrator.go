package runtime

import (
	"context"
	"log"
	"os"
)

// Tool is a callable registered in the space and exposed to sandboxed code.
type Tool func(args map[string]interface{}) (interface{}, error)

// Orchestrator owns one run's artifact space, tool table and sandbox, and
// appends an audit record for every registration and execution.
type Orchestrator struct {
	space    *Space
	executor *Executor
	tools    map[string]Tool
	sink     AuditSink
	observer func(success bool)
	logger   *log.Logger
}

// OrchestratorOption customises an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithAuditSink attaches an audit sink. Without one, logging is a no-op.
func WithAuditSink(sink AuditSink) OrchestratorOption {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithExecutor overrides the default sandbox executor.
func WithExecutor(exec *Executor) OrchestratorOption {
	return func(o *Orchestrator) { o.executor = exec }
}

// WithExecutionObserver registers a callback invoked after every sandbox
// execution with its outcome. Metrics recording hooks in here; the
// orchestrator itself stays free of monitoring dependencies.
func WithExecutionObserver(fn func(success bool)) OrchestratorOption {
	return func(o *Orchestrator) { o.observer = fn }
}

// WithLogger overrides the orchestrator logger.
func WithLogger(logger *log.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// NewOrchestrator builds an orchestrator around a fresh space. Each run
// constructs its own instance; there is no ambient singleton.
func NewOrchestrator(space *Space, opts ...OrchestratorOption) *Orchestrator {
	if space == nil {
		space = NewSpace()
	}
	o := &Orchestrator{
		space:    space,
		executor: NewExecutor(),
		tools:    make(map[string]Tool),
		logger:   log.New(os.Stdout, "[RUNTIME] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Space exposes the run's artifact space.
func (o *Orchestrator) Space() *Space { return o.space }

// Tools exposes the registered tool table.
func (o *Orchestrator) Tools() map[string]Tool { return o.tools }

// RegisterData stores a data artifact and returns its uid.
func (o *Orchestrator) RegisterData(ctx context.Context, name string, value interface{}, description, source string, tags []string) (string, error) {
	a := o.space.NewArtifact(Metadata{
		Name:        name,
		Kind:        KindData,
		Description: description,
		Source:      source,
		Tags:        tags,
	}, value)
	uid, err := o.space.Register(a)
	if err != nil {
		return "", err
	}
	o.audit(ctx, "register_data", uid, map[string]interface{}{
		"name":        name,
		"description": description,
		"source":      source,
		"tags":        tags,
	})
	return uid, nil
}

// RegisterTool stores a tool artifact, adds it to the tool table, and
// returns its uid.
func (o *Orchestrator) RegisterTool(ctx context.Context, name string, fn Tool, description string) (string, error) {
	a := o.space.NewArtifact(Metadata{
		Name:        name,
		Kind:        KindTool,
		Description: description,
	}, fn)
	uid, err := o.space.Register(a)
	if err != nil {
		return "", err
	}
	o.tools[name] = fn
	o.audit(ctx, "register_tool", uid, map[string]interface{}{
		"name":        name,
		"description": description,
	})
	return uid, nil
}

// RegisterAgent stores an agent artifact and returns its uid.
func (o *Orchestrator) RegisterAgent(ctx context.Context, name string, agent interface{}, description string) (string, error) {
	a := o.space.NewArtifact(Metadata{
		Name:        name,
		Kind:        KindAgent,
		Description: description,
	}, agent)
	uid, err := o.space.Register(a)
	if err != nil {
		return "", err
	}
	o.audit(ctx, "register_agent", uid, map[string]interface{}{
		"name":        name,
		"description": description,
	})
	return uid, nil
}

// ExecuteAgentCode runs code in the sandbox with the space and tool table
// injected into the execution bindings, then logs the outcome. Faults stay
// inside the result.
func (o *Orchestrator) ExecuteAgentCode(ctx context.Context, code string, extra map[string]interface{}) ExecutionResult {
	bindings := map[string]interface{}{
		"space": o.space,
		"tools": o.tools,
	}
	for k, v := range extra {
		bindings[k] = v
	}
	result := o.executor.Run(code, bindings)
	if o.observer != nil {
		o.observer(result.Success())
	}
	payload := map[string]interface{}{
		"code":    code,
		"stdout":  result.Stdout,
		"stderr":  result.Stderr,
		"success": result.Success(),
	}
	if result.Fault != nil {
		payload["fault"] = result.Fault.Error()
	}
	o.audit(ctx, "execute_agent_code", "", payload)
	return result
}

// Note appends a free-form audit record. Pipeline stages use it to log
// irregularities that degrade but do not abort a run.
func (o *Orchestrator) Note(ctx context.Context, event string, payload map[string]interface{}) {
	o.audit(ctx, event, "", payload)
}

func (o *Orchestrator) audit(ctx context.Context, event, uid string, payload map[string]interface{}) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Append(ctx, AuditRecord{Event: event, UID: uid, Payload: payload}); err != nil {
		o.logger.Printf("audit append failed for %s: %v", event, err)
	}
}
