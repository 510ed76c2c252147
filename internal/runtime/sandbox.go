package runtime

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"gopkg.in/yaml.v3"
)

// ExecutionResult is the outcome of one sandboxed execution. Faults are
// captured here and never propagated as errors; callers decide whether
// to halt.
type ExecutionResult struct {
	Bindings map[string]interface{} `json:"-"`
	Stdout   string                 `json:"stdout"`
	Stderr   string                 `json:"stderr"`
	Fault    error                  `json:"-"`
}

// Success reports whether the execution completed without a fault.
func (r ExecutionResult) Success() bool { return r.Fault == nil }

// SandboxPolicy declares advisory limits for sandboxed execution. This is
// not a hardened security boundary; a hardened port should isolate
// execution in a separate process with resource limits.
type SandboxPolicy struct {
	Provider       string   `yaml:"provider"`
	Timeout        string   `yaml:"timeout"`
	AllowedImports []string `yaml:"allowed_imports"`
}

// LoadSandboxPolicy reads a policy file with a top-level sandbox block.
func LoadSandboxPolicy(path string) (*SandboxPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var doc struct {
		Sandbox SandboxPolicy `yaml:"sandbox"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if doc.Sandbox.Provider == "" {
		doc.Sandbox.Provider = "yaegi"
	}
	if doc.Sandbox.Provider != "yaegi" {
		return nil, fmt.Errorf("%w: sandbox provider %q not supported", ErrConfiguration, doc.Sandbox.Provider)
	}
	if doc.Sandbox.Timeout != "" {
		if _, err := time.ParseDuration(doc.Sandbox.Timeout); err != nil {
			return nil, fmt.Errorf("%w: sandbox timeout: %v", ErrConfiguration, err)
		}
	}
	return &doc.Sandbox, nil
}

// Executor interprets agent-generated Go code with yaegi. Executed code
// sees only an allow-list of stdlib imports plus an injected cavm package
// carrying the caller's bindings.
type Executor struct {
	allowedImports map[string]bool
}

// defaultAllowedImports covers computation over in-memory data. Packages
// reaching the filesystem, network, or process table stay blocked.
var defaultAllowedImports = []string{
	"bytes",
	"encoding/csv",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
}

// NewExecutor builds an executor with the default import allow-list.
func NewExecutor() *Executor {
	return NewExecutorWithPolicy(nil)
}

// NewExecutorWithPolicy extends the default allow-list with the policy's
// additional imports. A nil policy keeps the defaults.
func NewExecutorWithPolicy(policy *SandboxPolicy) *Executor {
	allowed := make(map[string]bool, len(defaultAllowedImports))
	for _, pkg := range defaultAllowedImports {
		allowed[pkg] = true
	}
	if policy != nil {
		for _, pkg := range policy.AllowedImports {
			allowed[pkg] = true
		}
	}
	return &Executor{allowedImports: allowed}
}

var importLineRe = regexp.MustCompile(`(?m)^\s*(?:import\s+)?(?:[_.\w]+\s+)?"([^"]+)"`)

// validateImports rejects code importing anything outside the allow-list.
// The injected cavm package is always available.
func (e *Executor) validateImports(code string) error {
	for _, block := range extractImportBlocks(code) {
		for _, m := range importLineRe.FindAllStringSubmatch(block, -1) {
			if m[1] == "cavm/cavm" || m[1] == "cavm" {
				continue
			}
			if !e.allowedImports[m[1]] {
				return fmt.Errorf("import %q not allowed in sandbox", m[1])
			}
		}
	}
	return nil
}

func extractImportBlocks(code string) []string {
	var blocks []string
	inBlock := false
	var current []string
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case inBlock:
			if strings.HasPrefix(trimmed, ")") {
				blocks = append(blocks, strings.Join(current, "\n"))
				current = nil
				inBlock = false
				continue
			}
			current = append(current, line)
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case strings.HasPrefix(trimmed, "import "):
			blocks = append(blocks, line)
		}
	}
	return blocks
}

// Run executes code once, synchronously. Standard output and error are
// captured and isolated from the caller's streams. Bindings are exposed to
// the program as cavm.Vars and mutated in place, so the returned bindings
// reflect any writes the code performed.
func (e *Executor) Run(code string, bindings map[string]interface{}) (res ExecutionResult) {
	if bindings == nil {
		bindings = map[string]interface{}{}
	}
	var stdout, stderr bytes.Buffer
	res = ExecutionResult{Bindings: bindings}

	defer func() {
		if rec := recover(); rec != nil {
			res.Fault = fmt.Errorf("sandbox panic: %v", rec)
		}
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
	}()

	if err := e.validateImports(code); err != nil {
		res.Fault = err
		return res
	}

	i := interp.New(interp.Options{Stdout: &stdout, Stderr: &stderr})
	if err := i.Use(stdlib.Symbols); err != nil {
		res.Fault = fmt.Errorf("sandbox stdlib: %w", err)
		return res
	}
	symbols := map[string]reflect.Value{
		"Vars": reflect.ValueOf(bindings),
	}
	// Each binding is also exported as a typed cavm symbol so interpreted
	// code can call methods on injected values without type assertions.
	for name, v := range bindings {
		if sym := exportName(name); sym != "" && v != nil {
			symbols[sym] = reflect.ValueOf(v)
		}
	}
	if err := i.Use(interp.Exports{"cavm/cavm": symbols}); err != nil {
		res.Fault = fmt.Errorf("sandbox bindings: %w", err)
		return res
	}

	// REPL-style snippets and full package-main programs both evaluate
	// directly; yaegi runs main for complete programs.
	if _, err := i.Eval(code); err != nil {
		res.Fault = err
		return res
	}

	// The interpreter keeps its own copy of cavm.Vars for writes made with
	// non-constant values, so a mutated entry is not guaranteed to land in
	// the caller's map. Read the symbol back and merge to make the returned
	// bindings authoritative.
	if v, err := i.Eval("cavm.Vars"); err == nil && v.IsValid() {
		if vars, ok := v.Interface().(map[string]interface{}); ok {
			for name, val := range vars {
				res.Bindings[name] = val
			}
		}
	}
	return res
}

// exportName maps a binding name to an exported Go identifier, or "" when
// the name cannot be exported.
func exportName(name string) string {
	if name == "" {
		return ""
	}
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	if name[0] >= '0' && name[0] <= '9' {
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
