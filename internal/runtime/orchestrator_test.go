package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOrchestratorRegisterWritesAudit(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileAuditSink(path)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	defer sink.Close()

	o := NewOrchestrator(NewSpace(), WithAuditSink(sink))
	uid, err := o.RegisterData(ctx, "prices", map[string]interface{}{"close": 101.5}, "daily closes", "collector", []string{"market"})
	if err != nil {
		t.Fatalf("register data: %v", err)
	}
	if _, err := o.RegisterTool(ctx, "echo", func(args map[string]interface{}) (interface{}, error) {
		return args, nil
	}, "echoes arguments"); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer f.Close()

	var records []AuditRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("record not independently parseable: %v", err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(records))
	}
	if records[0].Event != "register_data" || records[0].UID != uid {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[1].Event != "register_tool" {
		t.Fatalf("unexpected second record: %+v", records[1])
	}
}

func TestOrchestratorWithoutSinkIsNoOp(t *testing.T) {
	o := NewOrchestrator(nil)
	if _, err := o.RegisterData(context.Background(), "x", 1, "", "", nil); err != nil {
		t.Fatalf("register without sink: %v", err)
	}
}

func TestExecuteAgentCodeInjectsSpace(t *testing.T) {
	ctx := context.Background()
	o := NewOrchestrator(NewSpace())
	uid, err := o.RegisterData(ctx, "answer", 42, "", "", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	code := `package main

import (
	"cavm/cavm"
	"fmt"
)

func main() {
	a, err := cavm.Space.Get("` + uid + `")
	if err != nil {
		panic(err)
	}
	fmt.Println("value:", a.Value)
}
`
	res := o.ExecuteAgentCode(ctx, code, nil)
	if !res.Success() {
		t.Fatalf("execution faulted: %v", res.Fault)
	}
	if !strings.Contains(res.Stdout, "value: 42") {
		t.Fatalf("space not reachable from sandbox: %q", res.Stdout)
	}
}

func TestExecuteAgentCodeNotifiesObserver(t *testing.T) {
	ctx := context.Background()
	var outcomes []bool
	o := NewOrchestrator(NewSpace(), WithExecutionObserver(func(success bool) {
		outcomes = append(outcomes, success)
	}))

	o.ExecuteAgentCode(ctx, "package main\n\nfunc main() {}\n", nil)
	o.ExecuteAgentCode(ctx, "package main\n\nfunc main() { panic(\"boom\") }\n", nil)

	if len(outcomes) != 2 || !outcomes[0] || outcomes[1] {
		t.Fatalf("observer outcomes = %v, want [true false]", outcomes)
	}
}

func TestExecuteAgentCodeFaultIsLoggedNotFatal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileAuditSink(path)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	defer sink.Close()

	o := NewOrchestrator(NewSpace(), WithAuditSink(sink))
	res := o.ExecuteAgentCode(ctx, "package main\n\nfunc main() { panic(\"bad step\") }\n", nil)
	if res.Success() {
		t.Fatalf("expected fault")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	var rec AuditRecord
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &rec); err != nil {
		t.Fatalf("parse audit: %v", err)
	}
	if rec.Event != "execute_agent_code" {
		t.Fatalf("unexpected event: %s", rec.Event)
	}
	if rec.Payload["success"] != false {
		t.Fatalf("fault not recorded: %#v", rec.Payload)
	}
}
