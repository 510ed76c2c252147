package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("explicit missing file should fail")
	}

	// Env-only operation: no file in search path.
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(wd)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("server.address default = %q", cfg.Server.Address)
	}
	if cfg.LLM.Model != "gpt-4o-mini" || cfg.LLM.Timeout != 90*time.Second {
		t.Fatalf("llm defaults wrong: %+v", cfg.LLM)
	}
	if !cfg.Telemetry.Enabled || !cfg.Telemetry.CostTracking {
		t.Fatalf("telemetry defaults wrong: %+v", cfg.Telemetry)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
llm:
  api_key: sk-test
  model: gpt-4o
search:
  serper_api_key: serper-test
collectors:
  sec_user_agent: "research admin@example.com"
  fred_api_key: fred-test
audit:
  log_file: /tmp/audit.jsonl
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := cfg.ValidateForRun(); err != nil {
		t.Fatalf("ValidateForRun: %v", err)
	}
	if cfg.LLM.Model != "gpt-4o" || cfg.Audit.LogFile != "/tmp/audit.jsonl" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}

func TestValidateForRunRequiresCredentials(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateForRun(); err == nil {
		t.Fatal("empty config must fail validation")
	}

	cfg.LLM = LLMConfig{APIKey: "k", Model: "m"}
	if err := cfg.ValidateForRun(); err == nil {
		t.Fatal("missing serper key must fail validation")
	}

	cfg.Search = SearchConfig{SerperAPIKey: "s"}
	if err := cfg.ValidateForRun(); err == nil {
		t.Fatal("missing sec user agent must fail validation")
	}

	cfg.Collectors = CollectorsConfig{SECUserAgent: "ua admin@example.com"}
	if err := cfg.ValidateForRun(); err != nil {
		t.Fatalf("complete config rejected: %v", err)
	}
}
