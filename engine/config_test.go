package engine_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentloop/engine/engine"
)

func TestDefaultConfig(t *testing.T) {
	cfg := engine.DefaultConfig()

	if cfg.JanitorInterval != 30*time.Second {
		t.Errorf("got JanitorInterval %v, want 30s", cfg.JanitorInterval)
	}
	if cfg.Listen != "localhost:8420" {
		t.Errorf("got Listen %q, want localhost:8420", cfg.Listen)
	}
	if cfg.Observer != "slog" {
		t.Errorf("got Observer %q, want slog", cfg.Observer)
	}
	if cfg.Dispatch.MinFreeMB != 1024 {
		t.Errorf("got Dispatch.MinFreeMB %d, want 1024", cfg.Dispatch.MinFreeMB)
	}
	if cfg.Session.Dir != "data" {
		t.Errorf("got Session.Dir %q, want data", cfg.Session.Dir)
	}
	if cfg.Loop.StepLimit != 20 {
		t.Errorf("got Loop.StepLimit %d, want 20", cfg.Loop.StepLimit)
	}
}

func TestConfig_Merge(t *testing.T) {
	cfg := engine.DefaultConfig()

	source := &engine.Config{
		Listen:          "0.0.0.0:9000",
		AuthToken:       "secret",
		JanitorInterval: time.Minute,
	}
	source.Session.Dir = "/var/lib/agentloop"
	source.Loop.StepLimit = 5

	cfg.Merge(source)

	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("got Listen %q, want 0.0.0.0:9000", cfg.Listen)
	}
	if cfg.AuthToken != "secret" {
		t.Errorf("got AuthToken %q, want secret", cfg.AuthToken)
	}
	if cfg.JanitorInterval != time.Minute {
		t.Errorf("got JanitorInterval %v, want 1m", cfg.JanitorInterval)
	}
	if cfg.Session.Dir != "/var/lib/agentloop" {
		t.Errorf("got Session.Dir %q, want /var/lib/agentloop", cfg.Session.Dir)
	}
	if cfg.Loop.StepLimit != 5 {
		t.Errorf("got Loop.StepLimit %d, want 5", cfg.Loop.StepLimit)
	}
	if cfg.Loop.PlanFile != "PLAN.md" {
		t.Errorf("got Loop.PlanFile %q, want preserved default", cfg.Loop.PlanFile)
	}
}

func TestConfig_Merge_ZeroValuesPreserveDefaults(t *testing.T) {
	cfg := engine.DefaultConfig()
	original := cfg

	cfg.Merge(&engine.Config{})

	if cfg.Listen != original.Listen {
		t.Errorf("got Listen %q, want %q (preserved default)", cfg.Listen, original.Listen)
	}
	if cfg.JanitorInterval != original.JanitorInterval {
		t.Errorf("got JanitorInterval %v, want %v (preserved default)", cfg.JanitorInterval, original.JanitorInterval)
	}
	if cfg.Dispatch.MinFreeMB != original.Dispatch.MinFreeMB {
		t.Errorf("got Dispatch.MinFreeMB %d, want %d (preserved default)", cfg.Dispatch.MinFreeMB, original.Dispatch.MinFreeMB)
	}
}

func TestLoadConfig_JSON(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")

	content := `{
		"listen": "127.0.0.1:9000",
		"auth_token": "tok",
		"session": {"dir": "/tmp/agentloop"},
		"loop": {"step_limit": 7},
		"agents": {"codex": {"model": "gpt-5.3-codex-mini"}}
	}`

	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Listen != "127.0.0.1:9000" {
		t.Errorf("got Listen %q, want 127.0.0.1:9000", cfg.Listen)
	}
	if cfg.AuthToken != "tok" {
		t.Errorf("got AuthToken %q, want tok", cfg.AuthToken)
	}
	if cfg.Session.Dir != "/tmp/agentloop" {
		t.Errorf("got Session.Dir %q, want /tmp/agentloop", cfg.Session.Dir)
	}
	if cfg.Loop.StepLimit != 7 {
		t.Errorf("got Loop.StepLimit %d, want 7", cfg.Loop.StepLimit)
	}
	if cfg.Loop.PlanLimit != 5000 {
		t.Errorf("got Loop.PlanLimit %d, want merged default 5000", cfg.Loop.PlanLimit)
	}
	if cfg.Agents["codex"].Model != "gpt-5.3-codex-mini" {
		t.Errorf("got codex model %q, want override", cfg.Agents["codex"].Model)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := "listen: 127.0.0.1:9100\nsession:\n  dir: /tmp/agentloop-yaml\nloop:\n  step_limit: 9\n"

	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Listen != "127.0.0.1:9100" {
		t.Errorf("got Listen %q, want 127.0.0.1:9100", cfg.Listen)
	}
	if cfg.Session.Dir != "/tmp/agentloop-yaml" {
		t.Errorf("got Session.Dir %q, want /tmp/agentloop-yaml", cfg.Session.Dir)
	}
	if cfg.Loop.StepLimit != 9 {
		t.Errorf("got Loop.StepLimit %d, want 9", cfg.Loop.StepLimit)
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := engine.LoadConfig("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.json")

	if err := os.WriteFile(configPath, []byte("{invalid}"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := engine.LoadConfig(configPath); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}
