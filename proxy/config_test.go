package proxy

import (
	"testing"
	"time"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("AMAS_WORKSPACE_ROOT", "/srv/workspace")
	t.Setenv("AMAS_CALL_TIMEOUT", "10s")
	t.Setenv("AMAS_STORAGE", "redis")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.WorkspaceRoot != "/srv/workspace" {
		t.Fatalf("workspace root: %s", cfg.WorkspaceRoot)
	}
	if cfg.CallTimeout != 10*time.Second {
		t.Fatalf("call timeout: %v", cfg.CallTimeout)
	}
	if cfg.StorageBackend != "redis" || cfg.RedisAddr == "" {
		t.Fatalf("storage config: %s / %s", cfg.StorageBackend, cfg.RedisAddr)
	}
	if cfg.MaxFrameSize != 8388608 {
		t.Fatalf("default frame size: %d", cfg.MaxFrameSize)
	}
}

func TestBackendSpecs(t *testing.T) {
	t.Parallel()

	cfg := Config{Backends: `[
		{"name": "rust-analyzer", "command": "rust-analyzer",
		 "namespaces": ["textlsp"], "selector": "rust"},
		{"name": "gopls", "command": "gopls", "args": ["serve"],
		 "namespaces": ["textlsp"], "selector": "go"}
	]`}
	specs, err := cfg.BackendSpecs()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(specs) != 2 || specs[0].Selector != "rust" || specs[1].Args[0] != "serve" {
		t.Fatalf("unexpected specs: %+v", specs)
	}

	if _, err := (Config{Backends: `not json`}).BackendSpecs(); err == nil {
		t.Fatal("bad json accepted")
	}
	if _, err := (Config{Backends: `[{"name": "x"}]`}).BackendSpecs(); err == nil {
		t.Fatal("incomplete spec accepted")
	}
	if specs, err := (Config{}).BackendSpecs(); err != nil || specs != nil {
		t.Fatalf("empty table: %+v %v", specs, err)
	}
}
