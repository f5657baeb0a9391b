package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const minimalConfig = `
version: 1
router:
  main_model: gpt-x
tool_server:
  command: tool-server
`

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "relay.yaml", minimalConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Router.MaxIterations != 8 {
		t.Errorf("MaxIterations = %d, want 8", cfg.Router.MaxIterations)
	}
	if cfg.Router.ParallelToolCap != 4 {
		t.Errorf("ParallelToolCap = %d, want 4", cfg.Router.ParallelToolCap)
	}
	if cfg.Router.TotalDeadline != 5*time.Minute {
		t.Errorf("TotalDeadline = %v, want 5m", cfg.Router.TotalDeadline)
	}
	if cfg.Session.Store != "file" {
		t.Errorf("Session.Store = %q, want file", cfg.Session.Store)
	}
	if cfg.Server.HTTPPort != 8084 {
		t.Errorf("HTTPPort = %d, want 8084", cfg.Server.HTTPPort)
	}
	if cfg.ToolServer.Reconnect.Initial != 500*time.Millisecond {
		t.Errorf("Reconnect.Initial = %v, want 500ms", cfg.ToolServer.Reconnect.Initial)
	}
}

func TestLoad_Includes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "providers.yaml", `
providers:
  local:
    kind: local
    base_url: http://127.0.0.1:11434/v1
`)
	path := writeConfig(t, dir, "relay.yaml", `
$include: providers.yaml
version: 1
router:
  main_model: llama
tool_server:
  remote_url: http://127.0.0.1:9300
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, ok := cfg.Providers["local"]
	if !ok {
		t.Fatal("included provider missing")
	}
	if p.Kind != ProviderLocal {
		t.Errorf("provider kind = %q, want local", p.Kind)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "sk-test-key")
	path := writeConfig(t, t.TempDir(), "relay.yaml", `
version: 1
providers:
  hosted:
    kind: openai
    api_key: ${RELAY_TEST_KEY}
router:
  main_model: gpt-x
tool_server:
  command: tool-server
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers["hosted"].APIKey != "sk-test-key" {
		t.Errorf("api_key = %q, want expanded env value", cfg.Providers["hosted"].APIKey)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "relay.yaml", `
version: 1
router:
  main_model: gpt-x
  bogus_knob: 7
tool_server:
  command: tool-server
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject unknown keys")
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantSub string
	}{
		{
			"missing main model",
			"version: 1\ntool_server:\n  command: x\n",
			"main_model",
		},
		{
			"no tool server",
			"version: 1\nrouter:\n  main_model: m\n",
			"tool_server",
		},
		{
			"postgres without url",
			"version: 1\nrouter:\n  main_model: m\ntool_server:\n  command: x\nsession:\n  store: postgres\n",
			"database_url",
		},
		{
			"bad provider kind",
			"version: 1\nproviders:\n  p:\n    kind: telepathy\nrouter:\n  main_model: m\ntool_server:\n  command: x\n",
			"unknown provider kind",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "relay.yaml", tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load should fail")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestLoad_VersionGate(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "relay.yaml", `
version: 99
router:
  main_model: m
tool_server:
  command: x
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load should reject future versions")
	}
	var verr *VersionError
	if !errors.As(err, &verr) {
		t.Errorf("error type = %T, want *VersionError", err)
	}
}

func TestSnapshot_Reload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "relay.yaml", minimalConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	snap := NewSnapshot(cfg, path)

	if snap.Get().Router.MainModel != "gpt-x" {
		t.Fatalf("MainModel = %q", snap.Get().Router.MainModel)
	}

	writeConfig(t, dir, "relay.yaml", strings.Replace(minimalConfig, "gpt-x", "gpt-y", 1))
	if err := snap.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if snap.Get().Router.MainModel != "gpt-y" {
		t.Errorf("MainModel after reload = %q, want gpt-y", snap.Get().Router.MainModel)
	}

	// A broken file keeps the previous snapshot active.
	writeConfig(t, dir, "relay.yaml", "version: 1\nrouter: {main_model: ''}\ntool_server: {command: x}\n")
	if err := snap.Reload(); err == nil {
		t.Fatal("Reload should fail on invalid config")
	}
	if snap.Get().Router.MainModel != "gpt-y" {
		t.Errorf("MainModel after failed reload = %q, want gpt-y", snap.Get().Router.MainModel)
	}
}
