package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "agentchatd.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("AGENTCHAT_LISTEN", "")
	t.Setenv("AGENTCHAT_STATE_DIR", "")
	t.Setenv("AGENTCHAT_URL", "")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Listen != "127.0.0.1:8890" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("command = %q", cfg.Agent.Command)
	}
	if cfg.Agent.ResumeFlag != "--resume" {
		t.Errorf("resume flag = %q", cfg.Agent.ResumeFlag)
	}
	if cfg.Mux.OverflowPolicy != OverflowDropOldest {
		t.Errorf("overflow policy = %q", cfg.Mux.OverflowPolicy)
	}
	if *cfg.Mux.ScrollbackBytes != 50000 {
		t.Errorf("scrollback = %d", *cfg.Mux.ScrollbackBytes)
	}
	if cfg.Status.StaleAfter() != 30*time.Second {
		t.Errorf("stale after = %v", cfg.Status.StaleAfter())
	}
	if !*cfg.Agent.AutoSpawnOnAttach {
		t.Error("auto spawn should default on")
	}
	if cfg.Hooks.URL != "http://127.0.0.1:8890" {
		t.Errorf("hooks url = %q", cfg.Hooks.URL)
	}
	if filepath.Base(cfg.Storage.DBPath) != "agentchat.db" {
		t.Errorf("db path = %q", cfg.Storage.DBPath)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
server:
  listen: 0.0.0.0:9000
agent:
  command: /bin/sh
  args: ["-c", "cat"]
mux:
  overflow_policy: disconnect
  scrollback_bytes: 0
status:
  stale_after_ms: 1500
`)
	t.Setenv("AGENTCHAT_STATE_DIR", filepath.Join(dir, "state"))
	t.Setenv("AGENTCHAT_LISTEN", "")
	t.Setenv("AGENTCHAT_URL", "")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Agent.Command != "/bin/sh" || len(cfg.Agent.Args) != 2 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Mux.OverflowPolicy != OverflowDisconnect {
		t.Errorf("policy = %q", cfg.Mux.OverflowPolicy)
	}
	if *cfg.Mux.ScrollbackBytes != 0 {
		t.Errorf("explicit zero scrollback should be kept, got %d", *cfg.Mux.ScrollbackBytes)
	}
	if cfg.Status.StaleAfter() != 1500*time.Millisecond {
		t.Errorf("stale after = %v", cfg.Status.StaleAfter())
	}
	if cfg.Storage.DBPath != filepath.Join(dir, "state", "agentchat.db") {
		t.Errorf("db path = %q", cfg.Storage.DBPath)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"policy", "mux:\n  overflow_policy: block\n", "overflow_policy"},
		{"pattern", "agent:\n  handshake_pattern: \"(\"\n", "handshake_pattern"},
		{"scrollback", "mux:\n  scrollback_bytes: -1\n", "scrollback_bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := LoadConfig(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "status:\n  stale_after_ms: 1000\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	go func() {
		_ = Watch(ctx, path, nil, func(cfg *Config) { changes <- cfg })
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "status:\n  stale_after_ms: 2000\n")

	select {
	case cfg := <-changes:
		if cfg.Status.StaleAfterMs != 2000 {
			t.Errorf("stale_after_ms = %d, want 2000", cfg.Status.StaleAfterMs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}
