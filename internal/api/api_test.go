package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/agent-command/agentchatd/internal/config"
	"github.com/agent-command/agentchatd/internal/ingest"
	"github.com/agent-command/agentchatd/internal/manager"
	"github.com/agent-command/agentchatd/internal/metrics"
	"github.com/agent-command/agentchatd/internal/store"
	"github.com/agent-command/agentchatd/internal/supervisor"
	"github.com/agent-command/agentchatd/internal/ws"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	reg := metrics.New()
	mgr := manager.New(manager.Options{
		Store: st,
		Supervisor: supervisor.Options{
			Command:   "/bin/sh",
			Args:      []string{"-c", `printf 'Session ID: abc123\n'; exec cat`, "sh"},
			Handshake: regexp.MustCompile(config.DefaultHandshakePattern),
			StopGrace: 2 * time.Second,
		},
		Metrics: reg,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	ing := ingest.New(ingest.Options{Status: mgr.Status(), Reports: st, Threads: st, Metrics: reg})

	srv := httptest.NewServer(New(Options{
		Manager:  mgr,
		Ingest:   ing,
		Terminal: ws.NewServer(mgr, ws.Options{AutoSpawn: true}),
		DB:       st,
		Metrics:  reg,
		Version:  "test",
	}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, url, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	code, out := call(t, "GET", srv.URL+"/api/health", nil)
	if code != http.StatusOK || out["status"] != "ok" || out["version"] != "test" {
		t.Fatalf("health = %d %v", code, out)
	}
}

func TestAgentLifecycle(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/api/agents"

	if code, _ := call(t, "POST", base, map[string]any{"name": "x"}); code != http.StatusBadRequest {
		t.Fatalf("create without cwd = %d", code)
	}
	code, out := call(t, "POST", base, map[string]any{"name": "worker-1", "cwd": t.TempDir()})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %v", code, out)
	}
	agent := out["agent"].(map[string]any)
	id, threadID := agent["id"].(string), agent["thread_id"].(string)

	if code, _ := call(t, "GET", base+"/missing", nil); code != http.StatusNotFound {
		t.Fatalf("get missing = %d", code)
	}
	if code, out := call(t, "PUT", base+"/"+id, map[string]any{"model": "opus"}); code != http.StatusOK ||
		out["agent"].(map[string]any)["model"] != "opus" {
		t.Fatalf("update = %d %v", code, out)
	}

	if code, out := call(t, "POST", base+"/"+id+"/spawn", nil); code != http.StatusCreated {
		t.Fatalf("spawn = %d %v", code, out)
	}
	if code, _ := call(t, "POST", base+"/"+id+"/spawn", nil); code != http.StatusConflict {
		t.Fatalf("second spawn = %d", code)
	}
	if code, _ := call(t, "POST", base+"/"+id+"/resize", map[string]any{"rows": 40, "cols": 120}); code != http.StatusOK {
		t.Fatalf("resize = %d", code)
	}
	if code, _ := call(t, "POST", base+"/"+id+"/resize", map[string]any{"rows": 0, "cols": 120}); code != http.StatusBadRequest {
		t.Fatalf("bad resize = %d", code)
	}
	if code, _ := call(t, "POST", base+"/"+id+"/input", map[string]any{"data": "ls\r"}); code != http.StatusOK {
		t.Fatalf("input = %d", code)
	}

	code, out = call(t, "POST", srv.URL+"/api/threads/"+threadID+"/messages", map[string]any{"content": "hello"})
	if code != http.StatusAccepted || out["status"] != "processing" {
		t.Fatalf("send message = %d %v", code, out)
	}
	if code, _ := call(t, "POST", srv.URL+"/api/threads/"+threadID+"/messages", map[string]any{"content": ""}); code != http.StatusBadRequest {
		t.Fatalf("empty message = %d", code)
	}
	code, out = call(t, "GET", srv.URL+"/api/threads/"+threadID+"/messages", nil)
	if code != http.StatusOK || len(out["messages"].([]any)) != 1 {
		t.Fatalf("messages = %d %v", code, out)
	}
	if code, _ := call(t, "POST", srv.URL+"/api/threads/"+threadID+"/read", nil); code != http.StatusOK {
		t.Fatalf("mark read = %d", code)
	}

	for i := 0; i < 2; i++ {
		if code, _ := call(t, "POST", base+"/"+id+"/stop", nil); code != http.StatusOK {
			t.Fatalf("stop #%d = %d", i, code)
		}
	}
	if code, _ := call(t, "POST", base+"/"+id+"/resize", map[string]any{"rows": 40, "cols": 120}); code != http.StatusConflict {
		t.Fatalf("resize after stop = %d", code)
	}
	if code, _ := call(t, "POST", srv.URL+"/api/threads/"+threadID+"/messages", map[string]any{"content": "hi"}); code != http.StatusConflict {
		t.Fatalf("message to stopped agent = %d", code)
	}

	if code, _ := call(t, "DELETE", base+"/"+id, nil); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	if code, _ := call(t, "GET", base+"/"+id, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", code)
	}
}

func TestReportNotificationFlow(t *testing.T) {
	srv := newTestServer(t)
	_, out := call(t, "POST", srv.URL+"/api/agents", map[string]any{"name": "worker-1", "cwd": t.TempDir()})
	id := out["agent"].(map[string]any)["id"].(string)

	// Signals for an agent that was never spawned are rejected.
	if code, _ := call(t, "POST", srv.URL+"/api/heartbeat", map[string]any{"agent_id": id, "agent_name": "worker-1"}); code != http.StatusNotFound {
		t.Fatalf("heartbeat before spawn = %d", code)
	}

	call(t, "POST", srv.URL+"/api/agents/"+id+"/spawn", map[string]any{"rows": 30, "cols": 100})
	code, _ := call(t, "POST", srv.URL+"/api/heartbeat", map[string]any{
		"agent_id": id, "agent_name": "worker-1", "current_task": "Reading a.go", "last_tool": "Read",
	})
	if code != http.StatusOK {
		t.Fatalf("heartbeat = %d", code)
	}
	_, out = call(t, "GET", srv.URL+"/api/agents/"+id+"/status", nil)
	if st := out["status"].(map[string]any); st["state"] != "busy" || st["current_task"] != "Reading a.go" {
		t.Fatalf("status = %v", st)
	}

	code, out = call(t, "POST", srv.URL+"/api/reports", map[string]any{
		"agent_id": id, "agent_name": "worker-1", "type": "blocked", "title": "Need input", "summary": "which db?",
	})
	if code != http.StatusCreated {
		t.Fatalf("report = %d %v", code, out)
	}
	reportID := int64(out["report"].(map[string]any)["id"].(float64))

	_, out = call(t, "GET", srv.URL+"/api/agents/"+id+"/status", nil)
	if out["status"].(map[string]any)["notification"] != "attention" {
		t.Fatalf("status = %v", out)
	}

	ack := srv.URL + "/api/reports/" + strconv.FormatInt(reportID, 10) + "/acknowledge"
	for i := 0; i < 2; i++ {
		if code, _ := call(t, "POST", ack, nil); code != http.StatusOK {
			t.Fatalf("ack #%d = %d", i, code)
		}
	}
	_, out = call(t, "GET", srv.URL+"/api/agents/"+id+"/status", nil)
	if out["status"].(map[string]any)["notification"] != "none" {
		t.Fatalf("status after ack = %v", out)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	_, out := call(t, "POST", srv.URL+"/api/agents", map[string]any{"name": "worker-1", "cwd": t.TempDir()})
	id := out["agent"].(map[string]any)["id"].(string)
	call(t, "POST", srv.URL+"/api/agents/"+id+"/spawn", nil)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `agentchat_spawns_total{result="ok"} 1`) {
		t.Fatalf("metrics missing spawn counter:\n%s", body)
	}
}

func TestOrchestratorOverview(t *testing.T) {
	srv := newTestServer(t)
	_, out := call(t, "POST", srv.URL+"/api/agents", map[string]any{"name": "worker-1", "cwd": t.TempDir()})
	id := out["agent"].(map[string]any)["id"].(string)
	call(t, "POST", srv.URL+"/api/agents", map[string]any{"name": "lead", "cwd": t.TempDir(), "role": "manager"})

	_, out = call(t, "GET", srv.URL+"/api/orchestrator/briefing", nil)
	if out["briefing"] != "No active worker sessions." {
		t.Fatalf("briefing before spawn = %v", out)
	}

	call(t, "POST", srv.URL+"/api/agents/"+id+"/spawn", nil)
	call(t, "POST", srv.URL+"/api/heartbeat", map[string]any{
		"agent_id": id, "agent_name": "worker-1", "current_task": "Reading a.go",
	})

	code, out := call(t, "GET", srv.URL+"/api/orchestrator/heartbeats", nil)
	if code != http.StatusOK {
		t.Fatalf("heartbeats = %d", code)
	}
	hbs := out["heartbeats"].(map[string]any)
	hb, ok := hbs[id].(map[string]any)
	if len(hbs) != 1 || !ok || hb["agent_name"] != "worker-1" || hb["current_task"] != "Reading a.go" {
		t.Fatalf("heartbeats = %v", hbs)
	}

	_, out = call(t, "GET", srv.URL+"/api/orchestrator/briefing", nil)
	text, _ := out["briefing"].(string)
	if !strings.Contains(text, "## worker-1\n**Status:** busy\n**Task:** Reading a.go\n") {
		t.Fatalf("briefing = %q", text)
	}
}
