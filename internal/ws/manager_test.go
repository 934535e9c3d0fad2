package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-command/agentchatd/internal/config"
	"github.com/agent-command/agentchatd/internal/manager"
	"github.com/agent-command/agentchatd/internal/mux"
	"github.com/agent-command/agentchatd/internal/status"
	"github.com/agent-command/agentchatd/internal/store"
	"github.com/agent-command/agentchatd/internal/supervisor"
)

func TestCrashedAgentStaysOfflineOnResize(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	mgr := manager.New(manager.Options{
		Store: st,
		Supervisor: supervisor.Options{
			Command:   "/bin/sh",
			Args:      []string{"-c", `echo STARTED; sleep 0.3; exit 3`, "sh"},
			Handshake: regexp.MustCompile(config.DefaultHandshakePattern),
			StopGrace: time.Second,
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	a, err := mgr.Provision(ctx, store.NewAgent{Name: "worker-1", Cwd: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	m := http.NewServeMux()
	NewServer(mgr, Options{AutoSpawn: true}).Register(m)
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	c := dial(t, srv, a.ID)

	c.WriteJSON(map[string]any{"type": "resize", "rows": 40, "cols": 120})
	for {
		mt, data := readMessage(t, c)
		var ev mux.Event
		if mt == websocket.TextMessage && json.Unmarshal(data, &ev) == nil && ev.Type == "exited" {
			if ev.Code != 3 {
				t.Fatalf("exit event = %+v", ev)
			}
			break
		}
	}

	c.WriteJSON(map[string]any{"type": "resize", "rows": 41, "cols": 120})
	expectError(t, c, "not running")

	if mgr.Running(a.ID) {
		t.Fatal("resize restarted the crashed agent")
	}
	snap, err := mgr.StatusOf(ctx, a.ID)
	if err != nil || snap.State != status.Offline {
		t.Fatalf("status = %+v, %v", snap, err)
	}
	if procs := mgr.Processes(); len(procs) != 0 {
		t.Fatalf("processes = %+v", procs)
	}
}
