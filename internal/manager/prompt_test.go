package manager

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agent-command/agentchatd/internal/status"
	"github.com/agent-command/agentchatd/internal/store"
)

func TestRolePrompts(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, echoScript)
	busy := provision(t, m, "builder")
	provision(t, m, "idle-worker")
	lead, err := m.Provision(ctx, store.NewAgent{
		Name:         "lead",
		Cwd:          t.TempDir(),
		Role:         store.RoleManager,
		SystemPrompt: "Prefer small diffs.",
	})
	if err != nil {
		t.Fatal(err)
	}

	got := m.systemPrompt(ctx, lead.Agent)
	if !strings.Contains(got, "No active workers.") || !strings.HasSuffix(got, "Prefer small diffs.") {
		t.Fatalf("manager prompt before spawn:\n%s", got)
	}

	if _, err := m.Spawn(ctx, busy.ID, SpawnOptions{}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := m.Status().Heartbeat(status.Heartbeat{AgentID: busy.ID, CurrentTask: "refactor parser"}); err != nil {
		t.Fatal(err)
	}

	got = m.systemPrompt(ctx, lead.Agent)
	if !strings.Contains(got, "- **builder**: busy | Task: refactor parser") {
		t.Fatalf("manager prompt lacks builder:\n%s", got)
	}
	if strings.Contains(got, "idle-worker") || strings.Contains(got, "No active workers.") {
		t.Fatalf("manager prompt lists offline workers:\n%s", got)
	}

	w := m.systemPrompt(ctx, busy.Agent)
	if !strings.HasPrefix(w, "## Multi-Agent System") || !strings.Contains(w, "agentchatd hook report") {
		t.Fatalf("worker prompt:\n%s", w)
	}
}

func TestHeartbeatsListLiveWorkersOnly(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, echoScript)
	a := provision(t, m, "builder")
	provision(t, m, "idle-worker")
	lead, err := m.Provision(ctx, store.NewAgent{Name: "lead", Cwd: t.TempDir(), Role: store.RoleManager})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{a.ID, lead.ID} {
		if _, err := m.Spawn(ctx, id, SpawnOptions{}); err != nil {
			t.Fatalf("Spawn %s: %v", id, err)
		}
	}

	hbs, err := m.Heartbeats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(hbs) != 1 {
		t.Fatalf("heartbeats = %+v", hbs)
	}
	hb, ok := hbs[a.ID]
	if !ok || hb.AgentName != "builder" || hb.State != status.Online {
		t.Fatalf("heartbeat = %+v", hb)
	}

	if err := m.Stop(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "worker offline", func() bool {
		hbs, _ := m.Heartbeats(ctx)
		return len(hbs) == 0
	})
	text, err := m.Briefing(ctx)
	if err != nil || text != "No active worker sessions." {
		t.Fatalf("briefing = %q, %v", text, err)
	}
}

func TestBriefing(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)
	workers := []WorkerHeartbeat{
		{AgentName: "alpha", Snapshot: status.Snapshot{
			State:         status.Busy,
			Notification:  status.Attention,
			CurrentTask:   "migrate schema",
			LastTool:      "Edit",
			LastHeartbeat: now.Add(-time.Minute),
		}},
		{AgentName: "beta", Snapshot: status.Snapshot{State: status.Online, Notification: status.None}},
	}
	got := briefing(workers, now)
	for _, want := range []string{
		"# Worker Briefing\nGenerated: 2026-03-04 09:30\n",
		"## alpha\n**Status:** busy\n**Task:** migrate schema\n**Last tool:** Edit\n**Attention:** attention\n**Last heartbeat:** 2026-03-04T09:29:00Z\n",
		"## beta\n**Status:** online\n**Task:** No active task\n**Last heartbeat:** never\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("briefing lacks %q:\n%s", want, got)
		}
	}
	if got := briefing(nil, now); got != "No active worker sessions." {
		t.Errorf("empty briefing = %q", got)
	}
}
