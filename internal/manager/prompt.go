package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agent-command/agentchatd/internal/status"
	"github.com/agent-command/agentchatd/internal/store"
)

const workerPrompt = `## Multi-Agent System

A manager agent follows your progress. Post a brief report when you:
- Complete a significant task
- Hit a blocker
- Make a key decision

    agentchatd hook report --type complete|checkpoint|blocked|decision --title "..." --summary "..."`

const managerGuide = `## Your Capabilities

1. **Monitor workers** - live heartbeats: GET /api/orchestrator/heartbeats
2. **Read reports** - GET /api/reports?acknowledged=false
3. **Coordinate work** - advise on task allocation (humans execute)

## Guidelines

- Stay high-level unless asked for details
- Summarize worker status when asked
- Flag blockers or conflicts between workers`

// WorkerHeartbeat is the live activity of one worker agent.
type WorkerHeartbeat struct {
	AgentName string `json:"agent_name"`
	status.Snapshot
}

// Heartbeats returns the activity of every worker with a live process,
// keyed by agent id.
func (m *Manager) Heartbeats(ctx context.Context) (map[string]WorkerHeartbeat, error) {
	workers, err := m.workers(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]WorkerHeartbeat, len(workers))
	for _, w := range workers {
		out[w.AgentID] = w
	}
	return out, nil
}

// Briefing renders the worker heartbeats as a markdown summary.
func (m *Manager) Briefing(ctx context.Context) (string, error) {
	workers, err := m.workers(ctx)
	if err != nil {
		return "", err
	}
	return briefing(workers, time.Now()), nil
}

// workers joins worker agents with their status records, skipping agents
// that are offline. The result is ordered by name.
func (m *Manager) workers(ctx context.Context) ([]WorkerHeartbeat, error) {
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]status.Snapshot)
	for _, snap := range m.status.List() {
		live[snap.AgentID] = snap
	}
	var out []WorkerHeartbeat
	for _, a := range agents {
		if a.Role != store.RoleWorker {
			continue
		}
		snap, ok := live[a.ID]
		if !ok || snap.State == status.Offline {
			continue
		}
		out = append(out, WorkerHeartbeat{AgentName: displayName(a), Snapshot: snap})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentName < out[j].AgentName })
	return out, nil
}

// systemPrompt prefixes the agent's own prompt with the one for its role.
func (m *Manager) systemPrompt(ctx context.Context, a store.Agent) string {
	role := workerPrompt
	if a.Role == store.RoleManager {
		workers, err := m.workers(ctx)
		if err != nil {
			m.logger.Warn("worker list failed", "agent_id", a.ID, "error", err)
		}
		role = managerPrompt(workers)
	}
	return strings.TrimSpace(role + "\n\n" + a.SystemPrompt)
}

func managerPrompt(workers []WorkerHeartbeat) string {
	var b strings.Builder
	b.WriteString("You are the MANAGER agent. You have visibility into all worker agents.\n\n")
	b.WriteString("## Current Worker Status\n\n")
	if len(workers) == 0 {
		b.WriteString("No active workers.\n")
	}
	for _, w := range workers {
		fmt.Fprintf(&b, "- **%s**: %s", w.AgentName, w.State)
		if w.CurrentTask != "" {
			fmt.Fprintf(&b, " | Task: %s", w.CurrentTask)
		}
		if w.Notification != status.None {
			fmt.Fprintf(&b, " | %s", w.Notification)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(managerGuide)
	return b.String()
}

func briefing(workers []WorkerHeartbeat, now time.Time) string {
	if len(workers) == 0 {
		return "No active worker sessions."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Worker Briefing\nGenerated: %s\n", now.Format("2006-01-02 15:04"))
	for _, w := range workers {
		task := w.CurrentTask
		if task == "" {
			task = "No active task"
		}
		last := "never"
		if !w.LastHeartbeat.IsZero() {
			last = w.LastHeartbeat.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "\n## %s\n**Status:** %s\n**Task:** %s\n", w.AgentName, w.State, task)
		if w.LastTool != "" {
			fmt.Fprintf(&b, "**Last tool:** %s\n", w.LastTool)
		}
		if w.Notification != status.None {
			fmt.Fprintf(&b, "**Attention:** %s\n", w.Notification)
		}
		fmt.Fprintf(&b, "**Last heartbeat:** %s\n", last)
	}
	return b.String()
}

func displayName(a store.Agent) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Name
}
