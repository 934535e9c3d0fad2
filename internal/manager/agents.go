package manager

import (
	"context"
	"errors"
	"strings"

	"github.com/agent-command/agentchatd/internal/mux"
	"github.com/agent-command/agentchatd/internal/status"
	"github.com/agent-command/agentchatd/internal/store"
	"github.com/agent-command/agentchatd/internal/supervisor"
)

// AgentState is a stored agent with its live process and activity.
type AgentState struct {
	store.Agent
	Running  bool             `json:"running"`
	Process  *supervisor.Info `json:"process,omitempty"`
	Activity *status.Snapshot `json:"activity,omitempty"`
	Viewers  int              `json:"viewers"`
}

func (m *Manager) state(a store.Agent) AgentState {
	st := AgentState{Agent: a}
	if info, ok := m.sup.Info(a.ID); ok {
		st.Running = true
		st.Process = &info
	}
	if snap, ok := m.status.Get(a.ID); ok {
		st.Activity = &snap
		st.Status = string(snap.State)
		st.Notification = string(snap.Notification)
	}
	if h, ok := m.hubs.Lookup(a.ThreadID); ok {
		st.Viewers = h.Count()
	}
	return st
}

// Provision creates an agent and its thread. It does not start a process.
func (m *Manager) Provision(ctx context.Context, in store.NewAgent) (AgentState, error) {
	a, err := m.store.CreateAgent(ctx, in)
	if err != nil {
		return AgentState{}, err
	}
	m.logger.Info("agent provisioned", "agent_id", a.ID, "name", a.Name)
	return m.state(a), nil
}

func (m *Manager) Agent(ctx context.Context, id string) (AgentState, error) {
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return AgentState{}, err
	}
	return m.state(a), nil
}

func (m *Manager) Agents(ctx context.Context) ([]AgentState, error) {
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AgentState, 0, len(agents))
	for _, a := range agents {
		out = append(out, m.state(a))
	}
	return out, nil
}

// Update edits an agent's configuration. A running process keeps the
// settings it was started with.
func (m *Manager) Update(ctx context.Context, id string, up store.AgentUpdate) (AgentState, error) {
	a, err := m.store.UpdateAgent(ctx, id, up)
	if err != nil {
		return AgentState{}, err
	}
	return m.state(a), nil
}

// Deprovision stops the agent's process, closes its viewers and deletes
// the agent with its thread and messages.
func (m *Manager) Deprovision(ctx context.Context, id string) error {
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if err := m.sup.Stop(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.threads, id)
	delete(m.persisted, id)
	m.mu.Unlock()
	m.hubs.Remove(a.ThreadID)
	m.status.Forget(id)
	m.journal.Forget(id)

	if err := m.store.DeleteAgent(ctx, id); err != nil {
		return err
	}
	m.logger.Info("agent deprovisioned", "agent_id", id)
	return nil
}

// SpawnOptions override the terminal size and resumption of one spawn.
type SpawnOptions struct {
	Rows  uint16
	Cols  uint16
	Fresh bool
}

// Spawn starts the agent's process, resuming its stored session if any.
func (m *Manager) Spawn(ctx context.Context, id string, opts SpawnOptions) (supervisor.Info, error) {
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return supervisor.Info{}, err
	}
	m.hub(a.ID, a.ThreadID)

	name := displayName(a)
	info, err := m.sup.Spawn(ctx, supervisor.Spec{
		AgentID:      a.ID,
		Name:         name,
		Cwd:          a.Cwd,
		Model:        a.Model,
		SystemPrompt: m.systemPrompt(ctx, a),
		Fresh:        opts.Fresh,
		Rows:         opts.Rows,
		Cols:         opts.Cols,
	})
	if err != nil {
		return supervisor.Info{}, err
	}
	m.journalEntry(a.ID, name, "Session started")
	return info, nil
}

// EnsureRunning spawns the agent at the given size unless it is already
// running, in which case the terminal is resized. It reports whether a
// process was started.
func (m *Manager) EnsureRunning(ctx context.Context, id string, rows, cols uint16) (bool, error) {
	if m.sup.Running(id) {
		return false, m.sup.Resize(id, rows, cols)
	}
	_, err := m.Spawn(ctx, id, SpawnOptions{Rows: rows, Cols: cols})
	if errors.Is(err, supervisor.ErrAlreadyRunning) {
		return false, m.sup.Resize(id, rows, cols)
	}
	return err == nil, err
}

// Stop terminates the process and closes every viewer of the agent's
// thread with an explicit stop. Stopping an idle agent succeeds.
func (m *Manager) Stop(ctx context.Context, id string) error {
	if err := m.sup.Stop(ctx, id); err != nil {
		return err
	}
	if h, ok := m.lookupHub(id); ok {
		h.CloseAll(mux.ReasonStopped)
	}
	return nil
}

func (m *Manager) Write(id string, p []byte) error {
	return m.sup.Write(id, p)
}

func (m *Manager) Resize(id string, rows, cols uint16) error {
	return m.sup.Resize(id, rows, cols)
}

func (m *Manager) Running(id string) bool {
	return m.sup.Running(id)
}

// Processes lists every live process.
func (m *Manager) Processes() []supervisor.Info {
	return m.sup.List()
}

// StatusOf returns the agent's live status, falling back to the stored one
// for agents that have not been spawned since startup.
func (m *Manager) StatusOf(ctx context.Context, id string) (status.Snapshot, error) {
	if snap, ok := m.status.Get(id); ok {
		return snap, nil
	}
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return status.Snapshot{}, err
	}
	return status.Snapshot{
		AgentID:      a.ID,
		State:        status.RunState(a.Status),
		Notification: status.Notification(a.Notification),
	}, nil
}

// Subscribe attaches a viewer to the agent's thread. Viewers may attach
// before the agent is spawned.
func (m *Manager) Subscribe(ctx context.Context, id string) (*mux.Subscriber, error) {
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.hub(a.ID, a.ThreadID).Subscribe()
}

func (m *Manager) Unsubscribe(sub *mux.Subscriber) {
	sub.Close()
}

// SendMessage records a user message on the thread and types it into the
// agent's terminal. The agent must be running.
func (m *Manager) SendMessage(ctx context.Context, threadID, content string) (store.Message, error) {
	if strings.TrimSpace(content) == "" {
		return store.Message{}, ErrEmptyMessage
	}
	th, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return store.Message{}, err
	}
	if !m.sup.Running(th.AgentID) {
		return store.Message{}, supervisor.ErrNotRunning
	}
	msg, err := m.store.AddMessage(ctx, threadID, store.MessageUser, content)
	if err != nil {
		return store.Message{}, err
	}
	if err := m.sup.Write(th.AgentID, []byte(content+"\r")); err != nil {
		return msg, err
	}
	m.status.Acknowledge(th.AgentID)
	return msg, nil
}

// Messages returns thread messages, either a page or those after sinceID.
func (m *Manager) Messages(ctx context.Context, threadID string, sinceID int64, limit, offset int) ([]store.Message, error) {
	if _, err := m.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	if sinceID > 0 {
		return m.store.MessagesSince(ctx, threadID, sinceID)
	}
	return m.store.Messages(ctx, threadID, limit, offset)
}

func (m *Manager) MarkRead(ctx context.Context, threadID string) error {
	return m.store.ClearUnread(ctx, threadID)
}
