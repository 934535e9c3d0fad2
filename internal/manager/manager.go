// Package manager joins the supervisor, the stream hubs, the status machine
// and the data layer into the operations the HTTP and terminal surfaces use.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-command/agentchatd/internal/ingest"
	"github.com/agent-command/agentchatd/internal/logging"
	"github.com/agent-command/agentchatd/internal/metrics"
	"github.com/agent-command/agentchatd/internal/mux"
	"github.com/agent-command/agentchatd/internal/session"
	"github.com/agent-command/agentchatd/internal/status"
	"github.com/agent-command/agentchatd/internal/store"
	"github.com/agent-command/agentchatd/internal/supervisor"
)

var (
	ErrNotFound     = store.ErrNotFound
	ErrEmptyMessage = errors.New("manager: message content is required")
)

const persistTimeout = 2 * time.Second

// Store is the part of the data layer the manager uses.
type Store interface {
	session.Store

	CreateAgent(ctx context.Context, in store.NewAgent) (store.Agent, error)
	GetAgent(ctx context.Context, id string) (store.Agent, error)
	ListAgents(ctx context.Context) ([]store.Agent, error)
	UpdateAgent(ctx context.Context, id string, up store.AgentUpdate) (store.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	SetAgentStatus(ctx context.Context, id, status, notification string) error
	ResetStatuses(ctx context.Context) error

	GetThread(ctx context.Context, id string) (store.Thread, error)
	AddMessage(ctx context.Context, threadID, role, content string) (store.Message, error)
	Messages(ctx context.Context, threadID string, limit, offset int) ([]store.Message, error)
	MessagesSince(ctx context.Context, threadID string, sinceID int64) ([]store.Message, error)
	ClearUnread(ctx context.Context, threadID string) error
}

type Options struct {
	Store Store
	// Supervisor callbacks and Sessions are overwritten by the manager.
	Supervisor supervisor.Options
	Mux        mux.Options
	// Status options are applied before the manager's own listener.
	Status  []status.Option
	Journal *ingest.Journal
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager owns the live state of every agent.
type Manager struct {
	store   Store
	sup     *supervisor.Supervisor
	hubs    *mux.Registry
	status  *status.Machine
	journal *ingest.Journal
	logger  *slog.Logger

	mu sync.Mutex
	// threads caches agent id -> thread id for agents with a hub.
	threads map[string]string
	// persisted is the last run state and notification written per agent.
	persisted map[string][2]string
}

func New(opts Options) *Manager {
	logger := logging.OrDiscard(opts.Logger)
	m := &Manager{
		store:     opts.Store,
		journal:   opts.Journal,
		logger:    logger.With("component", "manager"),
		threads:   make(map[string]string),
		persisted: make(map[string][2]string),
	}

	muxOpts := opts.Mux
	if muxOpts.Logger == nil {
		muxOpts.Logger = logger
	}
	if muxOpts.Metrics == nil {
		muxOpts.Metrics = opts.Metrics
	}
	m.hubs = mux.NewRegistry(muxOpts)

	statusOpts := append([]status.Option{status.WithLogger(logger)}, opts.Status...)
	statusOpts = append(statusOpts, status.WithListener(m.persistStatus))
	m.status = status.New(statusOpts...)

	supOpts := opts.Supervisor
	supOpts.Sessions = opts.Store
	supOpts.OnStart = m.onStart
	supOpts.OnOutput = m.onOutput
	supOpts.OnSession = m.onSession
	supOpts.OnExit = m.onExit
	if supOpts.Logger == nil {
		supOpts.Logger = logger
	}
	if supOpts.Metrics == nil {
		supOpts.Metrics = opts.Metrics
	}
	m.sup = supervisor.New(supOpts)
	return m
}

// Status exposes the status machine to the ingestion layer.
func (m *Manager) Status() *status.Machine { return m.status }

// Startup marks every stored agent offline. No process outlives the daemon.
func (m *Manager) Startup(ctx context.Context) error {
	return m.store.ResetStatuses(ctx)
}

// Shutdown stops every process and closes every viewer.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.sup.StopAll(ctx)
	m.hubs.CloseAll(mux.ReasonStopped)
	return err
}

func (m *Manager) hub(agentID, threadID string) *mux.Hub {
	m.mu.Lock()
	m.threads[agentID] = threadID
	m.mu.Unlock()

	h := m.hubs.Hub(threadID)
	h.SetInput(func(p []byte) error {
		err := m.sup.Write(agentID, p)
		if errors.Is(err, supervisor.ErrNotRunning) {
			return mux.ErrNoProcess
		}
		return err
	})
	return h
}

func (m *Manager) lookupHub(agentID string) (*mux.Hub, bool) {
	m.mu.Lock()
	threadID, ok := m.threads[agentID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return m.hubs.Lookup(threadID)
}

func (m *Manager) journalEntry(agentID, name, entry string) {
	if _, err := m.journal.Append(agentID, name, entry, true); err != nil {
		m.logger.Warn("journal append failed", "agent_id", agentID, "error", err)
	}
}

func (m *Manager) onStart(info supervisor.Info) {
	m.status.Spawned(info.AgentID)
	if h, ok := m.lookupHub(info.AgentID); ok {
		h.Notify(mux.Event{Type: "started"})
	}
}

func (m *Manager) onOutput(agentID string, data []byte) {
	if h, ok := m.lookupHub(agentID); ok {
		h.Publish(data)
	}
}

func (m *Manager) onSession(agentID, sessionID string) {
	m.logger.Info("session established", "agent_id", agentID, "session_id", sessionID)
	if h, ok := m.lookupHub(agentID); ok {
		h.Notify(mux.Event{Type: "session", Message: sessionID})
	}
}

func (m *Manager) onExit(e supervisor.Exit) {
	m.status.Exited(e.AgentID)
	if h, ok := m.lookupHub(e.AgentID); ok {
		ev := mux.Event{Type: "exited", Code: e.Code}
		if e.Err != nil {
			ev.Message = e.Err.Error()
		}
		h.Notify(ev)
	}
	m.journalEntry(e.AgentID, e.AgentID, fmt.Sprintf("Session ended (exit code %d)", e.Code))
}

// persistStatus mirrors run state and notification changes into the store.
// It runs under the agent's status lock, so writes stay in order.
func (m *Manager) persistStatus(s status.Snapshot) {
	next := [2]string{string(s.State), string(s.Notification)}
	m.mu.Lock()
	if m.persisted[s.AgentID] == next {
		m.mu.Unlock()
		return
	}
	m.persisted[s.AgentID] = next
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := m.store.SetAgentStatus(ctx, s.AgentID, next[0], next[1])
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("persist status failed", "agent_id", s.AgentID, "error", err)
		m.mu.Lock()
		delete(m.persisted, s.AgentID)
		m.mu.Unlock()
	}
}
