// Package status derives each agent's visible state from process lifecycle
// events and the heartbeats and reports its hooks send.
//
// Run state moves offline -> online on spawn, online <-> busy on heartbeats
// and their staleness window, and back to offline on exit. The notification
// flag is independent: reports raise it, acknowledgement clears it, and an
// exit leaves it alone.
package status

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agent-command/agentchatd/internal/clock"
	"github.com/agent-command/agentchatd/internal/logging"
)

// ErrUnknownAgent is returned for signals about an agent that has never
// been spawned.
var ErrUnknownAgent = errors.New("status: unknown agent")

type RunState string

const (
	Offline RunState = "offline"
	Online  RunState = "online"
	Busy    RunState = "busy"
)

type Notification string

const (
	None      Notification = "none"
	Attention Notification = "attention"
	Done      Notification = "done"
)

// Report types that move the notification flag. Other types are recorded
// but leave it unchanged.
const (
	ReportComplete   = "complete"
	ReportCheckpoint = "checkpoint"
	ReportBlocked    = "blocked"
)

// Snapshot is the externally visible status of one agent.
type Snapshot struct {
	AgentID       string       `json:"agent_id"`
	State         RunState     `json:"state"`
	Notification  Notification `json:"notification"`
	CurrentTask   string       `json:"current_task,omitempty"`
	LastTool      string       `json:"last_tool,omitempty"`
	RawStatus     string       `json:"raw_status,omitempty"`
	LastHeartbeat time.Time    `json:"last_heartbeat,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Heartbeat is an activity signal. A zero At means now.
type Heartbeat struct {
	AgentID     string
	CurrentTask string
	LastTool    string
	Status      string
	At          time.Time
}

// Listener observes every change. It is called with the agent's record
// locked, so changes to one agent arrive in order; it must not call back
// into the Machine.
type Listener func(Snapshot)

// DefaultWindow is the staleness window used when none is configured.
const DefaultWindow = 30 * time.Second

type record struct {
	mu       sync.Mutex
	snap     Snapshot
	running  bool
	lastSeen time.Time
	timer    clock.Timer
	// gen invalidates timers armed before the latest transition.
	gen uint64
}

// Machine holds the per-agent status records.
type Machine struct {
	clock    clock.Clock
	logger   *slog.Logger
	listener Listener

	mu     sync.RWMutex
	agents map[string]*record
	window time.Duration
}

type Option func(*Machine)

func WithClock(c clock.Clock) Option { return func(m *Machine) { m.clock = c } }

func WithWindow(d time.Duration) Option { return func(m *Machine) { m.window = d } }

func WithListener(l Listener) Option { return func(m *Machine) { m.listener = l } }

func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

func New(opts ...Option) *Machine {
	m := &Machine{
		clock:  clock.Real(),
		agents: make(map[string]*record),
		window: DefaultWindow,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.window <= 0 {
		m.window = DefaultWindow
	}
	m.logger = logging.OrDiscard(m.logger).With("component", "status")
	return m
}

// SetWindow changes the staleness window for heartbeats received from now on.
func (m *Machine) SetWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.window = d
	m.mu.Unlock()
}

func (m *Machine) Window() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.window
}

func (m *Machine) get(agentID string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.agents[agentID]
	return r, ok
}

func (m *Machine) getOrCreate(agentID string) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.agents[agentID]
	if !ok {
		r = &record{snap: Snapshot{AgentID: agentID, State: Offline, Notification: None}}
		m.agents[agentID] = r
	}
	return r
}

// Spawned marks the agent online, creating its record on first use.
func (m *Machine) Spawned(agentID string) Snapshot {
	r := m.getOrCreate(agentID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
	r.disarmLocked()
	m.setLocked(r, func(s *Snapshot) { s.State = Online })
	return r.snap
}

// Exited marks the agent offline. The notification flag is kept.
func (m *Machine) Exited(agentID string) {
	r, ok := m.get(agentID)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.disarmLocked()
	m.setLocked(r, func(s *Snapshot) { s.State = Offline })
}

// Heartbeat records activity. Raw fields are last-write-wins while the
// staleness deadline only ever moves forward, so a late heartbeat carrying
// an old timestamp cannot revive or extend busy.
func (m *Machine) Heartbeat(hb Heartbeat) (Snapshot, error) {
	r, ok := m.get(hb.AgentID)
	if !ok {
		return Snapshot{}, ErrUnknownAgent
	}
	now := m.clock.Now()
	at := hb.At
	if at.IsZero() {
		at = now
	}
	window := m.Window()

	r.mu.Lock()
	defer r.mu.Unlock()

	advanced := at.After(r.lastSeen)
	if advanced {
		r.lastSeen = at
	}
	deadline := r.lastSeen.Add(window)

	m.setLocked(r, func(s *Snapshot) {
		s.CurrentTask = hb.CurrentTask
		s.LastTool = hb.LastTool
		s.RawStatus = hb.Status
		s.LastHeartbeat = r.lastSeen
		if r.running && now.Before(deadline) {
			s.State = Busy
		}
	})

	if r.running && advanced && now.Before(deadline) {
		r.disarmLocked()
		gen := r.gen
		r.timer = m.clock.AfterFunc(deadline.Sub(now), func() { m.expire(r, gen) })
	}
	return r.snap, nil
}

func (m *Machine) expire(r *record, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || !r.running || r.snap.State != Busy {
		return
	}
	r.timer = nil
	m.setLocked(r, func(s *Snapshot) { s.State = Online })
}

// Report applies a report's effect on the notification flag.
func (m *Machine) Report(agentID, reportType string) (Snapshot, error) {
	r, ok := m.get(agentID)
	if !ok {
		return Snapshot{}, ErrUnknownAgent
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch reportType {
	case ReportComplete, ReportCheckpoint:
		m.setLocked(r, func(s *Snapshot) { s.Notification = Done })
	case ReportBlocked:
		m.setLocked(r, func(s *Snapshot) { s.Notification = Attention })
	}
	return r.snap, nil
}

// Acknowledge clears the notification flag whatever it held. Unknown
// agents are ignored.
func (m *Machine) Acknowledge(agentID string) {
	r, ok := m.get(agentID)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m.setLocked(r, func(s *Snapshot) { s.Notification = None })
}

// AcknowledgeAll clears every notification flag.
func (m *Machine) AcknowledgeAll() {
	m.mu.RLock()
	records := make([]*record, 0, len(m.agents))
	for _, r := range m.agents {
		records = append(records, r)
	}
	m.mu.RUnlock()

	for _, r := range records {
		r.mu.Lock()
		m.setLocked(r, func(s *Snapshot) { s.Notification = None })
		r.mu.Unlock()
	}
}

// Forget drops the agent's record, as on deprovisioning.
func (m *Machine) Forget(agentID string) {
	m.mu.Lock()
	r, ok := m.agents[agentID]
	delete(m.agents, agentID)
	m.mu.Unlock()
	if ok {
		r.mu.Lock()
		r.disarmLocked()
		r.mu.Unlock()
	}
}

func (m *Machine) Get(agentID string) (Snapshot, bool) {
	r, ok := m.get(agentID)
	if !ok {
		return Snapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap, true
}

// List returns every record ordered by agent id.
func (m *Machine) List() []Snapshot {
	m.mu.RLock()
	records := make([]*record, 0, len(m.agents))
	for _, r := range m.agents {
		records = append(records, r)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(records))
	for _, r := range records {
		r.mu.Lock()
		out = append(out, r.snap)
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// setLocked applies change and passes the result to the listener if
// anything differs.
func (m *Machine) setLocked(r *record, change func(*Snapshot)) {
	before := r.snap
	change(&r.snap)
	if r.snap == before {
		return
	}
	r.snap.UpdatedAt = m.clock.Now()
	if before.State != r.snap.State || before.Notification != r.snap.Notification {
		m.logger.Debug("status changed",
			"agent_id", r.snap.AgentID,
			"state", string(r.snap.State),
			"notification", string(r.snap.Notification))
	}
	if m.listener != nil {
		m.listener(r.snap)
	}
}

func (r *record) disarmLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
