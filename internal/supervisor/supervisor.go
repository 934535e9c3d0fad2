// Package supervisor owns one pseudo-terminal backed subprocess per agent.
//
// The Supervisor is the only holder of live process handles. Callers address
// agents by id through Spawn, Write, Resize and Stop; exits are reported
// asynchronously through Options.OnExit and never restart the agent.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/agent-command/agentchatd/internal/config"
	"github.com/agent-command/agentchatd/internal/logging"
	"github.com/agent-command/agentchatd/internal/metrics"
	"github.com/agent-command/agentchatd/internal/session"
)

// Options configure how agent processes are started and observed.
type Options struct {
	Command      string
	Args         []string
	ModelFlag    string
	DefaultModel string
	PromptFlag   string
	ResumeFlag   string
	Env          map[string]string

	// Handshake is matched against the first HandshakeMaxBytes of output
	// (escape sequences removed); its first group is the session id.
	Handshake         *regexp.Regexp
	HandshakeMaxBytes int

	// ResumeGrace bounds how soon a resumed process must fail, before any
	// handshake, for the supervisor to retry it once as a fresh session.
	ResumeGrace time.Duration
	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration

	DefaultRows uint16
	DefaultCols uint16

	Sessions session.Store

	// OnStart is called once per handle, after the first process started
	// and before its exit can be reported.
	OnStart func(Info)
	// OnOutput receives every chunk read from an agent's terminal, in
	// order, from that agent's reader goroutine.
	OnOutput func(agentID string, data []byte)
	// OnSession is called after a handshake session id has been stored.
	OnSession func(agentID, sessionID string)
	// OnExit is called once per handle after all of its output has been
	// passed to OnOutput.
	OnExit func(Exit)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// OptionsFromConfig maps the agent section of the config onto Options.
// Callbacks, stores and observability are left for the caller to set.
func OptionsFromConfig(cfg *config.AgentConfig) (Options, error) {
	re, err := regexp.Compile(cfg.HandshakePattern)
	if err != nil {
		return Options{}, fmt.Errorf("handshake pattern: %w", err)
	}
	return Options{
		Command:           cfg.Command,
		Args:              cfg.Args,
		ModelFlag:         cfg.ModelFlag,
		DefaultModel:      cfg.DefaultModel,
		PromptFlag:        cfg.PromptFlag,
		ResumeFlag:        cfg.ResumeFlag,
		Env:               cfg.Env,
		Handshake:         re,
		HandshakeMaxBytes: cfg.HandshakeMaxBytes,
		ResumeGrace:       cfg.ResumeGrace(),
		StopGrace:         cfg.StopGrace(),
		DefaultRows:       uint16(cfg.DefaultRows),
		DefaultCols:       uint16(cfg.DefaultCols),
	}, nil
}

// Spec describes one spawn request.
type Spec struct {
	AgentID      string
	Name         string
	Cwd          string
	Model        string
	SystemPrompt string
	// ResumeHint is a previously stored session id. When empty the
	// supervisor consults Options.Sessions.
	ResumeHint string
	// Fresh skips resumption entirely.
	Fresh bool
	Rows  uint16
	Cols  uint16
}

// Info is a read-only view of a live process.
type Info struct {
	AgentID   string    `json:"agent_id"`
	Pid       int       `json:"pid"`
	Resumed   bool      `json:"resumed"`
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Rows      uint16    `json:"rows"`
	Cols      uint16    `json:"cols"`
}

// Exit describes the end of a process handle.
type Exit struct {
	AgentID string
	// Code is the exit status, or -1 if the process was killed by a signal.
	Code int
	// Stopped is set when the exit was requested through Stop.
	Stopped bool
	Err     error
}

// Supervisor is the registry of live process handles.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*handle
}

func New(opts Options) *Supervisor {
	if opts.DefaultRows == 0 {
		opts.DefaultRows = 24
	}
	if opts.DefaultCols == 0 {
		opts.DefaultCols = 80
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 3 * time.Second
	}
	if opts.Handshake != nil && opts.HandshakeMaxBytes <= 0 {
		opts.HandshakeMaxBytes = 64 << 10
	}
	logger := logging.OrDiscard(opts.Logger)
	return &Supervisor{
		opts:   opts,
		logger: logger.With("component", "supervisor"),
		procs:  make(map[string]*handle),
	}
}

// Spawn starts the agent's process. It fails with ErrAlreadyRunning if the
// agent has a live handle and with a *SpawnError if the executable or the
// terminal cannot be started, in which case nothing is left registered.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (Info, error) {
	if spec.AgentID == "" {
		return Info{}, &SpawnError{AgentID: spec.AgentID, Err: errors.New("empty agent id")}
	}

	h := newHandle(s, spec)
	s.mu.Lock()
	if _, exists := s.procs[spec.AgentID]; exists {
		s.mu.Unlock()
		s.opts.Metrics.SpawnResult("already_running")
		return Info{}, ErrAlreadyRunning
	}
	s.procs[spec.AgentID] = h
	s.mu.Unlock()

	resume := ""
	if !spec.Fresh {
		resume = spec.ResumeHint
		if resume == "" && s.opts.Sessions != nil {
			id, ok, err := s.opts.Sessions.GetSessionID(ctx, spec.AgentID)
			if err != nil {
				h.logger.Warn("session lookup failed, starting fresh", "error", err)
			} else if ok {
				resume = id
			}
		}
	}

	if err := h.start(resume); err != nil {
		s.mu.Lock()
		delete(s.procs, spec.AgentID)
		s.mu.Unlock()
		h.abort(err)
		s.opts.Metrics.SpawnResult("failed")
		h.logger.Error("spawn failed", "error", err)
		return Info{}, &SpawnError{AgentID: spec.AgentID, Err: err}
	}

	s.opts.Metrics.SpawnResult("ok")
	info := h.info()
	h.logger.Info("agent spawned", "pid", info.Pid, "resumed", info.Resumed, "cwd", spec.Cwd)
	return info, nil
}

// Write forwards input to the agent's terminal. Concurrent calls are
// serialized by the handle's writer goroutine.
func (s *Supervisor) Write(agentID string, p []byte) error {
	h, ok := s.live(agentID)
	if !ok {
		return ErrNotRunning
	}
	return h.write(p)
}

// Resize sets the terminal size. Unchanged dimensions are a no-op.
func (s *Supervisor) Resize(agentID string, rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return ErrInvalidSize
	}
	h, ok := s.live(agentID)
	if !ok {
		return ErrNotRunning
	}
	return h.resize(rows, cols)
}

// Stop terminates the agent's process group and releases its terminal. It
// returns nil when the agent has no handle. The only error is ctx.Err() if
// ctx ends before the process is gone.
func (s *Supervisor) Stop(ctx context.Context, agentID string) error {
	h, ok := s.lookup(agentID)
	if !ok {
		return nil
	}
	return h.stop(ctx)
}

// StopAll stops every live agent concurrently.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = s.Stop(ctx, id)
		}(i, id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Running reports whether the agent has a live handle.
func (s *Supervisor) Running(agentID string) bool {
	_, ok := s.live(agentID)
	return ok
}

// Info returns the live process for agentID.
func (s *Supervisor) Info(agentID string) (Info, bool) {
	h, ok := s.live(agentID)
	if !ok {
		return Info{}, false
	}
	return h.info(), true
}

// List returns all live processes ordered by agent id.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.procs))
	for _, h := range s.procs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	infos := make([]Info, 0, len(handles))
	for _, h := range handles {
		<-h.started
		if h.startErr == nil && !h.hasExited() {
			infos = append(infos, h.info())
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AgentID < infos[j].AgentID })
	return infos
}

// lookup returns a started handle, which may be tearing down. A handle
// still starting is waited for.
func (s *Supervisor) lookup(agentID string) (*handle, bool) {
	s.mu.Lock()
	h, ok := s.procs[agentID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-h.started
	if h.startErr != nil {
		return nil, false
	}
	return h, true
}

// live is lookup restricted to handles whose process has not exited.
func (s *Supervisor) live(agentID string) (*handle, bool) {
	h, ok := s.lookup(agentID)
	if !ok || h.hasExited() {
		return nil, false
	}
	return h, true
}

// release removes h from the registry if it is still the current handle.
func (s *Supervisor) release(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.procs[h.agentID]; ok && cur == h {
		delete(s.procs, h.agentID)
	}
}
