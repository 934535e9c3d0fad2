package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/agent-command/agentchatd/internal/proc"
)

// drainTimeout bounds how long a finished process's reader may keep
// delivering buffered output before the terminal is closed under it.
const drainTimeout = 500 * time.Millisecond

const sessionWriteTimeout = 5 * time.Second

type writeRequest struct {
	data   []byte
	result chan error
}

// handle is the live terminal and process pair of one agent. A resume
// fallback replaces cmd and ptmx in place; the handle itself lives until
// the last process exits.
type handle struct {
	sup     *Supervisor
	agentID string
	spec    Spec
	logger  *slog.Logger

	// started is closed once the first start attempt has finished;
	// startErr is set before that if it failed.
	started  chan struct{}
	startErr error
	// exited is closed when the final process has exited and its output
	// has been drained. done is closed after OnExit returns and the
	// handle has left the registry.
	exited chan struct{}
	done   chan struct{}

	inbox chan writeRequest

	mu         sync.Mutex
	cmd        *exec.Cmd
	ptmx       *os.File
	readerDone chan struct{}
	rows, cols uint16
	startedAt  time.Time
	resumed    bool
	handshook  bool
	sessionID  string
	fellBack   bool
	stopping   bool
	// finishing is set once the handle stops accepting background
	// session writes; sessionWG tracks the ones already started.
	finishing bool
	sessionWG sync.WaitGroup
}

func newHandle(s *Supervisor, spec Spec) *handle {
	rows, cols := spec.Rows, spec.Cols
	if rows == 0 {
		rows = s.opts.DefaultRows
	}
	if cols == 0 {
		cols = s.opts.DefaultCols
	}
	return &handle{
		sup:     s,
		agentID: spec.AgentID,
		spec:    spec,
		logger:  s.logger.With("agent_id", spec.AgentID),
		started: make(chan struct{}),
		exited:  make(chan struct{}),
		done:    make(chan struct{}),
		inbox:   make(chan writeRequest),
		rows:    rows,
		cols:    cols,
	}
}

func (h *handle) start(resume string) error {
	h.mu.Lock()
	err := h.launchLocked(resume)
	h.mu.Unlock()
	if err != nil {
		return err
	}
	close(h.started)
	h.sup.opts.Metrics.ProcessStarted()
	if h.sup.opts.OnStart != nil {
		h.sup.opts.OnStart(h.info())
	}
	go h.writeLoop()
	go h.run()
	return nil
}

// abort finalizes a handle whose first start failed.
func (h *handle) abort(err error) {
	h.startErr = err
	close(h.started)
	close(h.exited)
	close(h.done)
}

// launchLocked starts one process on a fresh terminal. The caller holds h.mu.
func (h *handle) launchLocked(resume string) error {
	opts := &h.sup.opts
	args, resumed := buildArgs(opts, &h.spec, resume)

	cmd := exec.Command(opts.Command, args...)
	cmd.Dir = h.spec.Cwd
	cmd.Env = buildEnv(opts, &h.spec)

	// StartWithSize puts the child in its own session, so its pid is also
	// its process group id.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: h.rows, Cols: h.cols})
	if err != nil {
		return fmt.Errorf("start %s: %w", opts.Command, err)
	}

	readerDone := make(chan struct{})
	h.cmd = cmd
	h.ptmx = ptmx
	h.readerDone = readerDone
	h.startedAt = time.Now()
	h.resumed = resumed
	h.handshook = false
	if resumed {
		h.sessionID = resume
	}

	scanner := newHandshakeScanner(opts.Handshake, opts.HandshakeMaxBytes)
	go h.readLoop(ptmx, scanner, readerDone)
	return nil
}

// readLoop copies terminal output to OnOutput until the terminal closes.
func (h *handle) readLoop(ptmx *os.File, scanner *handshakeScanner, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if id, ok := scanner.feed(chunk); ok {
				h.recordSession(id)
			}
			h.sup.opts.Metrics.Output(n)
			if h.sup.opts.OnOutput != nil {
				h.sup.opts.OnOutput(h.agentID, chunk)
			}
		}
		if err != nil {
			if id, ok := scanner.flush(); ok {
				h.recordSession(id)
			}
			// Linux reports EIO once the last slave descriptor closes.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				h.logger.Warn("terminal read error", "error", err)
			}
			return
		}
	}
}

// recordSession notes the handshake and persists it off the reader
// goroutine, so a slow store never holds up output.
func (h *handle) recordSession(id string) {
	h.mu.Lock()
	h.handshook = true
	h.sessionID = id
	async := !h.finishing
	if async {
		h.sessionWG.Add(1)
	}
	h.mu.Unlock()

	if !async {
		h.persistSession(id)
		return
	}
	go func() {
		defer h.sessionWG.Done()
		h.persistSession(id)
	}()
}

func (h *handle) persistSession(id string) {
	if store := h.sup.opts.Sessions; store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sessionWriteTimeout)
		err := store.SetSessionID(ctx, h.agentID, id)
		cancel()
		if err != nil {
			h.logger.Error("persist session id failed", "session_id", id, "error", err)
			return
		}
	}
	h.logger.Info("session established", "session_id", id)
	if h.sup.opts.OnSession != nil {
		h.sup.opts.OnSession(h.agentID, id)
	}
}

// run waits for the process, performs at most one resume fallback, and
// finalizes the handle.
func (h *handle) run() {
	for {
		h.mu.Lock()
		cmd, ptmx, readerDone := h.cmd, h.ptmx, h.readerDone
		h.mu.Unlock()

		waitErr := cmd.Wait()
		code := exitCode(waitErr)
		h.drain(ptmx, readerDone)

		h.mu.Lock()
		if h.shouldFallBackLocked(code) {
			h.fellBack = true
			h.logger.Warn("resume failed, starting a fresh session", "session_id", h.sessionID, "code", code)
			h.sessionID = ""
			err := h.launchLocked("")
			h.mu.Unlock()
			if err == nil {
				continue
			}
			h.logger.Error("fresh start after failed resume failed", "error", err)
			h.finish(code, err)
			return
		}
		h.mu.Unlock()

		h.finish(code, nil)
		return
	}
}

func (h *handle) shouldFallBackLocked(code int) bool {
	if h.stopping || !h.resumed || h.fellBack || h.handshook || code == 0 {
		return false
	}
	return time.Since(h.startedAt) <= h.sup.opts.ResumeGrace
}

// drain lets the reader deliver what the process wrote before exiting, then
// closes the terminal.
func (h *handle) drain(ptmx *os.File, readerDone chan struct{}) {
	select {
	case <-readerDone:
	case <-time.After(drainTimeout):
	}
	_ = ptmx.Close()
	select {
	case <-readerDone:
	case <-time.After(drainTimeout):
		h.logger.Warn("terminal reader still running after close")
	}
}

func (h *handle) finish(code int, err error) {
	h.mu.Lock()
	stopped := h.stopping
	h.finishing = true
	h.mu.Unlock()
	// The next handle for this agent must not race a late write.
	h.sessionWG.Wait()

	close(h.exited)

	cause := "exit"
	switch {
	case stopped:
		cause = "stopped"
	case code != 0:
		cause = "crash"
	}
	h.sup.opts.Metrics.ProcessExited(cause)
	h.logger.Info("agent exited", "code", code, "stopped", stopped)

	if h.sup.opts.OnExit != nil {
		h.sup.opts.OnExit(Exit{AgentID: h.agentID, Code: code, Stopped: stopped, Err: err})
	}
	h.sup.release(h)
	close(h.done)
}

func (h *handle) hasExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

func (h *handle) writeLoop() {
	for {
		select {
		case req := <-h.inbox:
			req.result <- h.writeNow(req.data)
		case <-h.exited:
			return
		}
	}
}

func (h *handle) write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	req := writeRequest{data: append([]byte(nil), p...), result: make(chan error, 1)}
	select {
	case h.inbox <- req:
	case <-h.exited:
		return ErrNotRunning
	}
	select {
	case err := <-req.result:
		return err
	case <-h.exited:
		return ErrNotRunning
	}
}

func (h *handle) writeNow(p []byte) error {
	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()

	total := len(p)
	for len(p) > 0 {
		n, err := ptmx.Write(p)
		p = p[n:]
		if err != nil {
			return fmt.Errorf("write terminal: %w", err)
		}
	}
	h.sup.opts.Metrics.Input(total)
	return nil
}

func (h *handle) resize(rows, cols uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rows == h.rows && cols == h.cols {
		return nil
	}
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize terminal: %w", err)
	}
	h.rows, h.cols = rows, cols
	return nil
}

// stop sends SIGTERM to the process group, then SIGKILL to the group and
// every descendant still alive after the grace period.
func (h *handle) stop(ctx context.Context) error {
	h.mu.Lock()
	first := !h.stopping
	h.stopping = true
	pid := h.cmd.Process.Pid
	h.mu.Unlock()

	// Descendants that left the group are found through /proc before the
	// signal reparents them.
	survivors := proc.TakeSnapshot().Descendants(pid)
	if first {
		h.logger.Info("stopping agent", "pid", pid)
		signalGroup(pid, unix.SIGTERM)
	}

	timer := time.NewTimer(h.sup.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	h.mu.Lock()
	pid = h.cmd.Process.Pid
	h.mu.Unlock()
	survivors = append(survivors, proc.TakeSnapshot().Descendants(pid)...)

	h.logger.Warn("agent ignored SIGTERM, killing", "pid", pid, "descendants", len(survivors))
	signalGroup(pid, unix.SIGKILL)
	for _, p := range survivors {
		_ = unix.Kill(p, unix.SIGKILL)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Info{
		AgentID:   h.agentID,
		Pid:       h.cmd.Process.Pid,
		Resumed:   h.resumed,
		SessionID: h.sessionID,
		StartedAt: h.startedAt,
		Rows:      h.rows,
		Cols:      h.cols,
	}
}

// signalGroup signals the process group led by pid, falling back to the
// process alone if the group is gone.
func signalGroup(pid int, sig unix.Signal) {
	if err := unix.Kill(-pid, sig); err != nil {
		_ = unix.Kill(pid, sig)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
