// Package ws serves the terminal channel: one WebSocket per viewer of an
// agent's thread. Binary frames carry raw terminal bytes in both
// directions; text frames carry JSON control messages and lifecycle events.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-command/agentchatd/internal/logging"
	"github.com/agent-command/agentchatd/internal/mux"
	"github.com/agent-command/agentchatd/internal/store"
	"github.com/agent-command/agentchatd/internal/supervisor"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	closeWait  = time.Second
)

// Terminals is what the server needs from the agent manager.
type Terminals interface {
	Subscribe(ctx context.Context, agentID string) (*mux.Subscriber, error)
	EnsureRunning(ctx context.Context, agentID string, rows, cols uint16) (bool, error)
	Resize(agentID string, rows, cols uint16) error
	Running(agentID string) bool
}

type Options struct {
	// AllowedOrigins limits browser origins. Empty allows any.
	AllowedOrigins []string
	// AutoSpawn starts the agent on the first resize of a viewer that
	// attached while it was not running. Later resizes never spawn, so a
	// crashed agent stays down until it is started explicitly.
	AutoSpawn bool
	Logger    *slog.Logger
}

type Server struct {
	terms     Terminals
	autoSpawn bool
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

func NewServer(terms Terminals, opts Options) *Server {
	s := &Server{
		terms:     terms,
		autoSpawn: opts.AutoSpawn,
		logger:    logging.OrDiscard(opts.Logger).With("component", "ws"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

// Register mounts the terminal route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /terminal/{agent_id}", s.handleTerminal)
}

// controlMessage is a JSON text frame sent by a viewer.
type controlMessage struct {
	Type string `json:"type"`
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
	Data string `json:"data"`
}

type conn struct {
	ws      *websocket.Conn
	agentID string
	logger  *slog.Logger

	// spawnOnResize is only touched by the read loop.
	spawnOnResize bool

	wmu sync.Mutex
}

func (c *conn) write(messageType int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *conn) sendError(msg string) {
	_ = c.writeJSON(mux.Event{Type: "error", Message: msg})
}

func (c *conn) close(code int, text string) {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	c.wmu.Unlock()
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.terms.Subscribe(r.Context(), agentID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()
	spawnOnResize := s.autoSpawn && !s.terms.Running(agentID)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "agent_id", agentID, "error", err)
		return
	}
	defer ws.Close()

	c := &conn{
		ws:            ws,
		agentID:       agentID,
		logger:        s.logger.With("agent_id", agentID, "subscriber_id", sub.ID()),
		spawnOnResize: spawnOnResize,
	}
	c.logger.Info("viewer connected", "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, c, sub)
	}()

	s.readLoop(ctx, c, sub)
	sub.Close()
	cancel()
	<-writerDone
	c.logger.Info("viewer disconnected")
}

// writeLoop forwards frames from the subscriber and keeps the connection
// alive with pings. It ends with an explicit close frame when the hub
// closes the subscriber.
func (s *Server) writeLoop(ctx context.Context, c *conn, sub *mux.Subscriber) {
	frames := make(chan mux.Frame)
	nextErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			f, err := sub.Next(ctx)
			if err != nil {
				nextErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				var err error
				select {
				case err = <-nextErr:
				default:
				}
				if errors.Is(err, mux.ErrClosed) {
					s.closeFor(c, sub.Reason())
				}
				return
			}
			var err error
			if f.Kind == mux.FrameEvent {
				err = c.writeJSON(f.Event)
			} else {
				err = c.write(websocket.BinaryMessage, f.Data)
			}
			if err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.wmu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.wmu.Unlock()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// closeFor sends the close frame matching why the hub dropped the viewer
// and gives the peer a moment to answer before the socket is torn down.
func (s *Server) closeFor(c *conn, reason mux.CloseReason) {
	switch reason {
	case mux.ReasonStopped:
		c.close(websocket.CloseNormalClosure, "agent stopped")
	case mux.ReasonRemoved:
		c.close(websocket.CloseGoingAway, "agent removed")
	case mux.ReasonOverflow:
		c.close(websocket.CloseTryAgainLater, "viewer too slow")
	default:
		return
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(closeWait))
}

func (s *Server) readLoop(ctx context.Context, c *conn, sub *mux.Subscriber) {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if messageType == websocket.BinaryMessage {
			s.input(c, sub, data)
			continue
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.input(c, sub, data)
			continue
		}
		switch msg.Type {
		case "resize":
			s.resize(ctx, c, msg.Rows, msg.Cols)
		case "input":
			s.input(c, sub, []byte(msg.Data))
		default:
			// JSON typed at the terminal is input like any other text.
			s.input(c, sub, data)
		}
	}
}

func (s *Server) input(c *conn, sub *mux.Subscriber, data []byte) {
	if len(data) == 0 {
		return
	}
	err := sub.Write(data)
	switch {
	case err == nil:
	case errors.Is(err, mux.ErrNoProcess), errors.Is(err, supervisor.ErrNotRunning):
		c.sendError("agent is not running")
	case errors.Is(err, mux.ErrClosed):
	default:
		c.logger.Warn("input failed", "error", err)
		c.sendError("input failed")
	}
}

func (s *Server) resize(ctx context.Context, c *conn, rows, cols uint16) {
	if rows == 0 || cols == 0 {
		c.sendError("resize needs rows and cols")
		return
	}
	spawn := c.spawnOnResize
	c.spawnOnResize = false
	if !spawn || s.terms.Running(c.agentID) {
		err := s.terms.Resize(c.agentID, rows, cols)
		if errors.Is(err, supervisor.ErrNotRunning) {
			c.sendError("agent is not running")
		} else if err != nil {
			c.logger.Warn("resize failed", "error", err)
		}
		return
	}

	started, err := s.terms.EnsureRunning(ctx, c.agentID, rows, cols)
	if err != nil {
		c.logger.Error("spawn on attach failed", "error", err)
		c.sendError("spawn failed: " + err.Error())
		return
	}
	if started {
		c.logger.Info("agent spawned on attach", "rows", rows, "cols", cols)
	}
}
