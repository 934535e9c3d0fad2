// Package mux fans terminal output from one agent process out to any number
// of viewers and funnels their input back into that process.
//
// Each thread has one Hub. A Hub outlives the processes that feed it: viewers
// may attach before a spawn, stay attached across a crash, and see the
// retained scrollback of a stopped agent.
package mux

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/agent-command/agentchatd/internal/logging"
	"github.com/agent-command/agentchatd/internal/metrics"
)

// Overflow policies. They match the config values.
const (
	PolicyDropOldest = "drop_oldest"
	PolicyDisconnect = "disconnect"
)

// ErrNoProcess is returned by Hub.Input when no input sink is connected.
var ErrNoProcess = errors.New("mux: no active process")

// Options configure every hub created by a Registry.
type Options struct {
	QueueFrames     int
	Policy          string
	ScrollbackBytes int
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.QueueFrames <= 0 {
		o.QueueFrames = 256
	}
	if o.Policy == "" {
		o.Policy = PolicyDropOldest
	}
	o.Logger = logging.OrDiscard(o.Logger)
	return o
}

// InputFunc receives input submitted by viewers. Calls are made one at a
// time in arrival order.
type InputFunc func(p []byte) error

// Hub is the broadcast point for a single thread.
type Hub struct {
	threadID string
	opts     Options
	logger   *slog.Logger

	// mu guards subs, ring and closed. Publish, Subscribe and Unsubscribe
	// all hold it for writing, so a viewer is either fully registered
	// before a chunk is published or not at all.
	mu     sync.Mutex
	subs   map[string]*Subscriber
	ring   *scrollback
	closed bool

	// inputMu serializes viewer input so no two submissions interleave.
	inputMu sync.Mutex
	input   InputFunc
}

func newHub(threadID string, opts Options) *Hub {
	return &Hub{
		threadID: threadID,
		opts:     opts,
		logger:   opts.Logger.With("thread_id", threadID),
		subs:     make(map[string]*Subscriber),
		ring:     newScrollback(opts.ScrollbackBytes),
	}
}

func (h *Hub) ThreadID() string { return h.threadID }

// SetInput connects the hub to a process input. A nil fn disconnects it.
func (h *Hub) SetInput(fn InputFunc) {
	h.inputMu.Lock()
	defer h.inputMu.Unlock()
	h.input = fn
}

// Subscribe attaches a new viewer. The retained scrollback, if any, is the
// first frame the viewer receives, followed by every chunk published after
// registration.
func (h *Hub) Subscribe() (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	sub := newSubscriber(uuid.NewString(), h, h.opts.QueueFrames)
	if replay := h.ring.bytes(); len(replay) > 0 {
		sub.push(Frame{Kind: FrameOutput, Data: replay}, h.opts.Policy)
	}
	h.subs[sub.id] = sub
	h.opts.Metrics.SubscriberAdded()
	h.logger.Debug("viewer attached", "subscriber_id", sub.id, "replay_bytes", h.ring.len())
	return sub, nil
}

// Unsubscribe detaches sub. It always succeeds and never affects the process.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if cur, ok := h.subs[sub.id]; ok && cur == sub {
		delete(h.subs, sub.id)
		h.opts.Metrics.SubscriberRemoved()
	}
	h.mu.Unlock()
	sub.close(ReasonUnsubscribed)
}

// Publish delivers a chunk of process output to every attached viewer and
// appends it to the scrollback. It never blocks on a viewer.
func (h *Hub) Publish(data []byte) {
	if len(data) == 0 {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring.write(chunk)
	h.deliverLocked(Frame{Kind: FrameOutput, Data: chunk})
}

// Notify delivers a lifecycle event to every attached viewer, ordered with
// respect to output.
func (h *Hub) Notify(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(Frame{Kind: FrameEvent, Event: ev})
}

func (h *Hub) deliverLocked(f Frame) {
	for id, sub := range h.subs {
		switch sub.push(f, h.opts.Policy) {
		case droppedOldest:
			h.opts.Metrics.FrameDropped()
		case overflowed:
			delete(h.subs, id)
			h.opts.Metrics.SubscriberRemoved()
			h.opts.Metrics.OverflowDisconnect()
			h.logger.Warn("viewer disconnected: queue overflow", "subscriber_id", id)
		case rejected:
			delete(h.subs, id)
			h.opts.Metrics.SubscriberRemoved()
		}
	}
}

// Input forwards viewer bytes to the connected process.
func (h *Hub) Input(p []byte) error {
	h.inputMu.Lock()
	defer h.inputMu.Unlock()
	if h.input == nil {
		return ErrNoProcess
	}
	return h.input(p)
}

// CloseAll closes every attached viewer with reason. New viewers may still
// attach afterwards.
func (h *Hub) CloseAll(reason CloseReason) int {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close(reason)
		h.opts.Metrics.SubscriberRemoved()
	}
	if len(subs) > 0 {
		h.logger.Info("viewers closed", "count", len(subs), "reason", string(reason))
	}
	return len(subs)
}

// Count returns the number of attached viewers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Scrollback returns a copy of the retained output.
func (h *Hub) Scrollback() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring.bytes()
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.closed = true
	h.ring.reset()
	h.mu.Unlock()
	h.CloseAll(ReasonRemoved)
	h.SetInput(nil)
}

// Registry owns the hubs, keyed by thread id.
type Registry struct {
	opts Options

	mu   sync.Mutex
	hubs map[string]*Hub
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts: opts.withDefaults(),
		hubs: make(map[string]*Hub),
	}
}

// Hub returns the hub for threadID, creating it on first use.
func (r *Registry) Hub(threadID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[threadID]
	if !ok {
		h = newHub(threadID, r.opts)
		r.hubs[threadID] = h
	}
	return h
}

// Lookup returns the hub for threadID without creating one.
func (r *Registry) Lookup(threadID string) (*Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[threadID]
	return h, ok
}

// Remove closes and forgets the hub for threadID, discarding its scrollback.
func (r *Registry) Remove(threadID string) {
	r.mu.Lock()
	h, ok := r.hubs[threadID]
	delete(r.hubs, threadID)
	r.mu.Unlock()
	if ok {
		h.shutdown()
	}
}

// CloseAll closes every viewer of every hub.
func (r *Registry) CloseAll(reason CloseReason) {
	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.mu.Unlock()
	for _, h := range hubs {
		h.CloseAll(reason)
	}
}
