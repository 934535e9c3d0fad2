package mux

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Subscriber.Next once the subscriber is closed and
// its queue is drained. Reason reports why.
var ErrClosed = errors.New("mux: subscriber closed")

// CloseReason says why a subscriber stopped receiving frames.
type CloseReason string

const (
	ReasonUnsubscribed CloseReason = "unsubscribed"
	ReasonStopped      CloseReason = "stopped"
	ReasonOverflow     CloseReason = "overflow"
	ReasonRemoved      CloseReason = "removed"
)

// FrameKind distinguishes terminal bytes from lifecycle notices.
type FrameKind int

const (
	FrameOutput FrameKind = iota
	FrameEvent
)

// Event is a lifecycle notice delivered in order with output.
type Event struct {
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Frame is one unit of delivery. Data is shared between subscribers and
// must not be modified.
type Frame struct {
	Kind  FrameKind
	Data  []byte
	Event Event
}

type pushResult int

const (
	pushed pushResult = iota
	droppedOldest
	overflowed
	rejected
)

// Subscriber is one attached viewer. Frames are queued in a bounded ring and
// consumed by a single reader through Next.
type Subscriber struct {
	id  string
	hub *Hub

	mu     sync.Mutex
	buf    []Frame
	head   int
	count  int
	closed bool
	reason CloseReason
	drops  uint64

	// notify has capacity one and is signalled whenever the queue or the
	// closed flag changes.
	notify chan struct{}
}

func newSubscriber(id string, hub *Hub, capacity int) *Subscriber {
	if capacity < 1 {
		capacity = 1
	}
	return &Subscriber{
		id:     id,
		hub:    hub,
		buf:    make([]Frame, capacity),
		notify: make(chan struct{}, 1),
	}
}

func (s *Subscriber) ID() string { return s.id }

// ThreadID returns the thread this subscriber is attached to.
func (s *Subscriber) ThreadID() string { return s.hub.threadID }

// Dropped reports how many frames were discarded by the drop_oldest policy.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// Reason returns the close reason, or "" while the subscriber is open.
func (s *Subscriber) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done reports whether the subscriber has been closed.
func (s *Subscriber) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Next blocks until a frame is available, the subscriber is closed and
// drained, or ctx is done. Frames queued before a close are still returned.
func (s *Subscriber) Next(ctx context.Context) (Frame, error) {
	for {
		s.mu.Lock()
		if s.count > 0 {
			f := s.buf[s.head]
			s.buf[s.head] = Frame{}
			s.head = (s.head + 1) % len(s.buf)
			s.count--
			s.mu.Unlock()
			return f, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Frame{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Write submits input from this viewer to the thread's process.
func (s *Subscriber) Write(p []byte) error {
	if s.Done() {
		return ErrClosed
	}
	return s.hub.Input(p)
}

// Close detaches the subscriber. It is the same as Hub.Unsubscribe.
func (s *Subscriber) Close() {
	s.hub.Unsubscribe(s)
}

// push enqueues f without blocking. The caller holds the hub lock.
func (s *Subscriber) push(f Frame, policy string) pushResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return rejected
	}

	result := pushed
	if s.count == len(s.buf) {
		if policy == PolicyDisconnect {
			s.closeLocked(ReasonOverflow)
			return overflowed
		}
		s.buf[s.head] = Frame{}
		s.head = (s.head + 1) % len(s.buf)
		s.count--
		s.drops++
		result = droppedOldest
	}
	s.buf[(s.head+s.count)%len(s.buf)] = f
	s.count++
	s.signal()
	return result
}

func (s *Subscriber) close(reason CloseReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(reason)
}

func (s *Subscriber) closeLocked(reason CloseReason) bool {
	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	if reason == ReasonOverflow {
		for i := range s.buf {
			s.buf[i] = Frame{}
		}
		s.head, s.count = 0, 0
	}
	s.signal()
	return true
}

func (s *Subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
