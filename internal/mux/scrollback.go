package mux

// scrollback keeps the most recent output of a thread so a late viewer can
// redraw the terminal. It is not safe for concurrent use; the owning Hub
// serializes access under its own lock.
type scrollback struct {
	data     []byte
	capacity int
	// next is the write position within data.
	next int
	// full is set once a write has wrapped.
	full bool
}

func newScrollback(capacity int) *scrollback {
	if capacity < 0 {
		capacity = 0
	}
	return &scrollback{data: make([]byte, capacity), capacity: capacity}
}

func (s *scrollback) write(p []byte) {
	if s.capacity == 0 || len(p) == 0 {
		return
	}
	// Only the trailing capacity bytes of a large chunk survive anyway.
	if len(p) >= s.capacity {
		copy(s.data, p[len(p)-s.capacity:])
		s.next = 0
		s.full = true
		return
	}
	for len(p) > 0 {
		n := copy(s.data[s.next:], p)
		p = p[n:]
		s.next += n
		if s.next == s.capacity {
			s.next = 0
			s.full = true
		}
	}
}

// bytes returns a copy of the retained output in production order.
func (s *scrollback) bytes() []byte {
	if !s.full {
		if s.next == 0 {
			return nil
		}
		out := make([]byte, s.next)
		copy(out, s.data[:s.next])
		return out
	}
	out := make([]byte, 0, s.capacity)
	out = append(out, s.data[s.next:]...)
	return append(out, s.data[:s.next]...)
}

func (s *scrollback) len() int {
	if s.full {
		return s.capacity
	}
	return s.next
}

func (s *scrollback) reset() {
	s.next = 0
	s.full = false
}
