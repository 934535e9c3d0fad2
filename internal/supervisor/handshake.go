package supervisor

import (
	"regexp"

	"github.com/charmbracelet/x/ansi"
)

// StripANSI removes terminal escape sequences from b, keeping text and
// control characters such as CR and LF.
func StripANSI(b []byte) []byte {
	return []byte(ansi.Strip(string(b)))
}

// handshakeScanner looks for the session id announced by a starting agent
// within the first max bytes of its output.
type handshakeScanner struct {
	re   *regexp.Regexp
	max  int
	buf  []byte
	done bool
}

func newHandshakeScanner(re *regexp.Regexp, max int) *handshakeScanner {
	if re == nil || max <= 0 {
		return &handshakeScanner{done: true}
	}
	return &handshakeScanner{re: re, max: max}
}

// feed consumes a chunk of output. It returns the session id the first time
// one is found. A match touching the end of the buffered text is held back
// until more output arrives, so an id split across reads is not truncated.
func (s *handshakeScanner) feed(p []byte) (string, bool) {
	if s.done {
		return "", false
	}
	room := s.max - len(s.buf)
	final := false
	if len(p) >= room {
		p = p[:room]
		final = true
	}
	s.buf = append(s.buf, p...)

	clean := StripANSI(s.buf)
	if m := s.re.FindSubmatchIndex(clean); m != nil && len(m) >= 4 && m[2] >= 0 {
		if m[1] < len(clean) || final {
			s.done = true
			s.buf = nil
			return string(clean[m[2]:m[3]]), true
		}
	}
	if final {
		s.done = true
		s.buf = nil
	}
	return "", false
}

// flush reports a match held back at the end of the output, used once the
// process has exited and no more bytes will arrive.
func (s *handshakeScanner) flush() (string, bool) {
	if s.done {
		return "", false
	}
	s.done = true
	clean := StripANSI(s.buf)
	s.buf = nil
	if m := s.re.FindSubmatchIndex(clean); m != nil && len(m) >= 4 && m[2] >= 0 {
		return string(clean[m[2]:m[3]]), true
	}
	return "", false
}
