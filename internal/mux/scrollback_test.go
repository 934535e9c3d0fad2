package mux

import "testing"

func TestScrollback(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		writes   []string
		want     string
	}{
		{"empty", 8, nil, ""},
		{"under capacity", 8, []string{"abc", "de"}, "abcde"},
		{"exactly full", 4, []string{"ab", "cd"}, "abcd"},
		{"wraps", 4, []string{"abc", "def"}, "cdef"},
		{"wraps many times", 3, []string{"a", "b", "c", "d", "e", "f", "g"}, "efg"},
		{"oversized chunk", 4, []string{"xy", "0123456789"}, "6789"},
		{"disabled", 0, []string{"abc"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScrollback(tt.capacity)
			for _, w := range tt.writes {
				s.write([]byte(w))
			}
			if got := string(s.bytes()); got != tt.want {
				t.Fatalf("bytes() = %q, want %q", got, tt.want)
			}
			if s.len() != len(tt.want) {
				t.Fatalf("len() = %d, want %d", s.len(), len(tt.want))
			}
		})
	}
}

func TestScrollbackReset(t *testing.T) {
	s := newScrollback(4)
	s.write([]byte("abcdef"))
	s.reset()
	if s.bytes() != nil {
		t.Fatal("reset scrollback not empty")
	}
	s.write([]byte("z"))
	if string(s.bytes()) != "z" {
		t.Fatalf("bytes() = %q", s.bytes())
	}
}
