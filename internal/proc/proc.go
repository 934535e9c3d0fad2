// Package proc reads the Linux process table. The supervisor uses it to find
// children that left the agent's process group before a forced stop.
package proc

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Entry struct {
	Pid  int
	PPid int
	Comm string
}

type Snapshot struct {
	entries  map[int]*Entry
	children map[int][]int
}

// TakeSnapshot reads /proc. On systems without it the snapshot is empty.
func TakeSnapshot() *Snapshot {
	return takeSnapshot("/proc")
}

func takeSnapshot(root string) *Snapshot {
	snap := &Snapshot{
		entries:  make(map[int]*Entry),
		children: make(map[int][]int),
	}

	dirs, err := os.ReadDir(root)
	if err != nil {
		return snap
	}

	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		pid, ok := parsePID(dir.Name())
		if !ok {
			continue
		}
		stat, err := os.ReadFile(filepath.Join(root, dir.Name(), "stat"))
		if err != nil {
			continue
		}
		comm, ppid, ok := parseStat(string(stat))
		if !ok {
			continue
		}
		snap.add(&Entry{Pid: pid, PPid: ppid, Comm: comm})
	}
	return snap
}

func (s *Snapshot) add(e *Entry) {
	s.entries[e.Pid] = e
	s.children[e.PPid] = append(s.children[e.PPid], e.Pid)
}

// Descendants returns every transitive child of pid, excluding pid itself,
// parents before children.
func (s *Snapshot) Descendants(pid int) []int {
	if s == nil || pid <= 0 {
		return nil
	}

	var out []int
	queue := append([]int(nil), s.children[pid]...)
	visited := map[int]struct{}{pid: {}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if _, seen := visited[current]; seen {
			continue
		}
		visited[current] = struct{}{}
		out = append(out, current)
		queue = append(queue, s.children[current]...)
	}
	return out
}

func (s *Snapshot) Lookup(pid int) (*Entry, bool) {
	e, ok := s.entries[pid]
	return e, ok
}

func parsePID(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	for _, ch := range name {
		if ch < '0' || ch > '9' {
			return 0, false
		}
	}
	pid, err := strconv.Atoi(name)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// parseStat extracts comm and ppid from /proc/<pid>/stat. comm may contain
// spaces and parentheses, so split on the last ')'.
func parseStat(stat string) (string, int, bool) {
	stat = strings.TrimSpace(stat)
	lparen := strings.Index(stat, "(")
	rparen := strings.LastIndex(stat, ")")
	if lparen == -1 || rparen == -1 || rparen <= lparen {
		return "", 0, false
	}

	comm := stat[lparen+1 : rparen]
	rest := strings.Fields(stat[rparen+1:])
	if len(rest) < 2 {
		return comm, 0, false
	}
	ppid, err := strconv.Atoi(rest[1])
	if err != nil {
		return comm, 0, false
	}
	return comm, ppid, true
}
