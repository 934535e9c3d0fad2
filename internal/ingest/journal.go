package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agent-command/agentchatd/internal/clock"
)

// Journal appends human readable activity entries to one markdown file per
// agent and day. Unforced entries are rate limited per agent. A nil
// Journal discards everything.
type Journal struct {
	dir      string
	interval time.Duration
	clock    clock.Clock

	mu   sync.Mutex
	last map[string]time.Time
}

func NewJournal(dir string, interval time.Duration, c clock.Clock) *Journal {
	if c == nil {
		c = clock.Real()
	}
	return &Journal{
		dir:      dir,
		interval: interval,
		clock:    c,
		last:     make(map[string]time.Time),
	}
}

// Path returns the file that holds agentID's entries for the day of t.
func (j *Journal) Path(agentID string, t time.Time) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s-%s.md", agentID, t.Format("2006-01-02")))
}

// Append writes entry unless force is false and the agent's previous
// unforced entry is younger than the interval. It reports whether the
// entry was written.
func (j *Journal) Append(agentID, agentName, entry string, force bool) (bool, error) {
	if j == nil {
		return false, nil
	}
	if agentID == "" || agentID == "." || agentID == ".." || strings.ContainsAny(agentID, `/\`) {
		return false, fmt.Errorf("journal: bad agent id %q", agentID)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.clock.Now()
	if !force {
		if last, ok := j.last[agentID]; ok && now.Sub(last) < j.interval {
			return false, nil
		}
		j.last[agentID] = now
	}

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return false, fmt.Errorf("journal dir: %w", err)
	}
	path := j.Path(agentID, now)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return false, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		fmt.Fprintf(&b, "# Session: %s\nDate: %s\nStarted: %s\n\n---\n\n",
			agentName, now.Format("2006-01-02"), now.Format("15:04"))
	}
	fmt.Fprintf(&b, "\n**[%s]** %s\n", now.Format("15:04"), entry)
	if _, err := f.WriteString(b.String()); err != nil {
		return false, fmt.Errorf("write journal: %w", err)
	}
	return true, nil
}

// Forget drops the rate limit state for an agent.
func (j *Journal) Forget(agentID string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	delete(j.last, agentID)
	j.mu.Unlock()
}
