package status

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agent-command/agentchatd/internal/clock"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestMachine(window time.Duration) (*Machine, *clock.FakeClock) {
	fc := clock.NewFake(epoch)
	return New(WithClock(fc), WithWindow(window)), fc
}

func mustState(t *testing.T, m *Machine, agentID string, want RunState) {
	t.Helper()
	snap, ok := m.Get(agentID)
	if !ok {
		t.Fatalf("no record for %s", agentID)
	}
	if snap.State != want {
		t.Fatalf("state = %s, want %s", snap.State, want)
	}
}

func TestSpawnGoesOnline(t *testing.T) {
	m, _ := newTestMachine(30 * time.Second)
	if _, ok := m.Get("worker-1"); ok {
		t.Fatal("record exists before spawn")
	}
	snap := m.Spawned("worker-1")
	if snap.State != Online || snap.Notification != None {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestHeartbeatForUnknownAgent(t *testing.T) {
	m, _ := newTestMachine(30 * time.Second)
	if _, err := m.Heartbeat(Heartbeat{AgentID: "ghost"}); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
	if _, ok := m.Get("ghost"); ok {
		t.Fatal("rejected heartbeat created a record")
	}
	if _, err := m.Report("ghost", ReportBlocked); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("report err = %v", err)
	}
}

func TestBusyDecaysAfterExactlyTheWindow(t *testing.T) {
	const window = 30 * time.Second
	m, fc := newTestMachine(window)
	m.Spawned("worker-1")

	snap, err := m.Heartbeat(Heartbeat{AgentID: "worker-1", CurrentTask: "Editing main.go", LastTool: "Edit"})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if snap.State != Busy || snap.CurrentTask != "Editing main.go" || !snap.LastHeartbeat.Equal(epoch) {
		t.Fatalf("snapshot = %+v", snap)
	}

	fc.Advance(window - time.Nanosecond)
	mustState(t, m, "worker-1", Busy)

	fc.Advance(time.Nanosecond)
	mustState(t, m, "worker-1", Online)

	fc.Advance(time.Hour)
	mustState(t, m, "worker-1", Online)
}

func TestHeartbeatResetsTimer(t *testing.T) {
	m, fc := newTestMachine(10 * time.Second)
	m.Spawned("worker-1")

	m.Heartbeat(Heartbeat{AgentID: "worker-1"})
	fc.Advance(8 * time.Second)
	m.Heartbeat(Heartbeat{AgentID: "worker-1"})
	fc.Advance(8 * time.Second)
	mustState(t, m, "worker-1", Busy)

	fc.Advance(2 * time.Second)
	mustState(t, m, "worker-1", Online)
	if fc.Pending() != 0 {
		t.Fatalf("%d timers still pending", fc.Pending())
	}
}

func TestOutOfOrderHeartbeatDoesNotExtendBusy(t *testing.T) {
	m, fc := newTestMachine(10 * time.Second)
	m.Spawned("worker-1")

	m.Heartbeat(Heartbeat{AgentID: "worker-1", CurrentTask: "new", At: epoch})
	fc.Advance(5 * time.Second)

	// Delivered late, stamped before the previous one.
	snap, err := m.Heartbeat(Heartbeat{AgentID: "worker-1", CurrentTask: "old", At: epoch.Add(-20 * time.Second)})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if snap.CurrentTask != "old" {
		t.Fatalf("raw fields should be last-write-wins, got %q", snap.CurrentTask)
	}
	if !snap.LastHeartbeat.Equal(epoch) {
		t.Fatalf("LastHeartbeat regressed to %v", snap.LastHeartbeat)
	}

	fc.Advance(5 * time.Second)
	mustState(t, m, "worker-1", Online)
}

func TestStaleHeartbeatDoesNotMarkBusy(t *testing.T) {
	m, _ := newTestMachine(10 * time.Second)
	m.Spawned("worker-1")

	snap, _ := m.Heartbeat(Heartbeat{AgentID: "worker-1", At: epoch.Add(-time.Minute)})
	if snap.State != Online {
		t.Fatalf("state = %s, want online", snap.State)
	}
}

func TestExitGoesOfflineAndKeepsNotification(t *testing.T) {
	m, fc := newTestMachine(10 * time.Second)
	m.Spawned("worker-1")
	m.Heartbeat(Heartbeat{AgentID: "worker-1"})
	m.Report("worker-1", ReportComplete)

	m.Exited("worker-1")
	snap, _ := m.Get("worker-1")
	if snap.State != Offline || snap.Notification != Done {
		t.Fatalf("snapshot = %+v", snap)
	}

	fc.Advance(time.Minute)
	mustState(t, m, "worker-1", Offline)

	m.Heartbeat(Heartbeat{AgentID: "worker-1"})
	mustState(t, m, "worker-1", Offline)
}

func TestReportNotifications(t *testing.T) {
	tests := []struct {
		reportType string
		want       Notification
	}{
		{ReportComplete, Done},
		{ReportCheckpoint, Done},
		{ReportBlocked, Attention},
		{"decision", None},
		{"progress", None},
	}
	for _, tt := range tests {
		t.Run(tt.reportType, func(t *testing.T) {
			m, _ := newTestMachine(time.Second)
			m.Spawned("worker-1")
			snap, err := m.Report("worker-1", tt.reportType)
			if err != nil {
				t.Fatalf("Report: %v", err)
			}
			if snap.Notification != tt.want {
				t.Fatalf("notification = %s, want %s", snap.Notification, tt.want)
			}
		})
	}
}

func TestAcknowledgeClearsNotification(t *testing.T) {
	m, _ := newTestMachine(time.Second)
	m.Spawned("a")
	m.Spawned("b")
	m.Report("a", ReportBlocked)
	m.Report("b", ReportComplete)

	m.Acknowledge("a")
	m.Acknowledge("a")
	m.Acknowledge("ghost")
	if s, _ := m.Get("a"); s.Notification != None {
		t.Fatalf("a notification = %s", s.Notification)
	}
	if s, _ := m.Get("b"); s.Notification != Done {
		t.Fatalf("b notification = %s", s.Notification)
	}

	m.AcknowledgeAll()
	for _, s := range m.List() {
		if s.Notification != None {
			t.Fatalf("%s notification = %s", s.AgentID, s.Notification)
		}
	}
}

func TestRespawnInvalidatesOldTimer(t *testing.T) {
	m, fc := newTestMachine(10 * time.Second)
	m.Spawned("worker-1")
	m.Heartbeat(Heartbeat{AgentID: "worker-1"})
	m.Exited("worker-1")
	m.Spawned("worker-1")

	fc.Advance(11 * time.Second)
	mustState(t, m, "worker-1", Online)
}

func TestListenerSeesTransitionsInOrder(t *testing.T) {
	fc := clock.NewFake(epoch)
	var (
		mu     sync.Mutex
		states []RunState
	)
	m := New(WithClock(fc), WithWindow(time.Second), WithListener(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if n := len(states); n == 0 || states[n-1] != s.State {
			states = append(states, s.State)
		}
	}))

	m.Spawned("worker-1")
	m.Heartbeat(Heartbeat{AgentID: "worker-1"})
	fc.Advance(time.Second)
	m.Exited("worker-1")

	want := []RunState{Online, Busy, Online, Offline}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestSetWindowAppliesToNextHeartbeat(t *testing.T) {
	m, fc := newTestMachine(time.Minute)
	m.Spawned("worker-1")
	m.SetWindow(2 * time.Second)
	if m.Window() != 2*time.Second {
		t.Fatalf("Window() = %v", m.Window())
	}
	m.Heartbeat(Heartbeat{AgentID: "worker-1"})
	fc.Advance(2 * time.Second)
	mustState(t, m, "worker-1", Online)
}

func TestForget(t *testing.T) {
	m, fc := newTestMachine(time.Second)
	m.Spawned("worker-1")
	m.Heartbeat(Heartbeat{AgentID: "worker-1"})
	m.Forget("worker-1")

	if _, ok := m.Get("worker-1"); ok {
		t.Fatal("record survived Forget")
	}
	if fc.Pending() != 0 {
		t.Fatal("timer survived Forget")
	}
}

func TestConcurrentAgentsAreIndependent(t *testing.T) {
	m, _ := newTestMachine(time.Minute)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		m.Spawned(id)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Heartbeat(Heartbeat{AgentID: id})
				m.Report(id, ReportCheckpoint)
				m.Acknowledge(id)
			}
		}(id)
	}
	wg.Wait()

	for _, s := range m.List() {
		if s.State != Busy || s.Notification != None {
			t.Fatalf("%s = %+v", s.AgentID, s)
		}
	}
}
