package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SpawnResult("ok")
	m.ProcessStarted()
	m.ProcessExited("exit")
	m.Output(10)
	m.Input(10)
	m.SubscriberAdded()
	m.SubscriberRemoved()
	m.FrameDropped()
	m.OverflowDisconnect()
	m.Heartbeat("accepted")
	m.Report("blocked")
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.ProcessStarted()
	m.ProcessStarted()
	m.ProcessExited("crash")
	m.SpawnResult("ok")
	m.Report("blocked")
	m.Report("blocked")

	if got := testutil.ToFloat64(m.ProcessesRunning); got != 1 {
		t.Errorf("processes_running = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Exits.WithLabelValues("crash")); got != 1 {
		t.Errorf("exits{crash} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Reports.WithLabelValues("blocked")); got != 2 {
		t.Errorf("reports{blocked} = %v, want 2", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Heartbeat("accepted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `agentchat_heartbeats_total{result="accepted"} 1`) {
		t.Fatalf("metrics output missing heartbeat counter:\n%s", body)
	}
}
