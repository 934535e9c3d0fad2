package hook

import (
	"strings"
	"testing"
	"time"
)

func TestStatusForEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"pre tool", Event{HookEventName: "PreToolUse"}, StatusWorking},
		{"post tool ok", Event{HookEventName: "PostToolUse", ToolResponse: []byte(`{"stdout":"ok"}`)}, StatusWorking},
		{"post tool error", Event{HookEventName: "PostToolUse", ToolResponse: []byte(`{"error":"boom"}`)}, StatusError},
		{"post tool is_error", Event{HookEventName: "PostToolUse", ToolResponse: []byte(`{"is_error":true}`)}, StatusError},
		{"post tool null error", Event{HookEventName: "PostToolUse", ToolResponse: []byte(`{"error":null}`)}, StatusWorking},
		{"idle prompt", Event{HookEventName: "Notification", NotificationType: "idle_prompt"}, StatusWaitingForInput},
		{"permission prompt", Event{HookEventName: "Notification", NotificationType: "permission_prompt"}, StatusWaitingForApproval},
		{"permission message", Event{HookEventName: "Notification", Message: "Claude needs your permission to use Bash"}, StatusWaitingForApproval},
		{"permission request", Event{HookEventName: "PermissionRequest"}, StatusWaitingForApproval},
		{"stop", Event{HookEventName: "Stop"}, StatusIdle},
		{"session end", Event{HookEventName: "SessionEnd"}, StatusDone},
		{"session start", Event{HookEventName: "SessionStart"}, StatusStarting},
		{"unknown", Event{HookEventName: "Other"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusForEvent(tt.ev); got != tt.want {
				t.Fatalf("StatusForEvent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadEvent(t *testing.T) {
	ev, err := ReadEvent(strings.NewReader(`{"hook_event_name":"PreToolUse","tool_name":"Read","tool_input":{"file_path":"/a/b.go"}}`))
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	hb := HeartbeatFromEvent(ev, "a1", "builder", now)
	if hb.AgentID != "a1" || hb.AgentName != "builder" || hb.CurrentTask != "Reading b.go" ||
		hb.LastTool != "Read" || hb.Status != StatusWorking || !hb.Timestamp.Equal(now) {
		t.Fatalf("heartbeat = %+v", hb)
	}

	if ev, err := ReadEvent(strings.NewReader("  \n")); err != nil || ev.HookEventName != "" {
		t.Fatalf("empty input = %+v, %v", ev, err)
	}
	if _, err := ReadEvent(strings.NewReader("{")); err == nil {
		t.Fatal("malformed input accepted")
	}
}

func TestHeartbeatWithoutTool(t *testing.T) {
	hb := HeartbeatFromEvent(Event{HookEventName: "Stop"}, "a1", "builder", time.Time{})
	if hb.CurrentTask != "" || hb.Timestamp != nil || hb.Status != StatusIdle {
		t.Fatalf("heartbeat = %+v", hb)
	}
}
