package hook

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Raw statuses carried in heartbeats.
const (
	StatusStarting           = "starting"
	StatusWorking            = "working"
	StatusError              = "error"
	StatusWaitingForInput    = "waiting_for_input"
	StatusWaitingForApproval = "waiting_for_approval"
	StatusIdle               = "idle"
	StatusDone               = "done"
)

// Event is the JSON an agent CLI writes to a hook command's stdin.
type Event struct {
	SessionID        string          `json:"session_id"`
	HookEventName    string          `json:"hook_event_name"`
	Cwd              string          `json:"cwd"`
	ToolName         string          `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
	ToolResponse     json.RawMessage `json:"tool_response"`
	Message          string          `json:"message"`
	NotificationType string          `json:"notification_type"`
}

// ReadEvent decodes one event. Empty input yields a zero event.
func ReadEvent(r io.Reader) (Event, error) {
	var ev Event
	data, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return ev, fmt.Errorf("read hook event: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode hook event: %w", err)
	}
	return ev, nil
}

// StatusForEvent maps a hook event to the raw status reported in a
// heartbeat. Unknown events map to "".
func StatusForEvent(ev Event) string {
	switch ev.HookEventName {
	case "PreToolUse":
		return StatusWorking
	case "PostToolUse":
		if toolFailed(ev.ToolResponse) {
			return StatusError
		}
		return StatusWorking
	case "UserPromptSubmit":
		return StatusWorking
	case "Notification":
		kind := strings.ToLower(ev.NotificationType)
		switch {
		case kind == "idle_prompt":
			return StatusWaitingForInput
		case strings.Contains(kind, "permission"), strings.Contains(kind, "approval"), strings.Contains(kind, "plan"):
			return StatusWaitingForApproval
		case strings.Contains(strings.ToLower(ev.Message), "permission"):
			return StatusWaitingForApproval
		}
		return StatusWaitingForInput
	case "PermissionRequest":
		return StatusWaitingForApproval
	case "Stop", "SubagentStop":
		return StatusIdle
	case "SessionEnd":
		return StatusDone
	case "SessionStart":
		return StatusStarting
	}
	return ""
}

func toolFailed(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var resp struct {
		Error   json.RawMessage `json:"error"`
		IsError bool            `json:"is_error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false
	}
	if resp.IsError {
		return true
	}
	e := strings.TrimSpace(string(resp.Error))
	return e != "" && e != "null" && e != `""` && e != "false"
}

// HeartbeatFromEvent builds the heartbeat an event should produce.
func HeartbeatFromEvent(ev Event, agentID, agentName string, now time.Time) Heartbeat {
	hb := Heartbeat{
		AgentID:   agentID,
		AgentName: agentName,
		Status:    StatusForEvent(ev),
		LastTool:  ev.ToolName,
	}
	if ev.ToolName != "" {
		hb.CurrentTask = Describe(ParseTool(ev.ToolName), ev.ToolName, ParseToolInput(ev.ToolInput))
	}
	if !now.IsZero() {
		t := now.UTC()
		hb.Timestamp = &t
	}
	return hb
}
