// Package hook holds the wire types of the ingestion endpoints and the
// client side used by agent hook callbacks.
package hook

import (
	"encoding/json"
	"time"
)

// Heartbeat is the body of POST /api/heartbeat.
type Heartbeat struct {
	AgentID     string     `json:"agent_id"`
	AgentName   string     `json:"agent_name"`
	CurrentTask string     `json:"current_task,omitempty"`
	LastTool    string     `json:"last_tool,omitempty"`
	Status      string     `json:"status,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// Report is the body of POST /api/reports.
type Report struct {
	AgentID   string          `json:"agent_id"`
	AgentName string          `json:"agent_name"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Summary   string          `json:"summary"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Report types understood by the status machine. Others are stored but
// leave the notification alone.
const (
	ReportComplete   = "complete"
	ReportCheckpoint = "checkpoint"
	ReportBlocked    = "blocked"
	ReportDecision   = "decision"
)
