// Package ingest accepts the out-of-band signals agent hooks send:
// heartbeats, which feed the status machine, and reports, which are logged
// durably and move the notification flag.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agent-command/agentchatd/internal/hook"
	"github.com/agent-command/agentchatd/internal/logging"
	"github.com/agent-command/agentchatd/internal/metrics"
	"github.com/agent-command/agentchatd/internal/status"
	"github.com/agent-command/agentchatd/internal/store"
)

var (
	ErrUnknownAgent     = status.ErrUnknownAgent
	ErrInvalidHeartbeat = errors.New("ingest: invalid heartbeat")
	ErrInvalidReport    = errors.New("ingest: invalid report")
	ErrNotFound         = errors.New("ingest: report not found")
)

// ReportLog is the append-only report storage.
type ReportLog interface {
	AddReport(ctx context.Context, in store.NewReport) (store.Report, error)
	GetReport(ctx context.Context, id int64) (store.Report, error)
	Reports(ctx context.Context, acknowledged *bool, limit int) ([]store.Report, error)
	AcknowledgeReport(ctx context.Context, id int64) (store.Report, error)
	AcknowledgeAll(ctx context.Context) (int64, error)
	UnacknowledgedCount(ctx context.Context) (int, error)
}

// Threads lets a report mark its agent's thread unread. store.Store
// satisfies it.
type Threads interface {
	ThreadByAgent(ctx context.Context, agentID string) (store.Thread, error)
	IncrementUnread(ctx context.Context, threadID string) error
}

type Options struct {
	Status  *status.Machine
	Reports ReportLog
	// Threads is optional.
	Threads Threads
	// Journal is optional.
	Journal *Journal
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Ingestor struct {
	status  *status.Machine
	reports ReportLog
	threads Threads
	journal *Journal
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(opts Options) *Ingestor {
	return &Ingestor{
		status:  opts.Status,
		reports: opts.Reports,
		threads: opts.Threads,
		journal: opts.Journal,
		logger:  logging.OrDiscard(opts.Logger).With("component", "ingest"),
		metrics: opts.Metrics,
	}
}

// Heartbeat records agent activity. Heartbeats for agents the status
// machine does not know are rejected without side effects.
func (in *Ingestor) Heartbeat(ctx context.Context, hb hook.Heartbeat) (status.Snapshot, error) {
	if strings.TrimSpace(hb.AgentID) == "" || strings.TrimSpace(hb.AgentName) == "" {
		in.metrics.Heartbeat("invalid")
		in.logger.Warn("heartbeat rejected", "reason", "agent_id and agent_name are required")
		return status.Snapshot{}, fmt.Errorf("%w: agent_id and agent_name are required", ErrInvalidHeartbeat)
	}

	sig := status.Heartbeat{
		AgentID:     hb.AgentID,
		CurrentTask: hb.CurrentTask,
		LastTool:    hb.LastTool,
		Status:      hb.Status,
	}
	if hb.Timestamp != nil {
		sig.At = *hb.Timestamp
	}
	snap, err := in.status.Heartbeat(sig)
	if err != nil {
		in.metrics.Heartbeat("unknown")
		in.logger.Warn("heartbeat rejected", "agent_id", hb.AgentID, "error", err)
		return status.Snapshot{}, err
	}
	in.metrics.Heartbeat("accepted")

	if hb.CurrentTask != "" {
		if _, err := in.journal.Append(hb.AgentID, hb.AgentName, hb.CurrentTask, false); err != nil {
			in.logger.Warn("journal append failed", "agent_id", hb.AgentID, "error", err)
		}
	}
	return snap, nil
}

func validateReport(r hook.Report) error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"agent_id", r.AgentID},
		{"agent_name", r.AgentName},
		{"type", r.Type},
		{"title", r.Title},
		{"summary", r.Summary},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidReport, strings.Join(missing, ", "))
	}
	return nil
}

// Report validates and appends a report, then applies its notification
// effect. Nothing is stored for an invalid report or an unknown agent.
func (in *Ingestor) Report(ctx context.Context, r hook.Report) (store.Report, error) {
	if err := validateReport(r); err != nil {
		in.logger.Warn("report rejected", "agent_id", r.AgentID, "error", err)
		return store.Report{}, err
	}
	if _, ok := in.status.Get(r.AgentID); !ok {
		in.logger.Warn("report rejected", "agent_id", r.AgentID, "error", ErrUnknownAgent)
		return store.Report{}, ErrUnknownAgent
	}

	saved, err := in.reports.AddReport(ctx, store.NewReport{
		AgentID:   r.AgentID,
		AgentName: r.AgentName,
		Type:      strings.ToLower(r.Type),
		Title:     r.Title,
		Summary:   r.Summary,
		Payload:   r.Payload,
	})
	if errors.Is(err, store.ErrInvalid) {
		in.logger.Warn("report rejected", "agent_id", r.AgentID, "error", err)
		return store.Report{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if err != nil {
		return store.Report{}, err
	}
	in.metrics.Report(saved.Type)

	if _, err := in.status.Report(saved.AgentID, saved.Type); err != nil {
		in.logger.Warn("report status update skipped", "agent_id", saved.AgentID, "error", err)
	}

	in.markUnread(ctx, saved.AgentID)

	entry := fmt.Sprintf("**REPORT** (%s): %s | %s", saved.Type, saved.Title, saved.Summary)
	if _, err := in.journal.Append(saved.AgentID, saved.AgentName, entry, true); err != nil {
		in.logger.Warn("journal append failed", "agent_id", saved.AgentID, "error", err)
	}
	in.logger.Info("report ingested", "agent_id", saved.AgentID, "report_id", saved.ID, "type", saved.Type)
	return saved, nil
}

// markUnread counts a report against the agent's thread until a viewer
// reads it.
func (in *Ingestor) markUnread(ctx context.Context, agentID string) {
	if in.threads == nil {
		return
	}
	th, err := in.threads.ThreadByAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err == nil {
		err = in.threads.IncrementUnread(ctx, th.ID)
	}
	if err != nil {
		in.logger.Warn("unread update failed", "agent_id", agentID, "error", err)
	}
}

// AcknowledgeReport marks a report acknowledged and clears its agent's
// notification. Repeating it succeeds with the same result.
func (in *Ingestor) AcknowledgeReport(ctx context.Context, id int64) (store.Report, error) {
	r, err := in.reports.AcknowledgeReport(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Report{}, ErrNotFound
	}
	if err != nil {
		return store.Report{}, err
	}
	in.status.Acknowledge(r.AgentID)
	return r, nil
}

// AcknowledgeAll acknowledges every open report and returns the count.
func (in *Ingestor) AcknowledgeAll(ctx context.Context) (int64, error) {
	n, err := in.reports.AcknowledgeAll(ctx)
	if err != nil {
		return 0, err
	}
	in.status.AcknowledgeAll()
	return n, nil
}

// Reports lists reports, newest first, and the count still unacknowledged.
func (in *Ingestor) Reports(ctx context.Context, acknowledged *bool, limit int) ([]store.Report, int, error) {
	reports, err := in.reports.Reports(ctx, acknowledged, limit)
	if err != nil {
		return nil, 0, err
	}
	unread, err := in.reports.UnacknowledgedCount(ctx)
	if err != nil {
		return nil, 0, err
	}
	return reports, unread, nil
}

func (in *Ingestor) GetReport(ctx context.Context, id int64) (store.Report, error) {
	r, err := in.reports.GetReport(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Report{}, ErrNotFound
	}
	return r, err
}
