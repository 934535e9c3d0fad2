package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-command/agentchatd/internal/config"
	"github.com/agent-command/agentchatd/internal/hook"
)

// Hook commands run inside agent hooks. They never fail the hook: every
// error is printed to stderr and the exit status stays 0.
var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Post agent activity to a running daemon",
}

var hookHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Read a hook event on stdin and post it as a heartbeat",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runHeartbeat(cmd.Context(), cmd.InOrStdin()); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "agentchatd hook: %v\n", err)
		}
	},
}

var reportFlags struct {
	kind    string
	title   string
	summary string
	payload string
}

var hookReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Post a structured report",
	Run: func(cmd *cobra.Command, args []string) {
		id, err := runReport(cmd.Context())
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "agentchatd hook: %v\n", err)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", id)
	},
}

func init() {
	f := hookReportCmd.Flags()
	f.StringVar(&reportFlags.kind, "type", hook.ReportCheckpoint, "report type (complete, checkpoint, blocked, decision)")
	f.StringVar(&reportFlags.title, "title", "", "report title")
	f.StringVar(&reportFlags.summary, "summary", "", "report summary")
	f.StringVar(&reportFlags.payload, "payload", "", "optional JSON payload")
	hookCmd.AddCommand(hookHeartbeatCmd, hookReportCmd)
}

// hookClient reads the daemon address from config, falling back to the
// defaults when the file cannot be loaded.
func hookClient() *hook.Client {
	cfg, err := loadConfig()
	if err != nil {
		cfg = config.Default()
	}
	return hook.NewClient(cfg.Hooks.URL, cfg.Hooks.Timeout())
}

// agentIdentity returns the ids injected into every supervised process.
func agentIdentity() (string, string, error) {
	id, name := os.Getenv("AGENT_CHAT_ID"), os.Getenv("AGENT_CHAT_NAME")
	if id == "" {
		return "", "", fmt.Errorf("AGENT_CHAT_ID is not set")
	}
	if name == "" {
		name = id
	}
	return id, name, nil
}

func runHeartbeat(ctx context.Context, stdin io.Reader) error {
	id, name, err := agentIdentity()
	if err != nil {
		return err
	}
	ev, err := hook.ReadEvent(stdin)
	if err != nil {
		return err
	}
	return hookClient().SendHeartbeat(ctx, hook.HeartbeatFromEvent(ev, id, name, time.Now()))
}

func runReport(ctx context.Context) (int64, error) {
	id, name, err := agentIdentity()
	if err != nil {
		return 0, err
	}
	r := hook.Report{
		AgentID:   id,
		AgentName: name,
		Type:      reportFlags.kind,
		Title:     reportFlags.title,
		Summary:   reportFlags.summary,
	}
	if reportFlags.payload != "" {
		if !json.Valid([]byte(reportFlags.payload)) {
			return 0, fmt.Errorf("--payload is not valid JSON")
		}
		r.Payload = json.RawMessage(reportFlags.payload)
	}
	return hookClient().SendReport(ctx, r)
}
