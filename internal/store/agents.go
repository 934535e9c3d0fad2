package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RoleWorker  = "worker"
	RoleManager = "manager"
)

// Agent is an agent row joined with its thread.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"`
	Emoji        string    `json:"emoji"`
	Model        string    `json:"model"`
	Cwd          string    `json:"cwd"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Role         string    `json:"role"`
	Status       string    `json:"status"`
	Notification string    `json:"notification"`
	CreatedAt    time.Time `json:"created_at"`

	ThreadID     string    `json:"thread_id"`
	SessionID    string    `json:"session_id,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	LastActivity time.Time `json:"last_activity"`
}

// NewAgent holds the fields accepted when provisioning an agent.
type NewAgent struct {
	Name         string `json:"name"`
	DisplayName  string `json:"display_name"`
	Emoji        string `json:"emoji"`
	Model        string `json:"model"`
	Cwd          string `json:"cwd"`
	SystemPrompt string `json:"system_prompt"`
	Role         string `json:"role"`
}

// AgentUpdate changes the non-nil fields.
type AgentUpdate struct {
	Name         *string `json:"name"`
	DisplayName  *string `json:"display_name"`
	Emoji        *string `json:"emoji"`
	Model        *string `json:"model"`
	Cwd          *string `json:"cwd"`
	SystemPrompt *string `json:"system_prompt"`
	Role         *string `json:"role"`
}

const agentColumns = `a.id, a.name, a.display_name, a.emoji, a.model, a.cwd, a.system_prompt,
	a.role, a.status, a.notification, a.created_at,
	t.id, COALESCE(t.session_id, ''), t.unread_count, t.last_activity`

func shortID() string {
	return uuid.NewString()[:8]
}

func validRole(role string) bool {
	return role == RoleWorker || role == RoleManager
}

// CreateAgent inserts an agent together with its thread.
func (s *Store) CreateAgent(ctx context.Context, in NewAgent) (Agent, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" || in.Cwd == "" {
		return Agent{}, fmt.Errorf("%w: name and cwd are required", ErrInvalid)
	}
	if in.DisplayName == "" {
		in.DisplayName = in.Name
	}
	if in.Role == "" {
		in.Role = RoleWorker
	}
	if !validRole(in.Role) {
		return Agent{}, fmt.Errorf("%w: role %q", ErrInvalid, in.Role)
	}

	agentID, threadID := shortID(), shortID()
	now := formatTime(s.now())
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, name, display_name, emoji, model, cwd, system_prompt, role, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			agentID, in.Name, in.DisplayName, in.Emoji, in.Model, in.Cwd, in.SystemPrompt, in.Role, now,
		); err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO threads (id, agent_id, last_activity) VALUES (?, ?, ?)`,
			threadID, agentID, now,
		); err != nil {
			return fmt.Errorf("insert thread: %w", err)
		}
		return nil
	})
	if err != nil {
		return Agent{}, err
	}
	return s.GetAgent(ctx, agentID)
}

func scanAgent(row interface{ Scan(...any) error }) (Agent, error) {
	var (
		a                   Agent
		created, lastActive string
	)
	err := row.Scan(&a.ID, &a.Name, &a.DisplayName, &a.Emoji, &a.Model, &a.Cwd, &a.SystemPrompt,
		&a.Role, &a.Status, &a.Notification, &created,
		&a.ThreadID, &a.SessionID, &a.UnreadCount, &lastActive)
	if err != nil {
		return Agent{}, err
	}
	a.CreatedAt = parseTime(created)
	a.LastActivity = parseTime(lastActive)
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+`
		FROM agents a JOIN threads t ON t.agent_id = a.id
		WHERE a.id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// ListAgents returns agents with the most recently active first.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+`
		FROM agents a JOIN threads t ON t.agent_id = a.id
		ORDER BY t.last_activity DESC, a.id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgent(ctx context.Context, id string, up AgentUpdate) (Agent, error) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *v)
		}
	}
	add("name", up.Name)
	add("display_name", up.DisplayName)
	add("emoji", up.Emoji)
	add("model", up.Model)
	add("cwd", up.Cwd)
	add("system_prompt", up.SystemPrompt)
	if up.Role != nil && !validRole(*up.Role) {
		return Agent{}, fmt.Errorf("%w: role %q", ErrInvalid, *up.Role)
	}
	add("role", up.Role)

	if len(sets) == 0 {
		return s.GetAgent(ctx, id)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return Agent{}, fmt.Errorf("update agent %s: %w", id, err)
	}
	if n, err := affected(res); err != nil {
		return Agent{}, err
	} else if n == 0 {
		return Agent{}, ErrNotFound
	}
	return s.GetAgent(ctx, id)
}

// DeleteAgent removes the agent, its thread and its messages.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAgentStatus persists the derived status of an agent.
func (s *Store) SetAgentStatus(ctx context.Context, id, status, notification string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, notification = ? WHERE id = ?`, status, notification, id)
	if err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetStatuses marks every agent offline with no notification. No process
// survives a daemon restart.
func (s *Store) ResetStatuses(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET status = 'offline', notification = 'none'`)
	if err != nil {
		return fmt.Errorf("reset statuses: %w", err)
	}
	return nil
}
