package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Report struct {
	ID           int64           `json:"id"`
	AgentID      string          `json:"agent_id"`
	AgentName    string          `json:"agent_name"`
	Type         string          `json:"type"`
	Title        string          `json:"title"`
	Summary      string          `json:"summary"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Acknowledged bool            `json:"acknowledged"`
	CreatedAt    time.Time       `json:"created_at"`
}

type NewReport struct {
	AgentID   string
	AgentName string
	Type      string
	Title     string
	Summary   string
	Payload   json.RawMessage
}

const reportColumns = `id, agent_id, agent_name, type, title, summary, payload, acknowledged, created_at`

func scanReport(row interface{ Scan(...any) error }) (Report, error) {
	var (
		r       Report
		payload sql.NullString
		created string
	)
	if err := row.Scan(&r.ID, &r.AgentID, &r.AgentName, &r.Type, &r.Title, &r.Summary,
		&payload, &r.Acknowledged, &created); err != nil {
		return Report{}, err
	}
	if payload.Valid && payload.String != "" {
		r.Payload = json.RawMessage(payload.String)
	}
	r.CreatedAt = parseTime(created)
	return r, nil
}

// AddReport appends a report. Ids increase with every insert.
func (s *Store) AddReport(ctx context.Context, in NewReport) (Report, error) {
	var payload any
	if len(in.Payload) > 0 && string(in.Payload) != "null" {
		if !json.Valid(in.Payload) {
			return Report{}, fmt.Errorf("%w: payload is not JSON", ErrInvalid)
		}
		payload = string(in.Payload)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (agent_id, agent_name, type, title, summary, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.AgentID, in.AgentName, in.Type, in.Title, in.Summary, payload, formatTime(now))
	if err != nil {
		return Report{}, fmt.Errorf("insert report: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Report{}, err
	}
	return s.GetReport(ctx, id)
}

func (s *Store) GetReport(ctx context.Context, id int64) (Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("get report %d: %w", id, err)
	}
	return r, nil
}

// Reports lists the newest reports first, optionally filtered by the
// acknowledged flag.
func (s *Store) Reports(ctx context.Context, acknowledged *bool, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if acknowledged == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+reportColumns+` FROM reports ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+reportColumns+` FROM reports WHERE acknowledged = ? ORDER BY id DESC LIMIT ?`,
			*acknowledged, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	reports := []Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// AcknowledgeReport sets the acknowledged flag. Repeating it is harmless.
func (s *Store) AcknowledgeReport(ctx context.Context, id int64) (Report, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE reports SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return Report{}, fmt.Errorf("acknowledge report %d: %w", id, err)
	}
	if n, err := affected(res); err != nil {
		return Report{}, err
	} else if n == 0 {
		return Report{}, ErrNotFound
	}
	return s.GetReport(ctx, id)
}

// AcknowledgeAll acknowledges every open report and returns how many changed.
func (s *Store) AcknowledgeAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE reports SET acknowledged = 1 WHERE acknowledged = 0`)
	if err != nil {
		return 0, fmt.Errorf("acknowledge all: %w", err)
	}
	return affected(res)
}

func (s *Store) UnacknowledgedCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE acknowledged = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reports: %w", err)
	}
	return n, nil
}
