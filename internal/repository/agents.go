package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// MaxLastOutput bounds the stored tail of an agent's output.
const MaxLastOutput = 2000

const agentColumns = `id, machine_id, name, type, status, current_task, progress, tokens_used, context_used,
	context_limit, started_at, last_activity, progress_changed_at, last_output, metadata`

// UpdateAgentStatus applies a status update, creating the agent on its first
// report. progress_changed_at moves whenever progress or status changes.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, upd *domain.AgentStatusUpdate) (*domain.Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := scanAgentRow(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, upd.AgentID))
	if err != nil {
		return nil, err
	}

	now := upd.At
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var next domain.Agent
	if cur == nil {
		if upd.MachineID == "" {
			return nil, fmt.Errorf("%w: machine_id is required for a new agent", domain.ErrInvalidArgument)
		}
		next = domain.Agent{
			ID:                upd.AgentID,
			MachineID:         upd.MachineID,
			Name:              upd.AgentID,
			Status:            domain.AgentStatusIdle,
			ProgressChangedAt: now,
		}
	} else {
		if upd.MachineID != "" && upd.MachineID != cur.MachineID {
			return nil, fmt.Errorf("%w: agent %s is owned by machine %s", domain.ErrInvalidArgument, cur.ID, cur.MachineID)
		}
		next = *cur
	}

	applyAgentUpdate(&next, upd)
	if cur == nil || next.Status != cur.Status || next.Progress != cur.Progress {
		next.ProgressChangedAt = now
	}
	if next.StartedAt == nil && next.Status == domain.AgentStatusWorking {
		started := now
		next.StartedAt = &started
	}
	next.LastActivity = now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			current_task = excluded.current_task,
			progress = excluded.progress,
			tokens_used = excluded.tokens_used,
			context_used = excluded.context_used,
			context_limit = excluded.context_limit,
			started_at = excluded.started_at,
			last_activity = excluded.last_activity,
			progress_changed_at = excluded.progress_changed_at,
			last_output = excluded.last_output,
			metadata = excluded.metadata`,
		next.ID, next.MachineID, next.Name, nullString(next.Type), next.Status, nullString(next.CurrentTask),
		next.Progress, next.TokensUsed, next.ContextUsed, next.ContextLimit, nullMillis(next.StartedAt),
		toMillis(next.LastActivity), toMillis(next.ProgressChangedAt), nullString(next.LastOutput), nullJSON(next.Metadata))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &next, nil
}

func applyAgentUpdate(a *domain.Agent, upd *domain.AgentStatusUpdate) {
	if upd.Name != "" {
		a.Name = upd.Name
	}
	if upd.Type != "" {
		a.Type = upd.Type
	}
	if upd.Status != "" {
		a.Status = upd.Status
	}
	if upd.CurrentTask != nil {
		a.CurrentTask = *upd.CurrentTask
	}
	if upd.Progress != nil {
		a.Progress = *upd.Progress
	}
	if upd.TokensUsed != nil {
		a.TokensUsed = *upd.TokensUsed
	}
	if upd.ContextUsed != nil {
		a.ContextUsed = *upd.ContextUsed
	}
	if upd.ContextLimit != nil {
		a.ContextLimit = *upd.ContextLimit
	}
	if upd.LastOutput != nil {
		a.LastOutput = domain.TailBytes(*upd.LastOutput, MaxLastOutput)
	}
	if len(upd.Metadata) > 0 {
		a.Metadata = upd.Metadata
	}
}

// GetAgent retrieves an agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	return scanAgentRow(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID))
}

// ListAgents lists agents, optionally restricted to one machine.
func (s *SQLiteStore) ListAgents(ctx context.Context, machineID string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if machineID != "" {
		query += ` WHERE machine_id = ?`
		args = append(args, machineID)
	}
	query += ` ORDER BY machine_id, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// CountActiveAgents counts working or waiting agents on a machine.
func (s *SQLiteStore) CountActiveAgents(ctx context.Context, machineID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE machine_id = ? AND status IN (?, ?)`,
		machineID, domain.AgentStatusWorking, domain.AgentStatusWaiting).Scan(&n)
	return n, err
}

func scanAgentRow(row *sql.Row) (*domain.Agent, error) {
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func scanAgent(sc scanner) (*domain.Agent, error) {
	var a domain.Agent
	var typ, task, lastOutput, metadata sql.NullString
	var startedAt sql.NullInt64
	var lastActivity, progressChangedAt int64
	err := sc.Scan(&a.ID, &a.MachineID, &a.Name, &typ, &a.Status, &task, &a.Progress, &a.TokensUsed,
		&a.ContextUsed, &a.ContextLimit, &startedAt, &lastActivity, &progressChangedAt, &lastOutput, &metadata)
	if err != nil {
		return nil, err
	}
	a.Type = typ.String
	a.CurrentTask = task.String
	a.LastOutput = lastOutput.String
	if metadata.Valid {
		a.Metadata = []byte(metadata.String)
	}
	a.StartedAt = timePtr(startedAt)
	a.LastActivity = fromMillis(lastActivity)
	a.ProgressChangedAt = fromMillis(progressChangedAt)
	return &a, nil
}
