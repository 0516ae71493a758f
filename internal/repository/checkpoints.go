package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

const checkpointColumns = `session_id, agent_id, status, state, resumed_by, created_at, updated_at`

// SaveCheckpoint writes a checkpoint for a session that has none, or refreshes
// the snapshot of one that is still interrupted. Resumed and completed
// checkpoints are never overwritten; saved is false in that case.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *domain.Checkpoint) (bool, error) {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return false, fmt.Errorf("marshal checkpoint state: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			state = excluded.state,
			updated_at = excluded.updated_at
		WHERE checkpoints.status = ? AND excluded.status = ?`,
		cp.SessionID, nullString(cp.AgentID), cp.Status, string(state), toMillis(cp.CreatedAt), toMillis(cp.UpdatedAt),
		domain.CheckpointStatusInterrupted, domain.CheckpointStatusInterrupted)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetCheckpoint retrieves the checkpoint of a session.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

// ListCheckpoints lists checkpoints, most recently updated first.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, status domain.CheckpointStatus, limit int) ([]domain.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, *cp)
	}
	return checkpoints, rows.Err()
}

// ResumeCheckpoint claims an interrupted checkpoint. The conditional update
// makes concurrent claims race-free: exactly one caller sees true.
func (s *SQLiteStore) ResumeCheckpoint(ctx context.Context, sessionID, newSessionID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = ?, resumed_by = ?, updated_at = ?
		WHERE session_id = ? AND status = ? AND resumed_by IS NULL`,
		domain.CheckpointStatusResumed, newSessionID, toMillis(at), sessionID, domain.CheckpointStatusInterrupted)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteFinishedCheckpoints removes resumed and completed checkpoints last
// updated before the cutoff. Interrupted checkpoints are kept.
func (s *SQLiteStore) DeleteFinishedCheckpoints(ctx context.Context, updatedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE status IN (?, ?) AND updated_at < ?`,
		domain.CheckpointStatusResumed, domain.CheckpointStatusCompleted, toMillis(updatedBefore))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanCheckpoint(sc scanner) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var agentID, resumedBy sql.NullString
	var state string
	var createdAt, updatedAt int64
	if err := sc.Scan(&cp.SessionID, &agentID, &cp.Status, &state, &resumedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	cp.AgentID = agentID.String
	cp.ResumedBy = resumedBy.String
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	cp.CreatedAt = fromMillis(createdAt)
	cp.UpdatedAt = fromMillis(updatedAt)
	return &cp, nil
}
