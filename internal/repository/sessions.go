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

const sessionColumns = `id, agent_id, machine_id, pid, command, args, cwd, status, created_at, closed_at`

// CreateSession inserts a session row. The pid stays unset until the process
// is live. An id that is already stored yields domain.ErrDuplicateSession.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	args, _ := json.Marshal(session.Args)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, nullString(session.AgentID), session.MachineID, sql.NullInt64{Int64: int64(session.PID), Valid: session.PID > 0},
		session.Command, string(args), nullString(session.Cwd), session.Status, toMillis(session.CreatedAt), nullMillis(session.ClosedAt))
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateSession, session.ID)
	}
	return err
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return session, err
}

// ListSessions lists sessions, newest first, optionally filtered by status.
func (s *SQLiteStore) ListSessions(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	return s.querySessions(ctx, query, args...)
}

// ListSessionsByAgent lists the sessions carrying an agent, optionally filtered by status.
func (s *SQLiteStore) ListSessionsByAgent(ctx context.Context, agentID string, status domain.SessionStatus) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE agent_id = ?`
	args := []any{agentID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	return s.querySessions(ctx, query, args...)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// SetSessionPID records the pid of a live process.
func (s *SQLiteStore) SetSessionPID(ctx context.Context, sessionID string, pid int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET pid = ? WHERE id = ?`, pid, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CloseSession marks a session closed. It reports false if the session was
// already closed or does not exist.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, closedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, closed_at = ? WHERE id = ? AND status != ?`,
		domain.SessionStatusClosed, toMillis(closedAt), sessionID, domain.SessionStatusClosed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteSession removes a session row and its output. Used to roll back a
// failed spawn.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}

// AppendSessionOutput stores an output chunk and prunes the session's log to
// the newest keep chunks.
func (s *SQLiteStore) AppendSessionOutput(ctx context.Context, sessionID string, data []byte, keep int) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO session_output (session_id, data, created_at) VALUES (?, ?, ?)`,
		sessionID, data, time.Now().UnixMilli()); err != nil {
		return err
	}
	if keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_output WHERE session_id = ? AND seq <= (
			SELECT seq FROM session_output WHERE session_id = ? ORDER BY seq DESC LIMIT 1 OFFSET ?
		)`, sessionID, sessionID, keep)
	return err
}

// ListSessionOutput returns the stored chunks of a session, oldest first.
func (s *SQLiteStore) ListSessionOutput(ctx context.Context, sessionID string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM session_output WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		chunks = append(chunks, data)
	}
	return chunks, rows.Err()
}

func scanSession(sc scanner) (*domain.Session, error) {
	var session domain.Session
	var agentID, args, cwd sql.NullString
	var pid, closedAt sql.NullInt64
	var createdAt int64
	err := sc.Scan(&session.ID, &agentID, &session.MachineID, &pid, &session.Command, &args, &cwd,
		&session.Status, &createdAt, &closedAt)
	if err != nil {
		return nil, err
	}
	session.AgentID = agentID.String
	session.Cwd = cwd.String
	session.PID = int(pid.Int64)
	if args.Valid && args.String != "" && args.String != "null" {
		_ = json.Unmarshal([]byte(args.String), &session.Args)
	}
	session.CreatedAt = fromMillis(createdAt)
	session.ClosedAt = timePtr(closedAt)
	return &session, nil
}
