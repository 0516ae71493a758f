package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

const alertColumns = `id, machine_id, agent_id, type, message, acknowledged, created_at`

// CreateAlert appends an alert.
func (s *SQLiteStore) CreateAlert(ctx context.Context, alert *domain.Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (`+alertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, nullString(alert.MachineID), nullString(alert.AgentID), alert.Type, alert.Message,
		alert.Acknowledged, toMillis(alert.CreatedAt))
	return err
}

// GetAlert retrieves an alert by id.
func (s *SQLiteStore) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	alert, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return alert, err
}

// ListAlerts lists alerts newest first.
func (s *SQLiteStore) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	var where []string
	var args []any
	if filter.UnacknowledgedOnly {
		where = append(where, `acknowledged = 0`)
	}
	if filter.MachineID != "" {
		where = append(where, `machine_id = ?`)
		args = append(args, filter.MachineID)
	}
	if filter.AgentID != "" {
		where = append(where, `agent_id = ?`)
		args = append(args, filter.AgentID)
	}
	if filter.Type != "" {
		where = append(where, `type = ?`)
		args = append(args, filter.Type)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert flips the acknowledged flag. Acknowledging twice is not an
// error; false means the alert does not exist.
func (s *SQLiteStore) AcknowledgeAlert(ctx context.Context, alertID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET acknowledged = 1 WHERE id = ?`, alertID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanAlert(sc scanner) (*domain.Alert, error) {
	var alert domain.Alert
	var machineID, agentID sql.NullString
	var createdAt int64
	if err := sc.Scan(&alert.ID, &machineID, &agentID, &alert.Type, &alert.Message, &alert.Acknowledged, &createdAt); err != nil {
		return nil, err
	}
	alert.MachineID = machineID.String
	alert.AgentID = agentID.String
	alert.CreatedAt = fromMillis(createdAt)
	return &alert, nil
}
