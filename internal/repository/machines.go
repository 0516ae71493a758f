package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

const machineColumns = `id, name, hostname, address, status, channels, last_seen, capabilities, created_at`

// UpsertMachine inserts or updates a machine by id. created_at is kept from
// the first insert.
func (s *SQLiteStore) UpsertMachine(ctx context.Context, m *domain.Machine) error {
	channels, _ := json.Marshal(m.Channels)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (`+machineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hostname = excluded.hostname,
			address = excluded.address,
			status = excluded.status,
			channels = excluded.channels,
			last_seen = excluded.last_seen,
			capabilities = COALESCE(excluded.capabilities, machines.capabilities)`,
		m.ID, m.Name, m.Hostname, nullString(m.Address), m.Status, string(channels),
		toMillis(m.LastSeen), nullJSON(m.Capabilities), toMillis(m.CreatedAt))
	return err
}

// GetMachine retrieves a machine by id.
func (s *SQLiteStore) GetMachine(ctx context.Context, machineID string) (*domain.Machine, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE id = ?`, machineID)
	return scanMachineRow(row)
}

// GetMachineByHostname retrieves the oldest machine registered under hostname.
func (s *SQLiteStore) GetMachineByHostname(ctx context.Context, hostname string) (*domain.Machine, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE hostname = ? ORDER BY created_at ASC LIMIT 1`, hostname)
	return scanMachineRow(row)
}

// ListMachines lists all machines ordered by name.
func (s *SQLiteStore) ListMachines(ctx context.Context) ([]domain.Machine, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+machineColumns+` FROM machines ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []domain.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, *m)
	}
	return machines, rows.Err()
}

// RecordHeartbeat marks the machine online and refreshes last_seen and its
// capability snapshot.
func (s *SQLiteStore) RecordHeartbeat(ctx context.Context, machineID string, capabilities json.RawMessage, seen time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET status = ?, last_seen = ?, capabilities = COALESCE(?, capabilities) WHERE id = ?`,
		domain.MachineStatusOnline, toMillis(seen), nullJSON(capabilities), machineID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TransitionMachineStatus sets status to `to` only if it is currently `from`.
func (s *SQLiteStore) TransitionMachineStatus(ctx context.Context, machineID string, from, to domain.MachineStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET status = ? WHERE id = ? AND status = ?`, to, machineID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteStaleMachines removes machines not seen since lastSeenBefore. Their
// agents are removed by the foreign key cascade.
func (s *SQLiteStore) DeleteStaleMachines(ctx context.Context, lastSeenBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM machines WHERE status != ? AND last_seen < ?`,
		domain.MachineStatusOnline, toMillis(lastSeenBefore))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMachineRow(row *sql.Row) (*domain.Machine, error) {
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func scanMachine(sc scanner) (*domain.Machine, error) {
	var m domain.Machine
	var address, channels, capabilities sql.NullString
	var lastSeen, createdAt int64
	if err := sc.Scan(&m.ID, &m.Name, &m.Hostname, &address, &m.Status, &channels, &lastSeen, &capabilities, &createdAt); err != nil {
		return nil, err
	}
	m.Address = address.String
	if channels.Valid && channels.String != "" {
		_ = json.Unmarshal([]byte(channels.String), &m.Channels)
	}
	if capabilities.Valid {
		m.Capabilities = json.RawMessage(capabilities.String)
	}
	m.LastSeen = fromMillis(lastSeen)
	m.CreatedAt = fromMillis(createdAt)
	return &m, nil
}
