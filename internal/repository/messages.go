package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

const messageColumns = `seq, id, from_machine_id, from_machine_name, to_machine_id, to_machine_name,
	channel, type, content, metadata, read, created_at`

// recipientReadColumns selects the read state as seen by one recipient:
// broadcasts keep it per machine in message_reads, direct messages in the
// row itself. The placeholders take the broadcast recipient and machine id.
const recipientReadColumns = `seq, id, from_machine_id, from_machine_name, to_machine_id, to_machine_name,
	channel, type, content, metadata,
	CASE WHEN to_machine_id = ?
		THEN EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = machine_messages.id AND r.machine_id = ?)
		ELSE read END AS read,
	created_at`

// CreateMessage appends a message to the relay log and assigns its Seq.
// A message whose id is already stored is not inserted again; inserted is
// false and Seq is taken from the stored copy.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.MachineMessage) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO machine_messages
			(id, from_machine_id, from_machine_name, to_machine_id, to_machine_name, channel, type, content, metadata, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.FromID, nullString(msg.FromName), msg.ToID, nullString(msg.ToName), msg.Channel, msg.Type,
		msg.Content, nullJSON(msg.Metadata), msg.Read, toMillis(msg.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		existing, err := s.GetMessage(ctx, msg.ID)
		if err != nil {
			return false, err
		}
		if existing != nil {
			*msg = *existing
		}
		return false, nil
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return false, err
	}
	msg.Seq = seq
	return true, nil
}

// GetMessage retrieves a message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.MachineMessage, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM machine_messages WHERE id = ?`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// ListMessages returns relay history in sequence order. With a recipient
// filter, Read reports that recipient's view of broadcasts.
func (s *SQLiteStore) ListMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.MachineMessage, error) {
	var where []string
	var args []any
	columns := messageColumns
	if filter.To != "" {
		columns = recipientReadColumns
		args = append(args, domain.BroadcastRecipient, filter.To)
	}
	if filter.From != "" {
		where = append(where, `from_machine_id = ?`)
		args = append(args, filter.From)
	}
	if filter.To != "" {
		where = append(where, `(to_machine_id = ? OR to_machine_id = ?)`)
		args = append(args, filter.To, domain.BroadcastRecipient)
	}
	if filter.ExcludeFrom != "" {
		where = append(where, `from_machine_id != ?`)
		args = append(args, filter.ExcludeFrom)
	}
	if filter.Type != "" {
		where = append(where, `type = ?`)
		args = append(args, filter.Type)
	}
	if filter.Channel != "" {
		where = append(where, `channel = ?`)
		args = append(args, filter.Channel)
	}
	if filter.AfterSeq > 0 {
		where = append(where, `seq > ?`)
		args = append(args, filter.AfterSeq)
	}
	if !filter.Since.IsZero() {
		where = append(where, `created_at >= ?`)
		args = append(args, toMillis(filter.Since))
	}
	if filter.UnreadOnly {
		if filter.To != "" {
			where = append(where, `(CASE WHEN to_machine_id = ?
				THEN NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = machine_messages.id AND r.machine_id = ?)
				ELSE read = 0 END)`)
			args = append(args, domain.BroadcastRecipient, filter.To)
		} else {
			where = append(where, `read = 0`)
		}
	}

	query := `SELECT ` + columns + ` FROM machine_messages`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.MachineMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// MarkMessagesRead marks messages addressed to machineID as read by it.
// Direct messages flip their own flag; a broadcast is recorded per reader so
// other recipients still see it unread.
func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, machineID string, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	ids := make([]any, 0, len(messageIDs))
	for _, id := range messageIDs {
		ids = append(ids, id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE machine_messages SET read = 1
		WHERE to_machine_id = ? AND id IN (`+placeholders(len(ids))+`)`,
		append([]any{machineID}, ids...)...)
	if err != nil {
		return 0, err
	}
	direct, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	res, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_reads (message_id, machine_id, read_at)
		SELECT id, ?, ? FROM machine_messages
		WHERE to_machine_id = ? AND id IN (`+placeholders(len(ids))+`)`,
		append([]any{machineID, toMillis(time.Now()), domain.BroadcastRecipient}, ids...)...)
	if err != nil {
		return 0, err
	}
	broadcast, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return direct + broadcast, nil
}

func scanMessage(sc scanner) (*domain.MachineMessage, error) {
	var msg domain.MachineMessage
	var fromName, toName, metadata sql.NullString
	var createdAt int64
	err := sc.Scan(&msg.Seq, &msg.ID, &msg.FromID, &fromName, &msg.ToID, &toName, &msg.Channel, &msg.Type,
		&msg.Content, &metadata, &msg.Read, &createdAt)
	if err != nil {
		return nil, err
	}
	msg.FromName = fromName.String
	msg.ToName = toName.String
	if metadata.Valid {
		msg.Metadata = []byte(metadata.String)
	}
	msg.CreatedAt = fromMillis(createdAt)
	return &msg, nil
}
