package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultHistoryLimit caps history queries that pass no limit.
const DefaultHistoryLimit = 200

// MessageRow is one persisted message. Exactly one of ToUser and GroupID is
// set.
type MessageRow struct {
	ID               string
	ClientMessageID  string
	FromUser         string
	ToUser           string
	GroupID          string
	MessageType      string
	Content          string
	Metadata         string
	ReplyToMessageID string
	CreatedAt        time.Time
}

const messageColumns = `id, client_message_id, from_user, to_user, group_id, message_type,
	content, metadata, reply_to_message_id, created_at`

// InsertMessage stores m unless the sender already submitted the same client
// message id. In that case the stored row is returned with duplicate set.
func (d *DB) InsertMessage(m MessageRow) (row MessageRow, duplicate bool, err error) {
	if m.ID == "" || m.ClientMessageID == "" || m.FromUser == "" {
		return MessageRow{}, false, fmt.Errorf("insert message: id, client id and sender are required")
	}
	if (m.ToUser == "") == (m.GroupID == "") {
		return MessageRow{}, false, fmt.Errorf("insert message: exactly one of recipient and group is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_user, client_message_id) DO NOTHING`,
		m.ID, m.ClientMessageID, m.FromUser, m.ToUser, m.GroupID, m.MessageType,
		m.Content, m.Metadata, m.ReplyToMessageID, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return MessageRow{}, false, fmt.Errorf("insert message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return m, false, nil
	}

	existing, err := scanMessage(d.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE from_user = ? AND client_message_id = ?`,
		m.FromUser, m.ClientMessageID,
	))
	if err != nil {
		return MessageRow{}, false, fmt.Errorf("load duplicate: %w", err)
	}
	return existing, true, nil
}

// GetMessage returns a message by server id.
func (d *DB) GetMessage(id string) (MessageRow, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, err := scanMessage(d.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRow{}, false, nil
	}
	if err != nil {
		return MessageRow{}, false, err
	}
	return m, true, nil
}

// ListDirect returns the last limit messages between a and b, oldest first.
func (d *DB) ListDirect(a, b string, limit int) ([]MessageRow, error) {
	return d.list(`
		SELECT `+messageColumns+` FROM messages
		WHERE group_id = '' AND ((from_user = ? AND to_user = ?) OR (from_user = ? AND to_user = ?))
		ORDER BY seq DESC LIMIT ?`, a, b, b, a, clampLimit(limit))
}

// ListGroup returns the last limit messages of a group, oldest first.
func (d *DB) ListGroup(groupID string, limit int) ([]MessageRow, error) {
	return d.list(`
		SELECT `+messageColumns+` FROM messages
		WHERE group_id = ?
		ORDER BY seq DESC LIMIT ?`, groupID, clampLimit(limit))
}

func (d *DB) list(query string, args ...any) ([]MessageRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (MessageRow, error) {
	var m MessageRow
	var created int64
	err := r.Scan(&m.ID, &m.ClientMessageID, &m.FromUser, &m.ToUser, &m.GroupID, &m.MessageType,
		&m.Content, &m.Metadata, &m.ReplyToMessageID, &created)
	if err != nil {
		return MessageRow{}, err
	}
	m.CreatedAt = time.UnixMilli(created).UTC()
	return m, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultHistoryLimit {
		return DefaultHistoryLimit
	}
	return limit
}
