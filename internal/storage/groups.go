package storage

import "fmt"

// AddGroupMember records userID as a member of groupID.
func (d *DB) AddGroupMember(groupID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(
		`INSERT OR IGNORE INTO _group_members (group_id, user_id) VALUES (?, ?)`,
		groupID, userID,
	)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

// IsGroupMember reports whether userID ever joined groupID.
func (d *DB) IsGroupMember(groupID, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM _group_members WHERE group_id = ? AND user_id = ?`, groupID, userID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListGroupMembers returns the members of a group, sorted.
func (d *DB) ListGroupMembers(groupID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT user_id FROM _group_members WHERE group_id = ? ORDER BY user_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
