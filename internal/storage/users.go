package storage

import "time"

// UserRow is the relay's record of a user. It is written on every connect
// and disconnect and never deleted.
type UserRow struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

// TouchUser records the user's presence.
func (d *DB) TouchUser(userID string, online bool, at time.Time) error {
	on := 0
	if online {
		on = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _users (user_id, online, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			online    = excluded.online,
			last_seen = excluded.last_seen`,
		userID, on, at.UnixMilli(),
	)
	return err
}

// ListUsers returns every known user, most recently seen first.
func (d *DB) ListUsers() ([]UserRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT user_id, online, last_seen FROM _users ORDER BY last_seen DESC, user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserRow
	for rows.Next() {
		var u UserRow
		var on int
		var seen int64
		if err := rows.Scan(&u.UserID, &on, &seen); err != nil {
			return nil, err
		}
		u.Online = on == 1
		u.LastSeen = time.UnixMilli(seen).UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

// ResetPresence marks every user offline. Called at relay start.
func (d *DB) ResetPresence() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE _users SET online = 0`)
	return err
}
