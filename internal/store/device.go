package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SetDevice records the device JID paired for a user.
func (db *DB) SetDevice(ctx context.Context, userID, jid string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO devices (user_id, jid, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			jid = excluded.jid,
			updated_at = excluded.updated_at`,
		userID, jid, time.Now().UnixMilli())
	return err
}

// Device returns the device JID paired for a user, or "" if none.
func (db *DB) Device(ctx context.Context, userID string) (string, error) {
	var jid string
	err := db.QueryRowContext(ctx, `SELECT jid FROM devices WHERE user_id = ?`, userID).Scan(&jid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return jid, err
}

// DeleteDevice forgets a user's device after logout.
func (db *DB) DeleteDevice(ctx context.Context, userID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM devices WHERE user_id = ?`, userID)
	return err
}

// PairedUsers lists the users with a paired device, in id order.
func (db *DB) PairedUsers(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT user_id FROM devices ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
