package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// statusRank mirrors DeliveryStatus.rank in SQL.
func statusRank(expr string) string {
	return `CASE ` + expr + `
		WHEN 'pending' THEN 1
		WHEN 'sent' THEN 2
		WHEN 'delivered' THEN 3
		WHEN 'read' THEN 4
		WHEN 'played' THEN 4
		ELSE 0 END`
}

// SaveMessage persists a message; an existing row with the same id wins.
func (db *DB) SaveMessage(userID string, m Message) {
	db.enqueue(func(ctx context.Context) error {
		return db.insertMessage(ctx, userID, m)
	})
}

func (db *DB) insertMessage(ctx context.Context, userID string, m Message) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (user_id, id, chat_id, direction, sender_name, body, timestamp, type, media_ref, delivery_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO NOTHING`,
		userID, m.ID, m.ChatID, m.Direction, m.SenderName, m.Body, m.Timestamp, m.Type, m.MediaRef, m.DeliveryStatus, now)
	return err
}

// SaveDeliveryStatus applies a status only if it is forward progress.
func (db *DB) SaveDeliveryStatus(userID, messageID string, status DeliveryStatus) {
	db.enqueue(func(ctx context.Context) error {
		_, err := db.updateDeliveryStatus(ctx, userID, messageID, status)
		return err
	})
}

func (db *DB) updateDeliveryStatus(ctx context.Context, userID, messageID string, status DeliveryStatus) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET delivery_status = ?1
		WHERE user_id = ?2 AND id = ?3 AND direction = 'outbound'
		AND (
			(?1 = 'error' AND delivery_status != 'error')
			OR `+statusRank("?1")+` > `+statusRank("delivery_status")+`
		)`,
		status, userID, messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteMessages removes evicted messages.
func (db *DB) DeleteMessages(userID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	ids = append([]string(nil), ids...)
	db.enqueue(func(ctx context.Context) error {
		return db.deleteMessages(ctx, userID, ids)
	})
}

func (db *DB) deleteMessages(ctx context.Context, userID string, ids []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const batch = 500
	for len(ids) > 0 {
		n := min(batch, len(ids))
		args := make([]any, 0, n+1)
		args = append(args, userID)
		for _, id := range ids[:n] {
			args = append(args, id)
		}
		q := `DELETE FROM messages WHERE user_id = ? AND id IN (?` + strings.Repeat(",?", n-1) + `)`
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		ids = ids[n:]
	}
	return tx.Commit()
}

func (db *DB) loadMessages(ctx context.Context, userID string) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, chat_id, direction, sender_name, body, timestamp, type, media_ref, delivery_status
		FROM messages
		WHERE user_id = ?
		ORDER BY timestamp ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Direction, &m.SenderName, &m.Body, &m.Timestamp, &m.Type, &m.MediaRef, &m.DeliveryStatus); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
