package store

import (
	"context"
	"time"
)

// SaveChat persists the merged state of a chat. The cache has already
// applied the merge rules, so the row is replaced wholesale except that a
// known external handle is kept when the incoming one is empty.
func (db *DB) SaveChat(userID string, c Chat) {
	db.enqueue(func(ctx context.Context) error {
		return db.upsertChat(ctx, userID, c)
	})
}

func (db *DB) upsertChat(ctx context.Context, userID string, c Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO chats (user_id, contact_id, external_handle, display_name, last_message_body, last_message_time, unread_count, avatar_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, contact_id) DO UPDATE SET
			external_handle = CASE WHEN excluded.external_handle != '' THEN excluded.external_handle ELSE chats.external_handle END,
			display_name = excluded.display_name,
			last_message_body = CASE WHEN excluded.last_message_time >= chats.last_message_time THEN excluded.last_message_body ELSE chats.last_message_body END,
			last_message_time = MAX(chats.last_message_time, excluded.last_message_time),
			unread_count = excluded.unread_count,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at`,
		userID, c.ContactID, c.ExternalHandle, c.DisplayName, c.LastMessageBody, c.LastMessageTime, c.UnreadCount, c.AvatarURL, now)
	return err
}

func (db *DB) loadChats(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT contact_id, external_handle, display_name, last_message_body, last_message_time, unread_count, avatar_url
		FROM chats
		WHERE user_id = ?
		ORDER BY last_message_time DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ContactID, &c.ExternalHandle, &c.DisplayName, &c.LastMessageBody, &c.LastMessageTime, &c.UnreadCount, &c.AvatarURL); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
