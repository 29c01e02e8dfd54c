package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/supportmail/internal/models"
	"github.com/vdavid/supportmail/internal/store"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = store.ErrMessageNotFound

// insertMessage writes msg inside tx. The unique message_key makes a second
// insert a no-op that reports store.ErrDuplicateMessage.
func insertMessage(ctx context.Context, tx pgx.Tx, msg *models.Message) error {
	refs := msg.References
	if refs == nil {
		refs = []string{}
	}

	var id string
	err := tx.QueryRow(ctx, `
		INSERT INTO messages (
			thread_id,
			message_key,
			in_reply_to,
			references_ids,
			from_address,
			from_name,
			to_address,
			to_name,
			subject,
			body_text,
			body_html,
			is_from_agent,
			direction,
			folder,
			source_uid,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (message_key) DO NOTHING
		RETURNING id
	`,
		msg.ThreadID,
		msg.MessageKey,
		msg.InReplyTo,
		refs,
		msg.FromAddress,
		msg.FromName,
		msg.ToAddress,
		msg.ToName,
		msg.Subject,
		msg.BodyText,
		msg.BodyHTML,
		msg.IsFromAgent,
		string(msg.Direction),
		msg.Folder,
		msg.SourceUID,
		msg.CreatedAt.UTC(),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.MessageKey, err)
	}

	msg.ID = id
	return nil
}

// MessageExists reports whether a message with the key is already stored.
func MessageExists(ctx context.Context, pool *pgxpool.Pool, messageKey string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE message_key = $1)`, messageKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check message %s: %w", messageKey, err)
	}
	return exists, nil
}

// ThreadIDForMessage returns the thread holding the message with the key.
func ThreadIDForMessage(ctx context.Context, pool *pgxpool.Pool, messageKey string) (string, error) {
	var threadID string
	err := pool.QueryRow(ctx, `SELECT thread_id FROM messages WHERE message_key = $1`, messageKey).Scan(&threadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up message %s: %w", messageKey, err)
	}
	return threadID, nil
}

// GetMessagesForThread returns all messages for a thread, oldest first, with
// their attachments.
func GetMessagesForThread(ctx context.Context, pool *pgxpool.Pool, threadID string) ([]models.Message, error) {
	rows, err := pool.Query(ctx, `
		SELECT
			id,
			thread_id,
			message_key,
			in_reply_to,
			references_ids,
			from_address,
			from_name,
			to_address,
			to_name,
			subject,
			body_text,
			body_html,
			is_from_agent,
			direction,
			folder,
			source_uid,
			created_at
		FROM messages
		WHERE thread_id = $1
		ORDER BY created_at ASC, id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages for thread: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		var direction string
		if err := rows.Scan(
			&msg.ID,
			&msg.ThreadID,
			&msg.MessageKey,
			&msg.InReplyTo,
			&msg.References,
			&msg.FromAddress,
			&msg.FromName,
			&msg.ToAddress,
			&msg.ToName,
			&msg.Subject,
			&msg.BodyText,
			&msg.BodyHTML,
			&msg.IsFromAgent,
			&direction,
			&msg.Folder,
			&msg.SourceUID,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Direction = models.Direction(direction)
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	rows.Close()

	for i := range messages {
		attachments, err := GetAttachmentsForMessage(ctx, pool, messages[i].ID)
		if err != nil {
			return nil, err
		}
		messages[i].Attachments = attachments
	}

	return messages, nil
}

// SaveAttachments stores the attachment records of one message.
func SaveAttachments(ctx context.Context, pool *pgxpool.Pool, messageID string, attachments []models.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := range attachments {
		a := &attachments[i]
		a.MessageID = messageID
		err := tx.QueryRow(ctx, `
			INSERT INTO attachments (message_id, filename, content_type, size_bytes, url, storage_path)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, messageID, a.Filename, a.ContentType, a.SizeBytes, a.URL, a.StoragePath).Scan(&a.ID)
		if err != nil {
			return fmt.Errorf("failed to save attachment %s: %w", a.Filename, err)
		}
	}

	return tx.Commit(ctx)
}

// GetAttachmentsForMessage returns the attachment records of one message.
func GetAttachmentsForMessage(ctx context.Context, pool *pgxpool.Pool, messageID string) ([]models.Attachment, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, message_id, filename, content_type, size_bytes, url, storage_path
		FROM attachments
		WHERE message_id = $1
		ORDER BY filename, id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	var attachments []models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.ContentType, &a.SizeBytes, &a.URL, &a.StoragePath); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}
