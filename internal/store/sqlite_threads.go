package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vdavid/supportmail/internal/models"
)

const threadColumns = `id, origin_message_id, subject, status, customer_name, customer_email,
	last_message_at, message_count, created_at, updated_at`

type threadRow struct {
	ID              string `db:"id"`
	OriginMessageID string `db:"origin_message_id"`
	Subject         string `db:"subject"`
	Status          string `db:"status"`
	CustomerName    string `db:"customer_name"`
	CustomerEmail   string `db:"customer_email"`
	LastMessageAt   int64  `db:"last_message_at"`
	MessageCount    int    `db:"message_count"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (r threadRow) toModel() *models.Thread {
	return &models.Thread{
		ID:              r.ID,
		OriginMessageID: r.OriginMessageID,
		Subject:         r.Subject,
		Status:          models.ThreadStatus(r.Status),
		CustomerName:    r.CustomerName,
		CustomerEmail:   r.CustomerEmail,
		LastMessageAt:   fromMillis(r.LastMessageAt),
		MessageCount:    r.MessageCount,
		CreatedAt:       fromMillis(r.CreatedAt),
		UpdatedAt:       fromMillis(r.UpdatedAt),
	}
}

type messageRow struct {
	ID          string        `db:"id"`
	ThreadID    string        `db:"thread_id"`
	MessageKey  string        `db:"message_key"`
	InReplyTo   string        `db:"in_reply_to"`
	References  string        `db:"references_ids"`
	FromAddress string        `db:"from_address"`
	FromName    string        `db:"from_name"`
	ToAddress   string        `db:"to_address"`
	ToName      string        `db:"to_name"`
	Subject     string        `db:"subject"`
	BodyText    string        `db:"body_text"`
	BodyHTML    string        `db:"body_html"`
	IsFromAgent bool          `db:"is_from_agent"`
	Direction   string        `db:"direction"`
	Folder      string        `db:"folder"`
	SourceUID   sql.NullInt64 `db:"source_uid"`
	CreatedAt   int64         `db:"created_at"`
}

func (r messageRow) toModel() (models.Message, error) {
	msg := models.Message{
		ID:          r.ID,
		ThreadID:    r.ThreadID,
		MessageKey:  r.MessageKey,
		InReplyTo:   r.InReplyTo,
		FromAddress: r.FromAddress,
		FromName:    r.FromName,
		ToAddress:   r.ToAddress,
		ToName:      r.ToName,
		Subject:     r.Subject,
		BodyText:    r.BodyText,
		BodyHTML:    r.BodyHTML,
		IsFromAgent: r.IsFromAgent,
		Direction:   models.Direction(r.Direction),
		Folder:      r.Folder,
		CreatedAt:   fromMillis(r.CreatedAt),
	}
	if r.SourceUID.Valid {
		uid := r.SourceUID.Int64
		msg.SourceUID = &uid
	}
	if err := json.Unmarshal([]byte(r.References), &msg.References); err != nil {
		return msg, fmt.Errorf("decoding references of %s: %w", r.MessageKey, err)
	}
	return msg, nil
}

type attachmentRow struct {
	ID          string `db:"id"`
	MessageID   string `db:"message_id"`
	Filename    string `db:"filename"`
	ContentType string `db:"content_type"`
	SizeBytes   int64  `db:"size_bytes"`
	URL         string `db:"url"`
	StoragePath string `db:"storage_path"`
}

type replyRow struct {
	ThreadID  string `db:"thread_id"`
	Responder string `db:"responder"`
	RepliedAt int64  `db:"replied_at"`
}

func getThreadRow(ctx context.Context, q sqlx.QueryerContext, id string) (*models.Thread, error) {
	var row threadRow
	err := sqlx.GetContext(ctx, q, &row, "SELECT "+threadColumns+" FROM threads WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting thread %s: %w", id, err)
	}
	return row.toModel(), nil
}

// GetThread returns a thread with its messages (oldest first), their
// attachments and the reply read model.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	thread, err := getThreadRow(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	var msgRows []messageRow
	err = s.db.SelectContext(ctx, &msgRows, `
		SELECT id, thread_id, message_key, in_reply_to, references_ids,
			from_address, from_name, to_address, to_name, subject, body_text, body_html,
			is_from_agent, direction, folder, source_uid, created_at
		FROM messages WHERE thread_id = ?
		ORDER BY created_at, ingested_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("getting messages of thread %s: %w", id, err)
	}

	var attRows []attachmentRow
	err = s.db.SelectContext(ctx, &attRows, `
		SELECT a.id, a.message_id, a.filename, a.content_type, a.size_bytes, a.url, a.storage_path
		FROM attachments a JOIN messages m ON m.id = a.message_id
		WHERE m.thread_id = ?
		ORDER BY a.filename`, id)
	if err != nil {
		return nil, fmt.Errorf("getting attachments of thread %s: %w", id, err)
	}

	byMessage := make(map[string][]models.Attachment)
	for _, a := range attRows {
		byMessage[a.MessageID] = append(byMessage[a.MessageID], models.Attachment(a))
	}

	thread.Messages = make([]models.Message, 0, len(msgRows))
	for _, r := range msgRows {
		msg, err := r.toModel()
		if err != nil {
			return nil, err
		}
		msg.Attachments = byMessage[msg.ID]
		thread.Messages = append(thread.Messages, msg)
	}

	var replyRows []replyRow
	err = s.db.SelectContext(ctx, &replyRows,
		"SELECT thread_id, responder, replied_at FROM thread_replies WHERE thread_id = ? ORDER BY responder", id)
	if err != nil {
		return nil, fmt.Errorf("getting replies of thread %s: %w", id, err)
	}
	for _, r := range replyRows {
		thread.Replies = append(thread.Replies, models.ThreadReply{
			ThreadID:  r.ThreadID,
			Responder: r.Responder,
			RepliedAt: fromMillis(r.RepliedAt),
		})
	}

	return thread, nil
}

// ListThreads returns one page of threads and the total matching count.
func (s *SQLiteStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]*models.Thread, int, error) {
	where := ""
	var args []any
	if filter.Status != "" {
		where = " WHERE status = ?"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM threads"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("counting threads: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var rows []threadRow
	query := "SELECT " + threadColumns + " FROM threads" + where + " ORDER BY last_message_at DESC, id LIMIT ? OFFSET ?"
	if err := s.db.SelectContext(ctx, &rows, query, append(args, limit, filter.Offset)...); err != nil {
		return nil, 0, fmt.Errorf("listing threads: %w", err)
	}

	threads := make([]*models.Thread, 0, len(rows))
	for _, r := range rows {
		threads = append(threads, r.toModel())
	}
	return threads, total, nil
}
