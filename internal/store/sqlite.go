package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/vdavid/supportmail/internal/models"
)

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs any
// pending schema migrations. ":memory:" gives a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// One connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations applies every migration newer than the recorded version.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (s *SQLiteStore) MessageExists(ctx context.Context, messageKey string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages WHERE message_key = ?", messageKey)
	if err != nil {
		return false, fmt.Errorf("checking message %s: %w", messageKey, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ThreadIDForMessage(ctx context.Context, messageKey string) (string, error) {
	var threadID string
	err := s.db.GetContext(ctx, &threadID, "SELECT thread_id FROM messages WHERE message_key = ?", messageKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("looking up message %s: %w", messageKey, err)
	}
	return threadID, nil
}

func (s *SQLiteStore) FindThreadBySubject(ctx context.Context, q SubjectQuery) (string, error) {
	query := `SELECT id FROM threads WHERE subject = ? AND last_message_at >= ?`
	args := []any{q.Subject, toMillis(q.Since)}
	if q.CustomerEmail != "" {
		query += ` AND customer_email = ?`
		args = append(args, q.CustomerEmail)
	}
	query += ` ORDER BY last_message_at DESC LIMIT 1`

	var threadID string
	err := s.db.GetContext(ctx, &threadID, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrThreadNotFound
	}
	if err != nil {
		return "", fmt.Errorf("finding thread by subject: %w", err)
	}
	return threadID, nil
}

func (s *SQLiteStore) CreateThread(ctx context.Context, thread *models.Thread, msg *models.Message) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	thread.ID = uuid.New().String()
	if thread.Status == "" {
		thread.Status = models.ThreadStatusOpen
	}
	thread.MessageCount = 1
	thread.LastMessageAt = msg.CreatedAt.UTC()
	thread.CreatedAt = now
	thread.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO threads (
			id, origin_message_id, subject, status,
			customer_name, customer_email,
			last_message_at, message_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		thread.ID, thread.OriginMessageID, thread.Subject, thread.Status,
		thread.CustomerName, thread.CustomerEmail,
		toMillis(thread.LastMessageAt), thread.MessageCount, toMillis(now), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("creating thread: %w", err)
	}

	msg.ThreadID = thread.ID
	if err := s.insertMessage(ctx, tx, msg, now); err != nil {
		thread.ID = ""
		msg.ThreadID = ""
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing thread: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message, reopen bool) (*models.Thread, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.GetContext(ctx, &exists, "SELECT COUNT(*) FROM threads WHERE id = ?", msg.ThreadID); err != nil {
		return nil, fmt.Errorf("checking thread %s: %w", msg.ThreadID, err)
	}
	if exists == 0 {
		return nil, ErrThreadNotFound
	}

	now := s.now().UTC()
	if err := s.insertMessage(ctx, tx, msg, now); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE threads SET
			message_count = (SELECT COUNT(*) FROM messages WHERE thread_id = ?),
			last_message_at = (SELECT MAX(created_at) FROM messages WHERE thread_id = ?),
			status = CASE WHEN ? THEN 'open' ELSE status END,
			updated_at = ?
		WHERE id = ?`,
		msg.ThreadID, msg.ThreadID, reopen, toMillis(now), msg.ThreadID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating thread %s: %w", msg.ThreadID, err)
	}

	thread, err := getThreadRow(ctx, tx, msg.ThreadID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}
	return thread, nil
}

func (s *SQLiteStore) insertMessage(ctx context.Context, tx *sqlx.Tx, msg *models.Message, now time.Time) error {
	refs := msg.References
	if refs == nil {
		refs = []string{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("marshaling references for %s: %w", msg.MessageKey, err)
	}

	msg.ID = uuid.New().String()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, thread_id, message_key, in_reply_to, references_ids,
			from_address, from_name, to_address, to_name,
			subject, body_text, body_html, is_from_agent,
			direction, folder, source_uid, created_at, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_key) DO NOTHING`,
		msg.ID, msg.ThreadID, msg.MessageKey, msg.InReplyTo, string(refsJSON),
		msg.FromAddress, msg.FromName, msg.ToAddress, msg.ToName,
		msg.Subject, msg.BodyText, msg.BodyHTML, msg.IsFromAgent,
		string(msg.Direction), msg.Folder, nullableUID(msg.SourceUID), toMillis(msg.CreatedAt), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", msg.MessageKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		msg.ID = ""
		return ErrDuplicateMessage
	}
	return nil
}

func nullableUID(uid *int64) any {
	if uid == nil {
		return nil
	}
	return *uid
}

func (s *SQLiteStore) SaveAttachments(ctx context.Context, messageID string, attachments []models.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range attachments {
		a := &attachments[i]
		a.ID = uuid.New().String()
		a.MessageID = messageID
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (id, message_id, filename, content_type, size_bytes, url, storage_path)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.MessageID, a.Filename, a.ContentType, a.SizeBytes, a.URL, a.StoragePath,
		)
		if err != nil {
			return fmt.Errorf("saving attachment %s: %w", a.Filename, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) RecordReply(ctx context.Context, threadID, responder string, repliedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_replies (thread_id, responder, replied_at) VALUES (?, ?, ?)
		ON CONFLICT (thread_id, responder) DO UPDATE SET
			replied_at = MAX(thread_replies.replied_at, excluded.replied_at)`,
		threadID, responder, toMillis(repliedAt),
	)
	if err != nil {
		return fmt.Errorf("recording reply on thread %s: %w", threadID, err)
	}
	return nil
}

func (s *SQLiteStore) CloseStaleThreads(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads SET status = 'closed', updated_at = ?
		WHERE status = 'open' AND last_message_at < ?`,
		toMillis(s.now()), toMillis(before),
	)
	if err != nil {
		return 0, fmt.Errorf("closing stale threads: %w", err)
	}
	return res.RowsAffected()
}

type cursorRow struct {
	Mailbox     string `db:"mailbox"`
	Folder      string `db:"folder"`
	LastUID     int64  `db:"last_uid"`
	UIDValidity int64  `db:"uid_validity"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r cursorRow) toModel() models.SyncCursor {
	return models.SyncCursor{
		Mailbox:     r.Mailbox,
		Folder:      r.Folder,
		LastUID:     uint32(r.LastUID),
		UIDValidity: uint32(r.UIDValidity),
		UpdatedAt:   fromMillis(r.UpdatedAt),
	}
}

func (s *SQLiteStore) GetCursor(ctx context.Context, mailbox, folder string) (models.SyncCursor, error) {
	var row cursorRow
	err := s.db.GetContext(ctx, &row,
		"SELECT mailbox, folder, last_uid, uid_validity, updated_at FROM sync_cursors WHERE mailbox = ? AND folder = ?",
		mailbox, folder,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncCursor{Mailbox: mailbox, Folder: folder}, nil
	}
	if err != nil {
		return models.SyncCursor{}, fmt.Errorf("reading cursor for %s/%s: %w", mailbox, folder, err)
	}
	return row.toModel(), nil
}

func (s *SQLiteStore) SaveCursor(ctx context.Context, cursor models.SyncCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (mailbox, folder, last_uid, uid_validity, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (mailbox, folder) DO UPDATE SET
			last_uid = CASE
				WHEN sync_cursors.uid_validity = excluded.uid_validity
				THEN MAX(sync_cursors.last_uid, excluded.last_uid)
				ELSE excluded.last_uid
			END,
			uid_validity = excluded.uid_validity,
			updated_at = excluded.updated_at`,
		cursor.Mailbox, cursor.Folder, int64(cursor.LastUID), int64(cursor.UIDValidity), toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("saving cursor for %s/%s: %w", cursor.Mailbox, cursor.Folder, err)
	}
	return nil
}

func (s *SQLiteStore) ListCursors(ctx context.Context, mailbox string) ([]models.SyncCursor, error) {
	var rows []cursorRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT mailbox, folder, last_uid, uid_validity, updated_at FROM sync_cursors WHERE mailbox = ? ORDER BY folder",
		mailbox,
	)
	if err != nil {
		return nil, fmt.Errorf("listing cursors for %s: %w", mailbox, err)
	}

	cursors := make([]models.SyncCursor, 0, len(rows))
	for _, r := range rows {
		cursors = append(cursors, r.toModel())
	}
	return cursors, nil
}

func (s *SQLiteStore) RecordOrphan(ctx context.Context, orphan models.Orphan) error {
	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orphan_messages (mailbox, folder, message_key, uid, uid_validity, attempts, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (mailbox, folder, message_key) DO UPDATE SET
			uid = excluded.uid,
			uid_validity = excluded.uid_validity,
			attempts = orphan_messages.attempts + 1,
			last_seen_at = excluded.last_seen_at`,
		orphan.Mailbox, orphan.Folder, orphan.MessageKey, int64(orphan.UID), int64(orphan.UIDValidity), now, now,
	)
	if err != nil {
		return fmt.Errorf("recording orphan %s: %w", orphan.MessageKey, err)
	}
	return nil
}

type orphanRow struct {
	Mailbox     string `db:"mailbox"`
	Folder      string `db:"folder"`
	MessageKey  string `db:"message_key"`
	UID         int64  `db:"uid"`
	UIDValidity int64  `db:"uid_validity"`
	Attempts    int    `db:"attempts"`
	FirstSeenAt int64  `db:"first_seen_at"`
}

func (s *SQLiteStore) ListOrphans(ctx context.Context, mailbox, folder string, since time.Time) ([]models.Orphan, error) {
	var rows []orphanRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT mailbox, folder, message_key, uid, uid_validity, attempts, first_seen_at
		FROM orphan_messages
		WHERE mailbox = ? AND folder = ? AND first_seen_at >= ?
		ORDER BY uid`,
		mailbox, folder, toMillis(since),
	)
	if err != nil {
		return nil, fmt.Errorf("listing orphans for %s/%s: %w", mailbox, folder, err)
	}

	orphans := make([]models.Orphan, 0, len(rows))
	for _, r := range rows {
		orphans = append(orphans, models.Orphan{
			Mailbox:     r.Mailbox,
			Folder:      r.Folder,
			MessageKey:  r.MessageKey,
			UID:         uint32(r.UID),
			UIDValidity: uint32(r.UIDValidity),
			Attempts:    r.Attempts,
			FirstSeenAt: fromMillis(r.FirstSeenAt),
		})
	}
	return orphans, nil
}

func (s *SQLiteStore) DeleteOrphan(ctx context.Context, mailbox, folder, messageKey string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM orphan_messages WHERE mailbox = ? AND folder = ? AND message_key = ?",
		mailbox, folder, messageKey,
	)
	if err != nil {
		return fmt.Errorf("deleting orphan %s: %w", messageKey, err)
	}
	return nil
}

func (s *SQLiteStore) PruneOrphans(ctx context.Context, mailbox, folder string, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM orphan_messages WHERE mailbox = ? AND folder = ? AND first_seen_at < ?",
		mailbox, folder, toMillis(before),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning orphans for %s/%s: %w", mailbox, folder, err)
	}
	return res.RowsAffected()
}
