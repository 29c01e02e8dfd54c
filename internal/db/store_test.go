package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vdavid/supportmail/internal/models"
	"github.com/vdavid/supportmail/internal/store"
)

var baseTime = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newMessage(key string, at time.Time) *models.Message {
	return &models.Message{
		MessageKey:  key,
		FromAddress: "jeanne@example.org",
		FromName:    "Jeanne",
		ToAddress:   "support@example.com",
		Subject:     "Où est mon colis",
		BodyText:    "Bonjour",
		Direction:   models.DirectionInbound,
		Folder:      "INBOX",
		CreatedAt:   at,
	}
}

func newThread(origin string) *models.Thread {
	return &models.Thread{
		OriginMessageID: origin,
		Subject:         "Où est mon colis",
		CustomerName:    "Jeanne",
		CustomerEmail:   "jeanne@example.org",
	}
}

func TestThreadsAndMessages(t *testing.T) {
	pool := newTestPool(t)

	ctx := context.Background()
	s := NewStore(pool)

	thread := newThread("a@x")
	first := newMessage("a@x", baseTime)
	if err := s.CreateThread(ctx, thread, first); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if thread.ID == "" || first.ID == "" {
		t.Fatal("Expected thread and message IDs to be set")
	}
	if thread.MessageCount != 1 || !thread.LastMessageAt.Equal(baseTime) {
		t.Errorf("Unexpected aggregates after create: count=%d last=%v", thread.MessageCount, thread.LastMessageAt)
	}

	t.Run("duplicate create writes nothing", func(t *testing.T) {
		dup := newThread("a@x")
		err := s.CreateThread(ctx, dup, newMessage("a@x", baseTime))
		if !errors.Is(err, store.ErrDuplicateMessage) {
			t.Fatalf("Expected ErrDuplicateMessage, got %v", err)
		}
		_, total, err := s.ListThreads(ctx, store.ThreadFilter{})
		if err != nil {
			t.Fatalf("ListThreads failed: %v", err)
		}
		if total != 1 {
			t.Errorf("Expected 1 thread, got %d", total)
		}
	})

	t.Run("append recomputes aggregates", func(t *testing.T) {
		reply := newMessage("b@x", baseTime.Add(2*time.Hour))
		reply.ThreadID = thread.ID
		reply.InReplyTo = "a@x"
		reply.References = []string{"a@x"}
		updated, err := s.AppendMessage(ctx, reply, false)
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
		if updated.MessageCount != 2 {
			t.Errorf("Expected count 2, got %d", updated.MessageCount)
		}

		late := newMessage("old@x", baseTime.Add(time.Hour))
		late.ThreadID = thread.ID
		updated, err = s.AppendMessage(ctx, late, false)
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
		if !updated.LastMessageAt.Equal(baseTime.Add(2 * time.Hour)) {
			t.Errorf("Expected last_message_at to stay at the newest message, got %v", updated.LastMessageAt)
		}
		if updated.MessageCount != 3 {
			t.Errorf("Expected count 3, got %d", updated.MessageCount)
		}

		dup := newMessage("b@x", baseTime)
		dup.ThreadID = thread.ID
		if _, err := s.AppendMessage(ctx, dup, false); !errors.Is(err, store.ErrDuplicateMessage) {
			t.Errorf("Expected ErrDuplicateMessage, got %v", err)
		}
	})

	t.Run("append to unknown thread", func(t *testing.T) {
		msg := newMessage("c@x", baseTime)
		msg.ThreadID = "00000000-0000-0000-0000-000000000000"
		if _, err := s.AppendMessage(ctx, msg, false); !errors.Is(err, ErrThreadNotFound) {
			t.Errorf("Expected ErrThreadNotFound, got %v", err)
		}
		msg.ThreadID = "not-a-uuid"
		if _, err := s.AppendMessage(ctx, msg, false); !errors.Is(err, ErrThreadNotFound) {
			t.Errorf("Expected ErrThreadNotFound for invalid id, got %v", err)
		}
	})

	t.Run("message lookups", func(t *testing.T) {
		exists, err := s.MessageExists(ctx, "b@x")
		if err != nil || !exists {
			t.Errorf("Expected b@x to exist, got %v, %v", exists, err)
		}
		threadID, err := s.ThreadIDForMessage(ctx, "b@x")
		if err != nil || threadID != thread.ID {
			t.Errorf("Expected thread %s, got %s, %v", thread.ID, threadID, err)
		}
		if _, err := s.ThreadIDForMessage(ctx, "nope@x"); !errors.Is(err, ErrMessageNotFound) {
			t.Errorf("Expected ErrMessageNotFound, got %v", err)
		}
	})

	t.Run("subject lookup honours window and customer", func(t *testing.T) {
		q := store.SubjectQuery{Subject: "Où est mon colis", CustomerEmail: "jeanne@example.org", Since: baseTime}
		threadID, err := s.FindThreadBySubject(ctx, q)
		if err != nil || threadID != thread.ID {
			t.Errorf("Expected thread %s, got %s, %v", thread.ID, threadID, err)
		}

		q.CustomerEmail = "other@example.org"
		if _, err := s.FindThreadBySubject(ctx, q); !errors.Is(err, ErrThreadNotFound) {
			t.Errorf("Expected ErrThreadNotFound for another customer, got %v", err)
		}

		q.CustomerEmail = ""
		q.Since = baseTime.Add(24 * time.Hour)
		if _, err := s.FindThreadBySubject(ctx, q); !errors.Is(err, ErrThreadNotFound) {
			t.Errorf("Expected ErrThreadNotFound outside the window, got %v", err)
		}
	})

	t.Run("get thread with messages, attachments and replies", func(t *testing.T) {
		err := s.SaveAttachments(ctx, first.ID, []models.Attachment{{
			Filename:    "invoice.pdf",
			ContentType: "application/pdf",
			SizeBytes:   3,
			StoragePath: "threads/" + thread.ID + "/uid-1/invoice.pdf",
		}})
		if err != nil {
			t.Fatalf("SaveAttachments failed: %v", err)
		}
		if err := s.RecordReply(ctx, thread.ID, "support@example.com", baseTime.Add(3*time.Hour)); err != nil {
			t.Fatalf("RecordReply failed: %v", err)
		}
		if err := s.RecordReply(ctx, thread.ID, "support@example.com", baseTime); err != nil {
			t.Fatalf("RecordReply failed: %v", err)
		}

		got, err := s.GetThread(ctx, thread.ID)
		if err != nil {
			t.Fatalf("GetThread failed: %v", err)
		}
		if len(got.Messages) != 3 {
			t.Fatalf("Expected 3 messages, got %d", len(got.Messages))
		}
		if got.Messages[0].MessageKey != "a@x" || got.Messages[1].MessageKey != "old@x" {
			t.Errorf("Expected messages oldest first, got %s, %s", got.Messages[0].MessageKey, got.Messages[1].MessageKey)
		}
		if len(got.Messages[0].Attachments) != 1 {
			t.Errorf("Expected 1 attachment on first message, got %d", len(got.Messages[0].Attachments))
		}
		if len(got.Replies) != 1 || !got.Replies[0].RepliedAt.Equal(baseTime.Add(3*time.Hour)) {
			t.Errorf("Expected latest reply time to be kept, got %+v", got.Replies)
		}

		if _, err := s.GetThread(ctx, "not-a-uuid"); !errors.Is(err, ErrThreadNotFound) {
			t.Errorf("Expected ErrThreadNotFound, got %v", err)
		}
	})

	t.Run("reopen and close stale", func(t *testing.T) {
		closed, err := s.CloseStaleThreads(ctx, baseTime.Add(48*time.Hour))
		if err != nil {
			t.Fatalf("CloseStaleThreads failed: %v", err)
		}
		if closed != 1 {
			t.Errorf("Expected 1 closed thread, got %d", closed)
		}

		threads, _, err := s.ListThreads(ctx, store.ThreadFilter{Status: models.ThreadStatusClosed})
		if err != nil || len(threads) != 1 {
			t.Fatalf("Expected 1 closed thread, got %d, %v", len(threads), err)
		}

		msg := newMessage("d@x", baseTime.Add(72*time.Hour))
		msg.ThreadID = thread.ID
		updated, err := s.AppendMessage(ctx, msg, true)
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
		if updated.Status != models.ThreadStatusOpen {
			t.Errorf("Expected thread to reopen, got %s", updated.Status)
		}
	})
}

func TestCursors(t *testing.T) {
	pool := newTestPool(t)

	ctx := context.Background()
	s := NewStore(pool)

	cursor, err := s.GetCursor(ctx, "support@example.com", "INBOX")
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if cursor.LastUID != 0 {
		t.Errorf("Expected zero cursor, got %d", cursor.LastUID)
	}

	save := func(uid, validity uint32) {
		t.Helper()
		err := s.SaveCursor(ctx, models.SyncCursor{Mailbox: "support@example.com", Folder: "INBOX", LastUID: uid, UIDValidity: validity})
		if err != nil {
			t.Fatalf("SaveCursor failed: %v", err)
		}
	}
	get := func() models.SyncCursor {
		t.Helper()
		c, err := s.GetCursor(ctx, "support@example.com", "INBOX")
		if err != nil {
			t.Fatalf("GetCursor failed: %v", err)
		}
		return c
	}

	save(42, 7)
	save(10, 7)
	if c := get(); c.LastUID != 42 {
		t.Errorf("Expected cursor to stay at 42, got %d", c.LastUID)
	}

	save(3, 8)
	if c := get(); c.LastUID != 3 || c.UIDValidity != 8 {
		t.Errorf("Expected reset cursor 3/8, got %d/%d", c.LastUID, c.UIDValidity)
	}

	cursors, err := s.ListCursors(ctx, "support@example.com")
	if err != nil || len(cursors) != 1 {
		t.Errorf("Expected 1 cursor, got %d, %v", len(cursors), err)
	}
}

func TestOrphans(t *testing.T) {
	pool := newTestPool(t)

	ctx := context.Background()
	s := NewStore(pool)

	orphan := models.Orphan{Mailbox: "support@example.com", Folder: "Sent", MessageKey: "out@x", UID: 9, UIDValidity: 3}
	if err := s.RecordOrphan(ctx, orphan); err != nil {
		t.Fatalf("RecordOrphan failed: %v", err)
	}
	if err := s.RecordOrphan(ctx, orphan); err != nil {
		t.Fatalf("RecordOrphan failed: %v", err)
	}

	orphans, err := s.ListOrphans(ctx, "support@example.com", "Sent", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListOrphans failed: %v", err)
	}
	if len(orphans) != 1 || orphans[0].Attempts != 2 || orphans[0].UID != 9 || orphans[0].UIDValidity != 3 {
		t.Fatalf("Unexpected orphans: %+v", orphans)
	}

	pruned, err := s.PruneOrphans(ctx, "support@example.com", "Sent", time.Now().Add(-time.Hour))
	if err != nil || pruned != 0 {
		t.Errorf("Expected nothing pruned, got %d, %v", pruned, err)
	}

	if err := s.DeleteOrphan(ctx, "support@example.com", "Sent", "out@x"); err != nil {
		t.Fatalf("DeleteOrphan failed: %v", err)
	}
	orphans, err = s.ListOrphans(ctx, "support@example.com", "Sent", time.Time{})
	if err != nil || len(orphans) != 0 {
		t.Errorf("Expected no orphans, got %d, %v", len(orphans), err)
	}
}
