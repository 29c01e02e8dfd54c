package ingest

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/supportmail/internal/mailparse"
	"github.com/vdavid/supportmail/internal/models"
	"github.com/vdavid/supportmail/internal/store"
	"github.com/vdavid/supportmail/internal/syncerr"
	"github.com/vdavid/supportmail/internal/threading"
)

func TestRunThreadsReplies(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	dateA := time.Now().Add(-3 * time.Hour).Truncate(time.Second).UTC()
	dateB := dateA.Add(time.Hour)
	env.source.add("INBOX", mail{id: "a@x", subject: "Où est mon colis", date: dateA}.raw())
	env.source.add("INBOX", mail{id: "b@x", inReplyTo: "a@x", subject: "Re: Où est mon colis", date: dateB}.raw())

	summary, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Synced)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, uint32(2), summary.Cursor)
	assert.Equal(t, string(StateIdle), summary.State)

	threads := env.threads(t)
	require.Len(t, threads, 1)
	thread := threads[0]
	assert.Equal(t, "Où est mon colis", thread.Subject)
	assert.Equal(t, "a@x", thread.OriginMessageID)
	assert.Equal(t, customer, thread.CustomerEmail)
	assert.Equal(t, "Jeanne Martin", thread.CustomerName)
	assert.Equal(t, 2, thread.MessageCount)
	assert.True(t, thread.LastMessageAt.Equal(dateB), "last_message_at %v, want %v", thread.LastMessageAt, dateB)
	assert.Equal(t, uint32(2), env.cursor(t, "INBOX").LastUID)

	t.Run("running the same messages again only skips", func(t *testing.T) {
		env.source.add("INBOX", mail{id: "a@x", subject: "Où est mon colis", date: dateA}.raw())
		env.source.add("INBOX", mail{id: "b@x", inReplyTo: "a@x", subject: "Re: Où est mon colis", date: dateB}.raw())

		summary, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
		require.NoError(t, err)

		assert.Equal(t, 0, summary.Synced)
		assert.Equal(t, 2, summary.Skipped)
		assert.Equal(t, 0, summary.Errors)

		again := env.threads(t)
		require.Len(t, again, 1)
		assert.Equal(t, 2, again[0].MessageCount)
		assert.True(t, again[0].LastMessageAt.Equal(dateB))
	})

	t.Run("nothing new is a no-op", func(t *testing.T) {
		summary, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
		require.NoError(t, err)

		assert.Equal(t, 0, summary.Batches)
		assert.Equal(t, uint32(4), summary.Cursor)
	})
}

func TestRunResolutionPrecedence(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	now := time.Now()
	env.source.add("INBOX", mail{id: "old@x", subject: "Où est mon colis", date: now.Add(-48 * time.Hour)}.raw())
	env.source.add("INBOX", mail{id: "m1@x", subject: "Commande 42", date: now.Add(-24 * time.Hour)}.raw())
	// Replies to m1 but carries the subject of the older thread.
	env.source.add("INBOX", mail{id: "r@x", inReplyTo: "m1@x", subject: "Re: Où est mon colis", date: now.Add(-time.Hour)}.raw())

	_, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)

	threadOfM1, err := env.store.ThreadIDForMessage(ctx, "m1@x")
	require.NoError(t, err)
	threadOfReply, err := env.store.ThreadIDForMessage(ctx, "r@x")
	require.NoError(t, err)
	assert.Equal(t, threadOfM1, threadOfReply)
	assert.Equal(t, 2, env.thread(t, threadOfM1).MessageCount)
}

func TestRunSubjectFallback(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	now := time.Now()
	env.source.add("INBOX", mail{id: "a@x", subject: "Où est mon colis", date: now.Add(-48 * time.Hour)}.raw())
	// A reply whose client dropped the threading headers.
	env.source.add("INBOX", mail{id: "b@x", subject: "RE: Où est mon colis", date: now.Add(-time.Hour)}.raw())
	// Another customer with the same generic subject.
	env.source.add("INBOX", mail{id: "c@x", from: "Paul <paul@example.net>", subject: "Où est mon colis", date: now.Add(-time.Hour)}.raw())

	_, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)

	threadA, err := env.store.ThreadIDForMessage(ctx, "a@x")
	require.NoError(t, err)
	threadB, err := env.store.ThreadIDForMessage(ctx, "b@x")
	require.NoError(t, err)
	threadC, err := env.store.ThreadIDForMessage(ctx, "c@x")
	require.NoError(t, err)

	assert.Equal(t, threadA, threadB)
	assert.NotEqual(t, threadA, threadC)
}

func TestRunReopen(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	now := time.Now()
	env.source.add("INBOX", mail{id: "a@x", subject: "Retour", date: now.Add(-72 * time.Hour)}.raw())
	_, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)

	closed, err := env.store.CloseStaleThreads(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), closed)
	threadID, err := env.store.ThreadIDForMessage(ctx, "a@x")
	require.NoError(t, err)

	// An agent reply leaves the thread closed.
	env.source.add("Sent", agentMail(mail{id: "s1@x", inReplyTo: "a@x", subject: "Re: Retour", date: now.Add(-48 * time.Hour)}).raw())
	summary, err := env.pipeline.Reconcile(ctx, "Sent")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)

	thread := env.thread(t, threadID)
	assert.Equal(t, models.ThreadStatusClosed, thread.Status)
	assert.Equal(t, 2, thread.MessageCount)
	require.Len(t, thread.Replies, 1)
	assert.Equal(t, agent, thread.Replies[0].Responder)

	agentMsg := thread.Messages[1]
	assert.True(t, agentMsg.IsFromAgent)
	assert.Equal(t, models.DirectionOutbound, agentMsg.Direction)
	assert.Nil(t, agentMsg.SourceUID)

	// A customer reply reopens it.
	env.source.add("INBOX", mail{id: "c@x", inReplyTo: "s1@x", subject: "Re: Retour", date: now.Add(-time.Hour)}.raw())
	_, err = env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)

	thread = env.thread(t, threadID)
	assert.Equal(t, models.ThreadStatusOpen, thread.Status)
	assert.Equal(t, 3, thread.MessageCount)
}

func TestRunAgentMailInInbox(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Agent mail that lands in the inbox (e.g. a Cc to self) starts a thread
	// whose customer is the recipient.
	env.source.add("INBOX", agentMail(mail{id: "a@x", subject: "Votre commande"}).raw())

	_, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)

	threads := env.threads(t)
	require.Len(t, threads, 1)
	assert.Equal(t, customer, threads[0].CustomerEmail)
}

func TestRunBatchRetry(t *testing.T) {
	ctx := context.Background()
	connErr := &syncerr.ConnectionError{Op: "fetch", Err: errors.New("connection reset")}

	t.Run("connection errors are retried", func(t *testing.T) {
		env := newTestEnv(t)
		env.source.add("INBOX", mail{id: "a@x", subject: "Bonjour"}.raw())
		env.source.fetchErrs = []error{connErr, connErr}

		summary, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
		require.NoError(t, err)

		assert.Equal(t, 1, summary.Synced)
		assert.Len(t, env.source.fetchCalls, 3)
		assert.Equal(t, uint32(1), env.cursor(t, "INBOX").LastUID)
	})

	t.Run("exhausted retries abort at the last committed batch", func(t *testing.T) {
		env := newTestEnv(t)
		for _, id := range []string{"a@x", "b@x", "c@x", "d@x"} {
			env.source.add("INBOX", mail{id: id, subject: "Sujet " + id}.raw())
		}
		env.source.fetchErrs = []error{nil, connErr, connErr, connErr}

		summary, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
		require.Error(t, err)
		assert.True(t, syncerr.IsRetryable(err))

		assert.True(t, summary.Aborted)
		assert.Equal(t, string(StateAborted), summary.State)
		assert.Equal(t, 2, summary.Synced)
		assert.Equal(t, uint32(2), summary.Cursor)
		assert.Equal(t, uint32(2), env.cursor(t, "INBOX").LastUID)
		assert.Equal(t, StateAborted, env.pipeline.FolderState("INBOX"))

		// The next run resumes after the committed batch, never re-fetching it.
		env.source.fetchCalls = nil
		summary, err = env.pipeline.Run(ctx, "INBOX", InboundStrategy)
		require.NoError(t, err)

		assert.Equal(t, 2, summary.Synced)
		assert.Equal(t, [][]uint32{{3, 4}}, env.source.fetchCalls)
		assert.Equal(t, uint32(4), env.cursor(t, "INBOX").LastUID)
		assert.Len(t, env.threads(t), 4)
	})

	t.Run("protocol errors are not retried", func(t *testing.T) {
		env := newTestEnv(t)
		env.source.add("INBOX", mail{id: "a@x", subject: "Bonjour"}.raw())
		env.source.fetchErrs = []error{&syncerr.ProtocolError{Folder: "INBOX", Err: errors.New("no such mailbox")}}

		summary, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
		require.Error(t, err)
		assert.True(t, syncerr.IsFatal(err))

		assert.True(t, summary.Aborted)
		assert.Len(t, env.source.fetchCalls, 1)
		assert.Equal(t, uint32(0), env.cursor(t, "INBOX").LastUID)
	})

	t.Run("a failed listing reports the stored cursor", func(t *testing.T) {
		env := newTestEnv(t)
		env.source.add("INBOX", mail{id: "a@x", subject: "Bonjour"}.raw())
		env.source.add("INBOX", mail{id: "b@x", subject: "Encore"}.raw())
		_, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
		require.NoError(t, err)

		env.source.listErrs = []error{&syncerr.ProtocolError{Folder: "INBOX", Err: errors.New("no such mailbox")}}
		summary, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "aborted at cursor 2")

		assert.True(t, summary.Aborted)
		assert.Equal(t, uint32(2), summary.Cursor)
		assert.Equal(t, uint32(2), env.cursor(t, "INBOX").LastUID)
	})

	t.Run("listing failures are retried too", func(t *testing.T) {
		env := newTestEnv(t)
		env.source.add("INBOX", mail{id: "a@x", subject: "Bonjour"}.raw())
		env.source.listErrs = []error{connErr}

		summary, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Synced)
	})
}

// flakyCursorStore fails the first SaveCursor calls.
type flakyCursorStore struct {
	store.Store
	failures int
}

func (s *flakyCursorStore) SaveCursor(ctx context.Context, cursor models.SyncCursor) error {
	if cursor.LastUID > 0 && s.failures > 0 {
		s.failures--
		return errors.New("database is locked")
	}
	return s.Store.SaveCursor(ctx, cursor)
}

func TestRunRetryDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := env.newPipeline(&flakyCursorStore{Store: env.store, failures: 1})

	env.source.add("INBOX", mail{id: "a@x", subject: "Bonjour"}.raw())
	env.source.add("INBOX", mail{id: "b@x", inReplyTo: "a@x", subject: "Re: Bonjour"}.raw())

	summary, err := p.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Synced)
	assert.Equal(t, 0, summary.Skipped)
	assert.Len(t, env.source.fetchCalls, 2)
	assert.Equal(t, uint32(2), env.cursor(t, "INBOX").LastUID)
}

func TestRunMessageLevelErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.source.add("INBOX", mail{id: "a@x", subject: "Bonjour"}.raw())
	env.source.add("INBOX", []byte("   "))
	env.source.add("INBOX", mail{id: "c@x", subject: "Autre"}.raw())

	summary, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Synced)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, uint32(3), env.cursor(t, "INBOX").LastUID)
}

func TestRunSynthesizesMissingMessageID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	uid := env.source.add("INBOX", mail{subject: "Sans identifiant"}.raw())
	sentUID := env.source.add("Sent", agentMail(mail{subject: "Re: Sans identifiant"}).raw())

	_, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)
	summary, err := env.pipeline.Reconcile(ctx, "Sent")
	require.NoError(t, err)

	exists, err := env.store.MessageExists(ctx, "generated-1@1.imap.example.com")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, uint32(1), uid)

	// Same UID in the sent folder does not collide with the inbox message.
	assert.Equal(t, uint32(1), sentUID)
	assert.Equal(t, 1, summary.Synced)
	exists, err = env.store.MessageExists(ctx, "generated-1@1.sent.imap.example.com")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunCancellationBetweenBatches(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"a@x", "b@x", "c@x", "d@x"} {
		env.source.add("INBOX", mail{id: id, subject: "Sujet " + id}.raw())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.pipeline.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	summary, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)

	assert.True(t, summary.Cancelled)
	assert.Equal(t, 1, summary.Batches)
	assert.Equal(t, 2, summary.Synced)
	assert.Equal(t, uint32(2), env.cursor(t, "INBOX").LastUID)
}

func TestRunInFlightBatchSurvivesCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.source.add("INBOX", mail{id: "a@x", subject: "Bonjour"}.raw())
	env.source.add("INBOX", mail{id: "b@x", subject: "Encore"}.raw())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.source.beforeFetch = cancel

	summary, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Synced)
	assert.Equal(t, uint32(2), env.cursor(t, "INBOX").LastUID)
}

func TestRunUIDValidityChange(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.source.add("INBOX", mail{id: "a@x", subject: "Bonjour"}.raw())
	env.source.add("INBOX", mail{id: "b@x", subject: "Encore"}.raw())
	env.source.add("INBOX", mail{id: "c@x", subject: "Toujours"}.raw())
	_, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)
	require.Equal(t, uint32(3), env.cursor(t, "INBOX").LastUID)

	// The server rebuilt the folder under a new UIDVALIDITY and dropped one message.
	env.source.renumber("INBOX", 2)
	env.source.expunge("INBOX", 1)
	env.source.add("INBOX", mail{id: "d@x", subject: "Nouveau"}.raw())

	summary, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, 2, summary.Skipped)
	cursor := env.cursor(t, "INBOX")
	assert.Equal(t, uint32(2), cursor.UIDValidity)
	assert.Equal(t, uint32(4), cursor.LastUID)
}

func TestRunUIDValidityChangeWithoutMessageIDs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.source.add("INBOX", mail{subject: "Premier"}.raw())
	env.source.add("INBOX", mail{subject: "Second"}.raw())
	_, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)

	// UID 2 is handed out again after the rebuild, to a different message.
	env.source.expunge("INBOX", 1)
	env.source.renumber("INBOX", 2)
	uid := env.source.add("INBOX", mail{subject: "Nouveau"}.raw())
	require.Equal(t, uint32(2), uid)

	summary, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Errors)

	threadID, err := env.store.ThreadIDForMessage(ctx, "generated-2@2.imap.example.com")
	require.NoError(t, err)
	assert.Equal(t, "Nouveau", env.thread(t, threadID).Subject)
}

func TestRunAttachments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	raw := "Message-ID: <att@x>\r\n" +
		"From: Jeanne <" + customer + ">\r\n" +
		"To: " + agent + "\r\n" +
		"Subject: Facture\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
		"\r\n" +
		"--b1\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n\r\n" +
		"Voici les pièces.\r\n" +
		"--b1\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"facture mars.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n\r\n" +
		"JVBERi0xLjQ=\r\n" +
		"--b1\r\n" +
		"Content-Type: image/png\r\n" +
		"Content-Disposition: attachment; filename=\"photo.png\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n\r\n" +
		"iVBORw0KGgo=\r\n" +
		"--b1--\r\n"
	env.blobs.failOn = "photo.png"
	uid := env.source.add("INBOX", []byte(raw))

	summary, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, 0, summary.Errors)

	threadID, err := env.store.ThreadIDForMessage(ctx, "att@x")
	require.NoError(t, err)
	thread := env.thread(t, threadID)
	require.Len(t, thread.Messages, 1)

	atts := thread.Messages[0].Attachments
	require.Len(t, atts, 1)
	wantPath := "threads/" + threadID + "/uid-" + strconv.FormatUint(uint64(uid), 10) + "/facture_mars.pdf"
	assert.Equal(t, "facture mars.pdf", atts[0].Filename)
	assert.Equal(t, wantPath, atts[0].StoragePath)
	assert.Equal(t, "https://blobs.example.com/"+wantPath, atts[0].URL)
	assert.Equal(t, int64(8), atts[0].SizeBytes)
	assert.Equal(t, []byte("%PDF-1.4"), env.blobs.uploads[wantPath])
}

func TestRunMatchIsReported(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.source.add("INBOX", mail{id: "a@x", subject: "Bonjour"}.raw())
	_, err := env.pipeline.Run(ctx, "INBOX", InboundStrategy)
	require.NoError(t, err)

	raws, err := env.source.FetchRange(ctx, "INBOX", []uint32{1})
	require.NoError(t, err)
	raws[0].Body = mail{id: "z@x", references: []string{"gone@x", "a@x"}, subject: "autre"}.raw()

	parser := mailparse.NewParser(mailparse.SyntheticHost("INBOX", 1, "imap.example.com"))
	res := env.pipeline.proc.process(ctx, parser, "INBOX", InboundStrategy, raws[0])
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.Equal(t, threading.MatchReferences, res.Match)
}
