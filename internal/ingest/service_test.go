package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/supportmail/internal/models"
)

type fakeFolders struct {
	mu     sync.Mutex
	folder string
	err    error
	calls  int
}

func (f *fakeFolders) ResolveSentFolder(_ context.Context, override string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if override != "" {
		return override, nil
	}
	return f.folder, f.err
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{"", TargetAll, false},
		{"all", TargetAll, false},
		{"inbox", TargetInbox, false},
		{"sent", TargetSent, false},
		{"drafts", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServiceSyncAll(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	folders := &fakeFolders{folder: "Sent"}
	svc := NewService(env.pipeline, folders, ServiceOptions{StaleAfter: 7 * 24 * time.Hour}, zerolog.Nop())

	var mu sync.Mutex
	var completed []string
	svc.OnRunComplete(func(s models.RunSummary) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, s.Folder)
	})

	env.source.add("INBOX", mail{id: "old@x", subject: "Ancien", date: time.Now().Add(-10 * 24 * time.Hour)}.raw())
	env.source.add("INBOX", mail{id: "c1@x", subject: "Retour", date: time.Now().Add(-2 * time.Hour)}.raw())

	summaries, err := svc.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "INBOX", summaries[0].Folder)
	assert.Equal(t, 2, summaries[0].Synced)
	assert.Equal(t, "Sent", summaries[1].Folder)
	assert.Equal(t, models.DirectionOutbound, summaries[1].Direction)
	assert.ElementsMatch(t, []string{"INBOX", "Sent"}, completed)

	// The thread idle for ten days was closed after the run.
	closedID, err := env.store.ThreadIDForMessage(ctx, "old@x")
	require.NoError(t, err)
	assert.Equal(t, models.ThreadStatusClosed, env.thread(t, closedID).Status)
	openID, err := env.store.ThreadIDForMessage(ctx, "c1@x")
	require.NoError(t, err)
	assert.Equal(t, models.ThreadStatusOpen, env.thread(t, openID).Status)

	statuses, cursors, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, statuses, 2)
	assert.Len(t, cursors, 2)

	// The agent answers; the reply lands in the open thread on the next run.
	env.source.add("Sent", agentMail(mail{id: "s1@x", inReplyTo: "c1@x", subject: "Re: Retour"}).raw())
	summaries, err = svc.Sync(ctx, TargetSent)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].Synced)

	assert.Equal(t, 1, folders.calls, "sent folder is resolved once")
}

func TestServiceSentFolderUnavailable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	resolveErr := errors.New("no sent folder found")
	svc := NewService(env.pipeline, &fakeFolders{err: resolveErr}, ServiceOptions{}, zerolog.Nop())

	env.source.add("INBOX", mail{id: "c1@x", subject: "Bonjour"}.raw())

	summaries, err := svc.Sync(ctx, TargetSent)
	assert.ErrorIs(t, err, resolveErr)
	assert.Empty(t, summaries)

	// The inbox pass still runs when the sent folder cannot be found.
	summaries, err = svc.SyncAll(ctx)
	assert.ErrorIs(t, err, resolveErr)
	require.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].Synced)
}

func TestServiceSentFolderOverride(t *testing.T) {
	env := newTestEnv(t)
	folders := &fakeFolders{err: errors.New("detection should not matter")}
	svc := NewService(env.pipeline, folders, ServiceOptions{SentFolder: "Envoyés"}, zerolog.Nop())

	folder, err := svc.SentFolder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Envoyés", folder)
}

func TestServiceConcurrentSyncs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	svc := NewService(env.pipeline, &fakeFolders{folder: "Sent"}, ServiceOptions{}, zerolog.Nop())

	env.source.add("INBOX", mail{id: "a@x", subject: "Bonjour"}.raw())
	env.source.add("INBOX", mail{id: "b@x", subject: "Encore"}.raw())

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.SyncInbox(ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, env.source.fetchCalls, 1)
	assert.Len(t, env.threads(t), 2)
	assert.Equal(t, uint32(2), env.cursor(t, "INBOX").LastUID)
}

func TestServiceSharedRunOutlivesCancelledCaller(t *testing.T) {
	env := newTestEnv(t)
	svc := NewService(env.pipeline, &fakeFolders{folder: "Sent"}, ServiceOptions{}, zerolog.Nop())
	for _, id := range []string{"a@x", "b@x", "c@x", "d@x"} {
		env.source.add("INBOX", mail{id: id, subject: "Sujet " + id}.raw())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var first, second models.RunSummary
	var firstErr, secondErr error
	firstDone := make(chan struct{})
	secondDone := make(chan struct{})

	var once sync.Once
	env.source.beforeFetch = func() {
		once.Do(func() {
			// A second caller joins the run, then the first one disconnects.
			go func() {
				defer close(secondDone)
				second, secondErr = svc.SyncInbox(context.Background())
			}()
			assert.Eventually(t, func() bool { return svc.waiters("INBOX") == 2 }, time.Second, time.Millisecond)
			cancel()
			select {
			case <-firstDone:
			case <-time.After(time.Second):
				t.Error("cancelled caller did not return while the run continued")
			}
		})
	}

	go func() {
		defer close(firstDone)
		first, firstErr = svc.SyncInbox(ctx)
	}()

	<-firstDone
	assert.ErrorIs(t, firstErr, context.Canceled)
	assert.True(t, first.Cancelled)

	<-secondDone
	require.NoError(t, secondErr)
	assert.False(t, second.Cancelled)
	assert.Equal(t, 4, second.Synced)
	assert.Equal(t, uint32(4), second.Cursor)
	assert.Equal(t, uint32(4), env.cursor(t, "INBOX").LastUID)
}

func TestServiceLastCallerCancelStopsRun(t *testing.T) {
	env := newTestEnv(t)
	svc := NewService(env.pipeline, &fakeFolders{folder: "Sent"}, ServiceOptions{}, zerolog.Nop())
	for _, id := range []string{"a@x", "b@x", "c@x", "d@x"} {
		env.source.add("INBOX", mail{id: id, subject: "Sujet " + id}.raw())
	}

	var completed int
	svc.OnRunComplete(func(models.RunSummary) { completed++ })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	env.source.beforeFetch = func() {
		once.Do(func() {
			cancel()
			assert.Eventually(t, func() bool { return svc.waiters("INBOX") == 0 }, time.Second, time.Millisecond)
		})
	}

	summary, err := svc.SyncInbox(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Cancelled)
	assert.Equal(t, 2, summary.Synced)
	assert.Equal(t, uint32(2), env.cursor(t, "INBOX").LastUID)
	assert.Equal(t, 1, completed)
}

// waiters reports how many callers share the run in progress for folder.
func (s *Service) waiters(folder string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flights[folder]; ok {
		return f.waiters
	}
	return -1
}

func TestServiceCloseStaleDisabled(t *testing.T) {
	env := newTestEnv(t)
	svc := NewService(env.pipeline, &fakeFolders{folder: "Sent"}, ServiceOptions{}, zerolog.Nop())

	closed, err := svc.CloseStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, closed)
}
