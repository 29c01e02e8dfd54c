package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/supportmail/internal/models"
	"github.com/vdavid/supportmail/internal/store"
)

const (
	agent    = "support@example.com"
	customer = "jeanne@example.org"
	mailbox  = "support@example.com"
)

// fakeSource is an in-memory mail server. Queued errors are returned by the
// next calls, one per call.
type fakeSource struct {
	mu          sync.Mutex
	folders     map[string]*fakeFolder
	fetchErrs   []error
	listErrs    []error
	fetchCalls  [][]uint32
	listAfter   []uint32
	beforeFetch func()
}

type fakeFolder struct {
	uidValidity uint32
	nextUID     uint32
	messages    map[uint32][]byte
}

func newFakeSource() *fakeSource {
	return &fakeSource{folders: make(map[string]*fakeFolder)}
}

func (f *fakeSource) folder(name string) *fakeFolder {
	fl, ok := f.folders[name]
	if !ok {
		fl = &fakeFolder{uidValidity: 1, nextUID: 1, messages: make(map[uint32][]byte)}
		f.folders[name] = fl
	}
	return fl
}

func (f *fakeSource) add(folder string, raw []byte) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	fl := f.folder(folder)
	uid := fl.nextUID
	fl.nextUID++
	fl.messages[uid] = raw
	return uid
}

func (f *fakeSource) expunge(folder string, uid uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.folder(folder).messages, uid)
}

// renumber simulates a server rebuilding the folder under a new UIDVALIDITY.
func (f *fakeSource) renumber(folder string, uidValidity uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fl := f.folder(folder)
	old := fl.messages
	uids := sortedUIDs(old)
	fl.messages = make(map[uint32][]byte)
	fl.uidValidity = uidValidity
	fl.nextUID = 1
	for _, uid := range uids {
		fl.messages[fl.nextUID] = old[uid]
		fl.nextUID++
	}
}

func (f *fakeSource) ListUIDs(_ context.Context, folder string, after uint32) (models.FolderListing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listAfter = append(f.listAfter, after)
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		return models.FolderListing{}, err
	}

	fl := f.folder(folder)
	listing := models.FolderListing{UIDValidity: fl.uidValidity}
	for _, uid := range sortedUIDs(fl.messages) {
		if uid > after {
			listing.UIDs = append(listing.UIDs, uid)
		}
	}
	return listing, nil
}

func (f *fakeSource) FetchRange(_ context.Context, folder string, uids []uint32) ([]models.RawMessage, error) {
	if f.beforeFetch != nil {
		f.beforeFetch()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetchCalls = append(f.fetchCalls, append([]uint32(nil), uids...))
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	fl := f.folder(folder)
	var out []models.RawMessage
	for _, uid := range uids {
		if body, ok := fl.messages[uid]; ok {
			out = append(out, models.RawMessage{UID: uid, InternalDate: time.Now().UTC(), Body: body})
		}
	}
	return out, nil
}

func sortedUIDs(m map[uint32][]byte) []uint32 {
	uids := make([]uint32, 0, len(m))
	for uid := range m {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// fakeBlobs records uploads and fails paths containing failOn.
type fakeBlobs struct {
	mu      sync.Mutex
	uploads map[string][]byte
	failOn  string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{uploads: make(map[string][]byte)}
}

func (b *fakeBlobs) Upload(_ context.Context, path, _ string, data []byte) error {
	if b.failOn != "" && strings.Contains(path, b.failOn) {
		return fmt.Errorf("bucket unavailable")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads[path] = data
	return nil
}

func (b *fakeBlobs) PublicURL(path string) string {
	return "https://blobs.example.com/" + path
}

type mail struct {
	id         string
	inReplyTo  string
	references []string
	from       string
	to         string
	subject    string
	date       time.Time
	body       string
}

func (m mail) raw() []byte {
	var b strings.Builder
	if m.id != "" {
		fmt.Fprintf(&b, "Message-ID: <%s>\r\n", m.id)
	}
	if m.inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: <%s>\r\n", m.inReplyTo)
	}
	if len(m.references) > 0 {
		refs := make([]string, len(m.references))
		for i, r := range m.references {
			refs[i] = "<" + r + ">"
		}
		fmt.Fprintf(&b, "References: %s\r\n", strings.Join(refs, " "))
	}
	from, to := m.from, m.to
	if from == "" {
		from = "Jeanne Martin <" + customer + ">"
	}
	if to == "" {
		to = "Support <" + agent + ">"
	}
	date := m.date
	if date.IsZero() {
		date = time.Now().Add(-time.Hour)
	}
	body := m.body
	if body == "" {
		body = "Bonjour"
	}
	fmt.Fprintf(&b, "From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\n", from, to, m.subject, date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", body)
	return []byte(b.String())
}

func agentMail(m mail) mail {
	m.from = "Support <" + agent + ">"
	m.to = "Jeanne Martin <" + customer + ">"
	return m
}

type testEnv struct {
	source   *fakeSource
	store    *store.SQLiteStore
	blobs    *fakeBlobs
	pipeline *Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{source: newFakeSource(), store: st, blobs: newFakeBlobs()}
	env.pipeline = env.newPipeline(st)
	return env
}

func (e *testEnv) newPipeline(st store.Store) *Pipeline {
	p := NewPipeline(e.source, st, NewExtractor(e.blobs, 0, zerolog.Nop()), Options{
		Mailbox:                mailbox,
		IMAPHost:               "imap.example.com",
		AgentAddress:           agent,
		BatchSize:              2,
		MaxRetries:             3,
		RetryBackoff:           time.Millisecond,
		ScopeSubjectByCustomer: true,
	}, zerolog.Nop())
	p.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return p
}

func (e *testEnv) threads(t *testing.T) []*models.Thread {
	t.Helper()
	threads, _, err := e.store.ListThreads(context.Background(), store.ThreadFilter{})
	require.NoError(t, err)
	return threads
}

func (e *testEnv) thread(t *testing.T, id string) *models.Thread {
	t.Helper()
	thread, err := e.store.GetThread(context.Background(), id)
	require.NoError(t, err)
	return thread
}

func (e *testEnv) cursor(t *testing.T, folder string) models.SyncCursor {
	t.Helper()
	c, err := e.store.GetCursor(context.Background(), mailbox, folder)
	require.NoError(t, err)
	return c
}
