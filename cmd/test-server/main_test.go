package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/supportmail/internal/imap"
	"github.com/vdavid/supportmail/internal/testutil"
)

func TestSeedMailbox(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	defer srv.Close()

	require.NoError(t, seedMailbox(srv, time.Now()))

	client, cleanup := srv.Connect(t)
	defer cleanup()

	inbox, err := client.Select("INBOX", true)
	require.NoError(t, err)
	// the memory backend starts with one message in INBOX
	assert.Equal(t, uint32(4), inbox.Messages)

	sent, err := client.Select("Sent", true)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sent.Messages)
}

func TestSeededMessagesParse(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	defer srv.Close()
	require.NoError(t, seedMailbox(srv, time.Now()))

	source := imap.NewSource(imap.Options{
		Address:  srv.Address,
		Username: srv.Username(),
		Password: srv.Password(),
		Timeout:  5 * time.Second,
	}, zerolog.Nop())

	raws, err := source.FetchRange(context.Background(), "Sent", []uint32{1})
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.Contains(t, string(raws[0].Body), "In-Reply-To: <q1@customer.example>")
}
