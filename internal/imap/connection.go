package imap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/vdavid/supportmail/internal/syncerr"
)

// defaultDialTimeout bounds the TCP/TLS handshake when no timeout is set.
const defaultDialTimeout = 5 * time.Second

// Options describes how to reach and log in to the mailbox.
type Options struct {
	Address  string
	Username string
	Password string
	// TLS is true in production; tests talk to a plain-text server.
	TLS bool
	// Timeout bounds dialing and every IMAP command.
	Timeout time.Duration
}

// ConnectToIMAP dials the IMAP server.
// useTLS: true for production (TLS), false for tests (non-TLS).
func ConnectToIMAP(server string, useTLS bool, timeout time.Duration) (*client.Client, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialer := &net.Dialer{
		Timeout: timeout,
	}

	if useTLS {
		c, err := client.DialWithDialerTLS(dialer, server, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	}

	// Non-TLS connection for testing
	c, err := client.DialWithDialer(dialer, server)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	return c, nil
}

// Login authenticates with the IMAP server.
func Login(c *client.Client, username, password string) error {
	if err := c.Login(username, password); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	return nil
}

// openSession dials and logs in. Transport and auth failures are
// ConnectionErrors so the caller can retry the batch.
func openSession(opts Options) (*client.Client, error) {
	c, err := ConnectToIMAP(opts.Address, opts.TLS, opts.Timeout)
	if err != nil {
		return nil, &syncerr.ConnectionError{Op: "dial " + opts.Address, Err: err}
	}
	c.Timeout = opts.Timeout

	if err := Login(c, opts.Username, opts.Password); err != nil {
		_ = c.Logout()
		return nil, &syncerr.ConnectionError{Op: "login", Err: err}
	}

	return c, nil
}

// withSession runs fn on a fresh logged-in session and always releases it.
// Cancelling ctx tears the connection down, which unblocks any command in
// flight.
func withSession(ctx context.Context, opts Options, fn func(c *client.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := openSession(opts)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer stop()
	defer func() { _ = c.Logout() }()

	return fn(c)
}

// selectFolder opens folder read-only. A NO/BAD answer means the folder is
// missing or unusable, which retrying will not fix.
func selectFolder(c *client.Client, folder string) (*imap.MailboxStatus, error) {
	status, err := c.Select(folder, true)
	if err != nil {
		var statusErr *imap.ErrStatusResp
		if errors.As(err, &statusErr) {
			return nil, &syncerr.ProtocolError{Folder: folder, Err: err}
		}
		return nil, &syncerr.ConnectionError{Op: "select " + folder, Err: err}
	}
	return status, nil
}
