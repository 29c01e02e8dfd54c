package imap

import (
	"context"
	"errors"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
)

const (
	// idleRetryDelay is the pause after a broken IDLE session before reconnecting.
	idleRetryDelay = 10 * time.Second
	// idlePollInterval is the NOOP polling period for servers without IDLE.
	idlePollInterval = 30 * time.Second
)

var errIdleEnded = errors.New("IDLE ended by server")

// Watch keeps an IDLE session open on folder and calls onChange each time the
// server reports new messages. onChange must not block for long: updates are
// not read while it runs. Watch returns when ctx is cancelled.
func (s *Source) Watch(ctx context.Context, folder string, onChange func(ctx context.Context)) {
	log := s.log.With().Str("folder", folder).Logger()
	for {
		err := s.idleOnce(ctx, folder, onChange)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Dur("retry_in", idleRetryDelay).Msg("IDLE session ended")

		select {
		case <-ctx.Done():
			return
		case <-time.After(idleRetryDelay):
		}
	}
}

func (s *Source) idleOnce(ctx context.Context, folder string, onChange func(ctx context.Context)) error {
	return withSession(ctx, s.opts, func(c *imapclient.Client) error {
		if _, err := selectFolder(c, folder); err != nil {
			return err
		}

		// Subscribe after SELECT so its own EXISTS response is not reported.
		updates := make(chan imapclient.Update, 10)
		c.Updates = updates

		idleClient := idle.NewClient(c)
		stop := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- idleClient.IdleWithFallback(stop, idlePollInterval)
		}()

		s.log.Debug().Str("folder", folder).Msg("IDLE started")
		for {
			select {
			case <-ctx.Done():
				close(stop)
				return ctx.Err()
			case err := <-done:
				if err != nil {
					return err
				}
				return errIdleEnded
			case update := <-updates:
				if hasNewMail(update) {
					onChange(ctx)
				}
			}
		}
	})
}

// hasNewMail reports whether an unsolicited update announces messages.
func hasNewMail(update imapclient.Update) bool {
	mboxUpdate, ok := update.(*imapclient.MailboxUpdate)
	if !ok || mboxUpdate.Mailbox == nil {
		return false
	}
	return mboxUpdate.Mailbox.Messages > 0
}
