// Package imap is the mail source: it lists and fetches messages of one
// mailbox folder over IMAP, one session per call.
package imap

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"

	"github.com/vdavid/supportmail/internal/models"
	"github.com/vdavid/supportmail/internal/syncerr"
)

// Source reads one mailbox. It holds no connection between calls.
type Source struct {
	opts Options
	log  zerolog.Logger
}

// NewSource returns a mail source for the mailbox described by opts.
func NewSource(opts Options, log zerolog.Logger) *Source {
	return &Source{opts: opts, log: log}
}

// ListUIDs returns the folder's UIDVALIDITY and the UIDs above after,
// ascending.
func (s *Source) ListUIDs(ctx context.Context, folder string, after uint32) (models.FolderListing, error) {
	var listing models.FolderListing
	err := withSession(ctx, s.opts, func(c *client.Client) error {
		status, err := selectFolder(c, folder)
		if err != nil {
			return err
		}
		listing.UIDValidity = status.UidValidity
		if status.Messages == 0 {
			return nil
		}

		criteria := imap.NewSearchCriteria()
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddRange(after+1, 0)

		uids, err := c.UidSearch(criteria)
		if err != nil {
			return &syncerr.ConnectionError{Op: "search " + folder, Err: err}
		}

		// "n:*" always includes the highest UID, even below n.
		for _, uid := range uids {
			if uid > after {
				listing.UIDs = append(listing.UIDs, uid)
			}
		}
		sort.Slice(listing.UIDs, func(i, j int) bool { return listing.UIDs[i] < listing.UIDs[j] })
		return nil
	})
	if err != nil {
		return models.FolderListing{}, err
	}

	s.log.Debug().Str("folder", folder).Uint32("after", after).Int("count", len(listing.UIDs)).Msg("listed UIDs")
	return listing, nil
}

// FetchRange fetches the full raw bytes of the given UIDs, ascending by UID.
// Messages are read with BODY.PEEK[] so the \Seen flag is left alone. UIDs
// the server no longer has are simply absent from the result.
func (s *Source) FetchRange(ctx context.Context, folder string, uids []uint32) ([]models.RawMessage, error) {
	if len(uids) == 0 {
		return []models.RawMessage{}, nil
	}

	var result []models.RawMessage
	err := withSession(ctx, s.opts, func(c *client.Client) error {
		if _, err := selectFolder(c, folder); err != nil {
			return err
		}

		msgs, err := fetchBodies(c, uids)
		if err != nil {
			return &syncerr.ConnectionError{Op: "fetch " + folder, Err: err}
		}
		result = msgs
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func fetchBodies(c *client.Client, uids []uint32) ([]models.RawMessage, error) {
	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		section.FetchItem(),
		imap.FetchUid,
		imap.FetchInternalDate,
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	var result []models.RawMessage
	var readErr error
	for msg := range messages {
		if readErr != nil {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			readErr = fmt.Errorf("server returned no body for UID %d", msg.Uid)
			continue
		}
		data, err := io.ReadAll(body)
		if err != nil {
			readErr = fmt.Errorf("failed to read body of UID %d: %w", msg.Uid, err)
			continue
		}
		result = append(result, models.RawMessage{
			UID:          msg.Uid,
			InternalDate: msg.InternalDate.UTC(),
			Body:         data,
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if readErr != nil {
		return nil, readErr
	}

	sort.Slice(result, func(i, j int) bool { return result[i].UID < result[j].UID })
	return result, nil
}
