package imap

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/vdavid/supportmail/internal/models"
	"github.com/vdavid/supportmail/internal/syncerr"
)

// sentAliases are the usual names of the sent folder, lower-cased.
var sentAliases = []string{
	"sent",
	"sent items",
	"sent mail",
	"sent messages",
	"envoyés",
	"éléments envoyés",
}

// ListFolders lists all folders on the IMAP server.
func ListFolders(c *client.Client) ([]models.Folder, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var folders []models.Folder
	for m := range mailboxes {
		folders = append(folders, models.Folder{
			Name:       m.Name,
			Delimiter:  m.Delimiter,
			Attributes: m.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return folders, nil
}

// ListFolders returns every folder of the mailbox.
func (s *Source) ListFolders(ctx context.Context) ([]models.Folder, error) {
	var folders []models.Folder
	err := withSession(ctx, s.opts, func(c *client.Client) error {
		var err error
		folders, err = ListFolders(c)
		if err != nil {
			return &syncerr.ConnectionError{Op: "list", Err: err}
		}
		return nil
	})
	return folders, err
}

// ResolveSentFolder finds the folder holding the agent's outbound mail: the
// override when set, else the folder flagged \Sent, else one whose last name
// segment is a known alias.
func (s *Source) ResolveSentFolder(ctx context.Context, override string) (string, error) {
	if override != "" {
		return override, nil
	}

	folders, err := s.ListFolders(ctx)
	if err != nil {
		return "", err
	}

	name, ok := FindSentFolder(folders)
	if !ok {
		return "", &syncerr.ProtocolError{Err: fmt.Errorf("no sent folder found, set SUPPORTMAIL_IMAP_SENT_FOLDER")}
	}

	s.log.Info().Str("folder", name).Msg("resolved sent folder")
	return name, nil
}

// FindSentFolder picks the sent folder out of a listing.
func FindSentFolder(folders []models.Folder) (string, bool) {
	for _, f := range folders {
		for _, attr := range f.Attributes {
			if strings.EqualFold(attr, imap.SentAttr) {
				return f.Name, true
			}
		}
	}

	for _, alias := range sentAliases {
		for _, f := range folders {
			if strings.EqualFold(lastSegment(f), alias) {
				return f.Name, true
			}
		}
	}

	return "", false
}

func lastSegment(f models.Folder) string {
	name := f.Name
	if f.Delimiter != "" {
		if i := strings.LastIndex(name, f.Delimiter); i >= 0 {
			name = name[i+len(f.Delimiter):]
		}
	}
	return strings.TrimSpace(name)
}
