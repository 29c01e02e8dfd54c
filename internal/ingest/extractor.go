package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/vdavid/supportmail/internal/blob"
	"github.com/vdavid/supportmail/internal/mailparse"
	"github.com/vdavid/supportmail/internal/models"
	"github.com/vdavid/supportmail/internal/syncerr"
)

const maxFilenameLen = 128

// Extractor uploads attachment payloads and returns the references of the
// ones that made it. Failures only drop the attachment concerned.
type Extractor struct {
	blobs    blob.Store
	maxBytes int64
	log      zerolog.Logger
}

// NewExtractor returns an extractor. A nil store disables attachment
// persistence; maxBytes <= 0 means no size limit.
func NewExtractor(blobs blob.Store, maxBytes int64, log zerolog.Logger) *Extractor {
	return &Extractor{blobs: blobs, maxBytes: maxBytes, log: log}
}

// AttachmentKey is the per-message path segment: the UID for mail that has
// one, a hash of the message key otherwise.
func AttachmentKey(msg *models.Message) string {
	if msg.SourceUID != nil {
		return fmt.Sprintf("uid-%d", *msg.SourceUID)
	}
	sum := sha256.Sum256([]byte(msg.MessageKey))
	return "sent-" + hex.EncodeToString(sum[:])[:16]
}

// Extract uploads each payload under threads/<threadID>/<key>/<filename>.
func (e *Extractor) Extract(ctx context.Context, threadID, key string, attachments []mailparse.ParsedAttachment) []models.Attachment {
	if e.blobs == nil || len(attachments) == 0 {
		return nil
	}

	refs := make([]models.Attachment, 0, len(attachments))
	used := make(map[string]bool, len(attachments))
	for i, a := range attachments {
		filename := uniqueName(SanitizeFilename(a.Filename), i, used)
		objectPath := path.Join("threads", threadID, key, filename)

		if e.maxBytes > 0 && int64(len(a.Data)) > e.maxBytes {
			err := &syncerr.AttachmentUploadError{Path: objectPath, Err: fmt.Errorf("%d bytes exceeds limit of %d", len(a.Data), e.maxBytes)}
			e.log.Warn().Err(err).Msg("dropping attachment")
			continue
		}

		if err := e.blobs.Upload(ctx, objectPath, a.ContentType, a.Data); err != nil {
			e.log.Warn().Err(&syncerr.AttachmentUploadError{Path: objectPath, Err: err}).Msg("dropping attachment")
			continue
		}

		refs = append(refs, models.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			SizeBytes:   int64(len(a.Data)),
			URL:         e.blobs.PublicURL(objectPath),
			StoragePath: objectPath,
		})
	}
	return refs
}

// SanitizeFilename keeps letters, digits, dots, dashes and underscores,
// replaces anything else with an underscore, and bounds the length while
// keeping the extension.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}

	name = strings.Trim(b.String(), "._")
	if name == "" {
		return "attachment"
	}

	if len(name) > maxFilenameLen {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		stem := strings.ToValidUTF8(name[:maxFilenameLen-len(ext)], "")
		name = stem + ext
	}
	return name
}

// uniqueName prefixes a colliding name with its position in the message.
func uniqueName(name string, index int, used map[string]bool) string {
	if used[name] {
		name = fmt.Sprintf("%d-%s", index+1, name)
	}
	used[name] = true
	return name
}
