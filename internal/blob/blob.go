// Package blob stores attachment payloads by path and hands out their URLs.
package blob

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/vdavid/supportmail/internal/config"
)

// Store is an attachment bucket addressed by slash-separated paths.
type Store interface {
	Upload(ctx context.Context, path, contentType string, data []byte) error
	PublicURL(path string) string
}

// New returns the store selected by cfg.BlobDriver. The "none" driver
// returns a nil Store: attachments are then not persisted.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.BlobDriver {
	case config.BlobDriverS3:
		s, err := NewS3Store(ctx, S3Options{
			Bucket:          cfg.BlobBucket,
			Endpoint:        cfg.BlobEndpoint,
			Region:          cfg.BlobRegion,
			AccessKeyID:     cfg.BlobAccessKeyID,
			SecretAccessKey: cfg.BlobSecretAccessKey,
			PublicBaseURL:   cfg.BlobPublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BlobDriverDir:
		d, err := NewDirStore(cfg.BlobDir, cfg.BlobPublicBaseURL)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.BlobDriverNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.BlobDriver)
	}
}

// joinURL appends an object path to a base URL, escaping each segment.
func joinURL(base, path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.Join(segments, "/")
}
