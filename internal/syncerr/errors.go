// Package syncerr holds the error taxonomy shared by the mail source, the
// parser and the ingestion pipeline.
package syncerr

import (
	"errors"
	"fmt"
)

// ConnectionError is a transport or authentication failure. The whole batch
// is retried.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError means the server rejected what we asked for (unknown folder,
// bad range). It is never retried.
type ProtocolError struct {
	Folder string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Folder == "" {
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
	return fmt.Sprintf("protocol error on folder %q: %v", e.Folder, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ParseError marks a single unreadable message.
type ParseError struct {
	UID uint32
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse message UID %d: %v", e.UID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StoreWriteError is a failed thread/message write for one message.
type StoreWriteError struct {
	MessageKey string
	Err        error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("failed to store message %s: %v", e.MessageKey, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// AttachmentUploadError is a failed blob upload. The attachment is dropped,
// the message is kept.
type AttachmentUploadError struct {
	Path string
	Err  error
}

func (e *AttachmentUploadError) Error() string {
	return fmt.Sprintf("failed to upload attachment %s: %v", e.Path, e.Err)
}

func (e *AttachmentUploadError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should cause the batch to be retried.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsFatal reports whether err must abort the run without retrying.
func IsFatal(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}
