package models

import "time"

// SyncCursor is the incremental-sync watermark for one mailbox folder.
type SyncCursor struct {
	Mailbox     string    `json:"mailbox"`
	Folder      string    `json:"folder"`
	LastUID     uint32    `json:"last_uid"`
	UIDValidity uint32    `json:"uid_validity"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FolderListing is what the mail source reports for a folder: its UIDVALIDITY
// and the UIDs above the requested cursor, ascending.
type FolderListing struct {
	UIDValidity uint32
	UIDs        []uint32
}

// RawMessage is one fetched message as the server returned it.
type RawMessage struct {
	UID          uint32
	InternalDate time.Time
	Body         []byte
}

// Orphan is an outbound message that could not be linked to any thread yet.
type Orphan struct {
	Mailbox     string    `json:"mailbox"`
	Folder      string    `json:"folder"`
	MessageKey  string    `json:"message_key"`
	UID         uint32    `json:"uid"`
	UIDValidity uint32    `json:"uid_validity"`
	Attempts    int       `json:"attempts"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// RunSummary reports one controller run over a folder.
type RunSummary struct {
	Mailbox    string    `json:"mailbox"`
	Folder     string    `json:"folder"`
	Direction  Direction `json:"direction"`
	Synced     int       `json:"synced"`
	Skipped    int       `json:"skipped"`
	Errors     int       `json:"errors"`
	Unlinked   int       `json:"unlinked"`
	Relinked   int       `json:"relinked"`
	Batches    int       `json:"batches"`
	Cursor     uint32    `json:"cursor"`
	State      string    `json:"state"`
	Aborted    bool      `json:"aborted"`
	Cancelled  bool      `json:"cancelled"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ThreadsResponse is the paginated thread list returned by the API.
type ThreadsResponse struct {
	Threads    []*Thread      `json:"threads"`
	Pagination PaginationInfo `json:"pagination"`
}

type PaginationInfo struct {
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
}
