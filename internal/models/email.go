package models

import "time"

// ThreadStatus is the open/closed state of a support thread.
type ThreadStatus string

const (
	ThreadStatusOpen   ThreadStatus = "open"
	ThreadStatusClosed ThreadStatus = "closed"
)

// Direction tells which side of the conversation a message came from.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Folder is one mailbox folder as listed by the server.
type Folder struct {
	Name       string   `json:"name"`
	Delimiter  string   `json:"delimiter,omitempty"`
	Attributes []string `json:"attributes,omitempty"`
}

// Thread is one customer-support conversation.
// Subject is always stored with reply/forward prefixes stripped.
type Thread struct {
	ID              string        `json:"id"`
	OriginMessageID string        `json:"origin_message_id"`
	Subject         string        `json:"subject"`
	Status          ThreadStatus  `json:"status"`
	CustomerName    string        `json:"customer_name"`
	CustomerEmail   string        `json:"customer_email"`
	LastMessageAt   time.Time     `json:"last_message_at"`
	MessageCount    int           `json:"message_count"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Messages        []Message     `json:"messages,omitempty"`
	Replies         []ThreadReply `json:"replies,omitempty"`
}

// Message is one ingested email. MessageKey is the idempotency key: the
// Message-ID header without angle brackets, or a synthesized id when absent.
type Message struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id"`
	MessageKey  string       `json:"message_key"`
	InReplyTo   string       `json:"in_reply_to"`
	References  []string     `json:"references"`
	FromAddress string       `json:"from_address"`
	FromName    string       `json:"from_name"`
	ToAddress   string       `json:"to_address"`
	ToName      string       `json:"to_name"`
	Subject     string       `json:"subject"`
	BodyText    string       `json:"body_text"`
	BodyHTML    string       `json:"body_html"`
	IsFromAgent bool         `json:"is_from_agent"`
	Direction   Direction    `json:"direction"`
	Folder      string       `json:"folder"`
	SourceUID   *int64       `json:"source_uid"`
	CreatedAt   time.Time    `json:"created_at"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	ID          string `json:"id"`
	MessageID   string `json:"message_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	URL         string `json:"url"`
	StoragePath string `json:"storage_path"`
}

// ThreadReply is the "replied" read model: the latest agent message time per
// responder on a thread.
type ThreadReply struct {
	ThreadID  string    `json:"thread_id"`
	Responder string    `json:"responder"`
	RepliedAt time.Time `json:"replied_at"`
}
