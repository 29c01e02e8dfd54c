// Package mailparse turns raw RFC 5322 bytes into the fields the ingestion
// pipeline stores.
package mailparse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"

	"github.com/vdavid/supportmail/internal/models"
	"github.com/vdavid/supportmail/internal/syncerr"
)

var (
	messageIDPattern = regexp.MustCompile(`<([^<>\s]+)>`)
	addressPattern   = regexp.MustCompile(`[^\s<>"',;:]+@[^\s<>"',;:]+`)
	hostTokenPattern = regexp.MustCompile(`[^a-z0-9-]+`)
)

var errEmptyMessage = errors.New("empty message")

// ParsedAttachment is an attachment payload before upload.
type ParsedAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Parsed holds everything read from one message.
type Parsed struct {
	MessageKey  string
	InReplyTo   string
	References  []string
	FromAddress string
	FromName    string
	ToAddress   string
	ToName      string
	Subject     string
	BodyText    string
	BodyHTML    string
	Date        time.Time
	Attachments []ParsedAttachment
}

// Parser parses raw messages of one folder. idHost is the host part used when
// a message has no Message-ID.
type Parser struct {
	idHost string
	now    func() time.Time
}

func NewParser(idHost string) *Parser {
	return &Parser{idHost: idHost, now: time.Now}
}

// SyntheticHost returns the host part for synthesized message ids. Folders
// other than INBOX get their own subdomain so equal UIDs in different folders
// never produce the same id. A non-zero uidValidity is the leftmost label:
// a server may reuse UIDs once UIDVALIDITY changes.
func SyntheticHost(folder string, uidValidity uint32, imapHost string) string {
	if imapHost == "" {
		imapHost = "localhost"
	}
	host := imapHost
	if !strings.EqualFold(folder, "INBOX") && folder != "" {
		token := strings.Trim(hostTokenPattern.ReplaceAllString(strings.ToLower(folder), "-"), "-")
		if token == "" {
			token = "folder"
		}
		host = token + "." + imapHost
	}
	if uidValidity != 0 {
		host = strconv.FormatUint(uint64(uidValidity), 10) + "." + host
	}
	return host
}

// Parse decodes raw. It only fails with *syncerr.ParseError when the input is
// empty or its header block cannot be read at all.
func (p *Parser) Parse(raw models.RawMessage) (*Parsed, error) {
	if len(bytes.TrimSpace(raw.Body)) == 0 {
		return nil, &syncerr.ParseError{UID: raw.UID, Err: errEmptyMessage}
	}

	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw.Body)))
	if errors.Is(err, io.EOF) && th.Len() > 0 {
		err = nil
	}
	if err != nil {
		return nil, &syncerr.ParseError{UID: raw.UID, Err: fmt.Errorf("failed to read headers: %w", err)}
	}
	h := mail.Header{Header: message.Header{Header: th}}

	parsed := &Parsed{
		MessageKey: messageKey(h),
		References: msgIDList(h, "References"),
		Subject:    subject(h),
	}
	if parsed.MessageKey == "" {
		parsed.MessageKey = fmt.Sprintf("generated-%d@%s", raw.UID, p.idHost)
	}
	if inReplyTo := msgIDList(h, "In-Reply-To"); len(inReplyTo) > 0 {
		parsed.InReplyTo = inReplyTo[0]
	}

	parsed.FromName, parsed.FromAddress = firstAddress(h, "From")
	parsed.ToName, parsed.ToAddress = firstAddress(h, "To")
	if parsed.ToAddress == "" {
		parsed.ToName, parsed.ToAddress = firstAddress(h, "Delivered-To")
	}

	parsed.Date = p.messageDate(h, raw.InternalDate)

	if err := parseBody(raw.Body, parsed); err != nil {
		parseBodyFallback(raw.Body, parsed)
	}

	return parsed, nil
}

// parseBody parses the email body using enmime.
func parseBody(body []byte, parsed *Parsed) error {
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to parse email body: %w", err)
	}

	parsed.BodyHTML = toValidUTF8(envelope.HTML)
	parsed.BodyText = toValidUTF8(envelope.Text)
	if strings.TrimSpace(parsed.BodyText) == "" && parsed.BodyHTML != "" {
		parsed.BodyText = StripHTML(parsed.BodyHTML)
	}

	parts := make([]*enmime.Part, 0, len(envelope.Attachments)+len(envelope.Inlines))
	parts = append(parts, envelope.Attachments...)
	for _, part := range envelope.Inlines {
		if part.FileName != "" {
			parts = append(parts, part)
		}
	}

	for _, part := range parts {
		if len(part.Content) == 0 {
			continue
		}
		parsed.Attachments = append(parsed.Attachments, ParsedAttachment{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			Data:        part.Content,
		})
	}

	return nil
}

// parseBodyFallback reads a single-part body with go-message when enmime
// gives up. It never fails; the worst case is an empty body.
func parseBodyFallback(body []byte, parsed *Parsed) {
	entity, err := message.Read(bytes.NewReader(body))
	if entity == nil {
		return
	}

	content, readErr := io.ReadAll(entity.Body)
	if readErr != nil && len(content) == 0 {
		return
	}

	mediaType, params, ctErr := entity.Header.ContentType()
	if ctErr != nil {
		mediaType = "text/plain"
	}
	text := toValidUTF8(string(content))
	if message.IsUnknownCharset(err) {
		text = decodeCharset(content, params["charset"])
	}

	if mediaType == "text/html" {
		parsed.BodyHTML = text
		parsed.BodyText = StripHTML(text)
		return
	}
	parsed.BodyText = text
}

// messageKey is the Message-ID without angle brackets.
func messageKey(h mail.Header) string {
	if id, err := h.MessageID(); err == nil && id != "" {
		return id
	}
	raw := strings.TrimSpace(h.Get("Message-Id"))
	if m := messageIDPattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return strings.Trim(raw, "<> \t")
}

// msgIDList returns the ids in a header, in header order.
func msgIDList(h mail.Header, key string) []string {
	if ids, err := h.MsgIDList(key); err == nil {
		return ids
	}
	var ids []string
	for _, m := range messageIDPattern.FindAllStringSubmatch(h.Get(key), -1) {
		ids = append(ids, m[1])
	}
	return ids
}

func subject(h mail.Header) string {
	s, err := h.Subject()
	if err != nil {
		s = h.Get("Subject")
	}
	return strings.TrimSpace(toValidUTF8(s))
}

// firstAddress returns the display name and lower-cased address of the first
// mailbox in the header.
func firstAddress(h mail.Header, key string) (string, string) {
	addrs, err := h.AddressList(key)
	if err == nil && len(addrs) > 0 {
		return strings.TrimSpace(addrs[0].Name), strings.ToLower(addrs[0].Address)
	}

	raw := h.Get(key)
	if addr, err := mail.ParseAddress(raw); err == nil {
		return strings.TrimSpace(addr.Name), strings.ToLower(addr.Address)
	}
	if m := addressPattern.FindString(raw); m != "" {
		return "", strings.ToLower(m)
	}
	return "", ""
}

func (p *Parser) messageDate(h mail.Header, internalDate time.Time) time.Time {
	if d, err := h.Date(); err == nil && !d.IsZero() {
		return d.UTC()
	}
	if !internalDate.IsZero() {
		return internalDate.UTC()
	}
	return p.now().UTC()
}
