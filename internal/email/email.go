// Package email connects Mailroom to real mailboxes. It polls IMAP
// inboxes for new messages and hands each one to the conversation
// dispatcher, and it provides the send_email tool, which composes
// multipart messages from markdown and delivers them over SMTP.
package email

import (
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// drainLiteral reads and discards the contents of an IMAP literal reader.
// This prevents blocking the IMAP stream when a body section is fetched
// but not consumed. Nil readers are handled gracefully.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

// Envelope is the summary metadata for an email message, suitable for
// list views and search results.
type Envelope struct {
	// UID is the IMAP unique identifier for this message within its folder.
	UID uint32

	// Date is the message's Date header.
	Date time.Time

	// From is the sender, formatted as "Name <addr>" or just the address.
	From string

	// To is the list of recipients.
	To []string

	// Subject is the message subject line.
	Subject string

	// Flags contains IMAP flags (e.g., \Seen, \Flagged).
	Flags []string

	// Size is the message size in bytes.
	Size uint32
}

// Message is a fully-fetched email with body content extracted from
// the MIME structure.
type Message struct {
	Envelope

	// MessageID is the Message-ID header value (without angle brackets).
	MessageID string

	// InReplyTo contains Message-IDs this message is a reply to.
	InReplyTo []string

	// References contains the full References chain for threading.
	References []string

	// Cc is the list of CC recipients.
	Cc []string

	// ReplyTo is the Reply-To address, if different from From.
	ReplyTo string

	// TextBody is the plain-text body content. Preferred over HTMLBody
	// for LLM consumption.
	TextBody string

	// HTMLBody is the raw HTML body, if present.
	HTMLBody string

	// Attachments lists attachment filenames. Attachment content is
	// never read.
	Attachments []string
}

// Text returns the best plain-text rendering of the body: TextBody
// when present, otherwise HTMLBody converted with [HTMLToText].
func (m *Message) Text() string {
	if m.TextBody != "" {
		return m.TextBody
	}
	if m.HTMLBody != "" {
		return HTMLToText(m.HTMLBody)
	}
	return ""
}

// ListOptions controls the behavior of email listing operations.
type ListOptions struct {
	// Folder is the mailbox to list from. Default: "INBOX".
	Folder string

	// Limit is the maximum number of messages to return. Default: 20.
	Limit int

	// Unseen restricts the listing to unseen messages only.
	Unseen bool

	// SinceUID, when set, returns every message with a greater UID and
	// ignores Limit. The poller uses it to walk forward from its
	// high-water mark.
	SinceUID uint32

	// Account is the account name. Empty uses the primary account.
	Account string
}

// SendOptions describes an outbound email message. The Body field
// contains markdown (or HTML) that the compose layer converts to both
// text/plain and text/html MIME parts.
type SendOptions struct {
	// To is the list of recipient addresses (required).
	To []string

	// Cc is the list of CC addresses.
	Cc []string

	// Subject is the email subject line (required).
	Subject string

	// Body is the message body (required).
	Body string

	// InReplyTo is the Message-ID being answered, without angle
	// brackets. It is also used as the References chain.
	InReplyTo string

	// Account is the account name. Empty uses the primary account.
	Account string
}
