package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

const (
	// maxBodySize caps each extracted text part. Inbound mail becomes a
	// user turn, so this also bounds how much one message can add to a
	// thread.
	maxBodySize = 32 * 1024

	// maxRawMessageSize caps the RFC822 literal buffered per message.
	// The rest of the literal is drained so the IMAP stream stays in
	// sync.
	maxRawMessageSize = 5 * 1024 * 1024
)

const truncatedNote = "\n\n[truncated: message exceeds 32KB]"

// ReadMessage fetches one message by UID and extracts its text and
// HTML bodies, threading headers and attachment names. Reading sets
// \Seen on the server.
func (c *Client) ReadMessage(ctx context.Context, folder string, uid uint32) (*Message, error) {
	if folder == "" {
		folder = "INBOX"
	}

	msg, raw, err := c.fetchFull(ctx, folder, uid)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		if err := parseBody(c.logger, msg, bytes.NewReader(raw)); err != nil {
			c.logger.Debug("body parse error", "folder", folder, "uid", uid, "error", err)
		}
	}
	return msg, nil
}

// fetchFull fetches envelope, flags, size and the whole RFC822 body of
// a single UID. The body literal must be consumed while iterating,
// since go-imap/v2 skips unread literals when advancing.
func (c *Client) fetchFull(ctx context.Context, folder string, uid uint32) (*Message, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, nil, err
	}
	if _, err := c.selectFolder(folder); err != nil {
		return nil, nil, err
	}

	var uids imap.UIDSet
	uids.AddNum(imap.UID(uid))
	cmd := c.client.Fetch(uids, &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		Flags:       true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{{}},
	})

	item := cmd.Next()
	if item == nil {
		_ = cmd.Close()
		return nil, nil, fmt.Errorf("message UID %d not found in %s", uid, folder)
	}

	msg := &Message{}
	var raw []byte
	for data := item.Next(); data != nil; data = item.Next() {
		switch d := data.(type) {
		case imapclient.FetchItemDataEnvelope:
			applyEnvelope(msg, d.Envelope)
		case imapclient.FetchItemDataBodySection:
			raw = readLiteral(c.logger, d.Literal, uid)
		default:
			envelopeItem(&msg.Envelope, data)
		}
	}

	if err := cmd.Close(); err != nil {
		return nil, nil, fmt.Errorf("fetch message UID %d: %w", uid, err)
	}
	return msg, raw, nil
}

// readLiteral buffers up to maxRawMessageSize of a body literal and
// drains the remainder. It returns nil if the literal is missing or
// unreadable.
func readLiteral(logger *slog.Logger, lit imap.LiteralReader, uid uint32) []byte {
	if lit == nil {
		logger.Debug("nil body literal", "uid", uid)
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(lit, maxRawMessageSize))
	drainLiteral(lit)
	if err != nil {
		logger.Debug("error reading body literal", "uid", uid, "error", err)
		return nil
	}
	return raw
}

// applyEnvelope copies the summary fields plus the threading and
// reply fields a full read needs.
func applyEnvelope(msg *Message, env *imap.Envelope) {
	if env == nil {
		return
	}
	applySummary(&msg.Envelope, env)
	msg.MessageID = env.MessageID
	msg.InReplyTo = env.InReplyTo
	if len(env.ReplyTo) > 0 {
		msg.ReplyTo = formatAddress(env.ReplyTo[0])
	}
	for _, a := range env.Cc {
		msg.Cc = append(msg.Cc, formatAddress(a))
	}
}

// parseBody walks the MIME tree of a raw message. The first text/plain
// and text/html inline parts fill TextBody and HTMLBody; attachment
// parts contribute only their filename. References comes from the
// header because the IMAP envelope does not carry it.
//
// go-message can return a usable reader together with an unknown
// charset error. Such parts are kept as-is.
func parseBody(logger *slog.Logger, msg *Message, r io.Reader) error {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		if err == nil {
			err = errors.New("no reader")
		}
		return fmt.Errorf("create mail reader: %w", err)
	}
	if err != nil {
		logger.Debug("mail reader charset warning", "error", err)
	}

	if refs, err := mr.Header.MsgIDList("References"); err == nil && len(refs) > 0 {
		msg.References = refs
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}
		if err != nil {
			logger.Debug("part charset warning", "error", err)
		}

		switch h := part.Header.(type) {
		case *mail.AttachmentHeader:
			if name, _ := h.Filename(); name != "" {
				msg.Attachments = append(msg.Attachments, name)
			}
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			switch {
			case ct == "text/plain" && msg.TextBody == "":
				msg.TextBody = readPart(logger, part.Body, ct)
			case ct == "text/html" && msg.HTMLBody == "":
				msg.HTMLBody = readPart(logger, part.Body, ct)
			}
		}
	}
}

// readPart reads at most maxBodySize bytes of a text part, marking the
// result when it was cut short.
func readPart(logger *slog.Logger, r io.Reader, contentType string) string {
	body, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		logger.Debug("error reading part", "content_type", contentType, "error", err)
		return ""
	}
	if len(body) > maxBodySize {
		return strings.TrimSpace(string(body[:maxBodySize])) + truncatedNote
	}
	return strings.TrimSpace(string(body))
}

// attachmentNote renders attachment names as a trailing line for a
// user turn or tool result. It returns "" when there are none.
func attachmentNote(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return "[Attachments: " + strings.Join(names, ", ") + "]"
}
