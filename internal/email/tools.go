package email

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nugget/mailroom/internal/tools"
)

// sendFunc delivers a composed message over SMTP.
type sendFunc func(ctx context.Context, cfg SMTPConfig, from string, recipients []string, msg []byte) error

// Tools holds email tool dependencies. Each handler takes the raw
// argument map from the tool registry and returns formatted text for
// the LLM.
type Tools struct {
	manager *Manager
	policy  *RecipientPolicy
	logger  *slog.Logger

	send     sendFunc
	saveSent func(ctx context.Context, account, folder string, msg []byte) error
}

// NewTools creates email tools backed by the given manager. Outbound
// recipients are checked against policy; a nil policy allows all.
func NewTools(mgr *Manager, policy *RecipientPolicy, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tools{
		manager: mgr,
		policy:  policy,
		logger:  logger,
		send:    SendMail,
	}
	t.saveSent = func(ctx context.Context, account, folder string, msg []byte) error {
		client, err := t.manager.Account(account)
		if err != nil {
			return err
		}
		return client.AppendMessage(ctx, folder, msg)
	}
	return t
}

// Register adds email_list, email_read and send_email to reg.
func (t *Tools) Register(reg *tools.Registry) {
	accountProp := map[string]any{
		"type":        "string",
		"description": "Account name. Omit for the primary account.",
	}

	reg.Register(&tools.Tool{
		Name:        "email_list",
		Description: "List recent messages in a mailbox folder, newest first.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"folder":  map[string]any{"type": "string", "description": "Folder name (default INBOX)"},
				"limit":   map[string]any{"type": "integer", "description": "Maximum messages (default 20)"},
				"unseen":  map[string]any{"type": "boolean", "description": "Only unread messages"},
				"account": accountProp,
			},
		},
		Handler: t.HandleList,
	})

	reg.Register(&tools.Tool{
		Name:        "email_read",
		Description: "Read one message by UID, including headers and the text body.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"uid":     map[string]any{"type": "integer", "description": "Message UID from email_list"},
				"folder":  map[string]any{"type": "string", "description": "Folder name (default INBOX)"},
				"account": accountProp,
			},
			"required": []string{"uid"},
		},
		Handler: t.HandleRead,
	})

	reg.Register(&tools.Tool{
		Name: "send_email",
		Description: "Send an email. The body may be markdown or HTML and is delivered " +
			"as both plain text and HTML. Set in_reply_to to the Message-ID being answered.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Recipient addresses",
				},
				"cc": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "CC addresses",
				},
				"subject":     map[string]any{"type": "string", "description": "Subject line"},
				"body":        map[string]any{"type": "string", "description": "Message body, markdown or HTML"},
				"in_reply_to": map[string]any{"type": "string", "description": "Message-ID of the message being answered"},
				"account":     accountProp,
			},
			"required": []string{"to", "subject", "body"},
		},
		Handler: t.HandleSend,
	})
}

// HandleList lists recent emails in a folder.
func (t *Tools) HandleList(ctx context.Context, args map[string]any) (string, error) {
	opts := ListOptions{
		Folder:  stringArg(args, "folder"),
		Limit:   intArg(args, "limit"),
		Unseen:  boolArg(args, "unseen"),
		Account: stringArg(args, "account"),
	}

	client, err := t.manager.Account(opts.Account)
	if err != nil {
		return "", err
	}

	envelopes, err := client.ListMessages(ctx, opts)
	if err != nil {
		return "", err
	}

	if len(envelopes) == 0 {
		folder := opts.Folder
		if folder == "" {
			folder = "INBOX"
		}
		return fmt.Sprintf("No messages in %s", folder), nil
	}

	return formatEnvelopeList(envelopes), nil
}

// HandleRead reads a single email by UID.
func (t *Tools) HandleRead(ctx context.Context, args map[string]any) (string, error) {
	uid := uint32(intArg(args, "uid"))
	folder := stringArg(args, "folder")
	account := stringArg(args, "account")

	if uid == 0 {
		return "", fmt.Errorf("uid is required")
	}

	client, err := t.manager.Account(account)
	if err != nil {
		return "", err
	}

	msg, err := client.ReadMessage(ctx, folder, uid)
	if err != nil {
		return "", err
	}

	return formatMessage(msg), nil
}

// HandleSend composes and delivers a message. Every recipient must
// pass the recipient policy. The conversation id is carried in
// References when it is a Message-ID, so the human's reply threads
// back into the same conversation.
func (t *Tools) HandleSend(ctx context.Context, args map[string]any) (string, error) {
	opts := SendOptions{
		To:        stringSliceArg(args, "to"),
		Cc:        stringSliceArg(args, "cc"),
		Subject:   strings.TrimSpace(stringArg(args, "subject")),
		Body:      stringArg(args, "body"),
		InReplyTo: normalizeMessageID(stringArg(args, "in_reply_to")),
		Account:   stringArg(args, "account"),
	}

	if len(opts.To) == 0 {
		return "", fmt.Errorf("to is required")
	}
	if opts.Subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if strings.TrimSpace(opts.Body) == "" {
		return "", fmt.Errorf("body is required")
	}
	if err := t.policy.Check(opts.To, opts.Cc); err != nil {
		return "", err
	}

	acct, err := t.manager.AccountConfig(opts.Account)
	if err != nil {
		return "", err
	}
	if !acct.SMTPConfigured() {
		return "", fmt.Errorf("email account %q cannot send: no smtp configured", acct.Name)
	}

	references := threadReferences(tools.ConversationIDFromContext(ctx), opts.InReplyTo)
	if opts.InReplyTo != "" {
		opts.Subject = replySubject(opts.Subject)
	}

	raw, err := ComposeMessage(ComposeOptions{
		From:       acct.DefaultFrom,
		To:         opts.To,
		Cc:         opts.Cc,
		Subject:    opts.Subject,
		Body:       opts.Body,
		InReplyTo:  opts.InReplyTo,
		References: references,
	})
	if err != nil {
		return "", fmt.Errorf("compose: %w", err)
	}

	// The owner copy goes out as an envelope recipient only, so no Bcc
	// header reaches the other recipients.
	var bcc []string
	if owner := t.manager.BccOwner(); owner != "" {
		bcc = append(bcc, owner)
	}
	recipients := collectRecipients(opts.To, opts.Cc, bcc)

	if err := t.send(ctx, acct.SMTP, extractAddress(acct.DefaultFrom), recipients, raw); err != nil {
		return "", fmt.Errorf("send via %s: %w", acct.Name, err)
	}
	t.logger.Info("email sent",
		"account", acct.Name,
		"to", strings.Join(opts.To, ", "),
		"subject", opts.Subject,
		"recipients", len(recipients),
	)

	if acct.SentFolder != "" {
		if err := t.saveSent(ctx, acct.Name, acct.SentFolder, raw); err != nil {
			t.logger.Warn("failed to store sent copy",
				"account", acct.Name,
				"folder", acct.SentFolder,
				"error", err,
			)
		}
	}

	return fmt.Sprintf("Email sent to %s (subject: %q)", strings.Join(opts.To, ", "), opts.Subject), nil
}

// threadReferences builds the References chain for an outbound
// message: the conversation root when the conversation is keyed by a
// Message-ID, then the message being answered.
func threadReferences(conversationID, inReplyTo string) []string {
	var refs []string
	if strings.Contains(conversationID, "@") {
		refs = append(refs, normalizeMessageID(conversationID))
	}
	if inReplyTo != "" && (len(refs) == 0 || refs[0] != inReplyTo) {
		refs = append(refs, inReplyTo)
	}
	return refs
}

// --- Formatting helpers ---

func formatEnvelopeList(envelopes []Envelope) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d message(s):\n\n", len(envelopes)))

	for _, env := range envelopes {
		sb.WriteString(fmt.Sprintf("UID: %d\n", env.UID))
		sb.WriteString(fmt.Sprintf("From: %s\n", env.From))
		sb.WriteString(fmt.Sprintf("Subject: %s\n", env.Subject))
		sb.WriteString(fmt.Sprintf("Date: %s\n", env.Date.Format("2006-01-02 15:04")))

		if len(env.Flags) > 0 {
			sb.WriteString(fmt.Sprintf("Flags: %s\n", strings.Join(env.Flags, ", ")))
		}
		sb.WriteString(fmt.Sprintf("Size: %d bytes\n", env.Size))
		sb.WriteString("\n")
	}

	return sb.String()
}

func formatMessage(msg *Message) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("From: %s\n", msg.From))
	sb.WriteString(fmt.Sprintf("To: %s\n", strings.Join(msg.To, ", ")))
	if len(msg.Cc) > 0 {
		sb.WriteString(fmt.Sprintf("Cc: %s\n", strings.Join(msg.Cc, ", ")))
	}
	sb.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))
	sb.WriteString(fmt.Sprintf("Date: %s\n", msg.Date.Format("2006-01-02 15:04 MST")))
	if msg.MessageID != "" {
		sb.WriteString(fmt.Sprintf("Message-ID: %s\n", msg.MessageID))
	}
	if len(msg.Flags) > 0 {
		sb.WriteString(fmt.Sprintf("Flags: %s\n", strings.Join(msg.Flags, ", ")))
	}
	sb.WriteString(fmt.Sprintf("UID: %d | Size: %d bytes\n", msg.UID, msg.Size))
	sb.WriteString("\n---\n\n")

	switch {
	case msg.TextBody != "":
		sb.WriteString(msg.TextBody)
	case msg.HTMLBody != "":
		sb.WriteString("[Converted from HTML]\n\n")
		sb.WriteString(HTMLToText(msg.HTMLBody))
	default:
		sb.WriteString("[No text content available]")
	}
	if note := attachmentNote(msg.Attachments); note != "" {
		sb.WriteString("\n\n" + note)
	}

	return sb.String()
}

// --- Argument extraction helpers ---

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func boolArg(args map[string]any, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}

// stringSliceArg accepts a JSON array of strings or a single string.
// Non-string array entries are skipped.
func stringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}
