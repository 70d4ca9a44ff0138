package webhook

import (
	"strings"

	"github.com/nugget/mailroom/internal/email"
	"github.com/nugget/mailroom/internal/prompts"
)

// Address is a mailbox with an optional display name.
type Address struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// String formats the address as "Name <addr>" or just "addr".
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

// PreviousEmail is an earlier message in the same thread, oldest first.
type PreviousEmail struct {
	ID          string  `json:"id"`
	FromAddress Address `json:"from_address"`
	Subject     string  `json:"subject,omitempty"`
	Date        string  `json:"date,omitempty"`
}

// Payload is the JSON body of an inbound email delivery.
type Payload struct {
	ID             string          `json:"id"`
	FromAddress    Address         `json:"from_address"`
	ToAddresses    []Address       `json:"to_addresses"`
	CcAddresses    []Address       `json:"cc_addresses,omitempty"`
	Subject        string          `json:"subject"`
	Date           string          `json:"date,omitempty"`
	PlainText      string          `json:"plain_text,omitempty"`
	HTML           string          `json:"html,omitempty"`
	ThreadPrompt   string          `json:"thread_prompt"`
	PreviousEmails []PreviousEmail `json:"previous_emails,omitempty"`
}

// ConversationID is the id of the first email in the thread, so every
// reply lands on the same conversation. A message with no history
// starts a conversation under its own id.
func (p *Payload) ConversationID() string {
	if len(p.PreviousEmails) > 0 && p.PreviousEmails[0].ID != "" {
		return p.PreviousEmails[0].ID
	}
	return p.ID
}

// UserTurn is the text handed to the loop. The sender's thread_prompt
// is used when present; otherwise the message is rendered from its
// sender, subject and body.
func (p *Payload) UserTurn() string {
	if strings.TrimSpace(p.ThreadPrompt) != "" {
		return p.ThreadPrompt
	}
	body := p.PlainText
	if strings.TrimSpace(body) == "" && p.HTML != "" {
		body = email.HTMLToText(p.HTML)
	}
	return prompts.InboundEmailTurn(p.FromAddress.String(), p.Subject, body)
}
