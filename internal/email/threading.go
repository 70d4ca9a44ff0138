package email

import (
	"fmt"
	"strings"
)

// ConversationID derives the conversation a message belongs to. Every
// message in a reply chain carries the chain's root in References, so
// the first References entry groups the whole thread under one id.
// Clients that send only In-Reply-To fall back to that, and a message
// that starts a thread is identified by its own Message-ID. A message
// with none of the three is keyed by account and UID.
func ConversationID(account string, msg *Message) string {
	for _, ids := range [][]string{msg.References, msg.InReplyTo} {
		for _, id := range ids {
			if id = normalizeMessageID(id); id != "" {
				return id
			}
		}
	}
	if id := normalizeMessageID(msg.MessageID); id != "" {
		return id
	}
	return fmt.Sprintf("%s:%d", account, msg.UID)
}

// normalizeMessageID strips whitespace and angle brackets.
func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// replySubject prefixes "Re: " unless the subject already has it.
func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}
