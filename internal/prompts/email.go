package prompts

import (
	"fmt"
	"strings"
)

// inboundEmailTemplate renders an inbound message as a user turn when
// the transport supplies no prompt of its own.
const inboundEmailTemplate = `New email received.

From: %s
Subject: %s

%s`

// InboundEmailTurn formats an inbound email for the control loop. The
// body is trimmed; an empty body is rendered as "(no content)".
func InboundEmailTurn(from, subject, body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		body = "(no content)"
	}
	if subject == "" {
		subject = "(no subject)"
	}
	return fmt.Sprintf(inboundEmailTemplate, from, subject, body)
}
