// Package webhook receives inbound email deliveries over HTTP. Each
// delivery is authenticated with an HMAC signature, mapped to a
// conversation and submitted to the dispatcher; the handler answers
// before the conversation runs.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/mailroom/internal/events"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature"

// maxBodyBytes bounds the size of a delivery.
const maxBodyBytes = 10 << 20

// ErrBadSignature is returned by [Verify] when the signature is missing
// or does not match the body.
var ErrBadSignature = errors.New("invalid webhook signature")

// Submitter queues an inbound turn for a conversation.
type Submitter interface {
	Submit(conversationID, userTurn string) error
}

// Handler serves POST /receive-email.
type Handler struct {
	secret    []byte
	submitter Submitter
	logger    *slog.Logger
	events    *events.Bus
}

// NewHandler creates a webhook handler. An empty secret disables
// signature verification.
func NewHandler(secret string, submitter Submitter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		secret:    []byte(secret),
		submitter: submitter,
		logger:    logger,
	}
}

// SetEventBus attaches an event bus for delivery events.
func (h *Handler) SetEventBus(bus *events.Bus) {
	h.events = bus
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against body. A "sha256=" prefix on the
// signature is accepted.
func Verify(secret, body []byte, signature string) error {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.reject(w, http.StatusRequestEntityTooLarge, "body_too_large", err)
		return
	}

	if len(h.secret) > 0 {
		if err := Verify(h.secret, body, r.Header.Get(SignatureHeader)); err != nil {
			h.reject(w, http.StatusUnauthorized, "bad_signature", err)
			return
		}
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		h.reject(w, http.StatusBadRequest, "bad_json", err)
		return
	}
	convID := p.ConversationID()
	if convID == "" {
		h.reject(w, http.StatusBadRequest, "missing_id", errors.New("payload has no id"))
		return
	}

	if err := h.submitter.Submit(convID, p.UserTurn()); err != nil {
		h.logger.Error("webhook submit failed", "conversation", convID, "error", err)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("email received",
		"email_id", p.ID,
		"conversation", convID,
		"from", p.FromAddress.Address,
	)
	h.events.Publish(events.Event{
		Source: events.SourceWebhook,
		Kind:   events.KindReceived,
		Data: map[string]any{
			"email_id":        p.ID,
			"conversation_id": convID,
		},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reject(w http.ResponseWriter, code int, reason string, err error) {
	h.logger.Warn("webhook rejected", "status", code, "reason", reason, "error", err)
	h.events.Publish(events.Event{
		Source: events.SourceWebhook,
		Kind:   events.KindRejected,
		Data:   map[string]any{"reason": reason},
	})
	http.Error(w, http.StatusText(code), code)
}
