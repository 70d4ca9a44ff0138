package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/mailroom/internal/events"
	"github.com/nugget/mailroom/internal/opstate"
	"github.com/nugget/mailroom/internal/prompts"
)

const (
	// pollNamespace is the opstate namespace for email polling state.
	pollNamespace = "email_poll"

	pollFolder = "INBOX"
)

// Mailbox is the read side of an IMAP account used by the poller.
// *Client implements it.
type Mailbox interface {
	ListMessages(ctx context.Context, opts ListOptions) ([]Envelope, error)
	ReadMessage(ctx context.Context, folder string, uid uint32) (*Message, error)
}

// Submitter queues an inbound turn for a conversation.
type Submitter interface {
	Submit(conversationID, userTurn string) error
}

// Poller checks configured email accounts for new messages by comparing
// IMAP UIDs against a persisted high-water mark. Each new message
// becomes a user turn on the conversation its headers thread into.
type Poller struct {
	manager   *Manager
	state     *opstate.Store
	submitter Submitter
	logger    *slog.Logger
	events    *events.Bus

	// open resolves an account name to its mailbox.
	open func(account string) (Mailbox, error)
}

// NewPoller creates an email poller that checks all accounts managed by
// the given Manager, tracks state in the provided opstate store and
// hands each new message to submitter.
func NewPoller(manager *Manager, state *opstate.Store, submitter Submitter, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		manager:   manager,
		state:     state,
		submitter: submitter,
		logger:    logger,
	}
	p.open = func(account string) (Mailbox, error) {
		c, err := p.manager.Account(account)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return p
}

// SetEventBus attaches an event bus for poll events.
func (p *Poller) SetEventBus(bus *events.Bus) {
	p.events = bus
}

// Run polls every interval until ctx is cancelled. The first poll
// happens immediately.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	start := time.Now()
	p.events.Publish(events.Event{Source: events.SourceEmail, Kind: events.KindPollStart})

	n, err := p.Poll(ctx)
	data := map[string]any{
		"submitted":  n,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	p.events.Publish(events.Event{Source: events.SourceEmail, Kind: events.KindPollComplete, Data: data})
}

// Poll checks every account once and returns the number of messages
// submitted. A failure on one account does not prevent checking the
// others; the failures are joined into the returned error.
//
// On first run (no stored high-water mark) the current highest UID is
// recorded without submitting anything, so a fresh deployment does
// not replay the whole inbox.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	if p.manager == nil {
		return 0, nil
	}

	var total int
	var errs []error
	for _, name := range p.manager.AccountNames() {
		n, err := p.pollAccount(ctx, name)
		total += n
		if err != nil {
			p.logger.Warn("email poll failed for account",
				"account", name,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("account %s: %w", name, err))
		}
	}
	return total, errors.Join(errs...)
}

// pollAccount submits the account's new INBOX messages in UID order.
// The high-water mark only moves past messages that were submitted (or
// skipped as self-sent), so a message whose read or submit fails is
// retried on the next poll along with everything after it.
func (p *Poller) pollAccount(ctx context.Context, account string) (int, error) {
	mb, err := p.open(account)
	if err != nil {
		return 0, fmt.Errorf("get account: %w", err)
	}

	key := account + ":" + pollFolder
	stored, found, err := p.state.Uint(pollNamespace, key)
	switch {
	case errors.Is(err, opstate.ErrNotNumeric):
		p.logger.Warn("corrupt high-water mark, reseeding",
			"account", account,
			"error", err,
		)
		return 0, p.seed(ctx, mb, account, key, "high-water mark reseeded")
	case err != nil:
		return 0, fmt.Errorf("get high-water mark %q: %w", key, err)
	case !found:
		return 0, p.seed(ctx, mb, account, key, "email poll first run, seeding high-water mark")
	}

	envelopes, err := mb.ListMessages(ctx, ListOptions{
		Folder:   pollFolder,
		SinceUID: uint32(stored),
	})
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}

	// A UID range of N:* always matches the newest message, even when
	// its UID is below N.
	fresh := envelopes[:0]
	for _, env := range envelopes {
		if uint64(env.UID) > stored {
			fresh = append(fresh, env)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].UID < fresh[j].UID })

	done := fresh
	submitted := 0
	var deliverErr error
	for _, env := range p.filterSelfSent(account, fresh) {
		if err := p.deliver(ctx, mb, account, env); err != nil {
			deliverErr = fmt.Errorf("uid %d: %w", env.UID, err)
			done = below(fresh, env.UID)
			break
		}
		submitted++
	}

	p.advanceHighWaterMark(account, key, stored, done)
	return submitted, deliverErr
}

// seed records the newest UID as the high-water mark.
func (p *Poller) seed(ctx context.Context, mb Mailbox, account, key, msg string) error {
	envelopes, err := mb.ListMessages(ctx, ListOptions{Folder: pollFolder, Limit: 1})
	if err != nil {
		return fmt.Errorf("seed list: %w", err)
	}
	if len(envelopes) == 0 {
		return nil
	}
	uid := envelopes[0].UID
	p.logger.Info(msg, "account", account, "uid", uid)
	if err := p.state.Set(pollNamespace, key, strconv.FormatUint(uint64(uid), 10)); err != nil {
		return fmt.Errorf("seed high-water mark %q: %w", key, err)
	}
	return nil
}

// deliver reads one message and submits it as a user turn.
func (p *Poller) deliver(ctx context.Context, mb Mailbox, account string, env Envelope) error {
	msg, err := mb.ReadMessage(ctx, pollFolder, env.UID)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	convID := ConversationID(account, msg)
	body := msg.Text()
	if note := attachmentNote(msg.Attachments); note != "" {
		body += "\n\n" + note
	}
	turn := prompts.InboundEmailTurn(msg.From, msg.Subject, body)
	if err := p.submitter.Submit(convID, turn); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	p.logger.Info("inbound email submitted",
		"account", account,
		"uid", env.UID,
		"conversation", convID,
		"from", msg.From,
	)
	p.events.Publish(events.Event{
		Source: events.SourceEmail,
		Kind:   events.KindReceived,
		Data: map[string]any{
			"email_id":        msg.MessageID,
			"conversation_id": convID,
			"account":         account,
		},
	})
	return nil
}

// advanceHighWaterMark raises the stored mark to the highest UID in
// msgs. The mark never moves backwards, since messages moved out of
// INBOX can leave older UIDs in later listings.
func (p *Poller) advanceHighWaterMark(account, key string, stored uint64, msgs []Envelope) {
	var highest uint64
	for _, env := range msgs {
		if uint64(env.UID) > highest {
			highest = uint64(env.UID)
		}
	}
	if highest <= stored {
		return
	}
	if _, err := p.state.Advance(pollNamespace, key, highest); err != nil {
		p.logger.Warn("failed to update high-water mark",
			"account", account,
			"uid", highest,
			"error", err,
		)
	}
}

// filterSelfSent drops messages sent from the account's own address.
// Replies the agent sends can land in INBOX when it is a recipient, and
// they must not wake the conversation again.
func (p *Poller) filterSelfSent(account string, msgs []Envelope) []Envelope {
	acct, err := p.manager.AccountConfig(account)
	if err != nil || acct.DefaultFrom == "" {
		return msgs
	}
	self := strings.ToLower(extractAddress(acct.DefaultFrom))

	out := make([]Envelope, 0, len(msgs))
	for _, env := range msgs {
		if strings.ToLower(extractAddress(env.From)) == self {
			p.logger.Debug("skipping self-sent message", "account", account, "uid", env.UID)
			continue
		}
		out = append(out, env)
	}
	return out
}

// below returns the messages with UIDs lower than uid.
func below(msgs []Envelope, uid uint32) []Envelope {
	var out []Envelope
	for _, env := range msgs {
		if env.UID < uid {
			out = append(out, env)
		}
	}
	return out
}
