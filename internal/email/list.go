package email

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

const defaultListLimit = 20

// ListMessages returns envelopes from opts.Folder, newest first.
//
// With opts.SinceUID set, every message above that UID is returned and
// Limit is ignored; the poller relies on this to never skip mail that
// arrived between polls. Otherwise the newest Limit messages are
// returned.
func (c *Client) ListMessages(ctx context.Context, opts ListOptions) ([]Envelope, error) {
	folder := opts.Folder
	if folder == "" {
		folder = "INBOX"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if _, err := c.selectFolder(folder); err != nil {
		return nil, err
	}

	data, err := c.client.UIDSearch(searchCriteria(opts), nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder, err)
	}

	uids := selectUIDs(data.AllUIDs(), opts)
	if len(uids) == 0 {
		return nil, nil
	}

	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(uid)
	}
	return c.fetchEnvelopes(set)
}

// searchCriteria translates list options into an IMAP UID SEARCH.
func searchCriteria(opts ListOptions) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}
	if opts.Unseen {
		criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
	}
	if opts.SinceUID > 0 {
		// Stop 0 is "*", the highest UID in the mailbox.
		criteria.UID = []imap.UIDSet{{imap.UIDRange{Start: imap.UID(opts.SinceUID + 1), Stop: 0}}}
	}
	return criteria
}

// selectUIDs picks which search hits to fetch. A "N:*" search always
// matches the highest UID even when it is below N, so SinceUID is
// re-applied here.
func selectUIDs(all []imap.UID, opts ListOptions) []imap.UID {
	if opts.SinceUID > 0 {
		out := make([]imap.UID, 0, len(all))
		for _, uid := range all {
			if uint32(uid) > opts.SinceUID {
				out = append(out, uid)
			}
		}
		return out
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	sorted := slices.Clone(all)
	slices.Sort(sorted)
	if len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	return sorted
}

// fetchEnvelopes fetches summary data for set and returns it sorted by
// descending UID. The caller holds c.mu and has selected the folder.
func (c *Client) fetchEnvelopes(set imap.UIDSet) ([]Envelope, error) {
	cmd := c.client.Fetch(set, &imap.FetchOptions{
		UID:        true,
		Envelope:   true,
		Flags:      true,
		RFC822Size: true,
	})

	var envelopes []Envelope
	for msg := cmd.Next(); msg != nil; msg = cmd.Next() {
		var env Envelope
		for data := msg.Next(); data != nil; data = msg.Next() {
			switch d := data.(type) {
			case imapclient.FetchItemDataEnvelope:
				applySummary(&env, d.Envelope)
			case imapclient.FetchItemDataBodySection:
				drainLiteral(d.Literal)
			default:
				envelopeItem(&env, data)
			}
		}
		if env.UID == 0 {
			c.logger.Debug("skipping message without UID")
			continue
		}
		envelopes = append(envelopes, env)
	}

	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}

	slices.SortFunc(envelopes, func(a, b Envelope) int { return cmp.Compare(b.UID, a.UID) })
	return envelopes, nil
}

// envelopeItem folds the UID, flags and size fetch items into env.
// Other items are ignored.
func envelopeItem(env *Envelope, data imapclient.FetchItemData) {
	switch d := data.(type) {
	case imapclient.FetchItemDataUID:
		env.UID = uint32(d.UID)
	case imapclient.FetchItemDataFlags:
		for _, f := range d.Flags {
			env.Flags = append(env.Flags, string(f))
		}
	case imapclient.FetchItemDataRFC822Size:
		env.Size = uint32(d.Size)
	}
}

// applySummary copies the list-view fields of an IMAP envelope.
func applySummary(env *Envelope, src *imap.Envelope) {
	if src == nil {
		return
	}
	env.Date = src.Date
	env.Subject = src.Subject
	if len(src.From) > 0 {
		env.From = formatAddress(src.From[0])
	}
	for _, a := range src.To {
		env.To = append(env.To, formatAddress(a))
	}
}

// formatAddress renders an address as "Name <user@host>", or the bare
// address when there is no display name.
func formatAddress(addr imap.Address) string {
	if addr.Name == "" {
		return addr.Addr()
	}
	return fmt.Sprintf("%s <%s>", addr.Name, addr.Addr())
}
