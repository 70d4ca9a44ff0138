package email

import (
	"fmt"
	"strings"
)

// RecipientPolicy decides which addresses send_email may write to.
// Entries are full addresses or "@domain" suffixes, matched without
// regard to case. An empty policy allows everything.
type RecipientPolicy struct {
	addresses map[string]bool
	domains   []string
}

// NewRecipientPolicy builds a policy from allowlist entries.
func NewRecipientPolicy(entries []string) *RecipientPolicy {
	p := &RecipientPolicy{addresses: make(map[string]bool)}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		switch {
		case e == "":
		case strings.HasPrefix(e, "@"):
			p.domains = append(p.domains, e)
		default:
			p.addresses[e] = true
		}
	}
	return p
}

// Open reports whether the policy allows every recipient.
func (p *RecipientPolicy) Open() bool {
	return p == nil || (len(p.addresses) == 0 && len(p.domains) == 0)
}

// Allowed reports whether addr ("Name <a@b>" or "a@b") may receive mail.
func (p *RecipientPolicy) Allowed(addr string) bool {
	if p.Open() {
		return true
	}
	bare := strings.ToLower(strings.TrimSpace(extractAddress(addr)))
	if p.addresses[bare] {
		return true
	}
	for _, d := range p.domains {
		if strings.HasSuffix(bare, d) {
			return true
		}
	}
	return false
}

// Check returns an error naming every recipient the policy rejects.
func (p *RecipientPolicy) Check(recipients ...[]string) error {
	var blocked []string
	for _, list := range recipients {
		for _, r := range list {
			if !p.Allowed(r) {
				blocked = append(blocked, extractAddress(r))
			}
		}
	}
	if len(blocked) > 0 {
		return fmt.Errorf("recipients not allowed: %s", strings.Join(blocked, ", "))
	}
	return nil
}
