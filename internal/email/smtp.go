package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

const (
	// smtpDialTimeout bounds connection setup when ctx has no earlier
	// deadline.
	smtpDialTimeout = 30 * time.Second

	heloName = "localhost"
)

// errNoRecipients is returned by SendMail when there is nobody to
// deliver to.
var errNoRecipients = errors.New("no recipients")

// SendMail delivers msg, a complete RFC 5322 message, to recipients
// over a fresh SMTP connection. Port 465 style implicit TLS is used
// when cfg.StartTLS is false. ctx bounds the whole exchange, not just
// the dial.
func SendMail(ctx context.Context, cfg SMTPConfig, from string, recipients []string, msg []byte) error {
	if len(recipients) == 0 {
		return errNoRecipients
	}

	client, release, err := dialSMTP(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	return deliver(client, cfg, extractAddress(from), recipients, msg)
}

// dialSMTP connects and returns a client that has completed EHLO and,
// for STARTTLS servers, the TLS upgrade. release closes the client and
// detaches it from ctx.
func dialSMTP(ctx context.Context, cfg SMTPConfig) (client *smtp.Client, release func(), err error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: smtpDialTimeout}
	tlsCfg := &tls.Config{ServerName: cfg.Host}

	var conn net.Conn
	if cfg.StartTLS {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial SMTP %s: %w", addr, err)
	}

	// net/smtp has no context support; a deadline on the conn and a
	// close on cancel stand in for it.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	client, err = smtp.NewClient(conn, cfg.Host)
	if err != nil {
		stop()
		conn.Close()
		return nil, nil, fmt.Errorf("SMTP greeting from %s: %w", addr, err)
	}
	release = func() {
		stop()
		client.Close()
	}

	if err := client.Hello(heloName); err != nil {
		release()
		return nil, nil, fmt.Errorf("EHLO: %w", err)
	}
	if cfg.StartTLS {
		if err := client.StartTLS(tlsCfg); err != nil {
			release()
			return nil, nil, fmt.Errorf("STARTTLS: %w", err)
		}
	}
	return client, release, nil
}

// deliver runs AUTH, MAIL, RCPT and DATA on an established client.
func deliver(client *smtp.Client, cfg SMTPConfig, from string, recipients []string, msg []byte) error {
	if cfg.Username != "" && cfg.Password != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
				return fmt.Errorf("AUTH: %w", err)
			}
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM %s: %w", from, err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end DATA: %w", err)
	}
	return client.Quit()
}

// extractAddress returns the bare address of an RFC 5322 mailbox such
// as `"Smith, Ann" <ann@example.com>`. Input that does not parse is
// returned trimmed, or with only its angle-bracketed part when it ends
// in one.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if a, err := mail.ParseAddress(s); err == nil {
		return a.Address
	}
	if strings.HasSuffix(s, ">") {
		if i := strings.LastIndexByte(s, '<'); i >= 0 {
			return s[i+1 : len(s)-1]
		}
	}
	return s
}

// collectRecipients flattens To, Cc and Bcc into the bare addresses
// for RCPT TO. Duplicates are dropped case-insensitively, keeping the
// first spelling.
func collectRecipients(to, cc, bcc []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{to, cc, bcc} {
		for _, addr := range list {
			bare := extractAddress(addr)
			key := strings.ToLower(bare)
			if bare == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, bare)
		}
	}
	return out
}
