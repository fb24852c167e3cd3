// Package mail sends fire-and-forget notification emails on file-update
// events (§4.8). net/smtp is used directly: no SMTP client library
// appears anywhere in the retrieved example pack (DESIGN.md "Stdlib-only
// justifications").
package mail

import (
	"fmt"
	"net/smtp"
	"strings"
)

// Config holds the outbound SMTP server and sender identity.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Sender sends plain-text notification emails. A Sender's failure is
// always a warning (§4.8: "its failure is a warning and does not affect
// the run") — callers should never treat Send's error as fatal.
type Sender struct {
	cfg Config
}

func New(cfg Config) *Sender {
	return &Sender{cfg: cfg}
}

// Send delivers a plain-text message to recipients.
func (s *Sender) Send(recipients []string, subject, body string) error {
	if len(recipients) == 0 {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	msg := buildMessage(s.cfg.From, recipients, subject, body)
	return smtp.SendMail(addr, auth, s.cfg.From, recipients, msg)
}

func buildMessage(from string, recipients []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
