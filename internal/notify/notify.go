// Package notify delivers invitation links to invitees. When SMTP is not
// configured the link is written to the application log instead, which keeps
// local development usable without a mail server.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/prism-analytics/prism/internal/config"
	"github.com/prism-analytics/prism/internal/telemetry"
)

// Invitation is the content of one invitation email.
type Invitation struct {
	To          string
	ProjectName string
	InviterName string
	Role        string
	AcceptURL   string
	ExpiresAt   time.Time
}

// Notifier delivers invitations.
type Notifier interface {
	NotifyInvitation(ctx context.Context, inv Invitation) error
}

// New returns an SMTP notifier when notifications are enabled and a host is
// configured, and a log notifier otherwise.
func New(cfg *config.NotificationsConfig) Notifier {
	if cfg == nil || !cfg.Enabled || cfg.SMTP.Host == "" {
		return LogNotifier{}
	}
	return NewSMTPNotifier(&cfg.SMTP)
}

// LogNotifier logs the accept link at Info.
type LogNotifier struct{}

// NotifyInvitation implements Notifier.
func (LogNotifier) NotifyInvitation(_ context.Context, inv Invitation) error {
	slog.Info("invitation email disabled; share the accept link manually",
		"to", inv.To, "project", inv.ProjectName, "role", inv.Role, "accept_url", inv.AcceptURL)
	return nil
}

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier sends invitation emails through an SMTP relay.
type SMTPNotifier struct {
	cfg  *config.SMTPConfig
	send sendFunc
}

// NewSMTPNotifier creates an SMTPNotifier.
func NewSMTPNotifier(cfg *config.SMTPConfig) *SMTPNotifier {
	n := &SMTPNotifier{cfg: cfg}
	if cfg.UseTLS {
		n.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
			return sendMailTLS(addr, cfg.Host, auth, from, to, msg)
		}
	} else {
		n.send = smtp.SendMail
	}
	return n
}

// NotifyInvitation implements Notifier.
func (n *SMTPNotifier) NotifyInvitation(ctx context.Context, inv Invitation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := buildMessage(n.cfg.From, inv)
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	if err := n.send(addr, auth, n.cfg.From, []string{headerSafe(inv.To)}, msg); err != nil {
		return fmt.Errorf("failed to send invitation email: %w", err)
	}
	telemetry.InvitationEmailsSentTotal.Inc()
	return nil
}

func buildMessage(from string, inv Invitation) []byte {
	subject := fmt.Sprintf("You have been invited to %s on Prism", inv.ProjectName)

	inviter := inv.InviterName
	if inviter == "" {
		inviter = "A project administrator"
	}
	body := strings.Join([]string{
		"Hello,",
		"",
		fmt.Sprintf("%s invited you to join the project '%s' as %s.", inviter, inv.ProjectName, inv.Role),
		"",
		"Accept the invitation by signing in with this email address and opening:",
		"  " + inv.AcceptURL,
		"",
		fmt.Sprintf("The link expires on %s.", inv.ExpiresAt.UTC().Format(time.RFC1123)),
		"",
		"If you were not expecting this invitation, you can ignore this email.",
		"",
		"Prism",
	}, "\r\n")

	headers := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n",
		headerSafe(from), headerSafe(inv.To), headerSafe(subject),
	)
	return []byte(headers + body + "\r\n")
}

// headerSafe strips CR and LF so user-supplied values cannot inject headers.
func headerSafe(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

// sendMailTLS connects via implicit TLS (port 465 / SMTPS) and sends a
// message, falling back to smtp.SendMail (STARTTLS) when the TLS dial fails.
func sendMailTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return smtp.SendMail(addr, auth, from, to, msg)
	}
	defer conn.Close()

	hostname, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, hostname)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}
