// Package notify delivers the system's two email kinds over SMTP: review
// invitations to managers (sent by the auditor CLI when a review is
// provisioned) and decision summaries to the operations mailbox (sent by the
// review engine after a record resolves). Delivery is best-effort: a failed
// send is logged and counted but never unwinds the persisted decision.
package notify

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/disappointingsupernova/access-review/internal/config"
	"github.com/disappointingsupernova/access-review/internal/db/models"
	"github.com/disappointingsupernova/access-review/internal/telemetry"
)

// Mailer composes and sends plain-text notification emails.
type Mailer struct {
	cfg *config.NotificationsConfig

	// send is swappable in tests; defaults to SMTP delivery.
	send func(to []string, msg []byte) error
}

// NewMailer creates a Mailer for the given notification configuration.
func NewMailer(cfg *config.NotificationsConfig) *Mailer {
	m := &Mailer{cfg: cfg}
	m.send = m.sendSMTP
	return m
}

// SendReviewInvitation emails a manager the secret review link for one
// subject's pending record.
func (m *Mailer) SendReviewInvitation(rec *models.AuditRecord, subject *models.User, baseURL string) error {
	link := m.cfg.ReviewLink(baseURL, rec.Secret)

	subjectLine := fmt.Sprintf("Access review required: %s", subject.Label())
	body := strings.Join([]string{
		"Hello,",
		"",
		fmt.Sprintf("%s (%s) reports to you and is due for an access review.", subject.Label(), rec.Username),
		"",
		"Please review their current group memberships and either approve the",
		"access as-is or flag groups that should be removed:",
		"",
		"  " + link,
		"",
		"The link is unique to this review. Once you submit a decision the",
		"review is complete and the link becomes read-only.",
		"",
		"— Access Review",
	}, "\r\n")

	if err := m.deliver(rec.ManagerEmail, subjectLine, body); err != nil {
		telemetry.NotificationFailuresTotal.Inc()
		return fmt.Errorf("failed to send review invitation to %s: %w", rec.ManagerEmail, err)
	}
	telemetry.ReviewInvitationsSentTotal.Inc()
	return nil
}

// SendDecisionSummary emails the operations mailbox after a review resolves.
// removed is the validated removal list; empty means the access was approved.
func (m *Mailer) SendDecisionSummary(rec *models.AuditRecord, removed []string) error {
	if m.cfg.OperationsMailbox == "" {
		return nil
	}

	var subjectLine string
	lines := []string{
		fmt.Sprintf("Review of %s completed by %s on %s.",
			rec.Username, rec.ManagerEmail, time.Now().UTC().Format(time.RFC1123)),
		"",
	}
	if len(removed) == 0 {
		subjectLine = fmt.Sprintf("Access review completed: %s (approved)", rec.Username)
		lines = append(lines, "All current access was approved. No changes required.")
	} else {
		subjectLine = fmt.Sprintf("Access review completed: %s (%d removal(s))", rec.Username, len(removed))
		lines = append(lines, "The following groups were flagged for removal:", "")
		for _, group := range removed {
			lines = append(lines, "  - "+group)
		}
		lines = append(lines, "", "Please action these removals in the directory.")
	}
	lines = append(lines, "", "— Access Review")

	if err := m.deliver(m.cfg.OperationsMailbox, subjectLine, strings.Join(lines, "\r\n")); err != nil {
		telemetry.NotificationFailuresTotal.Inc()
		return fmt.Errorf("failed to send decision summary for %s: %w", rec.Username, err)
	}
	telemetry.DecisionSummariesSentTotal.Inc()
	return nil
}

// deliver builds the RFC 5322 envelope and hands it to the send function.
func (m *Mailer) deliver(toEmail, subject, body string) error {
	smtpCfg := &m.cfg.SMTP
	if smtpCfg.Host == "" {
		return fmt.Errorf("smtp host not configured")
	}

	from := smtpCfg.From
	if smtpCfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", smtpCfg.FromName, smtpCfg.From)
	}
	headers := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n",
		from, toEmail, subject,
	)
	msg := []byte(headers + body + "\r\n")

	return m.send([]string{toEmail}, msg)
}

// sendSMTP delivers a message over SMTP, honouring the verify_tls relaxation
// for internal relays with self-signed certificates.
func (m *Mailer) sendSMTP(to []string, msg []byte) error {
	smtpCfg := &m.cfg.SMTP
	addr := fmt.Sprintf("%s:%d", smtpCfg.Host, smtpCfg.Port)

	var auth smtp.Auth
	if smtpCfg.Username != "" {
		auth = smtp.PlainAuth("", smtpCfg.Username, smtpCfg.Password, smtpCfg.Host)
	}

	if smtpCfg.Port == 465 {
		return m.sendMailTLS(addr, smtpCfg.Host, auth, smtpCfg.From, to, msg)
	}
	if !smtpCfg.VerifyTLS {
		// STARTTLS with certificate checks disabled needs the manual client;
		// smtp.SendMail always verifies.
		return m.sendMailStartTLS(addr, smtpCfg.Host, auth, smtpCfg.From, to, msg)
	}
	return smtp.SendMail(addr, auth, smtpCfg.From, to, msg)
}

func (m *Mailer) tlsConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !m.cfg.SMTP.VerifyTLS, //nolint:gosec // operator-controlled relaxation for internal relays
	}
}

// sendMailTLS connects via implicit TLS (port 465 / SMTPS) and sends a message.
func (m *Mailer) sendMailTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, m.tlsConfig(host))
	if err != nil {
		return fmt.Errorf("smtps dial: %w", err)
	}
	defer conn.Close()

	hostname, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, hostname)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	return m.transact(c, auth, from, to, msg)
}

// sendMailStartTLS speaks plain SMTP, upgrades with STARTTLS, then sends.
func (m *Mailer) sendMailStartTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	c, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(m.tlsConfig(host)); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	return m.transact(c, auth, from, to, msg)
}

func (m *Mailer) transact(c *smtp.Client, auth smtp.Auth, from string, to []string, msg []byte) error {
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
