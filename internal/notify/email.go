package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"github.com/fieldpilot/backend/internal/config"
	log "github.com/sirupsen/logrus"
)

// RecipientResolver maps an organization ID to its billing email address.
// The organization directory lives outside this service.
type RecipientResolver func(ctx context.Context, organizationID string) (string, error)

// EmailNotifier sends credit notifications over SMTP.
type EmailNotifier struct {
	cfg     config.SMTPConfig
	resolve RecipientResolver
}

// NewEmailNotifier constructs an EmailNotifier.
func NewEmailNotifier(cfg config.SMTPConfig, resolve RecipientResolver) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, resolve: resolve}
}

// IsConfigured reports whether SMTP delivery can be attempted.
func (n *EmailNotifier) IsConfigured() bool {
	return n.cfg.Host != "" && n.cfg.Username != "" && n.cfg.Password != "" && n.cfg.FromEmail != ""
}

var warningTemplate = template.Must(template.New("credit_warning").Parse(`
<h2>Credit balance warning</h2>
<p>Your workspace has used {{.Threshold}}% of its conversation credits.</p>
<p>Credits remaining: <strong>{{.Remaining}}</strong></p>
<p>Top up from the billing page to keep AI conversations running.</p>
`))

var graceTemplate = template.Must(template.New("grace_activated").Parse(`
<h2>Grace credits activated</h2>
<p>Your paid conversation credits ran out, so a one-time pool of
<strong>{{.GraceCredits}}</strong> grace credits is now covering new conversations.</p>
<p>Purchase a credit package to avoid interruption; unused grace credits are
removed when a purchase completes.</p>
`))

// SendCreditWarningEmail implements Notifier.
func (n *EmailNotifier) SendCreditWarningEmail(ctx context.Context, organizationID string, threshold int, remaining int64) error {
	subject := fmt.Sprintf("Credit warning: %d%% of conversation credits used", threshold)
	body, errRender := renderTemplate(warningTemplate, map[string]any{
		"Threshold": threshold,
		"Remaining": remaining,
	})
	if errRender != nil {
		return errRender
	}
	return n.send(ctx, organizationID, subject, body)
}

// SendGraceActivatedEmail implements Notifier.
func (n *EmailNotifier) SendGraceActivatedEmail(ctx context.Context, organizationID string, graceCredits int64) error {
	subject := "Grace credits activated"
	body, errRender := renderTemplate(graceTemplate, map[string]any{
		"GraceCredits": graceCredits,
	})
	if errRender != nil {
		return errRender
	}
	return n.send(ctx, organizationID, subject, body)
}

func renderTemplate(tmpl *template.Template, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if errExec := tmpl.Execute(&buf, data); errExec != nil {
		return "", fmt.Errorf("notify: render %s: %w", tmpl.Name(), errExec)
	}
	return buf.String(), nil
}

func (n *EmailNotifier) send(ctx context.Context, organizationID, subject, body string) error {
	if !n.IsConfigured() {
		log.WithField("organization_id", organizationID).
			Warn("notify: smtp not configured, skipping email")
		return nil
	}
	if n.resolve == nil {
		return fmt.Errorf("notify: no recipient resolver")
	}
	recipient, errResolve := n.resolve(ctx, organizationID)
	if errResolve != nil {
		return fmt.Errorf("notify: resolve recipient: %w", errResolve)
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		log.WithField("organization_id", organizationID).
			Warn("notify: organization has no billing email, skipping")
		return nil
	}

	from := n.cfg.FromEmail
	fromHeader := from
	if n.cfg.FromName != "" {
		fromHeader = fmt.Sprintf("%s <%s>", n.cfg.FromName, from)
	}

	msg := strings.Join([]string{
		"From: " + fromHeader,
		"To: " + recipient,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	if errSend := smtp.SendMail(addr, auth, from, []string{recipient}, []byte(msg)); errSend != nil {
		return fmt.Errorf("notify: send to %s: %w", recipient, errSend)
	}
	return nil
}

// Ensure EmailNotifier implements Notifier.
var _ Notifier = (*EmailNotifier)(nil)
