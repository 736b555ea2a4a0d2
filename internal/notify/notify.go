package notify

import "context"

// Notifier delivers credit lifecycle notifications to organizations.
// Implementations are best effort: callers log and swallow failures.
type Notifier interface {
	// SendCreditWarningEmail notifies that a usage threshold was crossed.
	SendCreditWarningEmail(ctx context.Context, organizationID string, threshold int, remaining int64) error
	// SendGraceActivatedEmail notifies that the one-time grace pool started.
	SendGraceActivatedEmail(ctx context.Context, organizationID string, graceCredits int64) error
}

// Nop is a Notifier that does nothing. Used in tests and when SMTP is unset.
type Nop struct{}

// SendCreditWarningEmail implements Notifier.
func (Nop) SendCreditWarningEmail(context.Context, string, int, int64) error { return nil }

// SendGraceActivatedEmail implements Notifier.
func (Nop) SendGraceActivatedEmail(context.Context, string, int64) error { return nil }
