package email

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/retry"
	"github.com/safehold/safehold/internal/users"
)

var defaultRetry = retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}

// Notifier renders and sends the application emails in the background.
type Notifier struct {
	sender Sender
	appURL string
	retry  retry.Policy
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier that links back to appURL.
func NewNotifier(sender Sender, appURL string) *Notifier {
	return &Notifier{sender: sender, appURL: strings.TrimRight(appURL, "/"), retry: defaultRetry}
}

// WithRetry replaces the delivery retry policy.
func (n *Notifier) WithRetry(p retry.Policy) *Notifier {
	n.retry = p
	return n
}

// Wait blocks until queued emails have been attempted.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// dispatch renders synchronously and sends in the background. The send
// outlives the request but keeps its logger.
func (n *Notifier) dispatch(ctx context.Context, kind, to, subject, tmpl string, data any) {
	log := logging.L(ctx).With("email", kind, "to", to)
	if to == "" {
		return
	}
	body, err := render(tmpl, data)
	if err != nil {
		log.Error("render email", "error", err)
		metrics.NotificationsTotal.WithLabelValues("email", "error").Inc()
		return
	}
	msg := Message{To: to, Subject: subject, HTML: body}

	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		err := retry.Do(ctx, n.retry, func(ctx context.Context) error {
			return n.sender.Send(ctx, msg)
		})
		if err != nil {
			log.Warn("email delivery failed", "error", err)
			metrics.NotificationsTotal.WithLabelValues("email", "error").Inc()
			return
		}
		metrics.NotificationsTotal.WithLabelValues("email", "sent").Inc()
	}()
}

func displayName(first, email string) string {
	if first != "" {
		return first
	}
	return email
}

// NotifyUserRegistered sends the welcome email.
func (n *Notifier) NotifyUserRegistered(ctx context.Context, u *users.User) {
	n.dispatch(ctx, "registered", u.Email, "Welcome to SafeHold", "registered", map[string]string{
		"Name":     displayName(u.Firstname, u.Email),
		"Username": u.Username,
		"AppURL":   n.appURL,
	})
}

// NotifyPasswordReset sends the reset link carrying token.
func (n *Notifier) NotifyPasswordReset(ctx context.Context, u *users.User, token string) {
	n.dispatch(ctx, "reset", u.Email, "Reset your SafeHold password", "reset", map[string]string{
		"Name": displayName(u.Firstname, u.Email),
		"Link": n.appURL + "/reset-password?token=" + token,
	})
}

// NotifyEscrowCreated confirms a new escrow to its creator.
func (n *Notifier) NotifyEscrowCreated(ctx context.Context, creator escrow.Party, e *escrow.Escrow) {
	n.dispatch(ctx, "escrowCreated", creator.Email, fmt.Sprintf("Escrow %s created", e.ID), "escrowCreated", map[string]string{
		"Name":         displayName(creator.Firstname, creator.Email),
		"EscrowID":     e.ID,
		"Currency":     e.Currency,
		"Amount":       money.Format(e.Amount),
		"Category":     e.Category,
		"Counterparty": e.CounterpartyEmail,
		"Link":         n.appURL + "/escrow/" + e.ID,
	})
}

// NotifyCounterpartyEscrowReceived invites the counterparty. counterparty
// is nil when nobody is registered under the invited email.
func (n *Notifier) NotifyCounterpartyEscrowReceived(ctx context.Context, creator escrow.Party, counterparty *escrow.Party, e *escrow.Escrow) {
	data := map[string]any{
		"CreatorName": displayName(creator.Firstname, creator.Email),
		"Role":        string(e.CreatorRole.Opposite()),
		"Currency":    e.Currency,
		"Amount":      money.Format(e.Amount),
		"Category":    e.Category,
		"Registered":  counterparty != nil,
		"Link":        n.appURL + "/escrow/" + e.ID,
		"AppURL":      n.appURL,
		"Name":        "",
	}
	if counterparty != nil {
		data["Name"] = counterparty.Firstname
	}
	n.dispatch(ctx, "escrowReceived", e.CounterpartyEmail, "You have a new escrow invitation", "escrowReceived", data)
}

var (
	_ escrow.Mailer = (*Notifier)(nil)
	_ users.Mailer  = (*Notifier)(nil)
)
