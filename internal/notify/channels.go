package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fleetwatch/internal/model"
	"fleetwatch/internal/store"
)

// excerptLen bounds the description excerpt in outbound messages.
const excerptLen = 160

// Delivery is one notification to one recipient, with everything a channel
// needs to render it.
type Delivery struct {
	Alert     *model.Alert
	Machine   *model.Machine
	RuleName  string
	Recipient *model.Operator
	Channels  []string
}

// Channel delivers a notification over one transport. A notification
// declares the channel capabilities it requires and the dispatcher iterates
// them; channels never branch on notification variants.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, d *Delivery) error
}

// DatabaseChannel records the always-on in-app notification for dashboard
// display.
type DatabaseChannel struct {
	notifications store.NotificationStore
}

func NewDatabaseChannel(notifications store.NotificationStore) *DatabaseChannel {
	return &DatabaseChannel{notifications: notifications}
}

func (c *DatabaseChannel) Name() string { return "database" }

func (c *DatabaseChannel) Deliver(ctx context.Context, d *Delivery) error {
	return c.notifications.CreateNotification(ctx, &model.Notification{
		ID:         uuid.NewString(),
		OperatorID: d.Recipient.ID,
		AlertID:    d.Alert.ID,
		Channels:   d.Channels,
		CreatedAt:  time.Now().UTC(),
	})
}

// Mailer sends a rendered message. Actual SMTP delivery, retry and backoff
// live in the mail subsystem; failures never propagate to ingestion.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogMailer is the development Mailer: it logs instead of sending.
type LogMailer struct {
	Logger *slog.Logger
}

func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	m.Logger.Info("mail delivery", "to", to, "subject", subject, "body", body)
	return nil
}

// MailChannel sends the external critical-alert message.
type MailChannel struct {
	mailer Mailer
}

func NewMailChannel(mailer Mailer) *MailChannel {
	return &MailChannel{mailer: mailer}
}

func (c *MailChannel) Name() string { return "mail" }

func (c *MailChannel) Deliver(ctx context.Context, d *Delivery) error {
	subject := fmt.Sprintf("[%s] %s", d.Alert.Severity, d.Alert.Title)
	body := fmt.Sprintf("Alert: %s\nMachine: %s\nRule: %s\nRaised: %s\n\n%s\n",
		d.Alert.Title,
		d.Machine.Hostname,
		d.RuleName,
		d.Alert.CreatedAt.Format(time.RFC3339),
		Excerpt(d.Alert.Description))
	return c.mailer.Send(ctx, d.Recipient.Email, subject, body)
}

// Excerpt bounds s to excerptLen runes, appending an ellipsis marker when
// truncated.
func Excerpt(s string) string {
	runes := []rune(s)
	if len(runes) <= excerptLen {
		return s
	}
	return string(runes[:excerptLen]) + "…"
}
