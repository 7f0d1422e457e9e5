package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"fleetwatch/internal/metrics"
	"fleetwatch/internal/model"
)

// Broadcaster publishes push messages over NATS. Rule changes go to the
// public rules channel at mutation time; alert creations go to the
// dispatch queue subject and the dashboard channel.
type Broadcaster struct {
	conn    *nats.Conn
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewBroadcaster(conn *nats.Conn, m *metrics.Metrics, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{conn: conn, metrics: m, logger: logger}
}

func (b *Broadcaster) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.metrics.PublishErrors.Inc()
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// BroadcastRuleChange pushes a rule mutation to connected agents.
func (b *Broadcaster) BroadcastRuleChange(change *model.RuleChange) error {
	return b.publish(ChannelRules, change)
}

// AlertCreated publishes the alert-created signal for the notification
// worker pool and mirrors it to the dashboard channel. Publish failures are
// logged only; the ingesting request has already succeeded.
func (b *Broadcaster) AlertCreated(a *model.Alert) {
	if err := b.publish(SubjectAlerts, a); err != nil {
		b.logger.Error("alert signal publish failed", "alert", a.ID, "error", err)
	}
	if err := b.publish(ChannelDashboard, a); err != nil {
		b.logger.Error("dashboard broadcast failed", "alert", a.ID, "error", err)
	}
}

// SendCommand publishes an operator command on a machine's channel.
func (b *Broadcaster) SendCommand(machineID string, command any) error {
	return b.publish(MachineChannel(machineID), command)
}

// AlertConsumer receives decoded alert-created signals.
type AlertConsumer interface {
	AlertCreated(a *model.Alert)
}

// SubscribeAlerts queue-subscribes to the alert subject and feeds the
// consumer. Queue group membership spreads dispatch across instances so
// each alert is processed once.
func SubscribeAlerts(ctx context.Context, conn *nats.Conn, consumer AlertConsumer, logger *slog.Logger) (*nats.Subscription, error) {
	sub, err := conn.QueueSubscribe(SubjectAlerts, "notify", func(msg *nats.Msg) {
		var alert model.Alert
		if err := json.Unmarshal(msg.Data, &alert); err != nil {
			logger.Error("malformed alert signal", "error", err)
			return
		}
		consumer.AlertCreated(&alert)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", SubjectAlerts, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}
