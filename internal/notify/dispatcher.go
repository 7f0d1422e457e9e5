// Package notify fans out critical-alert notifications to operators on a
// worker decoupled from the ingesting request.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"fleetwatch/internal/metrics"
	"fleetwatch/internal/model"
	"fleetwatch/internal/store"
)

// Dispatcher consumes alert-created signals and delivers notifications. It
// selects opted-in operators, falls back to the admin role set when none
// opted in, and silently does nothing when both sets are empty.
type Dispatcher struct {
	store    store.Store
	channels map[string]Channel
	metrics  *metrics.Metrics
	logger   *slog.Logger

	queue chan *model.Alert
	wg    sync.WaitGroup
}

// NewDispatcher builds a dispatcher with the given delivery channels.
func NewDispatcher(st store.Store, channels []Channel, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	byName := make(map[string]Channel, len(channels))
	for _, c := range channels {
		byName[c.Name()] = c
	}
	return &Dispatcher{
		store:    st,
		channels: byName,
		metrics:  m,
		logger:   logger,
		queue:    make(chan *model.Alert, 256),
	}
}

// AlertCreated enqueues an alert for dispatch without blocking the caller.
// A full queue drops the signal and logs; the in-app alert record itself is
// already persisted, so nothing is lost beyond the push.
func (d *Dispatcher) AlertCreated(a *model.Alert) {
	select {
	case d.queue <- a:
	default:
		d.logger.Error("notification queue full, dropping signal", "alert", a.ID)
	}
}

// Run processes the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case alert := <-d.queue:
				d.Dispatch(ctx, alert)
			}
		}
	}()
}

// Wait blocks until the worker has stopped.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// requiredChannels returns the channel capabilities an alert's
// notifications declare. The in-app record is always on; mail is added for
// critical severity.
func requiredChannels(a *model.Alert) []string {
	channels := []string{"database"}
	if a.Severity == model.SeverityCritical {
		channels = append(channels, "mail")
	}
	return channels
}

// Dispatch delivers one alert to its recipient set, exactly once per
// recipient. Delivery errors are logged and left to the channel's own
// retry; they never reach the ingesting request.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *model.Alert) {
	if alert.Severity != model.SeverityCritical {
		return
	}

	recipients, err := d.recipients(ctx)
	if err != nil {
		d.logger.Error("recipient selection failed", "alert", alert.ID, "error", err)
		return
	}
	if len(recipients) == 0 {
		// No subscribers and no admins: nothing to do, not an error.
		return
	}

	delivery := &Delivery{Alert: alert, RuleName: "(no rule)", Channels: requiredChannels(alert)}
	delivery.Machine, err = d.store.GetMachine(ctx, alert.MachineID)
	if err != nil {
		d.logger.Error("machine lookup failed", "alert", alert.ID, "machine", alert.MachineID, "error", err)
		return
	}
	if alert.RuleID != "" {
		if rule, err := d.store.GetRule(ctx, alert.RuleID); err == nil {
			delivery.RuleName = rule.Name
		}
	}

	for _, recipient := range recipients {
		per := *delivery
		per.Recipient = recipient
		for _, name := range delivery.Channels {
			channel, ok := d.channels[name]
			if !ok {
				d.logger.Warn("no channel registered", "channel", name)
				continue
			}
			if err := channel.Deliver(ctx, &per); err != nil {
				d.logger.Error("notification delivery failed",
					"alert", alert.ID, "recipient", recipient.ID, "channel", name, "error", err)
				continue
			}
			d.metrics.NotificationsTotal.WithLabelValues(name).Inc()
		}
	}
}

// recipients returns opted-in operators, or the admin set when nobody
// opted in.
func (d *Dispatcher) recipients(ctx context.Context) ([]*model.Operator, error) {
	subscribers, err := d.store.CriticalSubscribers(ctx)
	if err != nil {
		return nil, err
	}
	if len(subscribers) > 0 {
		return subscribers, nil
	}
	return d.store.Admins(ctx)
}
