// Package ingest accepts batched telemetry from authenticated agents,
// persists it with partial-success semantics, and evaluates enabled rules
// against the new events.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fleetwatch/internal/metrics"
	"fleetwatch/internal/model"
	"fleetwatch/internal/store"
)

// Submission is one event in an agent batch. MachineID is optional; when
// present it must match the authenticated caller.
type Submission struct {
	EventID   string         `json:"event_id,omitempty"`
	MachineID string         `json:"machine_id,omitempty"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Value     float64        `json:"value,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Batch is the request body of POST /events.
type Batch struct {
	Events []json.RawMessage `json:"events"`
}

// EventStatus classifies the outcome of one submitted event.
type EventStatus string

const (
	StatusAccepted  EventStatus = "accepted"
	StatusRejected  EventStatus = "rejected"
	StatusDuplicate EventStatus = "duplicate"
)

// EventResult reports the per-event outcome of a batch.
type EventResult struct {
	Index  int         `json:"index"`
	Status EventStatus `json:"status"`
	Error  string      `json:"error,omitempty"`
}

// BatchResult is the partial-success response for a batch. A batch with
// both valid and invalid events never reads as full failure.
type BatchResult struct {
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Results  []EventResult `json:"results"`
	Alerts   int           `json:"alerts"`
}

// AlertSink receives the alert-created signal. Implementations hand the
// alert to the async notification dispatcher and the dashboard broadcast;
// they must not block.
type AlertSink interface {
	AlertCreated(a *model.Alert)
}

// Pipeline runs batch validation, persistence and rule evaluation.
type Pipeline struct {
	store     store.Store
	validator *SchemaValidator
	sink      AlertSink
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewPipeline(st store.Store, validator *SchemaValidator, sink AlertSink, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{store: st, validator: validator, sink: sink, metrics: m, logger: logger}
}

// IngestBatch validates and persists each event of the batch in submission
// order, then evaluates enabled rules against the accepted events. Invalid
// events are rejected individually without failing their siblings.
func (p *Pipeline) IngestBatch(ctx context.Context, machine *model.Machine, batch *Batch) (*BatchResult, error) {
	result := &BatchResult{Results: make([]EventResult, 0, len(batch.Events))}
	var accepted []*model.Event

	for i, raw := range batch.Events {
		sub, err := p.parseSubmission(machine, raw)
		if err != nil {
			result.Rejected++
			result.Results = append(result.Results, EventResult{Index: i, Status: StatusRejected, Error: err.Error()})
			p.metrics.EventsInvalidTotal.Inc()
			continue
		}

		event := &model.Event{
			ID:            uuid.NewString(),
			MachineID:     machine.ID,
			ClientEventID: sub.EventID,
			Type:          sub.Type,
			Timestamp:     sub.Timestamp,
			Value:         sub.Value,
			Payload:       sub.Payload,
		}
		if err := p.store.CreateEvent(ctx, event); err != nil {
			if errors.Is(err, store.ErrDuplicateEvent) {
				// Retried batch; already counted, report success without
				// re-evaluating.
				result.Results = append(result.Results, EventResult{Index: i, Status: StatusDuplicate})
				continue
			}
			return nil, fmt.Errorf("persist event: %w", err)
		}
		accepted = append(accepted, event)
		result.Accepted++
		result.Results = append(result.Results, EventResult{Index: i, Status: StatusAccepted})
		p.metrics.EventsTotal.Inc()
	}

	if len(accepted) > 0 {
		created, err := p.evaluate(ctx, machine, accepted)
		if err != nil {
			// Events are already persisted; evaluation failure must not
			// retroactively fail the batch.
			p.logger.Error("rule evaluation failed", "machine", machine.ID, "error", err)
		}
		result.Alerts = created
	}

	return result, nil
}

func (p *Pipeline) parseSubmission(machine *model.Machine, raw json.RawMessage) (*Submission, error) {
	if err := p.validator.Validate(raw); err != nil {
		return nil, err
	}
	var sub Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}
	if sub.MachineID != "" && sub.MachineID != machine.ID {
		return nil, fmt.Errorf("event references machine %q, caller is %q", sub.MachineID, machine.ID)
	}
	if sub.Timestamp.IsZero() {
		return nil, errors.New("event timestamp is required")
	}
	if sub.Type == "" {
		return nil, errors.New("event type is required")
	}
	return &sub, nil
}

// evaluate runs enabled rules over the accepted events in submission order.
// Each match creates exactly one alert and raises the alert-created signal.
func (p *Pipeline) evaluate(ctx context.Context, machine *model.Machine, events []*model.Event) (int, error) {
	rules, err := p.store.EnabledRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("load enabled rules: %w", err)
	}
	if len(rules) == 0 {
		return 0, nil
	}

	created := 0
	for _, event := range events {
		for _, rule := range rules {
			if !matches(rule, event) {
				continue
			}
			alert := &model.Alert{
				ID:          uuid.NewString(),
				Severity:    rule.Severity,
				Title:       rule.Name,
				Description: fmt.Sprintf("rule %q matched event type %q with value %v", rule.Name, event.Type, event.Value),
				MachineID:   machine.ID,
				RuleID:      rule.ID,
				CreatedAt:   time.Now().UTC(),
			}
			if err := p.store.CreateAlert(ctx, alert); err != nil {
				return created, fmt.Errorf("persist alert: %w", err)
			}
			created++
			p.metrics.AlertsTotal.WithLabelValues(string(alert.Severity)).Inc()
			p.sink.AlertCreated(alert)
		}
	}
	return created, nil
}

// matches applies a rule to an event: type must match and the event value
// must reach the threshold.
func matches(rule *model.Rule, event *model.Event) bool {
	return rule.EventType == event.Type && event.Value >= rule.Threshold
}

// RaiseWatchdogAlert creates an alert reported directly by agent-side
// monitoring, bypassing server-side rule evaluation.
func (p *Pipeline) RaiseWatchdogAlert(ctx context.Context, machine *model.Machine, severity model.Severity, title, description string) (*model.Alert, error) {
	if !severity.Valid() {
		return nil, fmt.Errorf("unknown severity %q", severity)
	}
	if title == "" {
		return nil, errors.New("alert title is required")
	}
	alert := &model.Alert{
		ID:          uuid.NewString(),
		Severity:    severity,
		Title:       title,
		Description: description,
		MachineID:   machine.ID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.store.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("persist alert: %w", err)
	}
	p.metrics.AlertsTotal.WithLabelValues(string(alert.Severity)).Inc()
	p.sink.AlertCreated(alert)
	return alert, nil
}
