package store

import (
	"context"
	"errors"

	"fleetwatch/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateEvent is returned when an event with the same client event ID
// was already persisted for the machine.
var ErrDuplicateEvent = errors.New("store: duplicate event")

// MachineStore persists machine identity records. Machines are never hard
// deleted; disabling is a status change so the audit trail survives.
type MachineStore interface {
	CreateMachine(ctx context.Context, m *model.Machine) error
	GetMachine(ctx context.Context, id string) (*model.Machine, error)
	// MachinesByFingerprint returns non-disabled machines whose key
	// fingerprint matches, narrowing the candidate set for credential
	// verification without ever exposing plaintext keys.
	MachinesByFingerprint(ctx context.Context, fingerprint string) ([]*model.Machine, error)
	SetMachineStatus(ctx context.Context, id string, status model.MachineStatus) error
	TouchMachine(ctx context.Context, id string) error
}

// RuleStore persists rules and their change log. Every mutation draws the
// next value from one monotonic version sequence and appends a change entry,
// so the log is strictly ordered by version.
type RuleStore interface {
	CreateRule(ctx context.Context, r *model.Rule) (*model.RuleChange, error)
	UpdateRule(ctx context.Context, r *model.Rule) (*model.RuleChange, error)
	ToggleRule(ctx context.Context, id string, enabled bool) (*model.RuleChange, error)
	DeleteRule(ctx context.Context, id string) (*model.RuleChange, error)
	GetRule(ctx context.Context, id string) (*model.Rule, error)
	ListRules(ctx context.Context) ([]*model.Rule, error)
	EnabledRules(ctx context.Context) ([]*model.Rule, error)
	// ChangesSince returns change entries with version > watermark in
	// ascending version order, plus the current head version.
	ChangesSince(ctx context.Context, watermark int64) ([]*model.RuleChange, int64, error)
	// OldestRetainedVersion reports the lowest version still present in the
	// change log, so callers can detect watermarks that predate history.
	OldestRetainedVersion(ctx context.Context) (int64, error)
}

// EventStore persists ingested telemetry events.
type EventStore interface {
	CreateEvent(ctx context.Context, e *model.Event) error
}

// AlertStore persists alerts. Acknowledge and Resolve are one-way; the
// store rejects nothing on repeat calls but never reverses a transition.
type AlertStore interface {
	CreateAlert(ctx context.Context, a *model.Alert) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	AcknowledgeAlert(ctx context.Context, id string) error
	ResolveAlert(ctx context.Context, id string) error
	ListAlerts(ctx context.Context, machineID string, limit int) ([]*model.Alert, error)
}

// OperatorStore reads dashboard operators for notification routing.
type OperatorStore interface {
	CriticalSubscribers(ctx context.Context) ([]*model.Operator, error)
	Admins(ctx context.Context) ([]*model.Operator, error)
}

// NotificationStore records in-app notification deliveries.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *model.Notification) error
}

// Store aggregates all persistence concerns behind one value so wiring in
// main stays flat.
type Store interface {
	MachineStore
	RuleStore
	EventStore
	AlertStore
	OperatorStore
	NotificationStore
	Close() error
}
