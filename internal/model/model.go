package model

import (
	"time"
)

// MachineStatus is the lifecycle state of a registered machine.
type MachineStatus string

const (
	MachineActive   MachineStatus = "active"
	MachineDisabled MachineStatus = "disabled"
)

// Machine represents a registered agent host. The plaintext API key is
// never stored; only its bcrypt hash and a SHA-256 fingerprint prefix used
// to narrow candidate lookups before the constant-time comparison.
type Machine struct {
	ID             string        `json:"id"`
	Hostname       string        `json:"hostname"`
	KeyFingerprint string        `json:"-"`
	KeyHash        string        `json:"-"`
	Status         MachineStatus `json:"status"`
	LastSeen       time.Time     `json:"last_seen"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Disabled reports whether the machine may no longer authenticate.
func (m *Machine) Disabled() bool { return m.Status == MachineDisabled }

// Rule is an alerting definition distributed to agents. Version comes from
// a single monotonic sequence shared with the change log, so agents can use
// it as a sync watermark.
type Rule struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	EventType string    `json:"event_type"`
	Threshold float64   `json:"threshold"`
	Severity  Severity  `json:"severity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChangeKind classifies a rule change log entry.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeToggled ChangeKind = "toggled"
	ChangeDeleted ChangeKind = "deleted"
)

// RuleChange is one entry of the versioned rule change log. Rule is nil for
// deletions.
type RuleChange struct {
	Version int64      `json:"version"`
	RuleID  string     `json:"rule_id"`
	Kind    ChangeKind `json:"kind"`
	Rule    *Rule      `json:"rule,omitempty"`
}

// Event is a telemetry record submitted by an agent. ClientEventID is an
// optional agent-generated idempotency key; retried batches that reuse it
// are deduplicated per machine.
type Event struct {
	ID            string         `json:"id"`
	MachineID     string         `json:"machine_id"`
	ClientEventID string         `json:"event_id,omitempty"`
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
	Value         float64        `json:"value"`
}

// Severity of an alert. Immutable after creation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severity levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Alert is a raised condition, either from rule evaluation or an agent
// watchdog report. Acknowledged and Resolved are one-way transitions.
type Alert struct {
	ID           string    `json:"id"`
	Severity     Severity  `json:"severity"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	MachineID    string    `json:"machine_id"`
	RuleID       string    `json:"rule_id,omitempty"`
	Acknowledged bool      `json:"acknowledged"`
	Resolved     bool      `json:"resolved"`
	CreatedAt    time.Time `json:"created_at"`
}

// Operator is a dashboard user. CriticalOptIn marks subscription to
// critical-alert notifications; Admin is the fallback recipient role.
type Operator struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Admin         bool   `json:"admin"`
	CriticalOptIn bool   `json:"critical_opt_in"`
}

// Notification is the in-app record of a delivered alert notification.
type Notification struct {
	ID         string    `json:"id"`
	OperatorID string    `json:"operator_id"`
	AlertID    string    `json:"alert_id"`
	Channels   []string  `json:"channels"`
	CreatedAt  time.Time `json:"created_at"`
}
