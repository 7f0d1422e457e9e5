package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleetwatch/internal/model"
)

// MemoryStore is a thread-safe in-memory Store used for tests and
// single-binary development runs.
type MemoryStore struct {
	mu sync.RWMutex

	machines      map[string]*model.Machine
	rules         map[string]*model.Rule
	changes       []*model.RuleChange
	version       int64
	oldestChange  int64
	events        map[string]*model.Event
	eventDedupe   map[string]bool // machineID + "\x00" + clientEventID
	alerts        map[string]*model.Alert
	operators     map[string]*model.Operator
	notifications map[string]*model.Notification
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		machines:      make(map[string]*model.Machine),
		rules:         make(map[string]*model.Rule),
		events:        make(map[string]*model.Event),
		eventDedupe:   make(map[string]bool),
		alerts:        make(map[string]*model.Alert),
		operators:     make(map[string]*model.Operator),
		notifications: make(map[string]*model.Notification),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateMachine(ctx context.Context, m *model.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.machines[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMachine(ctx context.Context, id string) (*model.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) MachinesByFingerprint(ctx context.Context, fingerprint string) ([]*model.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Machine
	for _, m := range s.machines {
		if m.KeyFingerprint == fingerprint && !m.Disabled() {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetMachineStatus(ctx context.Context, id string, status model.MachineStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	return nil
}

func (s *MemoryStore) TouchMachine(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return ErrNotFound
	}
	m.LastSeen = time.Now().UTC()
	return nil
}

func (s *MemoryStore) appendChange(kind model.ChangeKind, r *model.Rule, ruleID string) *model.RuleChange {
	s.version++
	change := &model.RuleChange{
		Version: s.version,
		RuleID:  ruleID,
		Kind:    kind,
	}
	if r != nil {
		r.Version = s.version
		r.UpdatedAt = time.Now().UTC()
		snap := *r
		change.Rule = &snap
	}
	if s.oldestChange == 0 {
		s.oldestChange = s.version
	}
	s.changes = append(s.changes, change)
	return change
}

func (s *MemoryStore) CreateRule(ctx context.Context, r *model.Rule) (*model.RuleChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	change := s.appendChange(model.ChangeCreated, r, r.ID)
	cp := *r
	s.rules[r.ID] = &cp
	return change, nil
}

func (s *MemoryStore) UpdateRule(ctx context.Context, r *model.Rule) (*model.RuleChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return nil, ErrNotFound
	}
	change := s.appendChange(model.ChangeUpdated, r, r.ID)
	cp := *r
	s.rules[r.ID] = &cp
	return change, nil
}

func (s *MemoryStore) ToggleRule(ctx context.Context, id string, enabled bool) (*model.RuleChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.Enabled = enabled
	change := s.appendChange(model.ChangeToggled, r, id)
	return change, nil
}

func (s *MemoryStore) DeleteRule(ctx context.Context, id string) (*model.RuleChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return nil, ErrNotFound
	}
	delete(s.rules, id)
	change := s.appendChange(model.ChangeDeleted, nil, id)
	return change, nil
}

func (s *MemoryStore) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRules(ctx context.Context) ([]*model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryStore) EnabledRules(ctx context.Context) ([]*model.Rule, error) {
	all, err := s.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ChangesSince(ctx context.Context, watermark int64) ([]*model.RuleChange, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.RuleChange
	for _, c := range s.changes {
		if c.Version > watermark {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, s.version, nil
}

func (s *MemoryStore) OldestRetainedVersion(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.oldestChange, nil
}

// CompactChangesBefore drops change entries with version < keep. Used by
// retention tests to simulate log compaction.
func (s *MemoryStore) CompactChangesBefore(keep int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*model.RuleChange
	for _, c := range s.changes {
		if c.Version >= keep {
			kept = append(kept, c)
		}
	}
	s.changes = kept
	s.oldestChange = keep
}

func (s *MemoryStore) CreateEvent(ctx context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ClientEventID != "" {
		key := e.MachineID + "\x00" + e.ClientEventID
		if s.eventDedupe[key] {
			return ErrDuplicateEvent
		}
		s.eventDedupe[key] = true
	}
	cp := *e
	s.events[e.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateAlert(ctx context.Context, a *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) AcknowledgeAlert(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	a.Acknowledged = true
	return nil
}

func (s *MemoryStore) ResolveAlert(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	a.Resolved = true
	return nil
}

func (s *MemoryStore) ListAlerts(ctx context.Context, machineID string, limit int) ([]*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Alert
	for _, a := range s.alerts {
		if machineID != "" && a.MachineID != machineID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddOperator seeds an operator. Operator management itself belongs to the
// dashboard subsystem.
func (s *MemoryStore) AddOperator(op *model.Operator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *op
	s.operators[op.ID] = &cp
}

func (s *MemoryStore) CriticalSubscribers(ctx context.Context) ([]*model.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Operator
	for _, op := range s.operators {
		if op.CriticalOptIn {
			cp := *op
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Admins(ctx context.Context) ([]*model.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Operator
	for _, op := range s.operators {
		if op.Admin {
			cp := *op
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateNotification(ctx context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.notifications[n.ID] = &cp
	return nil
}

// Notifications returns all recorded notifications, for tests.
func (s *MemoryStore) Notifications() []*model.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		cp := *n
		out = append(out, &cp)
	}
	return out
}

// Events returns all persisted events, for tests.
func (s *MemoryStore) Events() []*model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Event, 0, len(s.events))
	for _, e := range s.events {
		cp := *e
		out = append(out, &cp)
	}
	return out
}
