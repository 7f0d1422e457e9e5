package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/model"
)

func TestAlertTransitionsAreOneWay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateAlert(ctx, &model.Alert{ID: "a1", Severity: model.SeverityWarning, Title: "t"}))

	require.NoError(t, s.AcknowledgeAlert(ctx, "a1"))
	require.NoError(t, s.AcknowledgeAlert(ctx, "a1"))
	a, err := s.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, a.Acknowledged)
	assert.False(t, a.Resolved)

	require.NoError(t, s.ResolveAlert(ctx, "a1"))
	a, err = s.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, a.Acknowledged)
	assert.True(t, a.Resolved)

	assert.ErrorIs(t, s.AcknowledgeAlert(ctx, "missing"), ErrNotFound)
}

func TestChangesSince_EmptyLogHeadIsZero(t *testing.T) {
	s := NewMemoryStore()

	// The head of an empty change log is 0. Handing out anything higher
	// would put fresh clients ahead of the first rule version.
	changes, head, err := s.ChangesSince(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.Zero(t, head)
}

func TestEventDedupe_PerMachine(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateEvent(ctx, &model.Event{ID: "e1", MachineID: "m1", ClientEventID: "c1"}))
	assert.ErrorIs(t, s.CreateEvent(ctx, &model.Event{ID: "e2", MachineID: "m1", ClientEventID: "c1"}), ErrDuplicateEvent)

	// The same client ID from another machine is a distinct event.
	require.NoError(t, s.CreateEvent(ctx, &model.Event{ID: "e3", MachineID: "m2", ClientEventID: "c1"}))

	// Events without a client ID never collide.
	require.NoError(t, s.CreateEvent(ctx, &model.Event{ID: "e4", MachineID: "m1"}))
	require.NoError(t, s.CreateEvent(ctx, &model.Event{ID: "e5", MachineID: "m1"}))
}

func TestMachinesByFingerprint_SkipsDisabled(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateMachine(ctx, &model.Machine{ID: "m1", KeyFingerprint: "fp", Status: model.MachineActive}))
	require.NoError(t, s.CreateMachine(ctx, &model.Machine{ID: "m2", KeyFingerprint: "fp", Status: model.MachineDisabled}))

	out, err := s.MachinesByFingerprint(ctx, "fp")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "m1", out[0].ID)
}

func TestGetMachine_ReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateMachine(ctx, &model.Machine{ID: "m1", Hostname: "web-01", Status: model.MachineActive}))

	m, err := s.GetMachine(ctx, "m1")
	require.NoError(t, err)
	m.Status = model.MachineDisabled

	again, err := s.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MachineActive, again.Status)
}
