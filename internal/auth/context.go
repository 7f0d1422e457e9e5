package auth

import (
	"context"

	"fleetwatch/internal/model"
)

type contextKey struct{}

// WithMachine attaches the resolved machine identity to the request context.
func WithMachine(ctx context.Context, m *model.Machine) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// MachineFrom returns the machine identity attached by the authenticator,
// or nil when the request never passed authentication.
func MachineFrom(ctx context.Context) *model.Machine {
	m, _ := ctx.Value(contextKey{}).(*model.Machine)
	return m
}
