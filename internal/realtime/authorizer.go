// Package realtime carries push traffic: rule-change broadcasts, dashboard
// updates and per-machine command channels, plus the authorization contract
// deciding who may subscribe where.
package realtime

import (
	"strings"

	"fleetwatch/internal/model"
)

// Channel names. Machine command channels are "machines.<id>.commands".
const (
	ChannelRules     = "rules"
	ChannelDashboard = "dashboard"
	SubjectAlerts    = "alerts.created"
)

// MachineChannel returns the command channel name for a machine.
func MachineChannel(machineID string) string {
	return "machines." + machineID + ".commands"
}

// Session is an authenticated operator dashboard session. Only its
// presence matters here; session mechanics belong to the dashboard.
type Session struct {
	OperatorID string
}

// Authorizer gates channel subscriptions.
type Authorizer struct{}

func NewAuthorizer() *Authorizer { return &Authorizer{} }

// Authorize decides whether a connection with the given operator session
// and/or authenticated machine identity may subscribe to channel.
//
// The rules channel is public: agents carry no dashboard session. The
// dashboard channel requires an operator session. A machine command channel
// admits operators with a session, and the machine itself via its
// API-key-derived identity.
func (a *Authorizer) Authorize(channel string, session *Session, machine *model.Machine) bool {
	switch {
	case channel == ChannelRules:
		return true
	case channel == ChannelDashboard:
		return session != nil
	case strings.HasPrefix(channel, "machines.") && strings.HasSuffix(channel, ".commands"):
		if session != nil {
			return true
		}
		id := strings.TrimSuffix(strings.TrimPrefix(channel, "machines."), ".commands")
		return machine != nil && !machine.Disabled() && machine.ID == id
	}
	return false
}
