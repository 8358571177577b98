// Package relay delivers best-effort background updates for presentation
// sessions over D-Bus signals. Nothing here is load-bearing for analytics
// correctness; a failed push is logged by the caller and dropped.
package relay

import (
	"github.com/godbus/dbus"

	"github.com/chargewatch/chargewatch/lifecycle"
)

const (
	signalPath   = dbus.ObjectPath("/org/chargewatch/relay")
	updateSignal = "org.chargewatch.relay.Update"
	endSignal    = "org.chargewatch.relay.End"
)

// DBusRelay emits session updates as D-Bus signals for an out-of-process
// delivery agent to forward. No bus name is requested; signals are fire and
// forget.
type DBusRelay struct {
	conn *dbus.Conn
}

// NewDBusRelay connects the relay to the system bus.
func NewDBusRelay() (*DBusRelay, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	return &DBusRelay{conn: conn}, nil
}

// PushUpdate emits one update signal keyed by the session's delivery token.
func (r *DBusRelay) PushUpdate(token string, state lifecycle.ContentState) error {
	minutes := -1
	if state.MinutesToFull != nil {
		minutes = *state.MinutesToFull
	}
	return r.conn.Emit(signalPath, updateSignal,
		token, state.Percent, state.Watts, minutes, state.Paused, state.Stale)
}

// PushEnd emits one end signal for the session's delivery token.
func (r *DBusRelay) PushEnd(token string) error {
	return r.conn.Emit(signalPath, endSignal, token)
}

// Noop is a relay that drops everything, for hosts without a delivery agent.
type Noop struct{}

func (Noop) PushUpdate(string, lifecycle.ContentState) error { return nil }
func (Noop) PushEnd(string) error                            { return nil }
