package lifecycle

import (
	"context"
	"time"
)

// ContentState is the payload mirrored onto the presentation surface.
type ContentState struct {
	Percent       float64
	Watts         float64
	MinutesToFull *int
	Paused        bool
	Stale         bool
	UpdatedAt     time.Time
}

// Handle identifies one live presentation session. PushToken is the opaque
// remote-update delivery token, empty when the session was created
// local-only.
type Handle struct {
	ActivityID string
	PushToken  string
}

// EventKind is the state reported by a session's observer stream.
type EventKind int

const (
	EventActive EventKind = iota
	EventStale
	EventEnded
)

// SessionEvent is one observed state change of a presentation session.
type SessionEvent struct {
	Kind EventKind
	At   time.Time
}

// PresentationSession is the external, OS-owned surface the coordinator
// drives. Create with remoteUpdates requests the push delivery channel; the
// coordinator falls back to a local-only create when that mode fails.
type PresentationSession interface {
	Create(ctx context.Context, initial ContentState, remoteUpdates bool) (Handle, error)
	Update(ctx context.Context, h Handle, state ContentState) error
	End(ctx context.Context, h Handle) error
	Observe(h Handle) <-chan SessionEvent
	Active(ctx context.Context) ([]Handle, error)
}

// PushRelay forwards updates for delivery while the hosting process is not
// foreground. Best effort; failures are logged by the caller, never fatal.
type PushRelay interface {
	PushUpdate(token string, state ContentState) error
	PushEnd(token string) error
}
