// Package notify implements the presentation-session contract on top of the
// org.freedesktop.Notifications D-Bus service, the OS-owned surface
// available on a Linux desktop. One notification mirrors one charge
// session: created on charge begin, replaced in place on updates and closed
// on charge end. Closure by the user or the server is observed via the
// NotificationClosed signal.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/godbus/dbus"
	"github.com/google/uuid"

	"github.com/chargewatch/chargewatch/lifecycle"
)

const (
	notifyDest     = "org.freedesktop.Notifications"
	notifyPath     = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod   = "org.freedesktop.Notifications.Notify"
	closeMethod    = "org.freedesktop.Notifications.CloseNotification"
	closedMember   = "NotificationClosed"
	closedMatch    = "type='signal',interface='org.freedesktop.Notifications',member='NotificationClosed'"
	observerBuffer = 4
)

// Session drives charge-progress notifications. It satisfies
// lifecycle.PresentationSession.
type Session struct {
	appName string
	conn    *dbus.Conn
	obj     dbus.BusObject

	mu        sync.Mutex
	live      map[uint32]lifecycle.Handle
	observers map[uint32][]chan lifecycle.SessionEvent
}

// NewSession connects to the session bus and starts watching for closed
// notifications.
func NewSession(appName string) (*Session, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	s := &Session{
		appName:   appName,
		conn:      conn,
		obj:       conn.Object(notifyDest, notifyPath),
		live:      make(map[uint32]lifecycle.Handle),
		observers: make(map[uint32][]chan lifecycle.SessionEvent),
	}

	if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, closedMatch); call.Err != nil {
		return nil, fmt.Errorf("subscribe to closed notifications: %w", call.Err)
	}
	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	go s.watchClosed(signals)

	return s, nil
}

// Create posts a new notification for the charge session. With remoteUpdates
// an opaque delivery token is attached to the handle so a background agent
// can address this session.
func (s *Session) Create(_ context.Context, initial lifecycle.ContentState, remoteUpdates bool) (lifecycle.Handle, error) {
	id, err := s.notify(0, initial)
	if err != nil {
		return lifecycle.Handle{}, err
	}

	h := lifecycle.Handle{ActivityID: strconv.FormatUint(uint64(id), 10)}
	if remoteUpdates {
		h.PushToken = uuid.NewString()
	}

	s.mu.Lock()
	s.live[id] = h
	s.mu.Unlock()
	return h, nil
}

// Update replaces the notification's content in place.
func (s *Session) Update(_ context.Context, h lifecycle.Handle, state lifecycle.ContentState) error {
	id, err := parseID(h)
	if err != nil {
		return err
	}
	_, err = s.notify(id, state)
	return err
}

// End closes the notification.
func (s *Session) End(_ context.Context, h lifecycle.Handle) error {
	id, err := parseID(h)
	if err != nil {
		return err
	}
	if call := s.obj.Call(closeMethod, 0, id); call.Err != nil {
		return fmt.Errorf("close notification %d: %w", id, call.Err)
	}
	return nil
}

// Observe streams state changes for one session. The channel is closed
// after the terminal event.
func (s *Session) Observe(h lifecycle.Handle) <-chan lifecycle.SessionEvent {
	events := make(chan lifecycle.SessionEvent, observerBuffer)
	id, err := parseID(h)
	if err != nil {
		close(events)
		return events
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[id]; !ok {
		// Already gone; report the terminal state immediately.
		events <- lifecycle.SessionEvent{Kind: lifecycle.EventEnded, At: time.Now()}
		close(events)
		return events
	}
	s.observers[id] = append(s.observers[id], events)
	return events
}

// Active lists the sessions not yet observed as closed.
func (s *Session) Active(_ context.Context) ([]lifecycle.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]lifecycle.Handle, 0, len(s.live))
	for _, h := range s.live {
		handles = append(handles, h)
	}
	return handles, nil
}

func (s *Session) watchClosed(signals chan *dbus.Signal) {
	for sig := range signals {
		if sig.Name != notifyDest+"."+closedMember || len(sig.Body) < 1 {
			continue
		}
		id, ok := sig.Body[0].(uint32)
		if !ok {
			continue
		}
		s.mu.Lock()
		if _, tracked := s.live[id]; !tracked {
			s.mu.Unlock()
			continue
		}
		delete(s.live, id)
		watchers := s.observers[id]
		delete(s.observers, id)
		s.mu.Unlock()

		ev := lifecycle.SessionEvent{Kind: lifecycle.EventEnded, At: time.Now()}
		for _, ch := range watchers {
			ch <- ev
			close(ch)
		}
	}
}

func (s *Session) notify(replaces uint32, state lifecycle.ContentState) (uint32, error) {
	hints := map[string]dbus.Variant{
		"resident": dbus.MakeVariant(true),
	}
	call := s.obj.Call(notifyMethod, 0,
		s.appName, replaces, "battery-good-charging",
		"Charging", renderBody(state),
		[]string{}, hints, int32(0))
	if call.Err != nil {
		return 0, fmt.Errorf("notify: %w", call.Err)
	}
	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("notify reply: %w", err)
	}
	return id, nil
}

func renderBody(state lifecycle.ContentState) string {
	body := fmt.Sprintf("%.1f%% at %.1f W", state.Percent, state.Watts)
	switch {
	case state.Stale:
		body += " (stale)"
	case state.Paused:
		body += " (charging paused)"
	case state.MinutesToFull != nil:
		body += fmt.Sprintf(", full in %d min", *state.MinutesToFull)
	}
	return body
}

func parseID(h lifecycle.Handle) (uint32, error) {
	id, err := strconv.ParseUint(h.ActivityID, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad activity id %q: %w", h.ActivityID, err)
	}
	return uint32(id), nil
}
