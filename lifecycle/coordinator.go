package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the coordinator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateDebouncing
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDebouncing:
		return "debouncing-unplug"
	case StateEnding:
		return "ending"
	}
	return "unknown"
}

// ActivityRecord is the single authoritative pointer to the active
// presentation session.
type ActivityRecord struct {
	Handle      Handle
	LastStartAt time.Time
}

// Snapshot is a read-only view of the coordinator for status surfaces.
type Snapshot struct {
	State          string
	ActivityID     string
	Generation     uint64
	Charging       bool
	DeferredReason string
}

// Coordinator owns start/stop of the single active presentation session.
// All decisions are serialized by its mutex: no two start or end operations
// are ever in flight at once. External presenter calls run with the mutex
// released so a stuck presenter never stalls ticks or replug handling.
// Debounce and retry timers are invalidated by a generation counter rather
// than true cancellation; a fired action that reads a stale generation
// no-ops.
type Coordinator struct {
	cfg   Config
	log   *logrus.Logger
	pres  PresentationSession
	relay PushRelay // optional

	// Test seams; production values set by NewCoordinator.
	foreground func() bool
	clock      func() time.Time
	schedule   func(d time.Duration, fn func())
	sleep      func(d time.Duration)

	pushBusy atomic.Bool // one async content push in flight at most

	mu             sync.Mutex
	state          State
	generation     uint64
	activity       *ActivityRecord
	charging       bool
	lastAttempt    time.Time
	lastEnd        time.Time
	deferredStart  bool
	deferredReason string
	lastContent    ContentState
}

// NewCoordinator wires a coordinator to its presentation surface. relay may
// be nil when no background delivery channel exists. A nil logger falls back
// to the standard logrus logger.
func NewCoordinator(cfg Config, pres PresentationSession, relay PushRelay, log *logrus.Logger) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		cfg:        cfg,
		log:        log,
		pres:       pres,
		relay:      relay,
		foreground: func() bool { return true },
		clock:      time.Now,
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
		sleep: time.Sleep,
	}
}

// SetForegroundFunc installs the host's interactive-state probe. A start
// attempted while the probe reports false is deferred until OnForeground.
func (c *Coordinator) SetForegroundFunc(fn func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn != nil {
		c.foreground = fn
	}
}

// Snapshot reports the current coordinator state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		State:          c.state.String(),
		Generation:     c.generation,
		Charging:       c.charging,
		DeferredReason: c.deferredReason,
	}
	if c.activity != nil {
		snap.ActivityID = c.activity.Handle.ActivityID
	}
	return snap
}

// HandleChargingChanged consumes a charging-state transition. Plugging in
// attempts a start through the guard chain; unplugging schedules the
// debounced end.
func (c *Coordinator) HandleChargingChanged(charging bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if charging == c.charging {
		return
	}
	c.charging = charging
	c.generation++
	g := c.generation

	if charging {
		reason := "charging began"
		if c.state == StateDebouncing {
			c.log.Infof("replug inside debounce window, pending end invalidated (generation %d)", g)
			if c.activity != nil {
				c.state = StateActive
			} else {
				c.state = StateIdle
			}
			reason = "charging resumed inside debounce window"
		}
		c.tryStartLocked(now, reason)
		return
	}

	c.state = StateDebouncing
	c.log.Infof("unplug detected, debouncing end for %s (generation %d)", c.cfg.DebounceDelay, g)
	c.schedule(c.cfg.DebounceDelay, func() { c.debounceFired(g) })
}

// OnForeground retries a start that was deferred while backgrounded.
func (c *Coordinator) OnForeground(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.deferredStart {
		return
	}
	c.deferredStart = false
	reason := c.deferredReason
	c.deferredReason = ""
	c.log.Infof("process foregrounded, retrying deferred start (%s)", reason)
	c.tryStartLocked(now, reason)
}

// PublishUpdate records the latest display state and pushes it to the
// active session, via the push relay when backgrounded. The external call
// runs on its own goroutine so a stuck presenter never stalls the sample
// loop; with a push already in flight the state is only recorded and rides
// the next tick. Never fatal.
func (c *Coordinator) PublishUpdate(state ContentState) {
	c.mu.Lock()
	c.lastContent = state
	if c.activity == nil {
		c.mu.Unlock()
		return
	}
	h := c.activity.Handle
	fg := c.foreground()
	c.mu.Unlock()

	if !c.pushBusy.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.pushBusy.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		defer cancel()
		if fg {
			if err := c.pres.Update(ctx, h, state); err != nil {
				c.log.Warnf("session %s update failed: %v", h.ActivityID, err)
			}
			return
		}
		if c.relay != nil && h.PushToken != "" {
			if err := c.relay.PushUpdate(h.PushToken, state); err != nil {
				c.log.Warnf("relay update for session %s failed: %v", h.ActivityID, err)
			}
		}
	}()
}

// EndNow runs the unified end path immediately, bypassing the debounce.
// Used for operator-initiated teardown.
func (c *Coordinator) EndNow() {
	c.mu.Lock()
	c.generation++ // invalidate any pending debounce
	c.endAndUnlock()
}

func (c *Coordinator) debounceFired(g uint64) {
	c.mu.Lock()
	if g != c.generation {
		c.log.Infof("debounced end superseded (scheduled generation %d, now %d)", g, c.generation)
		c.mu.Unlock()
		return
	}
	if c.charging {
		c.log.Info("debounced end skipped: device charging again")
		c.mu.Unlock()
		return
	}
	c.endAndUnlock()
}

// tryStartLocked walks the ordered guard chain; every rejection is a no-op
// with its own logged reason. reason says what prompted the attempt and is
// carried along when the start is deferred.
func (c *Coordinator) tryStartLocked(now time.Time, reason string) {
	if !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.cfg.ThrashInterval {
		c.log.Infof("start rejected: previous attempt %s ago (thrash guard)",
			now.Sub(c.lastAttempt).Truncate(time.Millisecond))
		return
	}
	c.lastAttempt = now

	if c.state == StateEnding {
		c.log.Info("start rejected: previous session still ending")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()

	// Self-heal: trust the external system over our own flag.
	if active, err := c.pres.Active(ctx); err != nil {
		c.log.Warnf("could not query active sessions for self-heal: %v", err)
	} else if (c.activity != nil) != (len(active) > 0) {
		c.log.Warnf("tracked state (active=%t) disagrees with presenter (%d active), resyncing",
			c.activity != nil, len(active))
		if len(active) > 0 {
			c.activity = &ActivityRecord{Handle: active[0], LastStartAt: now}
			c.state = StateActive
		} else {
			c.activity = nil
			if c.state == StateActive {
				c.state = StateIdle
			}
		}
	}

	if !c.lastEnd.IsZero() && now.Sub(c.lastEnd) < c.cfg.Cooldown {
		c.log.Infof("start rejected: last end %s ago (cooldown)",
			now.Sub(c.lastEnd).Truncate(time.Millisecond))
		return
	}
	if c.activity != nil {
		c.log.Info("start rejected: session already active")
		return
	}
	if !c.charging {
		c.log.Info("start rejected: device not charging")
		return
	}
	if !c.foreground() {
		c.deferredStart = true
		c.deferredReason = reason
		c.log.Infof("start deferred until foreground: %s", reason)
		return
	}

	c.startLocked(ctx, now)
}

func (c *Coordinator) startLocked(ctx context.Context, now time.Time) {
	c.state = StateStarting
	initial := c.lastContent
	initial.UpdatedAt = now

	h, err := c.pres.Create(ctx, initial, true)
	if err != nil {
		c.log.Warnf("session create with remote updates failed (%v), retrying local-only", err)
		h, err = c.pres.Create(ctx, initial, false)
	}
	if err != nil {
		c.log.Errorf("session create failed: %v", err)
		c.state = StateIdle
		return
	}

	c.activity = &ActivityRecord{Handle: h, LastStartAt: now}
	c.state = StateActive
	c.deferredStart = false
	c.deferredReason = ""
	c.log.Infof("presentation session %s started (push=%t)", h.ActivityID, h.PushToken != "")
	go c.observe(h)
}

// observe clears the activity record when the external session reaches a
// terminal state on its own.
func (c *Coordinator) observe(h Handle) {
	for ev := range c.pres.Observe(h) {
		if ev.Kind != EventEnded {
			continue
		}
		c.mu.Lock()
		if c.activity != nil && c.activity.Handle.ActivityID == h.ActivityID {
			c.log.Infof("session %s ended externally, clearing tracked activity", h.ActivityID)
			c.activity = nil
			c.lastEnd = c.clock()
			if c.state == StateActive {
				c.state = StateIdle
			}
		}
		c.mu.Unlock()
		return
	}
}

// endAndUnlock is the single authoritative end path. It claims the tracked
// activity while still holding the mutex, then releases it for the external
// end cycle so ticks and replug handling keep flowing while a slow presenter
// is torn down. New starts are rejected until the cycle completes.
func (c *Coordinator) endAndUnlock() {
	c.state = StateEnding
	rec := c.activity
	c.activity = nil
	last := c.lastContent
	c.mu.Unlock()

	if rec == nil {
		c.sweep()
	} else {
		c.terminate(rec.Handle, last)
	}

	c.mu.Lock()
	if c.state == StateEnding {
		c.state = StateIdle
	}
	c.lastEnd = c.clock()
	c.mu.Unlock()
}

// terminate ends one specific session and verifies with backed-off retries,
// degrading to one stale update if the session refuses to die. Runs without
// the coordinator mutex.
func (c *Coordinator) terminate(h Handle, last ContentState) {
	c.log.Infof("ending session %s", h.ActivityID)
	for attempt := 0; attempt <= len(c.cfg.EndBackoff); attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		if err := c.pres.End(ctx, h); err != nil {
			c.log.Warnf("end attempt %d for session %s failed: %v", attempt+1, h.ActivityID, err)
		}
		still := c.stillActive(ctx, h)
		cancel()
		if !still {
			c.log.Infof("session %s terminated", h.ActivityID)
			return
		}
		if attempt < len(c.cfg.EndBackoff) {
			c.sleep(c.cfg.EndBackoff[attempt])
		}
	}

	c.log.Warnf("session %s still active after %d attempts, pushing stale state as last resort",
		h.ActivityID, len(c.cfg.EndBackoff)+1)
	stale := last
	stale.Stale = true
	stale.Watts = 0
	stale.MinutesToFull = nil
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	if err := c.pres.Update(ctx, h, stale); err != nil {
		c.log.Warnf("stale update for session %s failed: %v", h.ActivityID, err)
	}
	cancel()
	if c.relay != nil && h.PushToken != "" {
		if err := c.relay.PushEnd(h.PushToken); err != nil {
			c.log.Warnf("relay end for session %s failed: %v", h.ActivityID, err)
		}
	}
}

// sweep ends whatever the presenter reports as active when no activity is
// tracked. Runs without the coordinator mutex.
func (c *Coordinator) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()
	active, err := c.pres.Active(ctx)
	if err != nil {
		c.log.Warnf("end-all sweep could not list sessions: %v", err)
		return
	}
	if len(active) == 0 {
		return
	}
	c.log.Infof("no tracked activity, sweeping %d reported session(s)", len(active))
	for _, h := range active {
		if err := c.pres.End(ctx, h); err != nil {
			c.log.Warnf("sweep end for session %s failed: %v", h.ActivityID, err)
		}
	}
}

func (c *Coordinator) stillActive(ctx context.Context, h Handle) bool {
	active, err := c.pres.Active(ctx)
	if err != nil {
		c.log.Warnf("could not verify termination of %s: %v", h.ActivityID, err)
		return false
	}
	for _, a := range active {
		if a.ActivityID == h.ActivityID {
			return true
		}
	}
	return false
}
