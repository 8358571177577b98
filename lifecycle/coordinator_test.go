package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

// fakeSurface is an in-memory PresentationSession.
type fakeSurface struct {
	mu sync.Mutex

	nextID      int
	remoteFails bool // Create with remoteUpdates fails
	createFails bool // every Create fails
	endSticky   int  // number of End calls that leave the session alive

	endGate    chan struct{} // when set, End blocks until it closes
	endEntered chan struct{} // closed on the first End call

	createModes []bool // remoteUpdates flag per Create call
	endCalls    []string
	updates     []ContentState
	active      map[string]Handle
	observers   map[string]chan SessionEvent
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{
		active:    make(map[string]Handle),
		observers: make(map[string]chan SessionEvent),
	}
}

func (f *fakeSurface) Create(_ context.Context, _ ContentState, remoteUpdates bool) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createModes = append(f.createModes, remoteUpdates)
	if f.createFails || (remoteUpdates && f.remoteFails) {
		return Handle{}, errors.New("create refused")
	}
	f.nextID++
	h := Handle{ActivityID: fmt.Sprintf("act-%d", f.nextID)}
	if remoteUpdates {
		h.PushToken = "token-" + h.ActivityID
	}
	f.active[h.ActivityID] = h
	f.observers[h.ActivityID] = make(chan SessionEvent, 4)
	return h, nil
}

func (f *fakeSurface) Update(_ context.Context, h Handle, state ContentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, state)
	return nil
}

func (f *fakeSurface) End(_ context.Context, h Handle) error {
	f.mu.Lock()
	f.endCalls = append(f.endCalls, h.ActivityID)
	if f.endEntered != nil {
		close(f.endEntered)
		f.endEntered = nil
	}
	gate := f.endGate
	if f.endSticky > 0 {
		f.endSticky--
	} else {
		delete(f.active, h.ActivityID)
	}
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil
}

func (f *fakeSurface) Observe(h Handle) <-chan SessionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.observers[h.ActivityID]
}

func (f *fakeSurface) Active(_ context.Context) ([]Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Handle, 0, len(f.active))
	for _, h := range f.active {
		out = append(out, h)
	}
	return out, nil
}

func (f *fakeSurface) ends() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.endCalls...)
}

func (f *fakeSurface) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}

// pendingTimer is a captured delayed action, fired manually by tests.
type pendingTimer struct {
	d  time.Duration
	fn func()
}

func newTestCoordinator(surface *fakeSurface) (*Coordinator, *[]pendingTimer, *[]time.Duration) {
	c := NewCoordinator(DefaultConfig(), surface, nil, nil)
	timers := &[]pendingTimer{}
	sleeps := &[]time.Duration{}
	c.schedule = func(d time.Duration, fn func()) {
		*timers = append(*timers, pendingTimer{d: d, fn: fn})
	}
	c.sleep = func(d time.Duration) {
		*sleeps = append(*sleeps, d)
	}
	c.clock = func() time.Time { return t0 }
	return c, timers, sleeps
}

func TestStartOnPlugIn(t *testing.T) {
	surface := newFakeSurface()
	c, _, _ := newTestCoordinator(surface)

	c.HandleChargingChanged(true, t0)

	assert.Equal(t, 1, surface.creates())
	snap := c.Snapshot()
	assert.Equal(t, "active", snap.State)
	assert.Equal(t, "act-1", snap.ActivityID)
	assert.Equal(t, uint64(1), snap.Generation)
}

func TestReplugWithinDebounceProducesNoEnd(t *testing.T) {
	surface := newFakeSurface()
	c, timers, _ := newTestCoordinator(surface)

	c.HandleChargingChanged(true, t0)
	c.HandleChargingChanged(false, t0.Add(10*time.Second))
	require.Len(t, *timers, 1)
	assert.Equal(t, DefaultConfig().DebounceDelay, (*timers)[0].d)

	// Replug before the timer fires, then fire the stale timer.
	c.HandleChargingChanged(true, t0.Add(10*time.Second+100*time.Millisecond))
	(*timers)[0].fn()

	assert.Empty(t, surface.ends())
	assert.Equal(t, "active", c.Snapshot().State)
	// No second session either: the first one is still tracked.
	assert.Equal(t, 1, surface.creates())
}

func TestUnplugHeldEndsTrackedSessionOnce(t *testing.T) {
	surface := newFakeSurface()
	c, timers, _ := newTestCoordinator(surface)

	c.HandleChargingChanged(true, t0)
	c.HandleChargingChanged(false, t0.Add(10*time.Second))
	require.Len(t, *timers, 1)
	(*timers)[0].fn()

	assert.Equal(t, []string{"act-1"}, surface.ends())
	snap := c.Snapshot()
	assert.Equal(t, "idle", snap.State)
	assert.Empty(t, snap.ActivityID)
}

func TestThrashGuardRejectsRapidStarts(t *testing.T) {
	surface := newFakeSurface()
	c, timers, _ := newTestCoordinator(surface)

	c.HandleChargingChanged(true, t0)
	c.HandleChargingChanged(false, t0.Add(100*time.Millisecond))
	c.HandleChargingChanged(true, t0.Add(200*time.Millisecond))

	assert.Equal(t, 1, surface.creates())
	// The pending debounce must also be stale now.
	require.Len(t, *timers, 1)
	(*timers)[0].fn()
	assert.Empty(t, surface.ends())
}

func TestCooldownGuardAfterEnd(t *testing.T) {
	surface := newFakeSurface()
	c, timers, _ := newTestCoordinator(surface)

	c.HandleChargingChanged(true, t0)
	c.HandleChargingChanged(false, t0.Add(10*time.Second))
	c.clock = func() time.Time { return t0.Add(11 * time.Second) }
	(*timers)[0].fn()
	require.Equal(t, []string{"act-1"}, surface.ends())

	// Replug 3s after the end: inside the 8s cooldown.
	c.HandleChargingChanged(true, t0.Add(14*time.Second))
	assert.Equal(t, 1, surface.creates())

	// Well past the cooldown a fresh start goes through.
	c.HandleChargingChanged(false, t0.Add(30*time.Second))
	c.HandleChargingChanged(true, t0.Add(40*time.Second))
	assert.Equal(t, 2, surface.creates())
}

func TestStartWhileActiveIsNoOp(t *testing.T) {
	surface := newFakeSurface()
	c, _, _ := newTestCoordinator(surface)

	c.HandleChargingChanged(true, t0)
	require.Equal(t, 1, surface.creates())

	// Force another attempt without a transition.
	c.mu.Lock()
	c.tryStartLocked(t0.Add(10*time.Second), "charging began")
	c.mu.Unlock()

	assert.Equal(t, 1, surface.creates())
	assert.Equal(t, "act-1", c.Snapshot().ActivityID)
}

func TestDeferredStartRunsOnForeground(t *testing.T) {
	surface := newFakeSurface()
	c, _, _ := newTestCoordinator(surface)
	foreground := false
	c.foreground = func() bool { return foreground }

	c.HandleChargingChanged(true, t0)
	assert.Equal(t, 0, surface.creates())

	foreground = true
	c.OnForeground(t0.Add(5 * time.Second))
	assert.Equal(t, 1, surface.creates())
}

func TestCreateFallsBackToLocalOnly(t *testing.T) {
	surface := newFakeSurface()
	surface.remoteFails = true
	c, _, _ := newTestCoordinator(surface)

	c.HandleChargingChanged(true, t0)

	require.Equal(t, []bool{true, false}, surface.createModes)
	snap := c.Snapshot()
	assert.Equal(t, "act-1", snap.ActivityID)
	assert.Equal(t, "active", snap.State)
}

func TestCreateFailureReturnsToIdle(t *testing.T) {
	surface := newFakeSurface()
	surface.createFails = true
	c, _, _ := newTestCoordinator(surface)

	c.HandleChargingChanged(true, t0)

	snap := c.Snapshot()
	assert.Equal(t, "idle", snap.State)
	assert.Empty(t, snap.ActivityID)
}

func TestSelfHealAdoptsExternalSession(t *testing.T) {
	surface := newFakeSurface()
	c, _, _ := newTestCoordinator(surface)

	// A session exists externally that the coordinator does not know about.
	h, err := surface.Create(context.Background(), ContentState{}, false)
	require.NoError(t, err)

	c.HandleChargingChanged(true, t0)

	assert.Equal(t, h.ActivityID, c.Snapshot().ActivityID)
	assert.Equal(t, 1, surface.creates()) // only the seeded one
}

func TestEndVerifiesWithBackoff(t *testing.T) {
	surface := newFakeSurface()
	c, timers, sleeps := newTestCoordinator(surface)
	surface.endSticky = 2

	c.HandleChargingChanged(true, t0)
	c.HandleChargingChanged(false, t0.Add(10*time.Second))
	(*timers)[0].fn()

	cfg := DefaultConfig()
	assert.Equal(t, []string{"act-1", "act-1", "act-1"}, surface.ends())
	assert.Equal(t, cfg.EndBackoff[:2], *sleeps)
	assert.Empty(t, c.Snapshot().ActivityID)
}

func TestStaleUpdatePushedWhenEndExhausted(t *testing.T) {
	surface := newFakeSurface()
	c, timers, _ := newTestCoordinator(surface)
	surface.endSticky = 100 // never terminates

	c.HandleChargingChanged(true, t0)
	c.HandleChargingChanged(false, t0.Add(10*time.Second))
	(*timers)[0].fn()

	cfg := DefaultConfig()
	assert.Len(t, surface.ends(), len(cfg.EndBackoff)+1)

	surface.mu.Lock()
	require.NotEmpty(t, surface.updates)
	last := surface.updates[len(surface.updates)-1]
	surface.mu.Unlock()
	assert.True(t, last.Stale)
	assert.Equal(t, 0.0, last.Watts)

	// The record is cleared regardless so a fresh cycle can start.
	assert.Empty(t, c.Snapshot().ActivityID)
}

func TestEndWithoutTrackedSweepsActive(t *testing.T) {
	surface := newFakeSurface()
	c, _, _ := newTestCoordinator(surface)

	surface.Create(context.Background(), ContentState{}, false)
	surface.Create(context.Background(), ContentState{}, false)

	c.EndNow()

	assert.Len(t, surface.ends(), 2)
}

func TestExternallyEndedClearsActivity(t *testing.T) {
	surface := newFakeSurface()
	c, _, _ := newTestCoordinator(surface)

	c.HandleChargingChanged(true, t0)
	require.Equal(t, "act-1", c.Snapshot().ActivityID)

	surface.mu.Lock()
	ch := surface.observers["act-1"]
	surface.mu.Unlock()
	ch <- SessionEvent{Kind: EventEnded, At: t0.Add(time.Minute)}

	assert.Eventually(t, func() bool {
		return c.Snapshot().ActivityID == ""
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "idle", c.Snapshot().State)
}

func TestPublishUpdateReachesActiveSession(t *testing.T) {
	surface := newFakeSurface()
	c, _, _ := newTestCoordinator(surface)

	c.HandleChargingChanged(true, t0)
	minutes := 42
	c.PublishUpdate(ContentState{Percent: 61.5, Watts: 9.1, MinutesToFull: &minutes})

	// Delivery is asynchronous; the call itself must not carry the I/O.
	require.Eventually(t, func() bool {
		surface.mu.Lock()
		defer surface.mu.Unlock()
		return len(surface.updates) == 1
	}, time.Second, 10*time.Millisecond)
	surface.mu.Lock()
	defer surface.mu.Unlock()
	assert.Equal(t, 61.5, surface.updates[0].Percent)
}

func TestSlowEndDoesNotStallCoordinator(t *testing.T) {
	surface := newFakeSurface()
	c, timers, _ := newTestCoordinator(surface)
	gate := make(chan struct{})
	entered := make(chan struct{})
	surface.mu.Lock()
	surface.endGate = gate
	surface.endEntered = entered
	surface.mu.Unlock()

	c.HandleChargingChanged(true, t0)
	c.HandleChargingChanged(false, t0.Add(10*time.Second))
	done := make(chan struct{})
	go func() {
		(*timers)[0].fn()
		close(done)
	}()
	<-entered

	// The mutex must be free while the presenter's End call is in flight.
	got := make(chan Snapshot, 1)
	go func() { got <- c.Snapshot() }()
	select {
	case snap := <-got:
		assert.Equal(t, "ending", snap.State)
		assert.Empty(t, snap.ActivityID)
	case <-time.After(time.Second):
		t.Fatal("coordinator mutex held during external end call")
	}

	close(gate)
	<-done
	assert.Equal(t, "idle", c.Snapshot().State)
}

func TestStartRejectedWhileEndInFlight(t *testing.T) {
	surface := newFakeSurface()
	c, timers, _ := newTestCoordinator(surface)
	gate := make(chan struct{})
	entered := make(chan struct{})
	surface.mu.Lock()
	surface.endGate = gate
	surface.endEntered = entered
	surface.mu.Unlock()

	c.HandleChargingChanged(true, t0)
	c.HandleChargingChanged(false, t0.Add(10*time.Second))
	done := make(chan struct{})
	go func() {
		(*timers)[0].fn()
		close(done)
	}()
	<-entered

	// A replug mid-teardown must not spawn a second session.
	c.HandleChargingChanged(true, t0.Add(20*time.Second))
	assert.Equal(t, 1, surface.creates())

	close(gate)
	<-done
}

func TestDeferredReasonCoalesces(t *testing.T) {
	surface := newFakeSurface()
	c, _, _ := newTestCoordinator(surface)
	foreground := false
	c.foreground = func() bool { return foreground }

	c.HandleChargingChanged(true, t0)
	assert.Equal(t, "charging began", c.Snapshot().DeferredReason)

	c.HandleChargingChanged(false, t0.Add(10*time.Second))
	c.HandleChargingChanged(true, t0.Add(10*time.Second+100*time.Millisecond))
	assert.Equal(t, "charging resumed inside debounce window", c.Snapshot().DeferredReason)

	foreground = true
	c.OnForeground(t0.Add(20 * time.Second))
	assert.Equal(t, 1, surface.creates())
	assert.Empty(t, c.Snapshot().DeferredReason)
}

func TestGenerationOnlyIncreases(t *testing.T) {
	surface := newFakeSurface()
	c, _, _ := newTestCoordinator(surface)

	var last uint64
	transitions := []bool{true, false, true, false, true}
	for i, charging := range transitions {
		c.HandleChargingChanged(charging, t0.Add(time.Duration(i)*10*time.Second))
		snap := c.Snapshot()
		assert.Greater(t, snap.Generation, last)
		last = snap.Generation
	}
}
