package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chargewatch/chargewatch/analytics"
	"github.com/chargewatch/chargewatch/lifecycle"
	"github.com/chargewatch/chargewatch/store"
)

const (
	appendTimeout  = 5 * time.Second
	maxSubscribers = 8
)

// sampleLoop owns the sample-processing path. Everything on it runs on one
// goroutine: engine tick, presentation, coordinator update and subscriber
// dispatch. Persistence is pushed off the path as a best-effort goroutine.
type sampleLoop struct {
	engine    *analytics.Engine
	presenter *analytics.Presenter
	coord     *lifecycle.Coordinator
	db        *store.Store
	source    *sysfsSource
	log       *logrus.Logger

	conf   DaemonConfig
	reload chan DaemonConfig
	quit   chan struct{}

	foreground atomic.Bool

	lastCharging bool
	session      *analytics.Session

	mu          sync.Mutex
	latest      analytics.DisplayValue
	haveLatest  bool
	subscribers []func(analytics.DisplayValue)
}

func newSampleLoop(engine *analytics.Engine, presenter *analytics.Presenter,
	coord *lifecycle.Coordinator, db *store.Store, source *sysfsSource,
	conf DaemonConfig, log *logrus.Logger) *sampleLoop {

	l := &sampleLoop{
		engine:    engine,
		presenter: presenter,
		coord:     coord,
		db:        db,
		source:    source,
		log:       log,
		conf:      conf,
		reload:    make(chan DaemonConfig, 1),
		quit:      make(chan struct{}),
	}
	l.foreground.Store(true)
	return l
}

// Subscribe registers a synchronously-dispatched consumer of display
// values. The subscriber list is bounded; registrations past the limit are
// dropped with a log entry.
func (l *sampleLoop) Subscribe(fn func(analytics.DisplayValue)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.subscribers) >= maxSubscribers {
		l.log.Errorf("subscriber limit (%d) reached, dropping registration", maxSubscribers)
		return
	}
	l.subscribers = append(l.subscribers, fn)
}

// Foreground reports whether the host considers itself interactive. Fed by
// the D-Bus control service.
func (l *sampleLoop) Foreground() bool {
	return l.foreground.Load()
}

// SetForeground records the host's interactive state and retries any
// deferred session start when it flips to foreground.
func (l *sampleLoop) SetForeground(fg bool) {
	was := l.foreground.Swap(fg)
	if fg && !was {
		l.coord.OnForeground(time.Now())
	}
}

// Latest returns the most recent display value, if any tick has run.
func (l *sampleLoop) Latest() (analytics.DisplayValue, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest, l.haveLatest
}

func (l *sampleLoop) reloadConfig(conf DaemonConfig) {
	select {
	case l.reload <- conf:
	default:
		l.log.Warn("config reload already pending, dropping")
	}
}

func (l *sampleLoop) stop() {
	close(l.quit)
}

func (l *sampleLoop) run() error {
	ticker := time.NewTicker(l.conf.Engine.ExpectedCadence)
	defer ticker.Stop()

	for {
		select {
		case <-l.quit:
			return nil
		case conf := <-l.reload:
			l.conf = conf
			l.engine.SetConfig(conf.Engine)
			l.presenter.SetConfig(conf.Presenter)
			ticker.Reset(conf.Engine.ExpectedCadence)
		case <-ticker.C:
			l.tickOnce(time.Now())
		}
	}
}

func (l *sampleLoop) tickOnce(now time.Time) {
	percent, charging, err := l.source.Read()
	if err != nil {
		l.log.Warnf("Battery reading failed: %v", err)
		return
	}

	if charging != l.lastCharging {
		if charging {
			l.session = l.engine.Begin(percent, l.conf.CapacityMAH, l.conf.NominalWatts, now)
		} else {
			l.engine.End(now)
			l.session = nil
		}
		l.presenter.ResetSession()
		l.coord.HandleChargingChanged(charging, now)
		l.lastCharging = charging
	}

	est, token := l.engine.Tick(percent, charging, now)
	dv := l.presenter.Present(est, token)

	if l.session != nil {
		sessionID := l.session.ID
		watts := dv.Watts
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
			defer cancel()
			if err := l.db.Append(ctx, sessionID, now, percent, charging, watts); err != nil {
				l.log.Warnf("Sample append failed: %v", err)
			}
		}()
	}

	l.coord.PublishUpdate(toContentState(dv, now))

	l.mu.Lock()
	l.latest = dv
	l.haveLatest = true
	subs := l.subscribers
	l.mu.Unlock()
	for _, fn := range subs {
		fn(dv)
	}
}

func toContentState(dv analytics.DisplayValue, now time.Time) lifecycle.ContentState {
	return lifecycle.ContentState{
		Percent:       dv.ContinuousPercent,
		Watts:         dv.Watts,
		MinutesToFull: dv.MinutesToFull,
		Paused:        dv.Paused,
		UpdatedAt:     now,
	}
}
