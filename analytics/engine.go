package analytics

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Fallback hints used when a session is begun without usable capacity or
// nominal power information.
const (
	fallbackCapacityMAH  = 3000.0
	fallbackNominalWatts = 7.5
)

// Engine reconstructs continuous charge progress from a percent feed that
// only moves in quantized steps. It blends a capacity/power theoretical
// baseline with measured step timings, classifies every tick with a
// confidence level and detects charge stalls. Malformed input never produces
// an error, only degraded confidence or frozen output.
//
// Tick must not be called concurrently; the engine expects a single sample
// loop as its caller, matching the single-owner model of the daemon.
type Engine struct {
	cfg Config
	log *logrus.Logger

	session   *Session
	token     TickToken
	throttled atomic.Bool // written by other goroutines

	lastTickAt      time.Time
	lastStepAt      time.Time
	lastStepPercent int
	continuous      float64
	stepCount       int
	minPerPercent   float64 // EWMA of measured minutes per percent
	phase           Phase

	paused      bool
	stallStreak int
	cleanStreak int

	stableRate  float64
	stableWatts float64
	stableETA   *int
}

// NewEngine returns an idle engine. A nil logger falls back to the standard
// logrus logger.
func NewEngine(cfg Config, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{cfg: cfg, log: log, phase: PhaseIdle}
}

// SetConfig swaps the tunables. Must be called from the same goroutine
// that calls Tick.
func (e *Engine) SetConfig(cfg Config) {
	e.cfg = cfg
}

// Begin starts a new charge session and resets all estimator state,
// including the tick token.
func (e *Engine) Begin(startPercent int, capacityMAH, nominalWatts float64, now time.Time) *Session {
	startPercent = clampPercent(startPercent)
	if capacityMAH <= 0 {
		e.log.Warnf("no usable capacity hint (%.0f mAh), assuming %.0f mAh", capacityMAH, fallbackCapacityMAH)
		capacityMAH = fallbackCapacityMAH
	}
	if nominalWatts <= 0 {
		e.log.Warnf("no usable nominal power hint (%.1f W), assuming %.1f W", nominalWatts, fallbackNominalWatts)
		nominalWatts = fallbackNominalWatts
	}

	e.session = &Session{
		ID:           uuid.NewString(),
		StartedAt:    now,
		StartPercent: startPercent,
		CapacityMAH:  capacityMAH,
		NominalWatts: nominalWatts,
	}
	e.token = 0
	e.lastTickAt = time.Time{}
	e.lastStepAt = now
	e.lastStepPercent = startPercent
	e.continuous = float64(startPercent)
	e.stepCount = 0
	e.minPerPercent = 0
	e.phase = PhaseWarmup
	e.paused = false
	e.stallStreak = 0
	e.cleanStreak = 0
	e.stableRate = 0
	e.stableWatts = 0
	e.stableETA = nil

	e.log.Infof("charge session %s started at %d%% (%.0f mAh, %.1f W nominal)",
		e.session.ID, startPercent, capacityMAH, nominalWatts)
	return e.session
}

// End closes the current session. Safe to call when no session is active.
func (e *Engine) End(now time.Time) {
	if e.session == nil {
		return
	}
	e.log.Infof("charge session %s ended after %s at %.1f%% (%d steps observed)",
		e.session.ID, now.Sub(e.session.StartedAt).Truncate(time.Second), e.continuous, e.stepCount)
	e.session = nil
	e.phase = PhaseIdle
	e.paused = false
}

// SetThrottled feeds an external thermal throttling signal into stall
// detection.
func (e *Engine) SetThrottled(throttled bool) {
	e.throttled.Store(throttled)
}

// ActiveSession returns a copy of the current session, or nil.
func (e *Engine) ActiveSession() *Session {
	if e.session == nil {
		return nil
	}
	s := *e.session
	return &s
}

// Token returns the token of the most recently processed tick.
func (e *Engine) Token() TickToken {
	return e.token
}

// Tick processes one sample and returns the estimate for it together with
// the tick token identifying this sample.
func (e *Engine) Tick(percent int, charging bool, now time.Time) (Estimate, TickToken) {
	e.token++
	tok := e.token
	percent = clampPercent(percent)

	if e.session == nil || !charging {
		// Still a real sample; keep the cadence clock current so a later
		// charging tick is not mistaken for a data gap.
		e.lastTickAt = now
		return Estimate{
			ComputedAt:        now,
			ContinuousPercent: float64(percent),
			Phase:             PhaseIdle,
			Confidence:        ConfidenceGood,
		}, tok
	}

	prevTick := e.lastTickAt
	e.lastTickAt = now

	gap := !prevTick.IsZero() &&
		now.Sub(prevTick) > time.Duration(e.cfg.CadenceGapMultiple*float64(e.cfg.ExpectedCadence))

	// Step detection. A quantized jump snaps the continuous estimate to the
	// observed boundary. The timing only feeds the rate model when the tick
	// cadence was sane; a jump seen across a data gap says nothing useful
	// about the rate.
	stepped := false
	if percent > e.lastStepPercent {
		elapsed := now.Sub(e.lastStepAt)
		gained := percent - e.lastStepPercent
		if !gap && elapsed > 0 {
			e.foldObservation(elapsed.Minutes() / float64(gained))
			stepped = true
		}
		e.lastStepPercent = percent
		e.lastStepAt = now
		if e.continuous < float64(percent) {
			e.continuous = float64(percent)
		}
		if stepped && e.phase == PhaseWarmup {
			e.phase = PhaseActive
		}
	} else if percent < e.lastStepPercent {
		// Percent regressed while charging. Keep the continuous estimate
		// non-decreasing and wait for the feed to sort itself out.
		e.log.Debugf("ignoring percent regression %d%% -> %d%% while charging", e.lastStepPercent, percent)
	}

	if e.phase == PhaseWarmup {
		if now.Sub(e.session.StartedAt) >= e.cfg.WarmupMaxDuration ||
			percent-e.session.StartPercent >= e.cfg.WarmupMaxPercentGain {
			e.phase = PhaseActive
		}
	}
	if e.phase == PhaseActive && percent >= e.cfg.NearFullPercent {
		e.phase = PhaseTrickle
	}

	if gap {
		e.log.Warnf("sample gap of %s (expected cadence %s), freezing output",
			now.Sub(prevTick).Truncate(time.Second), e.cfg.ExpectedCadence)
		return e.frozenEstimate(now, ConfidenceDataGap), tok
	}

	// Rate, power and ETA for this tick.
	var rate, watts float64
	if e.phase == PhaseWarmup {
		// Warmup never trusts measured data: fixed nominal wattage and a
		// rate derived from it.
		watts = e.session.NominalWatts
		rate = 1 / e.theoreticalMPP(e.continuous)
	} else {
		mpp := e.effectiveMPP(e.continuous)
		rate = 1 / mpp
		watts = e.wattsFromMPP(mpp)
	}
	if !e.paused && !prevTick.IsZero() && !stepped {
		e.interpolate(rate, now.Sub(prevTick))
	}
	candETA := e.minutesRemaining(e.continuous)
	measWatts := watts
	if e.stepCount > 0 {
		measWatts = e.wattsFromMPP(e.minPerPercent)
	}

	conf := ConfidenceGood
	switch {
	case e.phase == PhaseWarmup:
		conf = ConfidenceWarmup
	case e.stepCount == 0:
		conf = ConfidenceSeeded
	case now.Sub(e.lastStepAt) >= e.cfg.StaleStepAfter && measWatts < e.cfg.LowWattsFloor:
		conf = ConfidenceStaleStep
	}

	stall := e.updatePauseState(percent, candETA, measWatts, e.throttled.Load(), now)

	if e.paused {
		return e.frozenEstimate(now, conf), tok
	}
	if conf == ConfidenceStaleStep {
		return e.frozenEstimate(now, ConfidenceStaleStep), tok
	}

	if !stall && plausible(rate) && plausible(watts) {
		e.stableRate = rate
		e.stableWatts = watts
		e.stableETA = intPtr(candETA)
	}

	return Estimate{
		ComputedAt:        now,
		ContinuousPercent: e.continuous,
		RatePerMinute:     rate,
		Watts:             watts,
		MinutesToFull:     intPtr(candETA),
		Phase:             e.phase,
		Confidence:        conf,
	}, tok
}

// foldObservation mixes one observed minutes-per-percent sample into the
// running EWMA, clamping both the sample and the per-update change.
func (e *Engine) foldObservation(obs float64) {
	if math.IsNaN(obs) || math.IsInf(obs, 0) || obs <= 0 {
		e.log.Debugf("rejecting implausible rate observation %.3f min/%%", obs)
		return
	}
	obs = clampFloat(obs, e.cfg.MinMinutesPerPercent, e.cfg.MaxMinutesPerPercent)
	if e.stepCount == 0 {
		e.minPerPercent = obs
	} else {
		change := e.cfg.RateAlpha * (obs - e.minPerPercent)
		limit := e.cfg.MaxRateChangeFraction * e.minPerPercent
		change = clampFloat(change, -limit, limit)
		e.minPerPercent += change
	}
	e.stepCount++
	e.log.Debugf("rate observation %.3f min/%% folded, estimate now %.3f min/%% (%d steps)",
		obs, e.minPerPercent, e.stepCount)
}

// interpolate advances the continuous estimate toward the next expected
// quantization boundary, never crossing it.
func (e *Engine) interpolate(rate float64, dt time.Duration) {
	boundary := float64(e.lastStepPercent + e.cfg.StepPercent)
	if boundary > 100 {
		boundary = 100
	}
	adv := e.continuous + rate*dt.Minutes()
	if adv > boundary {
		adv = boundary
	}
	if adv > e.continuous {
		e.continuous = adv
	}
}

// updatePauseState runs the stall hysteresis machine and reports whether
// this tick carried a stall signal.
func (e *Engine) updatePauseState(percent, candETA int, measWatts float64, throttled bool, now time.Time) bool {
	flat := now.Sub(e.lastStepAt) >= e.cfg.StallFlatAfter &&
		percent >= e.cfg.OptimizedBandLow && percent <= e.cfg.OptimizedBandHigh &&
		measWatts < e.cfg.LowWattsFloor
	spike := e.stableETA != nil && *e.stableETA > 0 &&
		(float64(candETA) >= float64(*e.stableETA)*e.cfg.SpikeRatio ||
			candETA >= *e.stableETA+e.cfg.SpikeAbsoluteMin)
	stall := throttled || flat || spike

	if stall {
		e.stallStreak++
		e.cleanStreak = 0
		if !e.paused && e.stallStreak >= e.cfg.PauseEnterAfter {
			e.paused = true
			e.log.Infof("charging appears stalled (throttled=%t flat=%t spike=%t), pausing estimates",
				throttled, flat, spike)
		}
	} else {
		e.cleanStreak++
		e.stallStreak = 0
		if e.paused && e.cleanStreak >= e.cfg.PauseExitAfter {
			e.paused = false
			e.log.Info("charging resumed, unpausing estimates")
		}
	}
	return stall
}

func (e *Engine) frozenEstimate(now time.Time, conf Confidence) Estimate {
	return Estimate{
		ComputedAt:        now,
		ContinuousPercent: e.continuous,
		RatePerMinute:     e.stableRate,
		Watts:             e.stableWatts,
		MinutesToFull:     copyIntPtr(e.stableETA),
		Phase:             e.phase,
		Confidence:        conf,
		Paused:            e.paused,
	}
}

// minutesRemaining integrates minutes-per-percent across the remaining SOC
// bands so near-full slowdown is priced into the ETA.
func (e *Engine) minutesRemaining(from float64) int {
	total := 0.0
	soc := from
	for soc < 100 {
		edge := 100.0
		switch {
		case soc < float64(e.cfg.MidSOCPercent):
			edge = float64(e.cfg.MidSOCPercent)
		case soc < float64(e.cfg.NearFullPercent):
			edge = float64(e.cfg.NearFullPercent)
		}
		total += (edge - soc) * e.effectiveMPP(soc)
		soc = edge
	}
	if math.IsNaN(total) || total < 0 {
		if e.stableETA != nil {
			return *e.stableETA
		}
		return 0
	}
	if total > float64(e.cfg.MaxMinutesToFull) {
		total = float64(e.cfg.MaxMinutesToFull)
	}
	return int(math.Round(total))
}

// effectiveMPP blends the theoretical baseline with the measured rate. The
// theoretical weight decays with each observed step, so a long-running
// session is driven almost entirely by measured data.
func (e *Engine) effectiveMPP(soc float64) float64 {
	theo := e.theoreticalMPP(soc)
	if e.stepCount == 0 {
		return theo
	}
	meas := e.minPerPercent
	if soc >= float64(e.cfg.NearFullPercent) {
		meas *= e.cfg.EmpiricalTrickleMultiplier
	}
	w := math.Pow(e.cfg.TheoryWeightDecay, float64(e.stepCount))
	return clampFloat(w*theo+(1-w)*meas, e.cfg.MinMinutesPerPercent, e.cfg.MaxMinutesPerPercent)
}

func (e *Engine) theoreticalMPP(soc float64) float64 {
	whTotal := e.session.CapacityMAH / 1000 * e.cfg.NominalCellVoltage
	base := whTotal * 60 / (e.session.NominalWatts * 100)
	switch {
	case soc >= float64(e.cfg.NearFullPercent):
		base *= e.cfg.NearFullMultiplier
	case soc >= float64(e.cfg.MidSOCPercent):
		base *= e.cfg.MidBandMultiplier
	}
	return clampFloat(base, e.cfg.MinMinutesPerPercent, e.cfg.MaxMinutesPerPercent)
}

func (e *Engine) wattsFromMPP(mpp float64) float64 {
	if mpp <= 0 {
		return 0
	}
	whTotal := e.session.CapacityMAH / 1000 * e.cfg.NominalCellVoltage
	return whTotal * 60 / (mpp * 100)
}

func plausible(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func intPtr(v int) *int {
	return &v
}

func copyIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
