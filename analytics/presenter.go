package analytics

import "time"

// PresenterConfig holds the display-side tunables.
type PresenterConfig struct {
	// QuarantineETAMinutes is the ETA above which a candidate is treated as
	// an outlier when it coincides with low measured power.
	QuarantineETAMinutes int     `mapstructure:"quarantine-eta-minutes"`
	LowWattsFloor        float64 `mapstructure:"low-watts-floor"`

	// MaxSlewPerTick bounds how many minutes the displayed ETA may move per
	// tick toward the raw value.
	MaxSlewPerTick int `mapstructure:"max-slew-per-tick"`
}

// DefaultPresenterConfig returns the presenter defaults.
func DefaultPresenterConfig() PresenterConfig {
	return PresenterConfig{
		QuarantineETAMinutes: 600,
		LowWattsFloor:        2.5,
		MaxSlewPerTick:       15,
	}
}

// DisplayValue is the single value every consumer sees for one tick.
type DisplayValue struct {
	ComputedAt        time.Time
	ContinuousPercent float64
	RatePerMinute     float64
	Watts             float64
	MinutesToFull     *int
	Phase             Phase
	Confidence        Confidence
	Paused            bool

	// Substituted is set when the raw candidate was quarantined and the
	// last stable value shown instead.
	Substituted bool
}

// fingerprint is the comparable identity of an estimate, used to detect
// repeated Present calls within one tick.
type fingerprint struct {
	computedAt time.Time
	percent    float64
	rate       float64
	watts      float64
	minutes    int
	hasMinutes bool
	phase      Phase
	confidence Confidence
	paused     bool
}

func fingerprintOf(raw Estimate) fingerprint {
	fp := fingerprint{
		computedAt: raw.ComputedAt,
		percent:    raw.ContinuousPercent,
		rate:       raw.RatePerMinute,
		watts:      raw.Watts,
		phase:      raw.Phase,
		confidence: raw.Confidence,
		paused:     raw.Paused,
	}
	if raw.MinutesToFull != nil {
		fp.minutes = *raw.MinutesToFull
		fp.hasMinutes = true
	}
	return fp
}

// Presenter wraps raw engine estimates with per-tick caching, outlier
// quarantine and bounded slew limiting, so all surfaces rendered within one
// tick show the same value. It is owned by the same single caller as the
// engine.
type Presenter struct {
	cfg PresenterConfig

	haveCached bool
	cachedTok  TickToken
	cachedFP   fingerprint
	cachedOut  DisplayValue

	stableETA    *int
	displayedETA *int
}

// NewPresenter returns a presenter with empty history.
func NewPresenter(cfg PresenterConfig) *Presenter {
	return &Presenter{cfg: cfg}
}

// SetConfig swaps the tunables. Must be called from the same goroutine
// that calls Present.
func (p *Presenter) SetConfig(cfg PresenterConfig) {
	p.cfg = cfg
}

// ResetSession clears the cache and stable-value history. Must be called
// whenever the engine's Begin or End is called.
func (p *Presenter) ResetSession() {
	p.haveCached = false
	p.stableETA = nil
	p.displayedETA = nil
}

// Present turns a raw estimate into the display value for this tick.
// Calling it again with the same token and input returns the cached output
// unchanged.
func (p *Presenter) Present(raw Estimate, token TickToken) DisplayValue {
	fp := fingerprintOf(raw)
	if p.haveCached && p.cachedTok == token && p.cachedFP == fp {
		return p.cachedOut
	}

	out := DisplayValue{
		ComputedAt:        raw.ComputedAt,
		ContinuousPercent: raw.ContinuousPercent,
		RatePerMinute:     raw.RatePerMinute,
		Watts:             raw.Watts,
		MinutesToFull:     copyIntPtr(raw.MinutesToFull),
		Phase:             raw.Phase,
		Confidence:        raw.Confidence,
		Paused:            raw.Paused,
	}

	// Quarantine: a huge ETA alongside low measured power is an optimized
	// charging artifact, not a value worth showing.
	if out.MinutesToFull != nil && *out.MinutesToFull >= p.cfg.QuarantineETAMinutes &&
		raw.Watts < p.cfg.LowWattsFloor && p.stableETA != nil {
		out.MinutesToFull = copyIntPtr(p.stableETA)
		out.Substituted = true
	}

	if !out.Substituted && out.MinutesToFull != nil {
		p.stableETA = copyIntPtr(out.MinutesToFull)
	}

	// Slew limit: move the displayed ETA toward the target by a bounded
	// amount per tick instead of jumping.
	if out.MinutesToFull != nil && p.displayedETA != nil {
		target := *out.MinutesToFull
		shown := *p.displayedETA
		delta := target - shown
		if delta > p.cfg.MaxSlewPerTick {
			delta = p.cfg.MaxSlewPerTick
		} else if delta < -p.cfg.MaxSlewPerTick {
			delta = -p.cfg.MaxSlewPerTick
		}
		out.MinutesToFull = intPtr(shown + delta)
	}
	p.displayedETA = copyIntPtr(out.MinutesToFull)

	p.haveCached = true
	p.cachedTok = token
	p.cachedFP = fp
	p.cachedOut = out
	return out
}
