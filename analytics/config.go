package analytics

import "time"

// Config holds the engine tunables. All thresholds are product constants of
// roughly the right order of magnitude, not load-bearing exact values; they
// can be overridden from the daemon config file.
type Config struct {
	// ExpectedCadence is the nominal interval between samples from the
	// signal source. Gaps well beyond this degrade confidence.
	ExpectedCadence    time.Duration `mapstructure:"expected-cadence"`
	CadenceGapMultiple float64       `mapstructure:"cadence-gap-multiple"`

	// Warmup bounds. The warmup window ends when either is exceeded, or
	// immediately when a real percent step is observed.
	WarmupMaxDuration    time.Duration `mapstructure:"warmup-max-duration"`
	WarmupMaxPercentGain int           `mapstructure:"warmup-max-percent-gain"`

	// StepPercent is the quantization step of the percent feed.
	StepPercent int `mapstructure:"step-percent"`

	// NominalCellVoltage converts a mAh capacity hint into watt hours.
	NominalCellVoltage float64 `mapstructure:"nominal-cell-voltage"`

	// Measured-rate smoothing. RateAlpha is the EWMA weight given to a new
	// minutes-per-percent observation; MaxRateChangeFraction caps how far
	// one observation can move the running estimate.
	RateAlpha             float64 `mapstructure:"rate-alpha"`
	MaxRateChangeFraction float64 `mapstructure:"max-rate-change-fraction"`

	// TheoryWeightDecay is the per-observed-step decay of the theoretical
	// baseline's blend weight. After n steps the theoretical estimate
	// contributes decay^n of the blended minutes-per-percent.
	TheoryWeightDecay float64 `mapstructure:"theory-weight-decay"`

	// SOC bands. Charging slows as the battery fills; the theoretical
	// baseline is scaled per band, and measured rates get a separate
	// empirical multiplier in the trickle band.
	MidSOCPercent              int     `mapstructure:"mid-soc-percent"`
	NearFullPercent            int     `mapstructure:"near-full-percent"`
	MidBandMultiplier          float64 `mapstructure:"mid-band-multiplier"`
	NearFullMultiplier         float64 `mapstructure:"near-full-multiplier"`
	EmpiricalTrickleMultiplier float64 `mapstructure:"empirical-trickle-multiplier"`

	// Staleness. A session with no real step for StaleStepAfter while
	// measured power sits below LowWattsFloor freezes its displayed values.
	StaleStepAfter time.Duration `mapstructure:"stale-step-after"`
	LowWattsFloor  float64       `mapstructure:"low-watts-floor"`

	// Pause hysteresis.
	PauseEnterAfter   int           `mapstructure:"pause-enter-after"`
	PauseExitAfter    int           `mapstructure:"pause-exit-after"`
	StallFlatAfter    time.Duration `mapstructure:"stall-flat-after"`
	OptimizedBandLow  int           `mapstructure:"optimized-band-low"`
	OptimizedBandHigh int           `mapstructure:"optimized-band-high"`
	SpikeRatio        float64       `mapstructure:"spike-ratio"`
	SpikeAbsoluteMin  int           `mapstructure:"spike-absolute-minutes"`

	// Numeric rails.
	MinMinutesPerPercent float64 `mapstructure:"min-minutes-per-percent"`
	MaxMinutesPerPercent float64 `mapstructure:"max-minutes-per-percent"`
	MaxMinutesToFull     int     `mapstructure:"max-minutes-to-full"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ExpectedCadence:            time.Minute,
		CadenceGapMultiple:         2.5,
		WarmupMaxDuration:          2 * time.Minute,
		WarmupMaxPercentGain:       3,
		StepPercent:                5,
		NominalCellVoltage:         3.85,
		RateAlpha:                  0.3,
		MaxRateChangeFraction:      0.35,
		TheoryWeightDecay:          0.25,
		MidSOCPercent:              60,
		NearFullPercent:            80,
		MidBandMultiplier:          1.2,
		NearFullMultiplier:         2.5,
		EmpiricalTrickleMultiplier: 1.3,
		StaleStepAfter:             10 * time.Minute,
		LowWattsFloor:              2.5,
		PauseEnterAfter:            3,
		PauseExitAfter:             2,
		StallFlatAfter:             6 * time.Minute,
		OptimizedBandLow:           70,
		OptimizedBandHigh:          85,
		SpikeRatio:                 3.0,
		SpikeAbsoluteMin:           90,
		MinMinutesPerPercent:       0.2,
		MaxMinutesPerPercent:       30,
		MaxMinutesToFull:           720,
	}
}
