package lifecycle

import "time"

// Config holds the coordinator tunables. The exact values are product
// constants; only their rough order of magnitude matters.
type Config struct {
	// ThrashInterval is the minimum gap between start attempts.
	ThrashInterval time.Duration `mapstructure:"thrash-interval"`

	// Cooldown is the minimum gap between an end and the next start.
	Cooldown time.Duration `mapstructure:"cooldown"`

	// DebounceDelay is how long an unplug must hold before the end path
	// runs. A replug inside this window cancels the end.
	DebounceDelay time.Duration `mapstructure:"debounce-delay"`

	// EndBackoff is the wait schedule between termination verification
	// retries.
	EndBackoff []time.Duration `mapstructure:"end-backoff"`

	// CallTimeout bounds each external presenter call.
	CallTimeout time.Duration `mapstructure:"call-timeout"`
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		ThrashInterval: 2 * time.Second,
		Cooldown:       8 * time.Second,
		DebounceDelay:  800 * time.Millisecond,
		EndBackoff:     []time.Duration{time.Second, 3 * time.Second, 7 * time.Second},
		CallTimeout:    5 * time.Second,
	}
}
