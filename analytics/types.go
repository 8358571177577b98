package analytics

import "time"

// Phase describes where in the charge cycle a session currently is.
// Phases only ever move forward within one session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWarmup
	PhaseActive
	PhaseTrickle
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWarmup:
		return "warmup"
	case PhaseActive:
		return "active"
	case PhaseTrickle:
		return "trickle"
	}
	return "unknown"
}

// Confidence classifies how trustworthy the inputs behind an estimate are.
type Confidence int

const (
	ConfidenceWarmup Confidence = iota
	ConfidenceSeeded
	ConfidenceGood
	ConfidenceStaleStep
	ConfidenceDataGap
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceWarmup:
		return "warmup"
	case ConfidenceSeeded:
		return "seeded"
	case ConfidenceGood:
		return "good"
	case ConfidenceStaleStep:
		return "staleStep"
	case ConfidenceDataGap:
		return "dataGap"
	}
	return "unknown"
}

// TickToken identifies one processed sample. It increases by one per tick
// and resets to zero when a new session begins. Used only for presentation
// idempotency, never persisted.
type TickToken uint64

// Sample is a single reading from the battery signal source. Percent is
// quantized by the source (typically 5% steps).
type Sample struct {
	At       time.Time
	Percent  int
	Charging bool
}

// Session covers one charge cycle, from plug-in to unplug.
type Session struct {
	ID           string
	StartedAt    time.Time
	StartPercent int
	CapacityMAH  float64
	NominalWatts float64
}

// Estimate is the engine output for one tick.
type Estimate struct {
	ComputedAt        time.Time
	ContinuousPercent float64
	RatePerMinute     float64
	Watts             float64
	MinutesToFull     *int // nil when not charging or unknown
	Phase             Phase
	Confidence        Confidence
	Paused            bool
}
