package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func goodEstimate(minutes int, watts float64, at time.Time) Estimate {
	return Estimate{
		ComputedAt:        at,
		ContinuousPercent: 62.5,
		RatePerMinute:     1.1,
		Watts:             watts,
		MinutesToFull:     intPtr(minutes),
		Phase:             PhaseActive,
		Confidence:        ConfidenceGood,
	}
}

func TestPresentIdempotentPerToken(t *testing.T) {
	p := NewPresenter(DefaultPresenterConfig())
	raw := goodEstimate(40, 8.0, testStart)

	first := p.Present(raw, 7)
	second := p.Present(raw, 7)
	assert.Equal(t, first, second)
	require.NotNil(t, second.MinutesToFull)
	assert.Equal(t, *first.MinutesToFull, *second.MinutesToFull)
}

func TestPresentQuarantinesOutliers(t *testing.T) {
	p := NewPresenter(DefaultPresenterConfig())
	p.Present(goodEstimate(40, 8.0, testStart), 1)

	// A huge ETA paired with near-zero power is an artifact, not news.
	out := p.Present(goodEstimate(700, 0.8, testStart.Add(time.Minute)), 2)
	assert.True(t, out.Substituted)
	require.NotNil(t, out.MinutesToFull)
	assert.Equal(t, 40, *out.MinutesToFull)
}

func TestPresentSlewLimitsJumps(t *testing.T) {
	cfg := DefaultPresenterConfig()
	p := NewPresenter(cfg)
	p.Present(goodEstimate(40, 8.0, testStart), 1)

	out := p.Present(goodEstimate(200, 8.0, testStart.Add(time.Minute)), 2)
	assert.False(t, out.Substituted)
	require.NotNil(t, out.MinutesToFull)
	assert.Equal(t, 40+cfg.MaxSlewPerTick, *out.MinutesToFull)

	out = p.Present(goodEstimate(10, 8.0, testStart.Add(2*time.Minute)), 3)
	require.NotNil(t, out.MinutesToFull)
	assert.Equal(t, 40+cfg.MaxSlewPerTick-cfg.MaxSlewPerTick, *out.MinutesToFull)
}

func TestResetSessionClearsHistory(t *testing.T) {
	p := NewPresenter(DefaultPresenterConfig())
	p.Present(goodEstimate(40, 8.0, testStart), 1)
	p.ResetSession()

	// No slew against the previous session's value.
	out := p.Present(goodEstimate(200, 8.0, testStart.Add(time.Minute)), 1)
	require.NotNil(t, out.MinutesToFull)
	assert.Equal(t, 200, *out.MinutesToFull)
}
