package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func spaced(start time.Time, gaps ...time.Duration) []time.Time {
	times := []time.Time{start}
	for _, g := range gaps {
		start = start.Add(g)
		times = append(times, start)
	}
	return times
}

func TestAnalyzeTiming(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		times      []time.Time
		minSamples int
		suspicious bool
		tooUniform bool
		tooFast    bool
		tooRegular bool
		meanMs     float64
	}{
		{
			name:       "below minimum sample",
			times:      spaced(base, time.Second, time.Second, time.Second),
			minSamples: 5,
		},
		{
			name:       "empty",
			minSamples: 0,
		},
		{
			name:       "clockwork hourly",
			times:      spaced(base, time.Hour, time.Hour, time.Hour, time.Hour),
			minSamples: 5,
			suspicious: true,
			tooUniform: true,
			tooRegular: true,
			meanMs:     3_600_000,
		},
		{
			name:       "fast but jittery",
			times:      spaced(base, time.Second, 4*time.Second, 2*time.Second, 500*time.Millisecond),
			minSamples: 5,
			suspicious: true,
			tooFast:    true,
			meanMs:     1875,
		},
		{
			name:       "human",
			times:      spaced(base, 7*time.Minute, 42*time.Minute, 3*time.Minute, 95*time.Minute),
			minSamples: 5,
			meanMs:     2_205_000,
		},
		{
			name:       "slightly jittered bot",
			times:      spaced(base, time.Minute, time.Minute+40*time.Millisecond, time.Minute, time.Minute+40*time.Millisecond),
			minSamples: 5,
			suspicious: true,
			tooUniform: true,
			meanMs:     60_020,
		},
		{
			name:       "simultaneous burst",
			times:      spaced(base, 0, 0, 0, 0),
			minSamples: 5,
			suspicious: true,
			tooUniform: true,
			tooFast:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := AnalyzeTiming(tt.times, tt.minSamples)

			assert.Equal(t, len(tt.times), a.SampleSize)
			assert.Equal(t, tt.suspicious, a.Suspicious())
			assert.Equal(t, tt.tooUniform, a.TooUniform, "tooUniform")
			assert.Equal(t, tt.tooFast, a.TooFast, "tooFast")
			assert.Equal(t, tt.tooRegular, a.TooRegular, "tooRegular")
			assert.InDelta(t, tt.meanMs, a.MeanIntervalMs, 0.001)
		})
	}
}

func TestAnalyzeTimingVariance(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Intervals 10s and 20s: mean 15000ms, population variance 25_000_000ms².
	a := AnalyzeTiming(spaced(base, 10*time.Second, 20*time.Second), 3)

	assert.InDelta(t, 15000, a.MeanIntervalMs, 0.001)
	assert.InDelta(t, 25_000_000, a.VarianceMs2, 0.001)
	assert.False(t, a.Suspicious())
}
