package risk

import "time"

// Timing thresholds over inter-arrival intervals, in milliseconds.
const (
	uniformVarianceMs2 = 1000.0
	fastMeanMs         = 5000.0
	regularVarianceMs2 = 100.0
)

// TimingAnalysis holds the inter-arrival statistics of a referrer's recent
// referrals.
type TimingAnalysis struct {
	SampleSize     int
	MeanIntervalMs float64
	VarianceMs2    float64
	TooUniform     bool
	TooFast        bool
	TooRegular     bool
}

// Suspicious reports whether any timing check tripped.
func (a TimingAnalysis) Suspicious() bool {
	return a.TooUniform || a.TooFast || a.TooRegular
}

// AnalyzeTiming computes mean and population variance of the intervals
// between consecutive times, which must be in ascending order. Fewer than
// minSamples times is never suspicious.
func AnalyzeTiming(times []time.Time, minSamples int) TimingAnalysis {
	a := TimingAnalysis{SampleSize: len(times)}
	if len(times) < minSamples || len(times) < 2 {
		return a
	}

	intervals := make([]float64, 0, len(times)-1)
	var sum float64
	for i := 1; i < len(times); i++ {
		d := float64(times[i].Sub(times[i-1])) / float64(time.Millisecond)
		intervals = append(intervals, d)
		sum += d
	}

	mean := sum / float64(len(intervals))
	var sq float64
	for _, d := range intervals {
		sq += (d - mean) * (d - mean)
	}
	variance := sq / float64(len(intervals))

	a.MeanIntervalMs = mean
	a.VarianceMs2 = variance
	a.TooUniform = variance < uniformVarianceMs2
	a.TooFast = mean < fastMeanMs
	a.TooRegular = variance < regularVarianceMs2 && mean > 0
	return a
}
