package domain

// Signal is one triggered detector within an assessment.
type Signal struct {
	Type   FraudType `json:"type"`
	Weight int       `json:"weight"`
	Reason string    `json:"reason"`
	FlagID string    `json:"flagId,omitempty"`
}

// MaxRiskScore caps the summed detector weights.
const MaxRiskScore = 100

// FraudScoreThreshold is the score at which an assessment is fraudulent
// even without reasons. Any reason already makes it fraudulent.
const FraudScoreThreshold = 50

// RiskAssessment is the transient outcome of one evaluation.
type RiskAssessment struct {
	Reasons   []string `json:"reasons"`
	RiskScore int      `json:"riskScore"`
	IsFraud   bool     `json:"isFraud"`
	Signals   []Signal `json:"signals,omitempty"`
}

// NewRiskAssessment returns an empty assessment.
func NewRiskAssessment() *RiskAssessment {
	return &RiskAssessment{Reasons: []string{}}
}

// Add records a triggered signal and recomputes score and verdict.
func (a *RiskAssessment) Add(s Signal) {
	a.Signals = append(a.Signals, s)
	a.Reasons = append(a.Reasons, s.Reason)

	a.RiskScore += s.Weight
	if a.RiskScore > MaxRiskScore {
		a.RiskScore = MaxRiskScore
	}
	if a.RiskScore < 0 {
		a.RiskScore = 0
	}
	a.IsFraud = len(a.Reasons) > 0 || a.RiskScore >= FraudScoreThreshold
}

// Has reports whether a signal of type t was recorded.
func (a *RiskAssessment) Has(t FraudType) bool {
	for _, s := range a.Signals {
		if s.Type == t {
			return true
		}
	}
	return false
}

// FlagIDs returns the ids of flags persisted during the evaluation.
func (a *RiskAssessment) FlagIDs() []string {
	ids := make([]string, 0, len(a.Signals))
	for _, s := range a.Signals {
		if s.FlagID != "" {
			ids = append(ids, s.FlagID)
		}
	}
	return ids
}
