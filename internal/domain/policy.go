package domain

import "time"

// FraudConfig is the optional, partial per-app override of the fraud policy.
// Nil fields keep the default value.
type FraudConfig struct {
	RateLimitWindowHours    *int  `json:"rateLimitWindowHours,omitempty"`
	RateLimitMax            *int  `json:"rateLimitMax,omitempty"`
	DuplicateIPThreshold    *int  `json:"duplicateIpThreshold,omitempty"`
	DuplicateIPWindowHours  *int  `json:"duplicateIpWindowHours,omitempty"`
	VelocityThreshold       *int  `json:"velocityThreshold,omitempty"`
	PatternMinSamples       *int  `json:"patternMinSamples,omitempty"`
	EnableDeviceFingerprint *bool `json:"enableDeviceFingerprint,omitempty"`
	EnableVPNDetection      *bool `json:"enableVpnDetection,omitempty"`
}

// FraudPolicy is the effective, fully-resolved fraud configuration of an app.
type FraudPolicy struct {
	RateLimitWindowHours    int  `json:"rateLimitWindowHours"`
	RateLimitMax            int  `json:"rateLimitMax"`
	DuplicateIPThreshold    int  `json:"duplicateIpThreshold"`
	DuplicateIPWindowHours  int  `json:"duplicateIpWindowHours"`
	VelocityThreshold       int  `json:"velocityThreshold"`
	PatternMinSamples       int  `json:"patternMinSamples"`
	EnableDeviceFingerprint bool `json:"enableDeviceFingerprint"`
	EnableVPNDetection      bool `json:"enableVpnDetection"`
}

// DefaultFraudPolicy returns the engine defaults.
func DefaultFraudPolicy() FraudPolicy {
	return FraudPolicy{
		RateLimitWindowHours:    1,
		RateLimitMax:            10,
		DuplicateIPThreshold:    5,
		DuplicateIPWindowHours:  24,
		VelocityThreshold:       20,
		PatternMinSamples:       5,
		EnableDeviceFingerprint: true,
		EnableVPNDetection:      true,
	}
}

// Merge overlays the set fields of cfg onto p, field by field.
func (p FraudPolicy) Merge(cfg *FraudConfig) FraudPolicy {
	if cfg == nil {
		return p
	}
	if cfg.RateLimitWindowHours != nil {
		p.RateLimitWindowHours = *cfg.RateLimitWindowHours
	}
	if cfg.RateLimitMax != nil {
		p.RateLimitMax = *cfg.RateLimitMax
	}
	if cfg.DuplicateIPThreshold != nil {
		p.DuplicateIPThreshold = *cfg.DuplicateIPThreshold
	}
	if cfg.DuplicateIPWindowHours != nil {
		p.DuplicateIPWindowHours = *cfg.DuplicateIPWindowHours
	}
	if cfg.VelocityThreshold != nil {
		p.VelocityThreshold = *cfg.VelocityThreshold
	}
	if cfg.PatternMinSamples != nil {
		p.PatternMinSamples = *cfg.PatternMinSamples
	}
	if cfg.EnableDeviceFingerprint != nil {
		p.EnableDeviceFingerprint = *cfg.EnableDeviceFingerprint
	}
	if cfg.EnableVPNDetection != nil {
		p.EnableVPNDetection = *cfg.EnableVPNDetection
	}
	return p
}

// RateLimitWindow returns the rate-limit lookback as a duration.
func (p FraudPolicy) RateLimitWindow() time.Duration {
	return time.Duration(p.RateLimitWindowHours) * time.Hour
}

// DuplicateIPWindow returns the duplicate-IP lookback as a duration.
func (p FraudPolicy) DuplicateIPWindow() time.Duration {
	return time.Duration(p.DuplicateIPWindowHours) * time.Hour
}
