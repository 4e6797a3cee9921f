package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// FraudType is the closed set of signals a flag can record.
type FraudType string

const (
	FraudSelfReferral             FraudType = "SELF_REFERRAL"
	FraudDuplicateIP              FraudType = "DUPLICATE_IP"
	FraudVPNProxy                 FraudType = "VPN_PROXY_DETECTED"
	FraudRateLimitExceeded        FraudType = "RATE_LIMIT_EXCEEDED"
	FraudVelocityCheck            FraudType = "VELOCITY_CHECK"
	FraudDeviceFingerprint        FraudType = "DEVICE_FINGERPRINT"
	FraudSuspiciousPattern        FraudType = "SUSPICIOUS_PATTERN"
	FraudImpossibleConversionTime FraudType = "IMPOSSIBLE_CONVERSION_TIME"
	FraudManualFlag               FraudType = "MANUAL_FLAG"
)

// Valid reports whether t is one of the known fraud types.
func (t FraudType) Valid() bool {
	switch t {
	case FraudSelfReferral, FraudDuplicateIP, FraudVPNProxy, FraudRateLimitExceeded,
		FraudVelocityCheck, FraudDeviceFingerprint, FraudSuspiciousPattern,
		FraudImpossibleConversionTime, FraudManualFlag:
		return true
	}
	return false
}

// FraudFlag is the append-only audit record of one triggered signal or
// manual report. Type, Description and Evidence never change after creation;
// the resolution fields are the only ones that are ever updated.
type FraudFlag struct {
	ID           string     `json:"id"`
	AppID        string     `json:"appId"`
	ReferralCode string     `json:"referralCode"`
	Type         FraudType  `json:"type"`
	Description  string     `json:"description"`
	Evidence     Evidence   `json:"metadata,omitempty"`
	IsManual     bool       `json:"isManual"`
	FlaggedBy    string     `json:"flaggedBy,omitempty"`
	IsResolved   bool       `json:"isResolved"`
	ResolvedBy   string     `json:"resolvedBy,omitempty"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// UnmarshalJSON decodes the metadata field into the evidence variant that
// matches the flag type.
func (f *FraudFlag) UnmarshalJSON(data []byte) error {
	type flagAlias FraudFlag
	aux := struct {
		*flagAlias
		Evidence json.RawMessage `json:"metadata,omitempty"`
	}{flagAlias: (*flagAlias)(f)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	ev, err := DecodeEvidence(f.Type, string(aux.Evidence))
	if err != nil {
		return err
	}
	f.Evidence = ev
	return nil
}

// Evidence carries the detector-specific facts behind a flag.
// Each fraud type has exactly one concrete evidence type.
type Evidence interface {
	FraudType() FraudType
}

// SelfReferralEvidence records a referrer referring themselves.
type SelfReferralEvidence struct {
	ReferrerID string `json:"referrerId"`
	RefereeID  string `json:"refereeId"`
}

// DuplicateIPEvidence is produced at creation time (count over a window) and
// at conversion time (converting IP equals the referral's origin IP).
type DuplicateIPEvidence struct {
	IPAddress    string `json:"ipAddress"`
	Count        int64  `json:"count,omitempty"`
	Threshold    int    `json:"threshold,omitempty"`
	WindowHours  int    `json:"windowHours,omitempty"`
	AtConversion bool   `json:"atConversion,omitempty"`
	ReferralID   string `json:"referralId,omitempty"`
}

// VPNProxyEvidence records the classifier verdict for an IP.
type VPNProxyEvidence struct {
	IPAddress  string `json:"ipAddress"`
	Classifier string `json:"classifier"`
}

// RateLimitEvidence records referral volume by one referrer.
type RateLimitEvidence struct {
	ReferrerID  string `json:"referrerId"`
	Count       int64  `json:"count"`
	Max         int    `json:"max"`
	WindowHours int    `json:"windowHours"`
}

// VelocityEvidence records conversions by one referrer in the trailing hour.
type VelocityEvidence struct {
	ReferrerID          string `json:"referrerId"`
	ConversionsLastHour int64  `json:"conversionsLastHour"`
	Threshold           int    `json:"threshold"`
}

// DeviceFingerprintEvidence records reuse of one device fingerprint.
type DeviceFingerprintEvidence struct {
	Fingerprint string `json:"fingerprint"`
	Count       int64  `json:"count"`
	Threshold   int    `json:"threshold"`
}

// SuspiciousPatternEvidence records the inter-arrival statistics.
type SuspiciousPatternEvidence struct {
	ReferrerID     string  `json:"referrerId"`
	SampleSize     int     `json:"sampleSize"`
	MeanIntervalMs float64 `json:"meanIntervalMs"`
	VarianceMs2    float64 `json:"varianceMs2"`
	TooUniform     bool    `json:"tooUniform"`
	TooFast        bool    `json:"tooFast"`
	TooRegular     bool    `json:"tooRegular"`
}

// ImpossibleConversionEvidence records a conversion faster than any human.
type ImpossibleConversionEvidence struct {
	ReferralID string `json:"referralId"`
	ElapsedMs  int64  `json:"elapsedMs"`
	FloorMs    int64  `json:"floorMs"`
}

// ManualFlagEvidence records who raised a manual flag.
type ManualFlagEvidence struct {
	FlaggedBy string `json:"flaggedBy"`
}

func (SelfReferralEvidence) FraudType() FraudType         { return FraudSelfReferral }
func (DuplicateIPEvidence) FraudType() FraudType          { return FraudDuplicateIP }
func (VPNProxyEvidence) FraudType() FraudType             { return FraudVPNProxy }
func (RateLimitEvidence) FraudType() FraudType            { return FraudRateLimitExceeded }
func (VelocityEvidence) FraudType() FraudType             { return FraudVelocityCheck }
func (DeviceFingerprintEvidence) FraudType() FraudType    { return FraudDeviceFingerprint }
func (SuspiciousPatternEvidence) FraudType() FraudType    { return FraudSuspiciousPattern }
func (ImpossibleConversionEvidence) FraudType() FraudType { return FraudImpossibleConversionTime }
func (ManualFlagEvidence) FraudType() FraudType           { return FraudManualFlag }

// EncodeEvidence serializes evidence for storage. Nil evidence encodes as "".
func EncodeEvidence(e Evidence) (string, error) {
	if e == nil {
		return "", nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s evidence: %w", e.FraudType(), err)
	}
	return string(data), nil
}

// DecodeEvidence restores the evidence variant that belongs to t.
func DecodeEvidence(t FraudType, raw string) (Evidence, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}

	var (
		e   Evidence
		err error
	)
	switch t {
	case FraudSelfReferral:
		var v SelfReferralEvidence
		err = json.Unmarshal([]byte(raw), &v)
		e = v
	case FraudDuplicateIP:
		var v DuplicateIPEvidence
		err = json.Unmarshal([]byte(raw), &v)
		e = v
	case FraudVPNProxy:
		var v VPNProxyEvidence
		err = json.Unmarshal([]byte(raw), &v)
		e = v
	case FraudRateLimitExceeded:
		var v RateLimitEvidence
		err = json.Unmarshal([]byte(raw), &v)
		e = v
	case FraudVelocityCheck:
		var v VelocityEvidence
		err = json.Unmarshal([]byte(raw), &v)
		e = v
	case FraudDeviceFingerprint:
		var v DeviceFingerprintEvidence
		err = json.Unmarshal([]byte(raw), &v)
		e = v
	case FraudSuspiciousPattern:
		var v SuspiciousPatternEvidence
		err = json.Unmarshal([]byte(raw), &v)
		e = v
	case FraudImpossibleConversionTime:
		var v ImpossibleConversionEvidence
		err = json.Unmarshal([]byte(raw), &v)
		e = v
	case FraudManualFlag:
		var v ManualFlagEvidence
		err = json.Unmarshal([]byte(raw), &v)
		e = v
	default:
		return nil, fmt.Errorf("unknown fraud type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s evidence: %w", t, err)
	}
	return e, nil
}
