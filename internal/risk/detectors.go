package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/refguard/internal/domain"
	"github.com/opensource-finance/refguard/internal/fingerprint"
)

// Detector weights.
const (
	WeightSelfReferral         = 50
	WeightDuplicateIP          = 30
	WeightVPNProxy             = 20
	WeightRateLimit            = 40
	WeightVelocity             = 35
	WeightDeviceReuse          = 25
	WeightSuspiciousPattern    = 30
	WeightImpossibleConversion = 100
	WeightConversionIPMatch    = 60
)

// Fixed detector parameters.
const (
	VelocityWindow       = time.Hour
	DeviceReuseThreshold = 10
	DeviceReuseWindow    = 24 * time.Hour
	PatternWindow        = 24 * time.Hour
	PatternMaxSamples    = 20
	MinConversionTime    = 5 * time.Second
)

func (e *Evaluator) detectSelfReferral(_ context.Context, _ *evaluation, in CreationInput) (*finding, error) {
	if in.RefereeID == "" || in.ReferrerID != in.RefereeID {
		return nil, nil
	}
	return &finding{
		weight:      WeightSelfReferral,
		description: "Self-referral: referrer and referee are the same user",
		evidence: domain.SelfReferralEvidence{
			ReferrerID: in.ReferrerID,
			RefereeID:  in.RefereeID,
		},
	}, nil
}

func (e *Evaluator) detectDuplicateIP(ctx context.Context, ev *evaluation, in CreationInput) (*finding, error) {
	if in.IP == "" {
		return nil, nil
	}

	count, err := ev.window.ReferralsByIP(ctx, ev.appID, in.IP, ev.policy.DuplicateIPWindow())
	if err != nil {
		return nil, err
	}
	if count < int64(ev.policy.DuplicateIPThreshold) {
		return nil, nil
	}

	desc := fmt.Sprintf("IP address %s used for %d referrals in the last %d hours",
		in.IP, count, ev.policy.DuplicateIPWindowHours)

	return &finding{
		weight:      WeightDuplicateIP,
		description: desc,
		evidence: domain.DuplicateIPEvidence{
			IPAddress:   in.IP,
			Count:       count,
			Threshold:   ev.policy.DuplicateIPThreshold,
			WindowHours: ev.policy.DuplicateIPWindowHours,
		},
	}, nil
}

func (e *Evaluator) detectVPNProxy(ctx context.Context, ev *evaluation, in CreationInput) (*finding, error) {
	if in.IP == "" || !ev.policy.EnableVPNDetection {
		return nil, nil
	}

	anonymized, err := e.classifier.IsAnonymized(ctx, in.IP)
	if err != nil {
		return nil, fmt.Errorf("classifier %s: %w", e.classifier.Name(), err)
	}
	if !anonymized {
		return nil, nil
	}

	return &finding{
		weight:      WeightVPNProxy,
		description: fmt.Sprintf("IP address %s looks like VPN or proxy traffic", in.IP),
		evidence: domain.VPNProxyEvidence{
			IPAddress:  in.IP,
			Classifier: e.classifier.Name(),
		},
	}, nil
}

func (e *Evaluator) detectRateLimit(ctx context.Context, ev *evaluation, in CreationInput) (*finding, error) {
	count, err := ev.window.ReferralsByReferrer(ctx, ev.appID, in.ReferrerID, ev.policy.RateLimitWindow())
	if err != nil {
		return nil, err
	}
	if count < int64(ev.policy.RateLimitMax) {
		return nil, nil
	}

	desc := fmt.Sprintf("Referrer created %d referrals in the last %d hours (max %d)",
		count, ev.policy.RateLimitWindowHours, ev.policy.RateLimitMax)

	return &finding{
		weight:      WeightRateLimit,
		description: desc,
		evidence: domain.RateLimitEvidence{
			ReferrerID:  in.ReferrerID,
			Count:       count,
			Max:         ev.policy.RateLimitMax,
			WindowHours: ev.policy.RateLimitWindowHours,
		},
	}, nil
}

func (e *Evaluator) detectVelocity(ctx context.Context, ev *evaluation, in CreationInput) (*finding, error) {
	if in.RefereeID == "" {
		return nil, nil
	}

	count, err := ev.window.ConversionsByReferrer(ctx, ev.appID, in.ReferrerID, VelocityWindow)
	if err != nil {
		return nil, err
	}
	if count < int64(ev.policy.VelocityThreshold) {
		return nil, nil
	}

	return &finding{
		weight:      WeightVelocity,
		description: fmt.Sprintf("Referrer has %d conversions in the last hour", count),
		evidence: domain.VelocityEvidence{
			ReferrerID:          in.ReferrerID,
			ConversionsLastHour: count,
			Threshold:           ev.policy.VelocityThreshold,
		},
	}, nil
}

func (e *Evaluator) detectDeviceReuse(ctx context.Context, ev *evaluation, in CreationInput) (*finding, error) {
	if !ev.policy.EnableDeviceFingerprint {
		return nil, nil
	}
	// Without any client signal every request hashes to the same value.
	if in.UserAgent == "" && in.IP == "" && in.AcceptLanguage == "" {
		return nil, nil
	}

	fp := fingerprint.Compute(in.UserAgent, in.IP, in.AcceptLanguage)
	count, err := ev.window.ReferralsByFingerprint(ctx, ev.appID, fp, DeviceReuseWindow)
	if err != nil {
		return nil, err
	}
	if count < DeviceReuseThreshold {
		return nil, nil
	}

	return &finding{
		weight:      WeightDeviceReuse,
		description: fmt.Sprintf("Device fingerprint shared by %d referrals in the last 24 hours", count),
		evidence: domain.DeviceFingerprintEvidence{
			Fingerprint: fp,
			Count:       count,
			Threshold:   DeviceReuseThreshold,
		},
	}, nil
}

func (e *Evaluator) detectTimingPattern(ctx context.Context, ev *evaluation, in CreationInput) (*finding, error) {
	times, err := ev.window.ArrivalTimes(ctx, ev.appID, in.ReferrerID, PatternWindow, PatternMaxSamples)
	if err != nil {
		return nil, err
	}

	a := AnalyzeTiming(times, ev.policy.PatternMinSamples)
	if !a.Suspicious() {
		return nil, nil
	}

	return &finding{
		weight:      WeightSuspiciousPattern,
		description: "Suspicious referral timing pattern detected",
		evidence: domain.SuspiciousPatternEvidence{
			ReferrerID:     in.ReferrerID,
			SampleSize:     a.SampleSize,
			MeanIntervalMs: a.MeanIntervalMs,
			VarianceMs2:    a.VarianceMs2,
			TooUniform:     a.TooUniform,
			TooFast:        a.TooFast,
			TooRegular:     a.TooRegular,
		},
	}, nil
}

func detectImpossibleConversion(ev *evaluation, ref *domain.Referral, _ ConversionInput) *finding {
	elapsed := ev.window.Now().Sub(ref.CreatedAt)
	if elapsed >= MinConversionTime {
		return nil
	}

	return &finding{
		weight:      WeightImpossibleConversion,
		description: fmt.Sprintf("Conversion %s after referral creation is faster than humanly possible", elapsed.Round(time.Millisecond)),
		evidence: domain.ImpossibleConversionEvidence{
			ReferralID: ref.ID,
			ElapsedMs:  elapsed.Milliseconds(),
			FloorMs:    MinConversionTime.Milliseconds(),
		},
	}
}

func detectConversionIPMatch(_ *evaluation, ref *domain.Referral, in ConversionInput) *finding {
	if in.IP == "" || in.IP != ref.IPAddress || ref.ReferrerID == in.RefereeID {
		return nil
	}

	return &finding{
		weight:      WeightConversionIPMatch,
		description: fmt.Sprintf("Conversion from the referral's origin IP address %s", in.IP),
		evidence: domain.DuplicateIPEvidence{
			IPAddress:    in.IP,
			AtConversion: true,
			ReferralID:   ref.ID,
		},
	}
}
