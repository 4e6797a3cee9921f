// Package velocity provides windowed referral counts for fraud detectors.
package velocity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/refguard/internal/domain"
)

// ErrMissingKey is returned when a count is requested without an app or subject.
var ErrMissingKey = errors.New("velocity: appID and subject are required")

// Service counts referral activity over trailing windows.
type Service struct {
	history domain.ReferralHistory
	clock   func() time.Time
}

// NewService creates a new velocity service over history.
func NewService(history domain.ReferralHistory) *Service {
	return &Service{
		history: history,
		clock:   time.Now,
	}
}

// WithClock replaces the wall clock, mainly for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Now returns the service's current time.
func (s *Service) Now() time.Time {
	return s.clock()
}

// At returns a view whose windows all end at now, so one evaluation sees
// a consistent set of windows.
func (s *Service) At(now time.Time) View {
	return View{history: s.history, now: now}
}

// View anchors every trailing window at a single instant.
type View struct {
	history domain.ReferralHistory
	now     time.Time
}

// Now returns the anchor instant.
func (v View) Now() time.Time {
	return v.now
}

// ReferralsByIP counts the app's referrals from ip within window.
func (v View) ReferralsByIP(ctx context.Context, appID, ip string, window time.Duration) (int64, error) {
	if appID == "" || ip == "" {
		return 0, ErrMissingKey
	}
	count, err := v.history.CountReferralsByIP(ctx, appID, ip, v.now.Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to count referrals by ip: %w", err)
	}
	return count, nil
}

// ReferralsByReferrer counts referrals made by referrerID within window.
func (v View) ReferralsByReferrer(ctx context.Context, appID, referrerID string, window time.Duration) (int64, error) {
	if appID == "" || referrerID == "" {
		return 0, ErrMissingKey
	}
	count, err := v.history.CountReferralsByReferrer(ctx, appID, referrerID, v.now.Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to count referrals by referrer: %w", err)
	}
	return count, nil
}

// ConversionsByReferrer counts referrerID's conversions within window.
func (v View) ConversionsByReferrer(ctx context.Context, appID, referrerID string, window time.Duration) (int64, error) {
	if appID == "" || referrerID == "" {
		return 0, ErrMissingKey
	}
	count, err := v.history.CountConversionsByReferrer(ctx, appID, referrerID, v.now.Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to count conversions by referrer: %w", err)
	}
	return count, nil
}

// ReferralsByFingerprint counts the app's referrals sharing a device
// fingerprint within window.
func (v View) ReferralsByFingerprint(ctx context.Context, appID, fingerprint string, window time.Duration) (int64, error) {
	if appID == "" || fingerprint == "" {
		return 0, ErrMissingKey
	}
	count, err := v.history.CountReferralsByFingerprint(ctx, appID, fingerprint, v.now.Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to count referrals by fingerprint: %w", err)
	}
	return count, nil
}

// ArrivalTimes returns the creation times of referrerID's latest referrals
// within window, oldest first, at most limit.
func (v View) ArrivalTimes(ctx context.Context, appID, referrerID string, window time.Duration, limit int) ([]time.Time, error) {
	if appID == "" || referrerID == "" {
		return nil, ErrMissingKey
	}
	times, err := v.history.RecentReferralTimes(ctx, appID, referrerID, v.now.Add(-window), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load referral times: %w", err)
	}
	return times, nil
}
