package domain

import (
	"errors"
	"time"
)

// ReferralStatus is the lifecycle state of a referral.
type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "PENDING"
	ReferralClicked   ReferralStatus = "CLICKED"
	ReferralConverted ReferralStatus = "CONVERTED"
	ReferralFlagged   ReferralStatus = "FLAGGED"
	ReferralRejected  ReferralStatus = "REJECTED"
)

// Referral is a referral record owned by the host platform.
// The engine only reads it.
type Referral struct {
	ID                string         `json:"id"`
	CampaignID        string         `json:"campaignId"`
	ReferrerID        string         `json:"referrerId"`
	RefereeID         string         `json:"refereeId,omitempty"`
	Code              string         `json:"code"`
	Status            ReferralStatus `json:"status"`
	IPAddress         string         `json:"ipAddress,omitempty"`
	DeviceFingerprint string         `json:"deviceFingerprint,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	ConvertedAt       *time.Time     `json:"convertedAt,omitempty"`
	RewardAmount      *float64       `json:"rewardAmount,omitempty"`
}

// Validate checks the lifecycle invariant of a referral.
func (r *Referral) Validate() error {
	if r.CreatedAt.IsZero() {
		return errors.New("referral createdAt is required")
	}
	if r.Status == ReferralConverted {
		if r.ConvertedAt == nil {
			return errors.New("converted referral requires convertedAt")
		}
		if r.ConvertedAt.Before(r.CreatedAt) {
			return errors.New("convertedAt precedes createdAt")
		}
	}
	return nil
}

// Campaign groups referrals and belongs to exactly one app.
type Campaign struct {
	ID        string    `json:"id"`
	AppID     string    `json:"appId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// App is a tenant of the referral platform.
// FraudConfig holds the raw, optional JSON override of the fraud policy.
type App struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	FraudConfig string    `json:"fraudConfig,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Admin is a platform administrator account.
type Admin struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	IsActive bool   `json:"isActive"`
}
