// Package domain defines the core interfaces and types for Refguard.
package domain

import (
	"context"
	"time"
)

// ReferralHistory is the read side of referral storage used by detectors.
// All methods require appID; referrals are scoped to an app through their
// campaign.
type ReferralHistory interface {
	GetReferral(ctx context.Context, appID string, referralID string) (*Referral, error)

	CountReferralsByIP(ctx context.Context, appID string, ip string, since time.Time) (int64, error)
	CountReferralsByReferrer(ctx context.Context, appID string, referrerID string, since time.Time) (int64, error)
	CountConversionsByReferrer(ctx context.Context, appID string, referrerID string, since time.Time) (int64, error)
	CountReferralsByFingerprint(ctx context.Context, appID string, fingerprint string, since time.Time) (int64, error)

	// RecentReferralTimes returns the creation times of the referrer's most
	// recent referrals since the given time, oldest first, at most limit.
	RecentReferralTimes(ctx context.Context, appID string, referrerID string, since time.Time, limit int) ([]time.Time, error)
}

// FlagStore persists fraud flags. Flags are never deleted; ResolveFlag is
// the only mutation.
type FlagStore interface {
	CreateFlag(ctx context.Context, appID string, flag *FraudFlag) error
	GetFlag(ctx context.Context, appID string, flagID string) (*FraudFlag, error)
	ListFlags(ctx context.Context, appID string, resolved bool) ([]*FraudFlag, error)
	ResolveFlag(ctx context.Context, appID string, flagID string, resolvedBy string, at time.Time) (*FraudFlag, error)
}

// AppConfigStore exposes the raw per-app fraud configuration override.
// An empty string means the app has no override.
type AppConfigStore interface {
	GetFraudConfigJSON(ctx context.Context, appID string) (string, error)
}

// AdminDirectory lists platform administrators.
type AdminDirectory interface {
	ListActiveAdmins(ctx context.Context) ([]*Admin, error)
}

// NotificationStore is the durable inbox notifications are delivered to.
type NotificationStore interface {
	SaveNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error)
}

// Repository is the complete persistence surface of the service.
type Repository interface {
	ReferralHistory
	FlagStore
	AppConfigStore
	AdminDirectory
	NotificationStore

	// Host-side writes.
	SaveApp(ctx context.Context, app *App) error
	SaveCampaign(ctx context.Context, appID string, campaign *Campaign) error
	GetCampaign(ctx context.Context, appID string, campaignID string) (*Campaign, error)
	SaveReferral(ctx context.Context, appID string, referral *Referral) error
	MarkConverted(ctx context.Context, appID string, referralID string, refereeID string, at time.Time) error
	SaveAdmin(ctx context.Context, admin *Admin) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}
