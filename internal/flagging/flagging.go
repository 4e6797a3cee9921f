// Package flagging implements the human side of fraud flags: manual
// reports with admin notification, listing and resolution.
package flagging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/refguard/internal/domain"
	"github.com/opensource-finance/refguard/internal/metrics"
)

// DefaultManualDescription is used when a manual flag has no description.
const DefaultManualDescription = "Manually flagged by partner"

// ErrInvalidInput is returned for requests missing required fields.
var ErrInvalidInput = errors.New("flagging: invalid input")

// Service creates, lists and resolves fraud flags on behalf of people.
type Service struct {
	flags    domain.FlagStore
	admins   domain.AdminDirectory
	notifier domain.Notifier
	cfg      domain.NotificationConfig
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithNotificationConfig sets the fan-out limits.
func WithNotificationConfig(cfg domain.NotificationConfig) Option {
	return func(s *Service) {
		s.cfg = cfg
	}
}

// NewService creates a flagging service.
func NewService(flags domain.FlagStore, admins domain.AdminDirectory, notifier domain.Notifier, opts ...Option) *Service {
	s := &Service{
		flags:    flags,
		admins:   admins,
		notifier: notifier,
		cfg: domain.NotificationConfig{
			MaxConcurrent: 4,
			SendTimeout:   5 * time.Second,
		},
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.MaxConcurrent <= 0 {
		s.cfg.MaxConcurrent = 1
	}
	return s
}

// CreateManualFlag records a MANUAL_FLAG for a referral and then notifies
// every active admin. Notification failures never fail the call.
func (s *Service) CreateManualFlag(ctx context.Context, appID, referralCode, flaggedBy, description string) (*domain.FraudFlag, error) {
	if appID == "" || referralCode == "" || flaggedBy == "" {
		return nil, fmt.Errorf("%w: appId, referralCode and flaggedBy are required", ErrInvalidInput)
	}
	if description == "" {
		description = DefaultManualDescription
	}

	flag := &domain.FraudFlag{
		ID:           s.newID(),
		AppID:        appID,
		ReferralCode: referralCode,
		Type:         domain.FraudManualFlag,
		Description:  description,
		Evidence:     domain.ManualFlagEvidence{FlaggedBy: flaggedBy},
		IsManual:     true,
		FlaggedBy:    flaggedBy,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.flags.CreateFlag(ctx, appID, flag); err != nil {
		return nil, fmt.Errorf("failed to create manual flag: %w", err)
	}

	metrics.FlagsCreatedTotal.WithLabelValues(string(domain.FraudManualFlag), "true").Inc()
	s.logger.Info("manual flag created",
		"app_id", appID,
		"referral_code", referralCode,
		"flag_id", flag.ID,
		"flagged_by", flaggedBy,
	)

	// The flag is durable; the fan-out must not depend on the caller staying.
	s.notifyAdmins(context.WithoutCancel(ctx), flag)

	return flag, nil
}

// notifyAdmins sends one notification per active admin with at most
// MaxConcurrent sends in flight and returns the number delivered.
func (s *Service) notifyAdmins(ctx context.Context, flag *domain.FraudFlag) int {
	admins, err := s.admins.ListActiveAdmins(ctx)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		s.logger.Error("failed to list admins for notification",
			"flag_id", flag.ID,
			"error", err,
		)
		return 0
	}

	var wg sync.WaitGroup
	var sent atomic.Int32
	sem := make(chan struct{}, s.cfg.MaxConcurrent)

	for _, admin := range admins {
		wg.Add(1)
		go func(admin *domain.Admin) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if err := s.send(ctx, admin, flag); err != nil {
				metrics.NotificationsTotal.WithLabelValues("error").Inc()
				s.logger.Error("admin notification failed",
					"flag_id", flag.ID,
					"admin_id", admin.ID,
					"error", err,
				)
				return
			}
			metrics.NotificationsTotal.WithLabelValues("sent").Inc()
			sent.Add(1)
		}(admin)
	}
	wg.Wait()

	s.logger.Info("admins notified",
		"flag_id", flag.ID,
		"sent", sent.Load(),
		"admins", len(admins),
	)
	return int(sent.Load())
}

func (s *Service) send(ctx context.Context, admin *domain.Admin, flag *domain.FraudFlag) error {
	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}

	return s.notifier.Notify(ctx, &domain.Notification{
		UserID:  admin.ID,
		Title:   "Referral manually flagged",
		Message: fmt.Sprintf("Referral %s in app %s was flagged by %s: %s", flag.ReferralCode, flag.AppID, flag.FlaggedBy, flag.Description),
		Metadata: map[string]string{
			"flagId":       flag.ID,
			"appId":        flag.AppID,
			"referralCode": flag.ReferralCode,
			"flaggedBy":    flag.FlaggedBy,
		},
	})
}

// ListFlags returns an app's flags in the given resolution state, newest
// first.
func (s *Service) ListFlags(ctx context.Context, appID string, resolved bool) ([]*domain.FraudFlag, error) {
	if appID == "" {
		return nil, fmt.Errorf("%w: appId is required", ErrInvalidInput)
	}
	return s.flags.ListFlags(ctx, appID, resolved)
}

// GetFlag returns a single flag.
func (s *Service) GetFlag(ctx context.Context, appID, flagID string) (*domain.FraudFlag, error) {
	if appID == "" || flagID == "" {
		return nil, fmt.Errorf("%w: appId and flagId are required", ErrInvalidInput)
	}
	return s.flags.GetFlag(ctx, appID, flagID)
}

// ResolveFlag marks a flag resolved by the given user. Resolving twice
// re-stamps the resolver and is not an error.
func (s *Service) ResolveFlag(ctx context.Context, appID, flagID, resolvedBy string) (*domain.FraudFlag, error) {
	if appID == "" || flagID == "" || resolvedBy == "" {
		return nil, fmt.Errorf("%w: appId, flagId and resolvedBy are required", ErrInvalidInput)
	}

	flag, err := s.flags.ResolveFlag(ctx, appID, flagID, resolvedBy, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve flag %s: %w", flagID, err)
	}

	metrics.FlagsResolvedTotal.Inc()
	s.logger.Info("flag resolved",
		"app_id", appID,
		"flag_id", flagID,
		"resolved_by", resolvedBy,
	)
	return flag, nil
}
