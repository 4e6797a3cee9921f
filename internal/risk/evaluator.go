// Package risk evaluates referral lifecycle events for abuse signals.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/refguard/internal/domain"
	"github.com/opensource-finance/refguard/internal/metrics"
	"github.com/opensource-finance/refguard/internal/velocity"
)

// ErrInvalidInput is returned for evaluation requests missing required fields.
var ErrInvalidInput = errors.New("risk: invalid input")

var tracer = otel.Tracer("refguard-risk")

// PolicySource resolves the effective fraud policy of an app.
type PolicySource interface {
	Resolve(ctx context.Context, appID string) domain.FraudPolicy
}

// CreationInput describes a referral that has just been created.
// RefereeID, IP, UserAgent and AcceptLanguage are optional.
type CreationInput struct {
	AppID          string
	ReferralCode   string
	ReferrerID     string
	RefereeID      string
	IP             string
	UserAgent      string
	AcceptLanguage string
}

// ConversionInput describes a referral being converted. IP is optional.
type ConversionInput struct {
	AppID        string
	ReferralID   string
	ReferralCode string
	RefereeID    string
	IP           string
}

// Evaluator runs the detectors of both lifecycle paths and writes one flag
// per tripped detector. Detectors run sequentially in a fixed order; a
// failure stops the evaluation but keeps flags already written.
type Evaluator struct {
	history    domain.ReferralHistory
	flags      domain.FlagStore
	policies   PolicySource
	velocity   *velocity.Service
	classifier IPReputationClassifier
	logger     *slog.Logger
	newID      func() string
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClassifier replaces the built-in private-range VPN heuristic.
func WithClassifier(c IPReputationClassifier) Option {
	return func(e *Evaluator) {
		e.classifier = c
	}
}

// WithClock replaces the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Evaluator) {
		e.velocity.WithClock(clock)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) {
		e.logger = l
	}
}

// WithIDGenerator replaces the flag id generator.
func WithIDGenerator(gen func() string) Option {
	return func(e *Evaluator) {
		e.newID = gen
	}
}

// NewEvaluator creates an evaluator reading history and writing flags.
func NewEvaluator(history domain.ReferralHistory, flags domain.FlagStore, policies PolicySource, opts ...Option) *Evaluator {
	e := &Evaluator{
		history:    history,
		flags:      flags,
		policies:   policies,
		velocity:   velocity.NewService(history),
		classifier: PrivateRangeClassifier{},
		logger:     slog.Default(),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// finding is a tripped detector before its flag is written.
type finding struct {
	weight      int
	description string
	evidence    domain.Evidence
}

// evaluation carries the state shared by the detectors of one call.
type evaluation struct {
	appID        string
	referralCode string
	policy       domain.FraudPolicy
	window       velocity.View
	assessment   *domain.RiskAssessment
}

type creationDetector struct {
	name   string
	detect func(ctx context.Context, ev *evaluation, in CreationInput) (*finding, error)
}

// creationDetectors lists the creation-time detectors in evaluation order.
func (e *Evaluator) creationDetectors() []creationDetector {
	return []creationDetector{
		{"self_referral", e.detectSelfReferral},
		{"duplicate_ip", e.detectDuplicateIP},
		{"vpn_proxy", e.detectVPNProxy},
		{"rate_limit", e.detectRateLimit},
		{"velocity", e.detectVelocity},
		{"device_reuse", e.detectDeviceReuse},
		{"timing_pattern", e.detectTimingPattern},
	}
}

// EvaluateCreation assesses a newly created referral. The referral is
// expected to be persisted already, so history counts include it.
func (e *Evaluator) EvaluateCreation(ctx context.Context, in CreationInput) (*domain.RiskAssessment, error) {
	if in.AppID == "" || in.ReferralCode == "" || in.ReferrerID == "" {
		return nil, fmt.Errorf("%w: appId, referralCode and referrerId are required", ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "risk.EvaluateCreation",
		trace.WithAttributes(
			attribute.String("app.id", in.AppID),
			attribute.String("referral.code", in.ReferralCode),
		),
	)
	defer span.End()

	start := time.Now()
	ev := e.begin(ctx, in.AppID, in.ReferralCode)

	for _, d := range e.creationDetectors() {
		f, err := d.detect(ctx, ev, in)
		if err == nil && f != nil {
			err = e.record(ctx, ev, f)
		}
		if err != nil {
			return nil, e.fail(span, "creation", d.name, err)
		}
	}

	e.finish(span, "creation", ev.assessment, start)
	return ev.assessment, nil
}

// EvaluateConversion assesses a referral at conversion time.
func (e *Evaluator) EvaluateConversion(ctx context.Context, in ConversionInput) (*domain.RiskAssessment, error) {
	if in.AppID == "" || in.ReferralID == "" || in.ReferralCode == "" {
		return nil, fmt.Errorf("%w: appId, referralId and referralCode are required", ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "risk.EvaluateConversion",
		trace.WithAttributes(
			attribute.String("app.id", in.AppID),
			attribute.String("referral.id", in.ReferralID),
		),
	)
	defer span.End()

	start := time.Now()

	referral, err := e.history.GetReferral(ctx, in.AppID, in.ReferralID)
	if err != nil {
		return nil, e.fail(span, "conversion", "load_referral", fmt.Errorf("failed to load referral %s: %w", in.ReferralID, err))
	}

	ev := e.begin(ctx, in.AppID, in.ReferralCode)

	detectors := []struct {
		name   string
		detect func(*evaluation, *domain.Referral, ConversionInput) *finding
	}{
		{"impossible_conversion", detectImpossibleConversion},
		{"conversion_ip_match", detectConversionIPMatch},
	}
	for _, d := range detectors {
		f := d.detect(ev, referral, in)
		if f == nil {
			continue
		}
		if err := e.record(ctx, ev, f); err != nil {
			return nil, e.fail(span, "conversion", d.name, err)
		}
	}

	e.finish(span, "conversion", ev.assessment, start)
	return ev.assessment, nil
}

func (e *Evaluator) begin(ctx context.Context, appID, referralCode string) *evaluation {
	return &evaluation{
		appID:        appID,
		referralCode: referralCode,
		policy:       e.policies.Resolve(ctx, appID),
		window:       e.velocity.At(e.velocity.Now()),
		assessment:   domain.NewRiskAssessment(),
	}
}

// record writes the flag for a finding and adds it to the assessment.
func (e *Evaluator) record(ctx context.Context, ev *evaluation, f *finding) error {
	fraudType := f.evidence.FraudType()

	flag := &domain.FraudFlag{
		ID:           e.newID(),
		AppID:        ev.appID,
		ReferralCode: ev.referralCode,
		Type:         fraudType,
		Description:  f.description,
		Evidence:     f.evidence,
		CreatedAt:    ev.window.Now().UTC(),
	}
	if err := e.flags.CreateFlag(ctx, ev.appID, flag); err != nil {
		return fmt.Errorf("failed to write %s flag: %w", fraudType, err)
	}

	ev.assessment.Add(domain.Signal{
		Type:   fraudType,
		Weight: f.weight,
		Reason: f.description,
		FlagID: flag.ID,
	})

	metrics.SignalsTotal.WithLabelValues(string(fraudType)).Inc()
	metrics.FlagsCreatedTotal.WithLabelValues(string(fraudType), "false").Inc()

	e.logger.Info("fraud signal",
		"app_id", ev.appID,
		"referral_code", ev.referralCode,
		"type", fraudType,
		"weight", f.weight,
		"flag_id", flag.ID,
	)
	return nil
}

func (e *Evaluator) fail(span trace.Span, path, detector string, err error) error {
	metrics.DetectorErrorsTotal.WithLabelValues(detector).Inc()
	metrics.EvaluationsTotal.WithLabelValues(path, metrics.Outcome(false, err)).Inc()

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	return fmt.Errorf("%s evaluation aborted at %s: %w", path, detector, err)
}

func (e *Evaluator) finish(span trace.Span, path string, a *domain.RiskAssessment, start time.Time) {
	metrics.EvaluationsTotal.WithLabelValues(path, metrics.Outcome(a.IsFraud, nil)).Inc()
	metrics.EvaluationDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.Int("risk.score", a.RiskScore),
		attribute.Bool("risk.is_fraud", a.IsFraud),
		attribute.Int("risk.signals", len(a.Signals)),
	)
}
