// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/refguard/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Apps, campaigns and admins
// ----------------------------------------------------------------------------

// SaveApp creates or updates an app and its raw fraud configuration.
func (r *SQLRepository) SaveApp(ctx context.Context, app *domain.App) error {
	if app == nil || app.ID == "" {
		return fmt.Errorf("%w: app id is required", ErrInvalidInput)
	}

	createdAt := app.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO apps (id, name, fraud_config, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			fraud_config = excluded.fraud_config
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		app.ID, app.Name, nullString(app.FraudConfig), createdAt.UTC(),
	)
	return err
}

// GetFraudConfigJSON returns the raw fraud configuration of an app.
// Apps without an override, and unknown apps, yield "".
func (r *SQLRepository) GetFraudConfigJSON(ctx context.Context, appID string) (string, error) {
	if appID == "" {
		return "", fmt.Errorf("%w: appID is required", ErrInvalidInput)
	}

	var raw sql.NullString
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT fraud_config FROM apps WHERE id = ?`), appID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return raw.String, nil
}

// SaveCampaign stores a campaign under an app.
func (r *SQLRepository) SaveCampaign(ctx context.Context, appID string, campaign *domain.Campaign) error {
	if appID == "" {
		return fmt.Errorf("%w: appID is required", ErrInvalidInput)
	}
	if campaign == nil || campaign.ID == "" {
		return fmt.Errorf("%w: campaign id is required", ErrInvalidInput)
	}

	createdAt := campaign.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `INSERT INTO campaigns (id, app_id, name, created_at) VALUES (?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, r.rebind(query), campaign.ID, appID, campaign.Name, createdAt.UTC())
	return err
}

// GetCampaign retrieves a campaign with app isolation.
func (r *SQLRepository) GetCampaign(ctx context.Context, appID string, campaignID string) (*domain.Campaign, error) {
	if appID == "" {
		return nil, fmt.Errorf("%w: appID is required", ErrInvalidInput)
	}

	query := `SELECT id, app_id, name, created_at FROM campaigns WHERE app_id = ? AND id = ?`

	var c domain.Campaign
	err := r.db.QueryRowContext(ctx, r.rebind(query), appID, campaignID).Scan(&c.ID, &c.AppID, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveAdmin creates or updates an administrator account.
func (r *SQLRepository) SaveAdmin(ctx context.Context, admin *domain.Admin) error {
	if admin == nil || admin.ID == "" {
		return fmt.Errorf("%w: admin id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO admins (id, email, is_active) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			is_active = excluded.is_active
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), admin.ID, admin.Email, boolInt(admin.IsActive))
	return err
}

// ListActiveAdmins returns all active administrators.
func (r *SQLRepository) ListActiveAdmins(ctx context.Context) ([]*domain.Admin, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT id, email, is_active FROM admins WHERE is_active = 1 ORDER BY id`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var admins []*domain.Admin
	for rows.Next() {
		var a domain.Admin
		var active int
		if err := rows.Scan(&a.ID, &a.Email, &active); err != nil {
			return nil, err
		}
		a.IsActive = active == 1
		admins = append(admins, &a)
	}
	return admins, rows.Err()
}

// ----------------------------------------------------------------------------
// Referrals
// ----------------------------------------------------------------------------

// SaveReferral stores a referral. The campaign must belong to appID.
func (r *SQLRepository) SaveReferral(ctx context.Context, appID string, ref *domain.Referral) error {
	if appID == "" {
		return fmt.Errorf("%w: appID is required", ErrInvalidInput)
	}
	if ref == nil || ref.ID == "" || ref.CampaignID == "" || ref.ReferrerID == "" || ref.Code == "" {
		return fmt.Errorf("%w: referral id, campaign, referrer and code are required", ErrInvalidInput)
	}
	if ref.Status == "" {
		ref.Status = domain.ReferralPending
	}
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := r.GetCampaign(ctx, appID, ref.CampaignID); err != nil {
		return err
	}

	var convertedAt any
	if ref.ConvertedAt != nil {
		convertedAt = ref.ConvertedAt.UTC()
	}
	var reward any
	if ref.RewardAmount != nil {
		reward = *ref.RewardAmount
	}

	query := `
		INSERT INTO referrals (
			id, campaign_id, referrer_id, referee_id, code, status,
			ip_address, device_fingerprint, created_at, converted_at, reward_amount
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ref.ID, ref.CampaignID, ref.ReferrerID, nullString(ref.RefereeID), ref.Code, string(ref.Status),
		nullString(ref.IPAddress), nullString(ref.DeviceFingerprint), ref.CreatedAt.UTC(), convertedAt, reward,
	)
	return err
}

// MarkConverted moves a referral to CONVERTED. An empty refereeID keeps
// the stored referee.
func (r *SQLRepository) MarkConverted(ctx context.Context, appID string, referralID string, refereeID string, at time.Time) error {
	if appID == "" {
		return fmt.Errorf("%w: appID is required", ErrInvalidInput)
	}

	ref, err := r.GetReferral(ctx, appID, referralID)
	if err != nil {
		return err
	}
	if at.Before(ref.CreatedAt) {
		return fmt.Errorf("%w: conversion precedes creation", ErrInvalidInput)
	}

	query := `
		UPDATE referrals
		SET status = ?, referee_id = COALESCE(?, referee_id), converted_at = ?
		WHERE id = ?
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query), string(domain.ReferralConverted), nullString(refereeID), at.UTC(), referralID)
	return err
}

// GetReferral retrieves a referral with app isolation.
func (r *SQLRepository) GetReferral(ctx context.Context, appID string, referralID string) (*domain.Referral, error) {
	if appID == "" {
		return nil, fmt.Errorf("%w: appID is required", ErrInvalidInput)
	}

	query := `
		SELECT r.id, r.campaign_id, r.referrer_id, r.referee_id, r.code, r.status,
			   r.ip_address, r.device_fingerprint, r.created_at, r.converted_at, r.reward_amount
		FROM referrals r
		JOIN campaigns c ON c.id = r.campaign_id
		WHERE c.app_id = ? AND r.id = ?
	`

	var (
		ref                        domain.Referral
		status                     string
		refereeID, ip, fingerprint sql.NullString
		convertedAt                sql.NullTime
		reward                     sql.NullFloat64
	)

	err := r.db.QueryRowContext(ctx, r.rebind(query), appID, referralID).Scan(
		&ref.ID, &ref.CampaignID, &ref.ReferrerID, &refereeID, &ref.Code, &status,
		&ip, &fingerprint, &ref.CreatedAt, &convertedAt, &reward,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ref.Status = domain.ReferralStatus(status)
	ref.RefereeID = refereeID.String
	ref.IPAddress = ip.String
	ref.DeviceFingerprint = fingerprint.String
	if convertedAt.Valid {
		t := convertedAt.Time
		ref.ConvertedAt = &t
	}
	if reward.Valid {
		v := reward.Float64
		ref.RewardAmount = &v
	}

	return &ref, nil
}

// CountReferralsByIP counts the app's referrals from ip created since the given time.
func (r *SQLRepository) CountReferralsByIP(ctx context.Context, appID string, ip string, since time.Time) (int64, error) {
	return r.countReferrals(ctx, appID, "r.ip_address = ? AND r.created_at >= ?", ip, since.UTC())
}

// CountReferralsByReferrer counts the referrer's referrals created since the given time.
func (r *SQLRepository) CountReferralsByReferrer(ctx context.Context, appID string, referrerID string, since time.Time) (int64, error) {
	return r.countReferrals(ctx, appID, "r.referrer_id = ? AND r.created_at >= ?", referrerID, since.UTC())
}

// CountConversionsByReferrer counts the referrer's referrals converted since the given time.
func (r *SQLRepository) CountConversionsByReferrer(ctx context.Context, appID string, referrerID string, since time.Time) (int64, error) {
	return r.countReferrals(ctx, appID, "r.referrer_id = ? AND r.status = ? AND r.converted_at >= ?",
		referrerID, string(domain.ReferralConverted), since.UTC())
}

// CountReferralsByFingerprint counts the app's referrals sharing a device fingerprint.
func (r *SQLRepository) CountReferralsByFingerprint(ctx context.Context, appID string, fingerprint string, since time.Time) (int64, error) {
	return r.countReferrals(ctx, appID, "r.device_fingerprint = ? AND r.created_at >= ?", fingerprint, since.UTC())
}

func (r *SQLRepository) countReferrals(ctx context.Context, appID string, where string, args ...any) (int64, error) {
	if appID == "" {
		return 0, fmt.Errorf("%w: appID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*)
		FROM referrals r
		JOIN campaigns c ON c.id = r.campaign_id
		WHERE c.app_id = ? AND ` + where

	var count int64
	params := append([]any{appID}, args...)
	if err := r.db.QueryRowContext(ctx, r.rebind(query), params...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count referrals: %w", err)
	}
	return count, nil
}

// RecentReferralTimes returns up to limit creation times of the referrer's
// latest referrals since the given time, oldest first.
func (r *SQLRepository) RecentReferralTimes(ctx context.Context, appID string, referrerID string, since time.Time, limit int) ([]time.Time, error) {
	if appID == "" {
		return nil, fmt.Errorf("%w: appID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT r.created_at
		FROM referrals r
		JOIN campaigns c ON c.id = r.campaign_id
		WHERE c.app_id = ? AND r.referrer_id = ? AND r.created_at >= ?
		ORDER BY r.created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), appID, referrerID, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; callers want arrival order.
	for i, j := 0, len(times)-1; i < j; i, j = i+1, j-1 {
		times[i], times[j] = times[j], times[i]
	}
	return times, nil
}

// ----------------------------------------------------------------------------
// Fraud flags
// ----------------------------------------------------------------------------

const flagColumns = `
	id, app_id, referral_code, type, description, metadata,
	is_manual, flagged_by, is_resolved, resolved_by, resolved_at, created_at
`

// CreateFlag appends a fraud flag.
func (r *SQLRepository) CreateFlag(ctx context.Context, appID string, flag *domain.FraudFlag) error {
	if appID == "" {
		return fmt.Errorf("%w: appID is required", ErrInvalidInput)
	}
	if flag == nil || flag.ID == "" || flag.ReferralCode == "" {
		return fmt.Errorf("%w: flag id and referral code are required", ErrInvalidInput)
	}
	if !flag.Type.Valid() {
		return fmt.Errorf("%w: unknown fraud type %q", ErrInvalidInput, flag.Type)
	}
	if flag.Evidence != nil && flag.Evidence.FraudType() != flag.Type {
		return fmt.Errorf("%w: %s evidence on %s flag", ErrInvalidInput, flag.Evidence.FraudType(), flag.Type)
	}

	metadata, err := domain.EncodeEvidence(flag.Evidence)
	if err != nil {
		return err
	}

	if flag.CreatedAt.IsZero() {
		flag.CreatedAt = time.Now().UTC()
	}
	flag.AppID = appID

	query := `INSERT INTO fraud_flags (` + flagColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var resolvedAt any
	if flag.ResolvedAt != nil {
		resolvedAt = flag.ResolvedAt.UTC()
	}

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		flag.ID, appID, flag.ReferralCode, string(flag.Type), flag.Description, nullString(metadata),
		boolInt(flag.IsManual), nullString(flag.FlaggedBy),
		boolInt(flag.IsResolved), nullString(flag.ResolvedBy), resolvedAt,
		flag.CreatedAt.UTC(),
	)
	return err
}

// GetFlag retrieves one flag with app isolation.
func (r *SQLRepository) GetFlag(ctx context.Context, appID string, flagID string) (*domain.FraudFlag, error) {
	if appID == "" {
		return nil, fmt.Errorf("%w: appID is required", ErrInvalidInput)
	}

	query := `SELECT ` + flagColumns + ` FROM fraud_flags WHERE app_id = ? AND id = ?`

	flag, err := scanFlag(r.db.QueryRowContext(ctx, r.rebind(query), appID, flagID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return flag, err
}

// ListFlags lists an app's flags with the given resolution state, newest first.
func (r *SQLRepository) ListFlags(ctx context.Context, appID string, resolved bool) ([]*domain.FraudFlag, error) {
	if appID == "" {
		return nil, fmt.Errorf("%w: appID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + flagColumns + `
		FROM fraud_flags
		WHERE app_id = ? AND is_resolved = ?
		ORDER BY created_at DESC, id DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), appID, boolInt(resolved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	flags := []*domain.FraudFlag{}
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	return flags, rows.Err()
}

// ResolveFlag marks a flag resolved in a single UPDATE. Resolving a resolved
// flag rewrites the resolver and time.
func (r *SQLRepository) ResolveFlag(ctx context.Context, appID string, flagID string, resolvedBy string, at time.Time) (*domain.FraudFlag, error) {
	if appID == "" {
		return nil, fmt.Errorf("%w: appID is required", ErrInvalidInput)
	}
	if resolvedBy == "" {
		return nil, fmt.Errorf("%w: resolver is required", ErrInvalidInput)
	}

	query := `
		UPDATE fraud_flags
		SET is_resolved = 1, resolved_by = ?, resolved_at = ?
		WHERE app_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), resolvedBy, at.UTC(), appID, flagID)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	return r.GetFlag(ctx, appID, flagID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlag(row rowScanner) (*domain.FraudFlag, error) {
	var (
		f                               domain.FraudFlag
		flagType                        string
		metadata, flaggedBy, resolvedBy sql.NullString
		isManual, isResolved            int
		resolvedAt                      sql.NullTime
	)

	if err := row.Scan(
		&f.ID, &f.AppID, &f.ReferralCode, &flagType, &f.Description, &metadata,
		&isManual, &flaggedBy, &isResolved, &resolvedBy, &resolvedAt, &f.CreatedAt,
	); err != nil {
		return nil, err
	}

	f.Type = domain.FraudType(flagType)
	f.IsManual = isManual == 1
	f.FlaggedBy = flaggedBy.String
	f.IsResolved = isResolved == 1
	f.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		f.ResolvedAt = &t
	}

	evidence, err := domain.DecodeEvidence(f.Type, metadata.String)
	if err != nil {
		return nil, fmt.Errorf("flag %s: %w", f.ID, err)
	}
	f.Evidence = evidence

	return &f, nil
}

// ----------------------------------------------------------------------------
// Notifications
// ----------------------------------------------------------------------------

// SaveNotification stores a delivered notification.
func (r *SQLRepository) SaveNotification(ctx context.Context, n *domain.Notification) error {
	if n == nil || n.ID == "" || n.UserID == "" {
		return fmt.Errorf("%w: notification id and user are required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(n.Metadata)
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO notifications (id, user_id, title, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		n.ID, n.UserID, n.Title, n.Message, string(metadata), createdAt.UTC(),
	)
	return err
}

// ListNotifications returns a user's latest notifications, newest first.
func (r *SQLRepository) ListNotifications(ctx context.Context, userID string, limit int) ([]*domain.Notification, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_id, title, message, metadata, created_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Notification
	for rows.Next() {
		var n domain.Notification
		var metadata sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &metadata, &n.CreatedAt); err != nil {
			return nil, err
		}
		if metadata.String != "" {
			json.Unmarshal([]byte(metadata.String), &n.Metadata)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
