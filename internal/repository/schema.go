package repository

// Schema definitions for the Refguard database.
// Compatible with both SQLite and PostgreSQL.

const schemaApps = `
CREATE TABLE IF NOT EXISTS apps (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    fraud_config TEXT,
    created_at TIMESTAMP NOT NULL
);
`

const schemaCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    app_id TEXT NOT NULL,
    name TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_campaigns_app ON campaigns(app_id);
`

const schemaReferrals = `
CREATE TABLE IF NOT EXISTS referrals (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL,
    referrer_id TEXT NOT NULL,
    referee_id TEXT,
    code TEXT NOT NULL,
    status TEXT NOT NULL,
    ip_address TEXT,
    device_fingerprint TEXT,
    created_at TIMESTAMP NOT NULL,
    converted_at TIMESTAMP,
    reward_amount REAL
);

CREATE INDEX IF NOT EXISTS idx_referrals_campaign ON referrals(campaign_id);
CREATE INDEX IF NOT EXISTS idx_referrals_code ON referrals(code);
CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals(referrer_id, created_at);
CREATE INDEX IF NOT EXISTS idx_referrals_ip ON referrals(ip_address, created_at);
CREATE INDEX IF NOT EXISTS idx_referrals_fingerprint ON referrals(device_fingerprint, created_at);
CREATE INDEX IF NOT EXISTS idx_referrals_converted ON referrals(referrer_id, status, converted_at);
`

// schemaFraudFlags defines the append-only audit table.
// Only the is_resolved, resolved_by and resolved_at columns are ever updated.
const schemaFraudFlags = `
CREATE TABLE IF NOT EXISTS fraud_flags (
    id TEXT PRIMARY KEY,
    app_id TEXT NOT NULL,
    referral_code TEXT NOT NULL,
    type TEXT NOT NULL,
    description TEXT NOT NULL,
    metadata TEXT,
    is_manual INTEGER NOT NULL DEFAULT 0,
    flagged_by TEXT,
    is_resolved INTEGER NOT NULL DEFAULT 0,
    resolved_by TEXT,
    resolved_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_flags_app ON fraud_flags(app_id, is_resolved, created_at);
CREATE INDEX IF NOT EXISTS idx_fraud_flags_code ON fraud_flags(app_id, referral_code);
`

const schemaAdmins = `
CREATE TABLE IF NOT EXISTS admins (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1
);
`

const schemaNotifications = `
CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    message TEXT NOT NULL,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaApps,
		schemaCampaigns,
		schemaReferrals,
		schemaFraudFlags,
		schemaAdmins,
		schemaNotifications,
	}
}
