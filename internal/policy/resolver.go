// Package policy resolves the effective fraud policy of an app.
package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/refguard/internal/domain"
	"github.com/opensource-finance/refguard/internal/metrics"
)

// cacheKey is the per-app cache entry holding the resolved policy.
const cacheKey = "fraud-policy"

// DefaultTTL is used when no cache TTL is configured.
const DefaultTTL = time.Minute

// Resolver merges an app's optional override onto the engine defaults.
// Resolve never fails: every problem degrades to the defaults.
type Resolver struct {
	store  domain.AppConfigStore
	cache  domain.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache caches resolved policies for ttl.
func WithCache(c domain.Cache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver creates a resolver reading overrides from store.
func NewResolver(store domain.AppConfigStore, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		ttl:    DefaultTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the effective policy of appID. A changed override is
// picked up once the cached entry's TTL runs out.
func (r *Resolver) Resolve(ctx context.Context, appID string) domain.FraudPolicy {
	if cached, ok := r.fromCache(ctx, appID); ok {
		metrics.PolicyLookupsTotal.WithLabelValues("cache").Inc()
		return cached
	}

	policy, ok := r.load(ctx, appID)
	if !ok {
		// Fallback policies are never cached.
		metrics.PolicyLookupsTotal.WithLabelValues("fallback").Inc()
		return policy
	}

	metrics.PolicyLookupsTotal.WithLabelValues("store").Inc()
	r.toCache(ctx, appID, policy)
	return policy
}

// load reads and merges the override. ok is false when the defaults were
// used because the override could not be read or parsed.
func (r *Resolver) load(ctx context.Context, appID string) (domain.FraudPolicy, bool) {
	defaults := domain.DefaultFraudPolicy()

	raw, err := r.store.GetFraudConfigJSON(ctx, appID)
	if err != nil {
		r.logger.Error("failed to read fraud config, using defaults", "app_id", appID, "error", err)
		return defaults, false
	}

	policy, err := Parse(raw)
	if err != nil {
		r.logger.Error("malformed fraud config, using defaults", "app_id", appID, "error", err)
		return defaults, false
	}
	return policy, true
}

// Parse merges a raw JSON override onto the defaults. An empty or null
// override yields the defaults; malformed JSON yields the defaults and the
// parse error.
func Parse(raw string) (domain.FraudPolicy, error) {
	defaults := domain.DefaultFraudPolicy()
	if raw == "" || raw == "null" {
		return defaults, nil
	}

	var override domain.FraudConfig
	if err := json.Unmarshal([]byte(raw), &override); err != nil {
		return defaults, err
	}
	return defaults.Merge(&override), nil
}

func (r *Resolver) fromCache(ctx context.Context, appID string) (domain.FraudPolicy, bool) {
	if r.cache == nil || appID == "" {
		return domain.FraudPolicy{}, false
	}

	data, err := r.cache.Get(ctx, appID, cacheKey)
	if err != nil {
		r.logger.Warn("policy cache read failed", "app_id", appID, "error", err)
		return domain.FraudPolicy{}, false
	}
	if data == nil {
		return domain.FraudPolicy{}, false
	}

	var policy domain.FraudPolicy
	if err := json.Unmarshal(data, &policy); err != nil {
		r.logger.Warn("discarding corrupt cached policy", "app_id", appID, "error", err)
		return domain.FraudPolicy{}, false
	}
	return policy, true
}

func (r *Resolver) toCache(ctx context.Context, appID string, policy domain.FraudPolicy) {
	if r.cache == nil || appID == "" {
		return
	}

	data, err := json.Marshal(policy)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, appID, cacheKey, data, r.ttl); err != nil {
		r.logger.Warn("policy cache write failed", "app_id", appID, "error", err)
	}
}
