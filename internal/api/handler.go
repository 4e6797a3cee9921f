package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/refguard/internal/domain"
	"github.com/opensource-finance/refguard/internal/fingerprint"
	"github.com/opensource-finance/refguard/internal/flagging"
	"github.com/opensource-finance/refguard/internal/policy"
	"github.com/opensource-finance/refguard/internal/repository"
	"github.com/opensource-finance/refguard/internal/risk"
)

// FraudWarning is returned alongside assessments that found fraud.
const FraudWarning = "This referral has been flagged for review"

// Dependencies are the services the handlers call.
type Dependencies struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Evaluator *risk.Evaluator
	Flags     *flagging.Service
	Policies  *policy.Resolver
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps    Dependencies
	version string
	now     func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies, version string) *Handler {
	return &Handler{
		deps:    deps,
		version: version,
		now:     time.Now,
	}
}

// CreationRequest is the request body for POST /referrals/evaluate.
// When CampaignID is set the referral is recorded before evaluation;
// otherwise the host is expected to have stored it already.
type CreationRequest struct {
	ReferralID     string `json:"referralId,omitempty"`
	CampaignID     string `json:"campaignId,omitempty"`
	ReferralCode   string `json:"referralCode"`
	ReferrerID     string `json:"referrerId"`
	RefereeID      string `json:"refereeId,omitempty"`
	IPAddress      string `json:"ipAddress,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
	AcceptLanguage string `json:"acceptLanguage,omitempty"`
}

// ConversionRequest is the request body for
// POST /referrals/{id}/conversion/evaluate. With Record set the referral is
// marked converted after evaluation.
type ConversionRequest struct {
	ReferralCode string `json:"referralCode"`
	RefereeID    string `json:"refereeId,omitempty"`
	IPAddress    string `json:"ipAddress,omitempty"`
	Record       bool   `json:"record,omitempty"`
}

// AssessmentResponse wraps a risk assessment. Warning is set only when the
// assessment is fraudulent; the verdict is advisory.
type AssessmentResponse struct {
	ReferralID string          `json:"referralId,omitempty"`
	RiskScore  int             `json:"riskScore"`
	IsFraud    bool            `json:"isFraud"`
	Reasons    []string        `json:"reasons"`
	Warning    string          `json:"warning,omitempty"`
	Signals    []domain.Signal `json:"signals,omitempty"`
	FlagIDs    []string        `json:"flagIds"`
	Metadata   struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// ManualFlagRequest is the request body for POST /fraud-flags.
type ManualFlagRequest struct {
	ReferralCode string `json:"referralCode"`
	Description  string `json:"description,omitempty"`
}

// EvaluateCreation handles POST /referrals/evaluate.
func (h *Handler) EvaluateCreation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	appID := GetAppID(ctx)

	var req CreationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.ReferralCode == "" || req.ReferrerID == "" {
		writeError(w, http.StatusBadRequest, "referralCode and referrerId are required")
		return
	}

	if req.CampaignID != "" {
		if req.ReferralID == "" {
			req.ReferralID = uuid.NewString()
		}
		ref := &domain.Referral{
			ID:                req.ReferralID,
			CampaignID:        req.CampaignID,
			ReferrerID:        req.ReferrerID,
			RefereeID:         req.RefereeID,
			Code:              req.ReferralCode,
			Status:            domain.ReferralPending,
			IPAddress:         req.IPAddress,
			DeviceFingerprint: fingerprint.Compute(req.UserAgent, req.IPAddress, req.AcceptLanguage),
			CreatedAt:         h.now().UTC(),
		}
		if err := h.deps.Repo.SaveReferral(ctx, appID, ref); err != nil {
			slog.Error("failed to record referral", "app_id", appID, "referral_code", req.ReferralCode, "error", err)
			writeServiceError(w, err)
			return
		}
	}

	assessment, err := h.deps.Evaluator.EvaluateCreation(ctx, risk.CreationInput{
		AppID:          appID,
		ReferralCode:   req.ReferralCode,
		ReferrerID:     req.ReferrerID,
		RefereeID:      req.RefereeID,
		IP:             req.IPAddress,
		UserAgent:      req.UserAgent,
		AcceptLanguage: req.AcceptLanguage,
	})
	if err != nil {
		slog.Error("creation evaluation failed", "app_id", appID, "referral_code", req.ReferralCode, "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.assessmentResponse(r, req.ReferralID, assessment, start))
}

// EvaluateConversion handles POST /referrals/{id}/conversion/evaluate.
func (h *Handler) EvaluateConversion(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	appID := GetAppID(ctx)
	referralID := chi.URLParam(r, "id")

	var req ConversionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.ReferralCode == "" {
		writeError(w, http.StatusBadRequest, "referralCode is required")
		return
	}

	assessment, err := h.deps.Evaluator.EvaluateConversion(ctx, risk.ConversionInput{
		AppID:        appID,
		ReferralID:   referralID,
		ReferralCode: req.ReferralCode,
		RefereeID:    req.RefereeID,
		IP:           req.IPAddress,
	})
	if err != nil {
		slog.Error("conversion evaluation failed", "app_id", appID, "referral_id", referralID, "error", err)
		writeServiceError(w, err)
		return
	}

	if req.Record {
		if err := h.deps.Repo.MarkConverted(ctx, appID, referralID, req.RefereeID, h.now().UTC()); err != nil {
			slog.Error("failed to record conversion", "app_id", appID, "referral_id", referralID, "error", err)
			writeServiceError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, h.assessmentResponse(r, referralID, assessment, start))
}

func (h *Handler) assessmentResponse(r *http.Request, referralID string, a *domain.RiskAssessment, start time.Time) AssessmentResponse {
	resp := AssessmentResponse{
		ReferralID: referralID,
		RiskScore:  a.RiskScore,
		IsFraud:    a.IsFraud,
		Reasons:    a.Reasons,
		Signals:    a.Signals,
		FlagIDs:    a.FlagIDs(),
	}
	if a.IsFraud {
		resp.Warning = FraudWarning
	}
	resp.Metadata.TraceID = GetTraceID(r.Context())
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version
	return resp
}

// ListFlags handles GET /fraud-flags?resolved=true|false. Open flags are
// listed by default.
func (h *Handler) ListFlags(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resolved := false
	if v := r.URL.Query().Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "resolved must be true or false")
			return
		}
		resolved = b
	}

	flags, err := h.deps.Flags.ListFlags(ctx, GetAppID(ctx), resolved)
	if err != nil {
		slog.Error("failed to list flags", "app_id", GetAppID(ctx), "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"flags": flags,
		"count": len(flags),
	})
}

// GetFlag handles GET /fraud-flags/{id}.
func (h *Handler) GetFlag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flag, err := h.deps.Flags.GetFlag(ctx, GetAppID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

// CreateManualFlag handles POST /fraud-flags. The acting user is the flagger.
func (h *Handler) CreateManualFlag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ManualFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	flag, err := h.deps.Flags.CreateManualFlag(ctx, GetAppID(ctx), req.ReferralCode, GetUserID(ctx), req.Description)
	if err != nil {
		slog.Error("failed to create manual flag", "app_id", GetAppID(ctx), "referral_code", req.ReferralCode, "error", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, flag)
}

// ResolveFlag handles POST /fraud-flags/{id}/resolve.
func (h *Handler) ResolveFlag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flagID := chi.URLParam(r, "id")

	flag, err := h.deps.Flags.ResolveFlag(ctx, GetAppID(ctx), flagID, GetUserID(ctx))
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to resolve flag", "app_id", GetAppID(ctx), "flag_id", flagID, "error", err)
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

// GetPolicy handles GET /fraud-policy, the app's effective fraud policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, h.deps.Policies.Resolve(ctx, GetAppID(ctx)))
}

// ListNotifications handles GET /notifications, the acting user's inbox.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	notes, err := h.deps.Repo.ListNotifications(ctx, GetUserID(ctx), limit)
	if err != nil {
		slog.Error("failed to list notifications", "user_id", GetUserID(ctx), "error", err)
		writeServiceError(w, err)
		return
	}
	if notes == nil {
		notes = []*domain.Notification{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notes,
		"count":         len(notes),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.deps.Repo != nil {
		if err := h.deps.Repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.deps.Bus != nil {
		if err := h.deps.Bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the database is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo != nil {
		if err := h.deps.Repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, risk.ErrInvalidInput),
		errors.Is(err, flagging.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
