package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/refguard/internal/bus"
	"github.com/opensource-finance/refguard/internal/cache"
	"github.com/opensource-finance/refguard/internal/domain"
	"github.com/opensource-finance/refguard/internal/flagging"
	"github.com/opensource-finance/refguard/internal/policy"
	"github.com/opensource-finance/refguard/internal/repository"
	"github.com/opensource-finance/refguard/internal/risk"
)

const (
	testApp      = "app-001"
	testCampaign = "camp-001"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type captureNotifier struct {
	mu   sync.Mutex
	sent []*domain.Notification
}

func (n *captureNotifier) Notify(ctx context.Context, note *domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

type testServer struct {
	*Server
	repo     *repository.SQLRepository
	notifier *captureNotifier
	clock    time.Time
}

// createTestServer wires the full stack on a temporary SQLite database with
// a frozen clock.
func createTestServer(t *testing.T) *testServer {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	if err := repo.SaveApp(ctx, &domain.App{ID: testApp, Name: "Acme"}); err != nil {
		t.Fatalf("SaveApp failed: %v", err)
	}
	if err := repo.SaveCampaign(ctx, testApp, &domain.Campaign{ID: testCampaign, Name: "Spring"}); err != nil {
		t.Fatalf("SaveCampaign failed: %v", err)
	}
	if err := repo.SaveAdmin(ctx, &domain.Admin{ID: "admin-1", Email: "admin@example.com", IsActive: true}); err != nil {
		t.Fatalf("SaveAdmin failed: %v", err)
	}

	ts := &testServer{repo: repo, notifier: &captureNotifier{}, clock: testNow}
	now := func() time.Time { return ts.clock }

	lru := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(10)
	t.Cleanup(func() { eventBus.Close() })

	policies := policy.NewResolver(repo, policy.WithCache(lru, time.Minute))
	deps := Dependencies{
		Repo:      repo,
		Cache:     lru,
		Bus:       eventBus,
		Evaluator: risk.NewEvaluator(repo, repo, policies, risk.WithClock(now)),
		Flags:     flagging.NewService(repo, repo, ts.notifier, flagging.WithClock(now)),
		Policies:  policies,
	}

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	ts.Server = NewServer(cfg, deps, "test-v1")
	ts.handler.now = now
	return ts
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf *bytes.Buffer
	switch b := body.(type) {
	case nil:
		buf = &bytes.Buffer{}
	case string:
		buf = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		buf = bytes.NewBuffer(data)
	}

	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

type flagList struct {
	Flags []*domain.FraudFlag `json:"flags"`
	Count int                 `json:"count"`
}

func appHeaders() map[string]string {
	return map[string]string{AppIDHeader: testApp}
}

func userHeaders(userID string) map[string]string {
	return map[string]string{AppIDHeader: testApp, UserIDHeader: userID}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestEvaluateCreationEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("CleanReferral", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/referrals/evaluate", CreationRequest{
			CampaignID:     testCampaign,
			ReferralCode:   "CLEAN1",
			ReferrerID:     "user-clean",
			RefereeID:      "user-friend",
			IPAddress:      "203.0.113.7",
			UserAgent:      "Mozilla/5.0",
			AcceptLanguage: "en-US",
		}, appHeaders())

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decode[AssessmentResponse](t, rr)
		if resp.IsFraud || resp.RiskScore != 0 {
			t.Errorf("expected clean assessment, got score %d fraud %v", resp.RiskScore, resp.IsFraud)
		}
		if resp.Warning != "" {
			t.Errorf("expected no warning, got %q", resp.Warning)
		}
		if resp.Reasons == nil || len(resp.Reasons) != 0 {
			t.Errorf("expected empty reasons, got %v", resp.Reasons)
		}
		if resp.ReferralID == "" {
			t.Fatal("expected a generated referralId")
		}
		if resp.Metadata.Version != "test-v1" || resp.Metadata.TraceID == "" {
			t.Errorf("unexpected metadata %+v", resp.Metadata)
		}

		ref, err := server.repo.GetReferral(context.Background(), testApp, resp.ReferralID)
		if err != nil {
			t.Fatalf("referral was not recorded: %v", err)
		}
		if ref.DeviceFingerprint == "" || ref.Status != domain.ReferralPending {
			t.Errorf("unexpected stored referral %+v", ref)
		}
	})

	t.Run("SelfReferral", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/referrals/evaluate", CreationRequest{
			CampaignID:   testCampaign,
			ReferralCode: "SELF1",
			ReferrerID:   "user-self",
			RefereeID:    "user-self",
		}, appHeaders())

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decode[AssessmentResponse](t, rr)
		if !resp.IsFraud || resp.RiskScore != risk.WeightSelfReferral {
			t.Errorf("expected self-referral verdict, got score %d fraud %v", resp.RiskScore, resp.IsFraud)
		}
		if resp.Warning != FraudWarning {
			t.Errorf("expected warning, got %q", resp.Warning)
		}
		if len(resp.FlagIDs) != 1 || len(resp.Reasons) != 1 {
			t.Fatalf("expected one flag and reason, got %v / %v", resp.FlagIDs, resp.Reasons)
		}

		flag, err := server.repo.GetFlag(context.Background(), testApp, resp.FlagIDs[0])
		if err != nil {
			t.Fatalf("flag not stored: %v", err)
		}
		if flag.Type != domain.FraudSelfReferral || flag.ReferralCode != "SELF1" {
			t.Errorf("unexpected flag %+v", flag)
		}
	})

	t.Run("PreRecordedReferral", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/referrals/evaluate", CreationRequest{
			ReferralCode: "HOSTED1",
			ReferrerID:   "user-hosted",
		}, appHeaders())

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if resp := decode[AssessmentResponse](t, rr); resp.ReferralID != "" {
			t.Errorf("expected no referralId when nothing was recorded, got %q", resp.ReferralID)
		}
	})

	t.Run("MissingAppID", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/referrals/evaluate", "{}", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/referrals/evaluate", "not-json", appHeaders())
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingReferrer", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/referrals/evaluate", CreationRequest{ReferralCode: "X"}, appHeaders())
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownCampaign", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/referrals/evaluate", CreationRequest{
			CampaignID:   "camp-missing",
			ReferralCode: "NOPE1",
			ReferrerID:   "user-x",
		}, appHeaders())
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/referrals/evaluate", CreationRequest{
			ReferralCode: "HDR1",
			ReferrerID:   "user-hdr",
		}, appHeaders())

		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestEvaluateConversionEndpoint(t *testing.T) {
	server := createTestServer(t)

	rr := server.do(t, http.MethodPost, "/referrals/evaluate", CreationRequest{
		CampaignID:   testCampaign,
		ReferralCode: "CONV1",
		ReferrerID:   "user-referrer",
		IPAddress:    "203.0.113.20",
	}, appHeaders())
	if rr.Code != http.StatusOK {
		t.Fatalf("creation failed: %d %s", rr.Code, rr.Body.String())
	}
	referralID := decode[AssessmentResponse](t, rr).ReferralID
	path := "/referrals/" + referralID + "/conversion/evaluate"

	t.Run("ImpossiblyFast", func(t *testing.T) {
		server.clock = testNow.Add(2 * time.Second)

		rr := server.do(t, http.MethodPost, path, ConversionRequest{
			ReferralCode: "CONV1",
			RefereeID:    "user-new",
			IPAddress:    "198.51.100.9",
		}, appHeaders())
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decode[AssessmentResponse](t, rr)
		if !resp.IsFraud || resp.RiskScore != domain.MaxRiskScore {
			t.Errorf("expected impossible conversion verdict, got score %d", resp.RiskScore)
		}
	})

	t.Run("SameIPAndRecord", func(t *testing.T) {
		server.clock = testNow.Add(10 * time.Minute)

		rr := server.do(t, http.MethodPost, path, ConversionRequest{
			ReferralCode: "CONV1",
			RefereeID:    "user-new",
			IPAddress:    "203.0.113.20",
			Record:       true,
		}, appHeaders())
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decode[AssessmentResponse](t, rr)
		if resp.RiskScore != risk.WeightConversionIPMatch {
			t.Errorf("expected IP match score %d, got %d", risk.WeightConversionIPMatch, resp.RiskScore)
		}

		ref, err := server.repo.GetReferral(context.Background(), testApp, referralID)
		if err != nil {
			t.Fatalf("GetReferral failed: %v", err)
		}
		if ref.Status != domain.ReferralConverted || ref.RefereeID != "user-new" {
			t.Errorf("expected converted referral, got %+v", ref)
		}
	})

	t.Run("UnknownReferral", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/referrals/missing/conversion/evaluate", ConversionRequest{ReferralCode: "X"}, appHeaders())
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("MissingCode", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, path, ConversionRequest{}, appHeaders())
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestFraudFlagEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("ManualFlagRequiresUser", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/fraud-flags", ManualFlagRequest{ReferralCode: "REF-1"}, appHeaders())
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", rr.Code)
		}
	})

	var flagID string

	t.Run("CreateManualFlag", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/fraud-flags", ManualFlagRequest{ReferralCode: "REF-1"}, userHeaders("partner-9"))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		flag := decode[domain.FraudFlag](t, rr)
		if !flag.IsManual || flag.FlaggedBy != "partner-9" || flag.Type != domain.FraudManualFlag {
			t.Errorf("unexpected flag %+v", flag)
		}
		if flag.Description != flagging.DefaultManualDescription {
			t.Errorf("expected default description, got %q", flag.Description)
		}
		flagID = flag.ID

		if len(server.notifier.sent) != 1 || server.notifier.sent[0].UserID != "admin-1" {
			t.Errorf("expected one admin notification, got %d", len(server.notifier.sent))
		}
	})

	t.Run("MissingReferralCode", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/fraud-flags", ManualFlagRequest{}, userHeaders("partner-9"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ListOpen", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/fraud-flags", nil, appHeaders())
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		resp := decode[flagList](t, rr)
		if resp.Count != 1 || resp.Flags[0].ID != flagID {
			t.Errorf("expected the manual flag, got %+v", resp)
		}
		if ev, ok := resp.Flags[0].Evidence.(domain.ManualFlagEvidence); !ok || ev.FlaggedBy != "partner-9" {
			t.Errorf("expected manual evidence, got %#v", resp.Flags[0].Evidence)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/fraud-flags/"+flagID, nil, appHeaders())
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		rr = server.do(t, http.MethodGet, "/fraud-flags/missing", nil, appHeaders())
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}

		rr = server.do(t, http.MethodGet, "/fraud-flags/"+flagID, nil, map[string]string{AppIDHeader: "app-other"})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected other apps to get 404, got %d", rr.Code)
		}
	})

	t.Run("Resolve", func(t *testing.T) {
		server.clock = testNow.Add(time.Hour)

		rr := server.do(t, http.MethodPost, "/fraud-flags/"+flagID+"/resolve", nil, userHeaders("ops-1"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		flag := decode[domain.FraudFlag](t, rr)
		if !flag.IsResolved || flag.ResolvedBy != "ops-1" || flag.ResolvedAt == nil {
			t.Errorf("unexpected resolved flag %+v", flag)
		}

		rr = server.do(t, http.MethodPost, "/fraud-flags/"+flagID+"/resolve", nil, userHeaders("ops-1"))
		if rr.Code != http.StatusOK {
			t.Errorf("expected double resolve to succeed, got %d", rr.Code)
		}

		rr = server.do(t, http.MethodPost, "/fraud-flags/missing/resolve", nil, userHeaders("ops-1"))
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListResolved", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/fraud-flags?resolved=true", nil, appHeaders())
		if !strings.Contains(rr.Body.String(), flagID) {
			t.Errorf("expected resolved list to contain %s: %s", flagID, rr.Body.String())
		}

		rr = server.do(t, http.MethodGet, "/fraud-flags?resolved=maybe", nil, appHeaders())
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestPolicyEndpoint(t *testing.T) {
	server := createTestServer(t)

	rr := server.do(t, http.MethodGet, "/fraud-policy", nil, appHeaders())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := decode[domain.FraudPolicy](t, rr); got != domain.DefaultFraudPolicy() {
		t.Errorf("expected default policy, got %+v", got)
	}
}

func TestNotificationsEndpoint(t *testing.T) {
	server := createTestServer(t)

	err := server.repo.SaveNotification(context.Background(), &domain.Notification{
		ID:        "n-1",
		UserID:    "admin-1",
		Title:     "Referral manually flagged",
		CreatedAt: testNow,
	})
	if err != nil {
		t.Fatalf("SaveNotification failed: %v", err)
	}

	rr := server.do(t, http.MethodGet, "/notifications", nil, map[string]string{UserIDHeader: "admin-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"n-1"`) {
		t.Errorf("expected notification in inbox: %s", rr.Body.String())
	}

	rr = server.do(t, http.MethodGet, "/notifications", nil, map[string]string{UserIDHeader: "admin-2"})
	if !strings.Contains(rr.Body.String(), `"count":0`) {
		t.Errorf("expected empty inbox: %s", rr.Body.String())
	}

	rr = server.do(t, http.MethodGet, "/notifications?limit=-1", nil, map[string]string{UserIDHeader: "admin-1"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/health", nil, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		resp := decode[map[string]string](t, rr)
		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/ready", nil, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		server.do(t, http.MethodGet, "/health", nil, nil)

		rr := server.do(t, http.MethodGet, "/metrics", nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "refguard_api_http_requests_total") {
			t.Error("expected HTTP request counter in metrics output")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("AppMiddlewareExtractsID", func(t *testing.T) {
		var captured string

		handler := AppMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetAppID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(AppIDHeader, "my-app-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if captured != "my-app-123" {
			t.Errorf("expected app ID 'my-app-123', got '%s'", captured)
		}
	})

	t.Run("UserMiddlewareRejectsAnonymous", func(t *testing.T) {
		handler := UserMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not run")
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", rr.Code)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var captured string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetRequestID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		if captured == "" {
			t.Error("expected request ID to be set")
		}
		if rr.Header().Get(RequestIDHeader) != captured {
			t.Error("expected X-Request-ID response header to match")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("preflight should not reach the handler")
		}))

		req := httptest.NewRequest(http.MethodOptions, "/fraud-flags", nil)
		req.Header.Set("Origin", "https://dashboard.example.com")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://dashboard.example.com" {
			t.Error("expected origin to be echoed")
		}
	})
}
