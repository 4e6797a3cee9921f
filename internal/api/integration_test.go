//go:build integration
// +build integration

// End-to-end tests against a running Refguard server.
//
// These tests exercise the full request path:
//
//	HTTP → middleware → policy → detectors → flag store → response
//
// Run with: REFGUARD_TEST_URL=http://localhost:8080 go test -tags=integration -v ./internal/api/...
//
// Referrals are evaluated without a campaignId, so nothing is recorded and
// history-based detectors see an empty history. Every test uses its own
// app id so reruns against the same database do not interfere.
package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// IntegrationConfig holds the test environment configuration.
type IntegrationConfig struct {
	BaseURL string
	AppID   string
}

func getIntegrationConfig(t *testing.T) IntegrationConfig {
	t.Helper()
	baseURL := os.Getenv("REFGUARD_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return IntegrationConfig{
		BaseURL: baseURL,
		AppID:   fmt.Sprintf("it-%s-%d", t.Name(), time.Now().UnixNano()),
	}
}

type evaluateRequest struct {
	ReferralCode   string `json:"referralCode"`
	ReferrerID     string `json:"referrerId"`
	RefereeID      string `json:"refereeId,omitempty"`
	IPAddress      string `json:"ipAddress,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
	AcceptLanguage string `json:"acceptLanguage,omitempty"`
}

type evaluateResponse struct {
	RiskScore int      `json:"riskScore"`
	IsFraud   bool     `json:"isFraud"`
	Reasons   []string `json:"reasons"`
	Warning   string   `json:"warning"`
	FlagIDs   []string `json:"flagIds"`
	Signals   []struct {
		Type string `json:"type"`
	} `json:"signals"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

type flagResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	IsManual   bool   `json:"isManual"`
	IsResolved bool   `json:"isResolved"`
	ResolvedBy string `json:"resolvedBy"`
}

func call(t *testing.T, cfg IntegrationConfig, method, path, userID string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, cfg.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.AppID != "" {
		req.Header.Set("X-App-ID", cfg.AppID)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func evaluateReferral(t *testing.T, cfg IntegrationConfig, req evaluateRequest) evaluateResponse {
	t.Helper()

	status, body := call(t, cfg, http.MethodPost, "/referrals/evaluate", "", req)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}

	var result evaluateResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}
	return result
}

func TestIntegration_CleanReferral(t *testing.T) {
	cfg := getIntegrationConfig(t)

	result := evaluateReferral(t, cfg, evaluateRequest{
		ReferralCode: "IT-CLEAN",
		ReferrerID:   "referrer-1",
		RefereeID:    "referee-1",
		IPAddress:    "81.2.69.142",
		UserAgent:    "Mozilla/5.0",
	})

	if result.IsFraud {
		t.Errorf("Expected clean referral, got reasons %v", result.Reasons)
	}
	if result.RiskScore != 0 {
		t.Errorf("Expected score 0, got %d", result.RiskScore)
	}
	if result.Warning != "" {
		t.Errorf("Expected no warning, got %q", result.Warning)
	}
}

func TestIntegration_SelfReferral(t *testing.T) {
	cfg := getIntegrationConfig(t)

	result := evaluateReferral(t, cfg, evaluateRequest{
		ReferralCode: "IT-SELF",
		ReferrerID:   "user-7",
		RefereeID:    "user-7",
		IPAddress:    "81.2.69.142",
	})

	if !result.IsFraud {
		t.Fatal("Expected self-referral to be fraud")
	}
	if result.RiskScore < 50 {
		t.Errorf("Expected score >= 50, got %d", result.RiskScore)
	}
	if len(result.FlagIDs) != 1 {
		t.Fatalf("Expected one flag, got %d", len(result.FlagIDs))
	}
	if result.Warning == "" {
		t.Error("Expected a warning on a fraudulent referral")
	}

	status, body := call(t, cfg, http.MethodGet, "/fraud-flags/"+result.FlagIDs[0], "", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected flag to be readable, got %d: %s", status, string(body))
	}
	var flag flagResponse
	if err := json.Unmarshal(body, &flag); err != nil {
		t.Fatalf("Failed to unmarshal flag: %v", err)
	}
	if flag.Type != "SELF_REFERRAL" {
		t.Errorf("Expected SELF_REFERRAL, got %s", flag.Type)
	}
}

func TestIntegration_PrivateNetworkIP(t *testing.T) {
	cfg := getIntegrationConfig(t)

	result := evaluateReferral(t, cfg, evaluateRequest{
		ReferralCode: "IT-VPN",
		ReferrerID:   "referrer-1",
		RefereeID:    "referee-1",
		IPAddress:    "10.8.0.4",
	})

	found := false
	for _, s := range result.Signals {
		if s.Type == "VPN_PROXY_DETECTED" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a VPN_PROXY_DETECTED signal, got reasons %v", result.Reasons)
	}
}

func TestIntegration_ManualFlagLifecycle(t *testing.T) {
	cfg := getIntegrationConfig(t)

	status, body := call(t, cfg, http.MethodPost, "/fraud-flags", "partner-1", map[string]string{
		"referralCode": "IT-MANUAL",
		"description":  "Chargeback on first order",
	})
	if status != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", status, string(body))
	}
	var flag flagResponse
	if err := json.Unmarshal(body, &flag); err != nil {
		t.Fatalf("Failed to unmarshal flag: %v", err)
	}
	if !flag.IsManual || flag.Type != "MANUAL_FLAG" {
		t.Errorf("Expected a manual flag, got %+v", flag)
	}

	// Resolving twice is allowed.
	for _, resolver := range []string{"ops-1", "ops-2"} {
		status, body = call(t, cfg, http.MethodPost, "/fraud-flags/"+flag.ID+"/resolve", resolver, nil)
		if status != http.StatusOK {
			t.Fatalf("Expected 200 resolving as %s, got %d: %s", resolver, status, string(body))
		}
	}
	if err := json.Unmarshal(body, &flag); err != nil {
		t.Fatalf("Failed to unmarshal flag: %v", err)
	}
	if !flag.IsResolved || flag.ResolvedBy != "ops-2" {
		t.Errorf("Expected resolved by ops-2, got %+v", flag)
	}
}

func TestIntegration_MissingAppHeader(t *testing.T) {
	cfg := getIntegrationConfig(t)
	cfg.AppID = ""

	status, _ := call(t, cfg, http.MethodPost, "/referrals/evaluate", "", evaluateRequest{
		ReferralCode: "IT-NOAPP",
		ReferrerID:   "referrer-1",
	})
	if status != http.StatusBadRequest {
		t.Errorf("Expected 400 without X-App-ID, got %d", status)
	}
}

func TestIntegration_MissingReferrer(t *testing.T) {
	cfg := getIntegrationConfig(t)

	status, _ := call(t, cfg, http.MethodPost, "/referrals/evaluate", "", evaluateRequest{
		ReferralCode: "IT-NOREF",
	})
	if status != http.StatusBadRequest {
		t.Errorf("Expected 400 without referrerId, got %d", status)
	}
}

func TestIntegration_ResponseMetadata(t *testing.T) {
	cfg := getIntegrationConfig(t)

	result := evaluateReferral(t, cfg, evaluateRequest{
		ReferralCode: "IT-META",
		ReferrerID:   "referrer-1",
	})

	if result.Metadata.TraceID == "" {
		t.Error("Expected a trace id")
	}
	if result.Metadata.Version == "" {
		t.Error("Expected a version")
	}
	if result.Metadata.TotalMs < 0 {
		t.Errorf("Expected non-negative totalMs, got %d", result.Metadata.TotalMs)
	}
}
