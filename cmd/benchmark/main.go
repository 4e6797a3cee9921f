// Benchmark tool for exercising Refguard with synthetic referral traffic.
//
// Usage:
//
//	go run cmd/benchmark/main.go -url http://localhost:8080 -app bench-app -campaign bench-campaign
//
// This tool:
//  1. Optionally seeds the app and campaign into a local SQLite database
//  2. Generates labelled referral traffic (clean, self-referral, referral farm, VPN)
//  3. Sends each referral to POST /referrals/evaluate
//  4. Compares the isFraud verdict with the label and reports latency percentiles
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/refguard/internal/domain"
	"github.com/opensource-finance/refguard/internal/repository"
)

// Scenario labels a synthetic referral.
type Scenario string

const (
	ScenarioClean Scenario = "clean"
	ScenarioSelf  Scenario = "self"
	ScenarioFarm  Scenario = "farm"
	ScenarioVPN   Scenario = "vpn"
)

// farmIP is shared by every referral of the farm scenario.
const farmIP = "185.220.101.7"

// SyntheticReferral is one generated request with its ground truth.
type SyntheticReferral struct {
	Scenario Scenario
	Request  EvaluateRequest
}

// IsFraud reports the ground-truth label.
func (s SyntheticReferral) IsFraud() bool {
	return s.Scenario != ScenarioClean
}

// EvaluateRequest is the Refguard creation request format
type EvaluateRequest struct {
	CampaignID     string `json:"campaignId"`
	ReferralCode   string `json:"referralCode"`
	ReferrerID     string `json:"referrerId"`
	RefereeID      string `json:"refereeId,omitempty"`
	IPAddress      string `json:"ipAddress"`
	UserAgent      string `json:"userAgent"`
	AcceptLanguage string `json:"acceptLanguage"`
}

// EvaluateResponse is the Refguard assessment format
type EvaluateResponse struct {
	ReferralID string   `json:"referralId"`
	RiskScore  int      `json:"riskScore"`
	IsFraud    bool     `json:"isFraud"`
	Reasons    []string `json:"reasons"`
	Signals    []struct {
		Type string `json:"type"`
	} `json:"signals"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Clean flagged
	TrueNegatives  int64 // Clean passed
	FalseNegatives int64 // Fraud passed

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	mu        sync.Mutex
	latencies []time.Duration
	bySignal  map[string]int64
}

func (m *Metrics) record(latency time.Duration, result *EvaluateResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, latency)
	for _, s := range result.Signals {
		m.bySignal[s.Type]++
	}
}

var userAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/124.0 Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148",
	"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 Chrome/124.0 Mobile Safari/537.36",
}

var languages = []string{"en-US,en;q=0.9", "de-DE,de;q=0.8", "fr-FR,fr;q=0.9", "es-ES,es;q=0.7"}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Refguard base URL")
	appID := flag.String("app", "bench-app", "App ID for requests")
	campaignID := flag.String("campaign", "bench-campaign", "Campaign the referrals are recorded under")
	seedPath := flag.String("seed-sqlite", "", "SQLite database to seed the app and campaign into (optional)")
	requests := flag.Int("requests", 5000, "Number of referrals to send")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudRate := flag.Float64("fraud-rate", 0.2, "Share of fraudulent referrals (0.0-1.0)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed for traffic generation")
	verbose := flag.Bool("verbose", false, "Print each referral result")
	flag.Parse()

	if *requests <= 0 || *workers <= 0 || *fraudRate < 0 || *fraudRate > 1 {
		fmt.Println("Usage: benchmark [-url http://localhost:8080] [-requests 5000] [-fraud-rate 0.2]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║        REFGUARD BENCHMARK - Synthetic Referral Traffic        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nRefguard URL: %s\n", *baseURL)
	fmt.Printf("App ID:       %s\n", *appID)
	fmt.Printf("Campaign:     %s\n", *campaignID)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Requests:     %d\n", *requests)
	fmt.Printf("Fraud Rate:   %.2f\n", *fraudRate)
	fmt.Println()

	if *seedPath != "" {
		if err := seedCampaign(*seedPath, *appID, *campaignID); err != nil {
			fmt.Printf("ERROR: Failed to seed %s: %v\n", *seedPath, err)
			os.Exit(1)
		}
		fmt.Printf("✓ Seeded app %s and campaign %s\n", *appID, *campaignID)
	}

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Refguard is not healthy at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Refguard is running:")
		fmt.Println("  go run cmd/refguard/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Refguard is healthy")

	traffic := generateTraffic(rand.New(rand.NewSource(*seed)), *campaignID, *requests, *fraudRate)
	counts := make(map[Scenario]int)
	for _, s := range traffic {
		counts[s.Scenario]++
	}
	fmt.Printf("✓ Generated %d referrals\n", len(traffic))
	for _, sc := range []Scenario{ScenarioClean, ScenarioSelf, ScenarioFarm, ScenarioVPN} {
		fmt.Printf("  - %-6s %d\n", sc+":", counts[sc])
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(traffic, *baseURL, *appID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// seedCampaign makes sure the app and campaign exist in a SQLite database
// shared with a locally running server.
func seedCampaign(path, appID, campaignID string) error {
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path})
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := repo.SaveApp(ctx, &domain.App{ID: appID, Name: "Benchmark"}); err != nil {
		return err
	}
	_, err = repo.GetCampaign(ctx, appID, campaignID)
	if errors.Is(err, repository.ErrNotFound) {
		return repo.SaveCampaign(ctx, appID, &domain.Campaign{ID: campaignID, Name: "Benchmark"})
	}
	return err
}

// generateTraffic builds a shuffled mix of clean and abusive referrals.
// Farm referrals share one referrer, one IP and one device, so only the
// ones past the configured thresholds are expected to be caught.
func generateTraffic(rng *rand.Rand, campaignID string, n int, fraudRate float64) []SyntheticReferral {
	run := rng.Int63()
	traffic := make([]SyntheticReferral, 0, n)

	for i := 0; i < n; i++ {
		sc := ScenarioClean
		if rng.Float64() < fraudRate {
			sc = []Scenario{ScenarioSelf, ScenarioFarm, ScenarioVPN}[rng.Intn(3)]
		}

		req := EvaluateRequest{
			CampaignID:     campaignID,
			ReferralCode:   fmt.Sprintf("BENCH-%x-%06d", run, i),
			ReferrerID:     fmt.Sprintf("referrer-%x-%d", run, i),
			RefereeID:      fmt.Sprintf("referee-%x-%d", run, i),
			IPAddress:      publicIP(rng),
			UserAgent:      userAgents[rng.Intn(len(userAgents))],
			AcceptLanguage: languages[rng.Intn(len(languages))],
		}

		switch sc {
		case ScenarioSelf:
			req.RefereeID = req.ReferrerID
		case ScenarioFarm:
			req.ReferrerID = fmt.Sprintf("farmer-%x", run)
			req.IPAddress = farmIP
			req.UserAgent = userAgents[0]
			req.AcceptLanguage = languages[0]
		case ScenarioVPN:
			req.IPAddress = fmt.Sprintf("10.%d.%d.%d", rng.Intn(256), rng.Intn(256), 1+rng.Intn(254))
		}

		traffic = append(traffic, SyntheticReferral{Scenario: sc, Request: req})
	}
	return traffic
}

// publicIP returns a random address outside private and shared ranges.
func publicIP(rng *rand.Rand) string {
	firstOctets := []int{23, 31, 45, 62, 81, 94, 109, 151, 176, 203}
	return fmt.Sprintf("%d.%d.%d.%d", firstOctets[rng.Intn(len(firstOctets))], rng.Intn(256), rng.Intn(256), 1+rng.Intn(254))
}

func runBenchmark(traffic []SyntheticReferral, baseURL, appID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{bySignal: make(map[string]int64)}

	work := make(chan SyntheticReferral, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for s := range work {
				start := time.Now()
				result, err := evaluateReferral(client, baseURL, appID, s.Request)
				elapsed := time.Since(start)

				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", s.Request.ReferralCode, err)
					}
					continue
				}
				metrics.record(elapsed, result)

				actual := s.IsFraud()
				if actual {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				predicted := result.IsFraud
				switch {
				case predicted && actual:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !actual:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if predicted != actual {
						status = "✗"
					}
					fmt.Printf("%s %-22s | %-5s | IP: %-15s | Score: %3d | Signals: %d\n",
						status,
						s.Request.ReferralCode,
						s.Scenario,
						s.Request.IPAddress,
						result.RiskScore,
						len(result.Signals),
					)
				}
			}
		}()
	}

	for _, s := range traffic {
		work <- s
	}
	close(work)

	wg.Wait()

	return metrics
}

func evaluateReferral(client *http.Client, baseURL, appID string, req EvaluateRequest) (*EvaluateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/referrals/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-App-ID", appID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 TRAFFIC\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Labelled Fraud:   %d\n", m.TotalFraud)
	fmt.Printf("   Labelled Clean:   %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   FLAGGED      CLEAN")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged, how many were abusive)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of abusive, how many were flagged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	if total := m.TotalFraud + m.TotalNonFraud; total > 0 {
		flagged := m.TruePositives + m.FalsePositives
		fmt.Printf("   Flag Rate:  %.2f%%\n", 100*float64(flagged)/float64(total))
	}

	if len(m.bySignal) > 0 {
		fmt.Printf("\n🔍 SIGNALS\n")
		types := make([]string, 0, len(m.bySignal))
		for t := range m.bySignal {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Printf("   %-28s %d\n", t, m.bySignal[t])
		}
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if len(m.latencies) > 0 {
		sorted := append([]time.Duration(nil), m.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		fmt.Printf("   p50 Latency:      %v\n", percentile(sorted, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:      %v\n", percentile(sorted, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:      %v\n", percentile(sorted, 0.99).Round(time.Microsecond))
		fmt.Printf("   Throughput:       %.2f req/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}

	fmt.Println()
}
