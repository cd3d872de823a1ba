// Package health probes the facilitator fleet and maintains the
// per-facilitator health registry behind routing and discovery surfaces.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Z333Q/p402-router/internal/facilitator"
	"github.com/Z333Q/p402-router/internal/x402"
)

// Classification thresholds on the reported success rate. Exact boundaries:
// 0.98 is healthy, 0.90 is degraded.
const (
	healthyThreshold  = 0.98
	degradedThreshold = 0.90
)

// ProbeResult is the raw outcome of one HTTP check.
type ProbeResult struct {
	OK         bool
	LatencyMs  int64
	StatusCode int
	TimedOut   bool
	Error      string
	Stats      *StatsPayload
}

// StatsPayload is the optional stats document a facilitator's health
// endpoint may return. Both camelCase and snake_case keys are accepted.
type StatsPayload struct {
	SuccessRate *float64
	P95VerifyMs *float64
	P95SettleMs *float64
}

// statsWire tolerates both naming conventions on the wire.
type statsWire struct {
	SuccessRate      *float64 `json:"successRate"`
	SuccessRateSnake *float64 `json:"success_rate"`
	P95VerifyMs      *float64 `json:"p95VerifyMs"`
	P95VerifySnake   *float64 `json:"p95_verify_ms"`
	P95SettleMs      *float64 `json:"p95SettleMs"`
	P95SettleSnake   *float64 `json:"p95_settle_ms"`
}

func (w statsWire) payload() *StatsPayload {
	coalesce := func(a, b *float64) *float64 {
		if a != nil {
			return a
		}
		return b
	}
	p := &StatsPayload{
		SuccessRate: coalesce(w.SuccessRate, w.SuccessRateSnake),
		P95VerifyMs: coalesce(w.P95VerifyMs, w.P95VerifySnake),
		P95SettleMs: coalesce(w.P95SettleMs, w.P95SettleSnake),
	}
	if p.SuccessRate == nil && p.P95VerifyMs == nil && p.P95SettleMs == nil {
		return nil
	}
	return p
}

// Prober performs bounded-deadline HTTP checks against facilitators.
type Prober struct {
	httpClient *http.Client
}

// NewProber creates a prober. The per-probe deadline is applied through the
// request context, not the client, so callers can vary it per batch.
func NewProber(httpClient *http.Client) *Prober {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Prober{httpClient: httpClient}
}

// Probe performs one HTTP GET against the facilitator's stats path (or the
// base endpoint if unset) with a hard deadline. Timeouts and network
// failures are returned as classified results, never as errors, so one
// unreachable facilitator cannot abort a batch.
func (p *Prober) Probe(ctx context.Context, fac *x402.Facilitator, timeout time.Duration) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(fac.Endpoint, "/")
	if fac.StatsPath != "" {
		url += "/" + strings.TrimLeft(fac.StatsPath, "/")
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{OK: false, Error: fmt.Sprintf("invalid probe target: %v", err)}
	}

	if auth := facilitator.AuthFromConfig(fac.AuthConfig); auth != nil {
		if headers, err := auth.AuthHeaders(ctx); err == nil {
			for k, v := range headers {
				req.Header.Set(k, v)
			}
		}
	}

	resp, err := p.httpClient.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		result := ProbeResult{OK: false, LatencyMs: latency, Error: err.Error()}
		if errors.Is(err, context.DeadlineExceeded) {
			result.TimedOut = true
			result.Error = fmt.Sprintf("probe timed out after %s", timeout)
		}
		return result
	}
	defer resp.Body.Close()

	result := ProbeResult{LatencyMs: latency, StatusCode: resp.StatusCode}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.OK = true
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Protected endpoints are alive; auth rejection is a liveness signal.
		result.OK = true
	default:
		result.OK = false
		result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return result
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || len(body) == 0 {
		return result
	}
	var wire statsWire
	if err := json.Unmarshal(body, &wire); err == nil {
		result.Stats = wire.payload()
	}
	return result
}

// Classify folds a probe result into the facilitator's health record.
func Classify(facilitatorID string, r ProbeResult, now time.Time) *x402.FacilitatorHealth {
	h := &x402.FacilitatorHealth{
		FacilitatorID: facilitatorID,
		LatencyMs:     r.LatencyMs,
		LastCheckedAt: now.UTC(),
		LastError:     r.Error,
	}

	if !r.OK {
		h.Status = x402.HealthDown
		return h
	}

	if r.Stats == nil || r.Stats.SuccessRate == nil {
		// Endpoint responded but offered no success-rate signal:
		// healthy, latency-only.
		h.Status = x402.HealthHealthy
		if r.Stats != nil {
			copyPercentiles(h, r.Stats)
		}
		return h
	}

	rate := *r.Stats.SuccessRate
	h.SuccessRate = rate
	copyPercentiles(h, r.Stats)

	switch {
	case rate >= healthyThreshold:
		h.Status = x402.HealthHealthy
	case rate >= degradedThreshold:
		h.Status = x402.HealthDegraded
	default:
		h.Status = x402.HealthDown
	}
	return h
}

func copyPercentiles(h *x402.FacilitatorHealth, s *StatsPayload) {
	if s.P95VerifyMs != nil {
		h.P95VerifyMs = *s.P95VerifyMs
	}
	if s.P95SettleMs != nil {
		h.P95SettleMs = *s.P95SettleMs
	}
}
