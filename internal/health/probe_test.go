package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Z333Q/p402-router/internal/x402"
)

func floatPtr(v float64) *float64 { return &v }

func TestClassifyThresholds(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		rate float64
		want x402.HealthStatus
	}{
		{name: "exactly healthy boundary", rate: 0.98, want: x402.HealthHealthy},
		{name: "just below healthy", rate: 0.979999, want: x402.HealthDegraded},
		{name: "exactly degraded boundary", rate: 0.90, want: x402.HealthDegraded},
		{name: "just below degraded", rate: 0.899999, want: x402.HealthDown},
		{name: "perfect", rate: 1.0, want: x402.HealthHealthy},
		{name: "zero", rate: 0, want: x402.HealthDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ProbeResult{OK: true, LatencyMs: 12, Stats: &StatsPayload{SuccessRate: floatPtr(tt.rate)}}
			h := Classify("fac-1", result, now)
			assert.Equal(t, tt.want, h.Status)
			assert.Equal(t, tt.rate, h.SuccessRate)
			assert.Equal(t, now, h.LastCheckedAt)
		})
	}
}

func TestClassifyNoStats(t *testing.T) {
	// A responsive endpoint with no success-rate signal is healthy.
	h := Classify("fac-1", ProbeResult{OK: true, LatencyMs: 30}, time.Now())
	assert.Equal(t, x402.HealthHealthy, h.Status)
	assert.Zero(t, h.SuccessRate)

	// Percentiles without a success rate still carry through.
	h = Classify("fac-1", ProbeResult{
		OK:    true,
		Stats: &StatsPayload{P95VerifyMs: floatPtr(120), P95SettleMs: floatPtr(800)},
	}, time.Now())
	assert.Equal(t, x402.HealthHealthy, h.Status)
	assert.Equal(t, float64(120), h.P95VerifyMs)
	assert.Equal(t, float64(800), h.P95SettleMs)
}

func TestClassifyDown(t *testing.T) {
	h := Classify("fac-1", ProbeResult{OK: false, Error: "connection refused"}, time.Now())
	assert.Equal(t, x402.HealthDown, h.Status)
	assert.Equal(t, "connection refused", h.LastError)
}

func TestProbeParsesStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/stats", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]float64{
			"successRate": 0.995,
			"p95VerifyMs": 80,
		})
	}))
	defer server.Close()

	p := NewProber(nil)
	result := p.Probe(context.Background(), &x402.Facilitator{
		ID:        "fac-1",
		Endpoint:  server.URL,
		StatsPath: "/stats",
	}, time.Second)

	assert.True(t, result.OK)
	require.NotNil(t, result.Stats)
	require.NotNil(t, result.Stats.SuccessRate)
	assert.Equal(t, 0.995, *result.Stats.SuccessRate)
	assert.Equal(t, float64(80), *result.Stats.P95VerifyMs)
}

func TestProbeAcceptsSnakeCaseStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]float64{"success_rate": 0.93})
	}))
	defer server.Close()

	p := NewProber(nil)
	result := p.Probe(context.Background(), &x402.Facilitator{ID: "fac-1", Endpoint: server.URL}, time.Second)
	require.NotNil(t, result.Stats)
	assert.Equal(t, 0.93, *result.Stats.SuccessRate)
}

func TestProbeAuthRejectionIsAlive(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		p := NewProber(nil)
		result := p.Probe(context.Background(), &x402.Facilitator{ID: "fac-1", Endpoint: server.URL}, time.Second)
		assert.True(t, result.OK, "status %d should count as alive", status)
		server.Close()
	}
}

func TestProbeServerErrorIsDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewProber(nil)
	result := p.Probe(context.Background(), &x402.Facilitator{ID: "fac-1", Endpoint: server.URL}, time.Second)
	assert.False(t, result.OK)
	assert.Contains(t, result.Error, "500")
}

func TestProbeTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	p := NewProber(nil)
	start := time.Now()
	result := p.Probe(context.Background(), &x402.Facilitator{ID: "fac-1", Endpoint: server.URL}, 50*time.Millisecond)
	assert.False(t, result.OK)
	assert.True(t, result.TimedOut)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestProbeSendsAuthHeaders(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	p := NewProber(nil)
	p.Probe(context.Background(), &x402.Facilitator{
		ID:         "fac-1",
		Endpoint:   server.URL,
		AuthConfig: json.RawMessage(`{"type":"bearer","token":"tok"}`),
	}, time.Second)
	assert.Equal(t, "Bearer tok", gotAuth)
}
