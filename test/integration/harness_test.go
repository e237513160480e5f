package integration

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		resp := h.GET("/health", "")
		var body map[string]string
		h.AssertJSON(t, resp, http.StatusOK, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %q, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		resp := h.GET("/ready", "")
		h.AssertStatus(t, resp, http.StatusOK)
	})
}

func TestHarness_MetricsExposed(t *testing.T) {
	h := NewTestHarness(t)
	h.CreateClaim(t, h.GenerateToken(ClientClaims("client-1")))

	resp := h.GET("/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "claimflow_claims_created_total") {
		t.Error("metrics output missing claimflow_claims_created_total")
	}
}

func TestHarness_JWKSFetchedOnce(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ClientClaims("client-1"))

	for range 5 {
		h.AssertStatus(t, h.GET("/api/claims", token), http.StatusOK)
	}
	if got := h.Issuer().JWKSFetches(); got != 1 {
		t.Errorf("JWKS fetches = %d, want 1 (keys are cached)", got)
	}
}
