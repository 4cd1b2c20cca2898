package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/db"
)

func rlContext(tenant, user, realIP string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	ctx := req.Context()
	if tenant != "" {
		ctx = context.WithValue(ctx, db.TenantIDKey, tenant)
	}
	if user != "" {
		ctx = context.WithValue(ctx, auth.UserIDKey, user)
	}
	req = req.WithContext(ctx)
	if realIP != "" {
		req.Header.Set("X-Real-Ip", realIP)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRateLimit_AllowsWithinBurst(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 10, BurstSize: 3}
	mw := RateLimit(cfg)

	for i := 0; i < 3; i++ {
		c, rec := rlContext("hospital_a", "user-1", "")
		if err := mw(okHandler)(c); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "3" {
			t.Fatalf("expected limit header 3, got %q", got)
		}
		if rec.Header().Get("X-RateLimit-Remaining") == "" {
			t.Fatal("expected remaining header on every response")
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2}
	mw := RateLimit(cfg)

	for i := 0; i < 2; i++ {
		c, _ := rlContext("hospital_a", "user-1", "")
		if err := mw(okHandler)(c); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}

	c, rec := rlContext("hospital_a", "user-1", "")
	err := mw(okHandler)(c)
	if code := httpCode(t, err); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected remaining 0, got %q", got)
	}
}

func TestRateLimit_RefillsOverTime(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.nowFunc = func() time.Time { return now }
	mw := rateLimitMiddleware(store)

	c, _ := rlContext("hospital_a", "user-1", "")
	if err := mw(okHandler)(c); err != nil {
		t.Fatalf("first request: %v", err)
	}

	c, _ = rlContext("hospital_a", "user-1", "")
	if err := mw(okHandler)(c); err == nil {
		t.Fatal("expected second request to be limited")
	}

	now = now.Add(2 * time.Second)
	c, _ = rlContext("hospital_a", "user-1", "")
	if err := mw(okHandler)(c); err != nil {
		t.Fatalf("expected refill after 2s: %v", err)
	}
}

func TestRateLimit_TenantIsolation(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1}
	mw := RateLimit(cfg)

	c, _ := rlContext("hospital_a", "user-1", "")
	if err := mw(okHandler)(c); err != nil {
		t.Fatalf("tenant a: %v", err)
	}
	c, _ = rlContext("hospital_a", "user-1", "")
	if err := mw(okHandler)(c); err == nil {
		t.Fatal("expected tenant a to be exhausted")
	}

	c, _ = rlContext("hospital_b", "user-1", "")
	if err := mw(okHandler)(c); err != nil {
		t.Fatalf("same user under another tenant must have its own bucket: %v", err)
	}
	c, _ = rlContext("hospital_a", "user-2", "")
	if err := mw(okHandler)(c); err != nil {
		t.Fatalf("another user under the same tenant must have its own bucket: %v", err)
	}
}

func TestRateLimit_FallsBackToClientIP(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1}
	mw := RateLimit(cfg)

	c, _ := rlContext("", "", "203.0.113.5")
	if err := mw(okHandler)(c); err != nil {
		t.Fatalf("first ip: %v", err)
	}
	c, _ = rlContext("", "", "203.0.113.5")
	if err := mw(okHandler)(c); err == nil {
		t.Fatal("expected same ip to be exhausted")
	}

	c, _ = rlContext("", "", "203.0.113.6")
	if err := mw(okHandler)(c); err != nil {
		t.Fatalf("different ip must have its own bucket: %v", err)
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestTokenBucket_RetryAfterWithZeroRate(t *testing.T) {
	b := newTokenBucket(0, 1, time.Now())
	if got := b.retryAfter(); got != 1 {
		t.Fatalf("expected retryAfter 1 for zero rate, got %d", got)
	}
}

func TestRateLimiterStore_ReturnsSameBucket(t *testing.T) {
	store := newRateLimiterStore(DefaultRateLimitConfig())
	now := time.Now()
	b1 := store.getBucket("hospital_a|user-1", now)
	b2 := store.getBucket("hospital_a|user-1", now)
	if b1 != b2 {
		t.Fatal("expected the same bucket for the same key")
	}
	b3 := store.getBucket("hospital_a|user-2", now)
	if b1 == b3 {
		t.Fatal("expected distinct buckets for distinct keys")
	}
}
