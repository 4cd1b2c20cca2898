package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/platform/auth"
)

// Break-glass request headers. The flag header must carry the literal value
// "true" and a reason is mandatory.
const (
	BreakGlassHeader       = "X-Break-Glass"
	BreakGlassReasonHeader = "X-Break-Glass-Reason"
)

const (
	breakGlassMaxPerHour    = 10
	breakGlassCleanupPeriod = 5 * time.Minute
)

type breakGlassContextKey string

const (
	breakGlassKey       breakGlassContextKey = "break_glass"
	breakGlassReasonKey breakGlassContextKey = "break_glass_reason"
)

// breakGlassRateLimit tracks per-user invocation timestamps over a rolling
// one-hour window.
type breakGlassRateLimit struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func newBreakGlassRateLimit() *breakGlassRateLimit {
	return &breakGlassRateLimit{entries: make(map[string][]time.Time)}
}

// allow prunes timestamps older than an hour and admits the request if the
// user stays under maxPerHour. The caller supplies the clock.
func (rl *breakGlassRateLimit) allow(userID string, now time.Time, maxPerHour int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-1 * time.Hour)
	existing := rl.entries[userID]
	pruned := existing[:0]
	for _, ts := range existing {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= maxPerHour {
		rl.entries[userID] = pruned
		return false
	}

	rl.entries[userID] = append(pruned, now)
	return true
}

// cleanup drops users whose entries have all aged out.
func (rl *breakGlassRateLimit) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-1 * time.Hour)
	for userID, timestamps := range rl.entries {
		pruned := timestamps[:0]
		for _, ts := range timestamps {
			if ts.After(cutoff) {
				pruned = append(pruned, ts)
			}
		}
		if len(pruned) == 0 {
			delete(rl.entries, userID)
		} else {
			rl.entries[userID] = pruned
		}
	}
}

// BreakGlass handles the emergency access override on clinical paths. A
// request carrying X-Break-Glass: true and a reason gets the break-glass
// flag stored in its context, where consent enforcement and the audit trail
// pick it up. The caller must be authenticated and is limited to ten
// invocations per hour. The override grants no extra roles; RBAC still
// applies.
//
// Place after authentication and before consent enforcement.
func BreakGlass(logger zerolog.Logger) echo.MiddlewareFunc {
	rl := newBreakGlassRateLimit()

	go func() {
		ticker := time.NewTicker(breakGlassCleanupPeriod)
		defer ticker.Stop()
		for range ticker.C {
			rl.cleanup(time.Now())
		}
	}()

	return breakGlassMiddleware(logger, rl, time.Now)
}

// breakGlassMiddleware accepts the limiter and clock so tests can inject both.
func breakGlassMiddleware(logger zerolog.Logger, rl *breakGlassRateLimit, nowFn func() time.Time) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !auditablePath(path) {
				return next(c)
			}

			flag := strings.TrimSpace(req.Header.Get(BreakGlassHeader))
			if flag == "" {
				return next(c)
			}
			if !strings.EqualFold(flag, "true") {
				return echo.NewHTTPError(http.StatusBadRequest,
					"X-Break-Glass must be \"true\" when present")
			}

			reason := strings.TrimSpace(req.Header.Get(BreakGlassReasonHeader))
			if reason == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "break-glass requires a reason")
			}

			ctx := req.Context()
			userID := auth.UserIDFromContext(ctx)
			if userID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "break-glass requires authentication")
			}

			now := nowFn()
			if !rl.allow(userID, now, breakGlassMaxPerHour) {
				return echo.NewHTTPError(http.StatusTooManyRequests,
					"break-glass rate limit exceeded: maximum 10 requests per user per hour")
			}

			ctx = context.WithValue(ctx, breakGlassKey, true)
			ctx = context.WithValue(ctx, breakGlassReasonKey, reason)
			c.SetRequest(req.WithContext(ctx))

			logger.Warn().
				Str("user_id", userID).
				Str("break_glass_reason", reason).
				Str("path", path).
				Str("method", req.Method).
				Str("remote_ip", c.RealIP()).
				Msg("break-glass override invoked")

			return next(c)
		}
	}
}

// IsBreakGlass reports whether the request invoked the break-glass override.
func IsBreakGlass(ctx context.Context) bool {
	v, _ := ctx.Value(breakGlassKey).(bool)
	return v
}

// BreakGlassReason returns the stated reason, or "" outside break-glass.
func BreakGlassReason(ctx context.Context) string {
	v, _ := ctx.Value(breakGlassReasonKey).(string)
	return v
}
