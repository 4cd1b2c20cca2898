package fhir

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medledger/medledger/internal/platform/db"
)

// DefaultIdempotencyTTL bounds how long a cached write response can be
// replayed. 24 hours covers client retry windows for failed submissions.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyKey is one cached write response. Replays return the stored
// status, headers, and body byte for byte.
type IdempotencyKey struct {
	Key        string      `json:"key"`
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// IdempotencyStore persists cached responses. Implementations must be safe
// for concurrent use; store failures surface as misses, never as request
// errors.
type IdempotencyStore interface {
	Get(key string) (*IdempotencyKey, bool)
	Set(key string, entry *IdempotencyKey)
	Delete(key string)
}

// InMemoryIdempotencyStore keeps cached responses in process memory. Good
// for a single replica or development; multi-replica deployments use the
// Redis-backed store so retries can land anywhere.
type InMemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*IdempotencyKey
	ttl     time.Duration
	nowFunc func() time.Time
	stop    chan struct{}
}

func NewInMemoryIdempotencyStore(ttl time.Duration) *InMemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	s := &InMemoryIdempotencyStore{
		entries: make(map[string]*IdempotencyKey),
		ttl:     ttl,
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *InMemoryIdempotencyStore) janitor() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// Stop ends the background sweep goroutine.
func (s *InMemoryIdempotencyStore) Stop() {
	close(s.stop)
}

func (s *InMemoryIdempotencyStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for key, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, key)
		}
	}
}

// Get returns a copy of the cached entry so callers cannot mutate the
// stored response. Expired entries read as misses even before the sweep
// removes them.
func (s *InMemoryIdempotencyStore) Get(key string) (*IdempotencyKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok || s.nowFunc().After(entry.ExpiresAt) {
		return nil, false
	}
	return cloneEntry(entry), true
}

func (s *InMemoryIdempotencyStore) Set(key string, entry *IdempotencyKey) {
	cp := cloneEntry(entry)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.nowFunc()
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = cp.CreatedAt.Add(s.ttl)
	}
	s.mu.Lock()
	s.entries[key] = cp
	s.mu.Unlock()
}

func (s *InMemoryIdempotencyStore) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func cloneEntry(entry *IdempotencyKey) *IdempotencyKey {
	cp := *entry
	if entry.Headers != nil {
		cp.Headers = entry.Headers.Clone()
	}
	cp.Body = append([]byte(nil), entry.Body...)
	return &cp
}

// IdempotencyMiddleware replays cached responses for POST, PUT, and PATCH
// requests carrying an Idempotency-Key header (X-Idempotency-Key is accepted
// for older clients). Keys are scoped to the tenant. A replay carries
// X-Idempotency-Replayed: true; reusing a key for a different method or path
// is answered with 422. Handler errors are not cached, so a failed
// submission can be retried under the same key.
func IdempotencyMiddleware(store IdempotencyStore) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			method := c.Request().Method
			switch method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
			default:
				return next(c)
			}

			key := c.Request().Header.Get("Idempotency-Key")
			if key == "" {
				key = c.Request().Header.Get("X-Idempotency-Key")
			}
			if key == "" {
				return next(c)
			}
			if tenant := db.TenantFromContext(c.Request().Context()); tenant != "" {
				key = tenant + ":" + key
			}

			path := c.Request().URL.Path
			if cached, ok := store.Get(key); ok {
				if cached.Method != method || cached.Path != path {
					return c.JSON(http.StatusUnprocessableEntity, NewOperationOutcome(
						IssueSeverityError, IssueTypeProcessing,
						"idempotency key already used for a different operation"))
				}
				resp := c.Response()
				for k, vals := range cached.Headers {
					for _, v := range vals {
						resp.Header().Set(k, v)
					}
				}
				resp.Header().Set("X-Idempotency-Replayed", "true")
				resp.WriteHeader(cached.StatusCode)
				_, err := resp.Write(cached.Body)
				return err
			}

			orig := c.Response().Writer
			rec := newReplayRecorder(orig)
			c.Response().Writer = rec

			if err := next(c); err != nil {
				c.Response().Writer = orig
				return err
			}
			c.Response().Writer = orig

			store.Set(key, &IdempotencyKey{
				Key:        key,
				Method:     method,
				Path:       path,
				StatusCode: rec.status,
				Headers:    rec.header,
				Body:       rec.body.Bytes(),
			})

			for k, vals := range rec.header {
				for _, v := range vals {
					orig.Header().Set(k, v)
				}
			}
			orig.WriteHeader(rec.status)
			_, err := orig.Write(rec.body.Bytes())
			return err
		}
	}
}

// replayRecorder buffers the handler's response so it can be cached before
// anything reaches the client.
type replayRecorder struct {
	http.ResponseWriter
	header http.Header
	body   bytes.Buffer
	status int
	wrote  bool
}

func newReplayRecorder(w http.ResponseWriter) *replayRecorder {
	return &replayRecorder{ResponseWriter: w, header: make(http.Header), status: http.StatusOK}
}

func (r *replayRecorder) Header() http.Header {
	return r.header
}

func (r *replayRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
}

func (r *replayRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.body.Write(b)
}
