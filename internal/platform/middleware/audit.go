package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/domain/ledger"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/db"
)

// PurposeEmergency is the v3-ActReason code stamped on break-glass accesses.
const PurposeEmergency = "ETREAT"

const (
	defaultAuditQueue = 1024
	auditWriteTimeout = 5 * time.Second
)

// Auditor is the slice of the ledger service the audit trail needs.
type Auditor interface {
	Append(ctx context.Context, e ledger.Event) (*ledger.Event, error)
}

type auditJob struct {
	tenant string
	event  ledger.Event
}

// AuditWriter appends access events to the ledger off the request path. The
// queue is bounded: when it fills, events are dropped and counted rather
// than stalling responses. Each append runs on its own tenant-scoped
// connection because the originating request context is gone by the time
// the worker picks the job up.
type AuditWriter struct {
	auditor Auditor
	pool    *pgxpool.Pool
	queue   chan auditJob
	logger  zerolog.Logger
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewAuditWriter starts the background worker. pool may be nil when the
// auditor does not need a database connection.
func NewAuditWriter(auditor Auditor, pool *pgxpool.Pool, queueSize int, logger zerolog.Logger) *AuditWriter {
	if queueSize <= 0 {
		queueSize = defaultAuditQueue
	}
	w := &AuditWriter{
		auditor: auditor,
		pool:    pool,
		queue:   make(chan auditJob, queueSize),
		logger:  logger.With().Str("component", "audit_trail").Logger(),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue offers an event to the worker without blocking.
func (w *AuditWriter) Enqueue(tenant string, e ledger.Event) {
	select {
	case w.queue <- auditJob{tenant: tenant, event: e}:
	default:
		n := w.dropped.Add(1)
		if n%100 == 1 {
			w.logger.Warn().Int64("dropped", n).Msg("audit queue full, dropping events")
		}
	}
}

// Dropped reports how many events were discarded due to a full queue.
func (w *AuditWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Close drains the queue and stops the worker.
func (w *AuditWriter) Close() {
	close(w.queue)
	w.wg.Wait()
}

func (w *AuditWriter) run() {
	defer w.wg.Done()
	for job := range w.queue {
		w.write(job)
	}
}

func (w *AuditWriter) write(job auditJob) {
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()

	if w.pool != nil && job.tenant != "" {
		scoped, release, err := db.ScopeToTenant(ctx, w.pool, job.tenant)
		if err != nil {
			w.logger.Error().Err(err).Str("tenant", job.tenant).Msg("audit append: tenant scope failed")
			return
		}
		defer release()
		ctx = scoped
	}

	if _, err := w.auditor.Append(ctx, job.event); err != nil {
		w.logger.Error().Err(err).Str("tenant", job.tenant).Msg("audit append failed")
	}
}

// Audit records every FHIR and API access on the ledger. Before the handler
// runs it attaches ledger.RequestMeta (actor, IP, request id, purpose of
// use, break-glass flag) to the request context so domain services can
// attribute their own events; after the response it classifies the request
// and queues an access event. Break-glass accesses are stamped with purpose
// ETREAT and a review-level outcome even on success.
func Audit(writer *AuditWriter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !auditablePath(req.URL.Path) {
				return next(c)
			}

			ctx := req.Context()
			rid, _ := c.Get("request_id").(string)
			meta := ledger.RequestMeta{
				ActorID:    auth.UserIDFromContext(ctx),
				IP:         c.RealIP(),
				RequestID:  rid,
				Purpose:    req.Header.Get("X-Purpose-Of-Use"),
				BreakGlass: IsBreakGlass(ctx),
			}
			if meta.BreakGlass && meta.Purpose == "" {
				meta.Purpose = PurposeEmergency
			}
			c.SetRequest(req.WithContext(ledger.WithRequestMeta(ctx, meta)))

			err := next(c)

			writer.Enqueue(db.TenantFromContext(c.Request().Context()), accessEvent(c, meta, err))
			return err
		}
	}
}

func accessEvent(c echo.Context, meta ledger.RequestMeta, err error) ledger.Event {
	req := c.Request()
	status := c.Response().Status
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
	} else if err != nil {
		status = http.StatusInternalServerError
	}

	entityType, entityID := entityFromPath(req.URL.Path)
	e := ledger.Event{
		TypeCode:    "rest",
		SubtypeCode: requestSubtype(req),
		Action:      requestAction(req.Method),
		Outcome:     outcomeFromStatus(status),
		AgentID:     meta.ActorID,
		AgentIP:     meta.IP,
		EntityType:  entityType,
		EntityID:    entityID,
		PurposeCode: meta.Purpose,
		RequestID:   meta.RequestID,
		Detail: map[string]string{
			"method": req.Method,
			"path":   req.URL.Path,
			"status": strconv.Itoa(status),
		},
	}

	if meta.BreakGlass {
		e.PurposeCode = PurposeEmergency
		if e.Outcome == ledger.OutcomeSuccess {
			e.Outcome = ledger.OutcomeMinor
		}
		e.Detail["break_glass"] = "true"
		if reason := BreakGlassReason(req.Context()); reason != "" {
			e.Detail["break_glass_reason"] = reason
		}
	}
	return e
}

func auditablePath(path string) bool {
	return path == "/fhir" || strings.HasPrefix(path, "/fhir/") || strings.HasPrefix(path, "/api/v1/")
}

// entityFromPath pulls the audited entity out of the URL: the first segment
// after the API prefix is the type, the second (when it is a plain id, not
// an operation or search page) is the id. POST /fhir itself is a Bundle
// submission.
func entityFromPath(path string) (string, string) {
	var rest string
	switch {
	case path == "/fhir":
		return "Bundle", ""
	case strings.HasPrefix(path, "/fhir/"):
		rest = strings.TrimPrefix(path, "/fhir/")
	case strings.HasPrefix(path, "/api/v1/"):
		rest = strings.TrimPrefix(path, "/api/v1/")
	default:
		return "", ""
	}

	segs := strings.Split(rest, "/")
	if segs[0] == "" {
		return "", ""
	}
	entityType := segs[0]
	if len(segs) > 1 && segs[1] != "" &&
		!strings.HasPrefix(segs[1], "$") && !strings.HasPrefix(segs[1], "_") {
		return entityType, segs[1]
	}
	return entityType, ""
}

func requestAction(method string) string {
	switch method {
	case http.MethodPost:
		return ledger.ActionCreate
	case http.MethodPut, http.MethodPatch:
		return ledger.ActionUpdate
	case http.MethodDelete:
		return ledger.ActionDelete
	case http.MethodGet, http.MethodHead:
		return ledger.ActionRead
	default:
		return ledger.ActionExecute
	}
}

func requestSubtype(req *http.Request) string {
	switch req.Method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		if req.URL.RawQuery != "" {
			return "search-type"
		}
		return "read"
	}
}

func outcomeFromStatus(status int) int {
	switch {
	case status >= 500:
		return ledger.OutcomeSerious
	case status >= 400:
		return ledger.OutcomeMinor
	default:
		return ledger.OutcomeSuccess
	}
}
