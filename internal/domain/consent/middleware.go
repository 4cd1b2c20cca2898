package consent

import (
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/domain/ledger"
	"github.com/medledger/medledger/internal/platform/db"
	"github.com/medledger/medledger/internal/platform/fhir"
)

const (
	// DecisionHeader reports the consent decision applied to the request.
	DecisionHeader = "X-Consent-Decision"

	defaultCacheSize = 4096
	defaultCacheTTL  = 30 * time.Second
)

// DecisionCache memoizes raw evaluation results per tenant, patient, actor,
// resource type, and purpose. Entries age out on their own; grants and
// revocations drop a patient's entries immediately.
type DecisionCache struct {
	lru *expirable.LRU[string, Decision]
}

func NewDecisionCache(size int, ttl time.Duration) *DecisionCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &DecisionCache{lru: expirable.NewLRU[string, Decision](size, nil, ttl)}
}

func cacheKey(tenant, patient, actor, resourceType, purpose string) string {
	return tenant + "|" + patient + "|" + actor + "|" + resourceType + "|" + purpose
}

func (c *DecisionCache) get(key string) (Decision, bool) {
	return c.lru.Get(key)
}

func (c *DecisionCache) put(key string, d Decision) {
	c.lru.Add(key, d)
}

// InvalidatePatient drops every cached decision for the patient.
func (c *DecisionCache) InvalidatePatient(patientID string) {
	for _, key := range c.lru.Keys() {
		parts := strings.Split(key, "|")
		if len(parts) > 1 && parts[1] == patientID {
			c.lru.Remove(key)
		}
	}
}

// EnforcementConfig controls the consent enforcement middleware.
type EnforcementConfig struct {
	// Default applies when evaluation yields no-consent. Empty means permit
	// (opt-out enforcement).
	Default Decision

	// RequireConsent treats no-consent as deny regardless of Default.
	RequireConsent bool

	// ExemptResourceTypes bypass enforcement entirely.
	ExemptResourceTypes []string
}

// Enforcement returns echo middleware that evaluates consent policies for
// requests carrying patient context (X-Patient-ID header or :patientId
// param). Denies are answered with a 403 OperationOutcome and recorded on
// the ledger; every response carries X-Consent-Decision. The cache holds raw
// evaluation results, so config changes take effect without invalidation.
// A break-glass request turns an evaluated deny into a permit, and the
// override itself is recorded.
func Enforcement(svc *Service, cache *DecisionCache, auditor Auditor, cfg EnforcementConfig, logger zerolog.Logger) echo.MiddlewareFunc {
	exempt := make(map[string]bool, len(cfg.ExemptResourceTypes))
	for _, rt := range cfg.ExemptResourceTypes {
		exempt[rt] = true
	}
	log := logger.With().Str("component", "consent_enforcement").Logger()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			resourceType := resourceTypeFromPath(c.Request().URL.Path)
			if exempt[resourceType] {
				c.Response().Header().Set(DecisionHeader, string(DecisionPermit))
				return next(c)
			}

			patientID := c.Request().Header.Get("X-Patient-ID")
			if patientID == "" {
				patientID = c.Param("patientId")
			}
			if patientID == "" {
				decision := cfg.Default
				if decision == "" {
					decision = DecisionPermit
				}
				c.Response().Header().Set(DecisionHeader, string(decision))
				if decision == DecisionDeny {
					return c.JSON(http.StatusForbidden, fhir.NewOperationOutcome(
						"error", "forbidden",
						"access denied: no patient context and consent is required"))
				}
				return next(c)
			}

			ctx := c.Request().Context()
			meta := ledger.MetaFromContext(ctx)

			req := AccessRequest{
				PatientID:    patientID,
				ResourceType: resourceType,
				AccessTime:   time.Now().UTC(),
			}
			if actor := c.Request().Header.Get("X-Actor-Reference"); actor != "" {
				req.ActorReference = actor
			} else {
				req.ActorReference = meta.ActorID
			}
			req.Purpose = meta.Purpose
			if req.Purpose == "" {
				req.Purpose = c.Request().Header.Get("X-Purpose-Of-Use")
			}
			if labels := c.Request().Header.Get("X-Security-Labels"); labels != "" {
				parts := strings.Split(labels, ",")
				for i := range parts {
					parts[i] = strings.TrimSpace(parts[i])
				}
				req.SecurityLabels = parts
			}

			key := cacheKey(db.TenantFromContext(ctx), patientID, req.ActorReference, resourceType, req.Purpose)
			var (
				raw Decision
				hit bool
			)
			if cache != nil {
				raw, hit = cache.get(key)
			}
			if !hit {
				var err error
				raw, err = svc.Decide(ctx, req)
				if err != nil {
					log.Error().Err(err).Str("patient", patientID).Msg("consent evaluation failed")
					return c.JSON(http.StatusInternalServerError,
						fhir.ErrorOutcome("consent evaluation failed"))
				}
				if cache != nil {
					cache.put(key, raw)
				}
			}

			decision := raw
			if decision == DecisionNoConsent {
				switch {
				case cfg.RequireConsent:
					decision = DecisionDeny
				case cfg.Default != "":
					decision = cfg.Default
				default:
					decision = DecisionPermit
				}
			}

			if decision == DecisionDeny && meta.BreakGlass {
				decision = DecisionPermit
				log.Warn().
					Str("patient", patientID).
					Str("actor", req.ActorReference).
					Str("resource_type", resourceType).
					Msg("break-glass override of consent deny")
				if auditor != nil {
					detail := map[string]string{
						"decision":      string(DecisionPermit),
						"resource_type": resourceType,
						"break_glass":   "true",
					}
					if err := auditDecision(auditor, c, patientID, meta, detail); err != nil {
						log.Warn().Err(err).Str("patient", patientID).Msg("break-glass override not audited")
					}
				}
			}

			c.Response().Header().Set(DecisionHeader, string(decision))

			if decision == DecisionDeny {
				if auditor != nil {
					detail := map[string]string{
						"decision":      string(DecisionDeny),
						"resource_type": resourceType,
					}
					if err := auditDecision(auditor, c, patientID, meta, detail); err != nil {
						// The request is refused either way; losing the deny
						// record must not turn a 403 into a 500.
						log.Warn().Err(err).Str("patient", patientID).Msg("consent deny not audited")
					}
				}
				return c.JSON(http.StatusForbidden, fhir.NewOperationOutcome(
					"error", "forbidden",
					"access denied by consent policy"))
			}
			return next(c)
		}
	}
}

func auditDecision(auditor Auditor, c echo.Context, patientID string, meta ledger.RequestMeta, detail map[string]string) error {
	ctx := c.Request().Context()
	actor := meta.ActorID
	if actor == "" {
		actor = c.Request().Header.Get("X-Actor-Reference")
	}
	ip := meta.IP
	if ip == "" {
		ip = c.RealIP()
	}
	purpose := meta.Purpose
	if purpose == "" {
		purpose = c.Request().Header.Get("X-Purpose-Of-Use")
	}

	_, err := auditor.Append(ctx, ledger.Event{
		TypeCode:    "rest",
		SubtypeCode: methodSubtype(c.Request().Method),
		Action:      methodAction(c.Request().Method),
		Outcome:     ledger.OutcomeMinor,
		AgentID:     actor,
		AgentIP:     ip,
		EntityType:  "Patient",
		EntityID:    patientID,
		PurposeCode: purpose,
		RequestID:   meta.RequestID,
		Detail:      detail,
	})
	return err
}

func methodAction(method string) string {
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

func methodSubtype(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceTypeFromPath extracts the FHIR resource type from a URL path: the
// first segment starting with an uppercase letter, per FHIR naming.
func resourceTypeFromPath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for _, seg := range segments {
		if len(seg) > 0 && seg[0] >= 'A' && seg[0] <= 'Z' {
			return seg
		}
	}
	return ""
}
