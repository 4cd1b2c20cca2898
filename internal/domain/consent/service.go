package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/domain/ledger"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/db"
)

// expireBatch bounds how many consents one sweep pass loads.
const expireBatch = 100

// Auditor records consent lifecycle changes on the tamper-evident ledger.
type Auditor interface {
	Append(ctx context.Context, e ledger.Event) (*ledger.Event, error)
}

type Service struct {
	repo    Repository
	auditor Auditor
	cache   *DecisionCache
	logger  zerolog.Logger
}

func NewService(repo Repository, auditor Auditor, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		auditor: auditor,
		logger:  logger.With().Str("component", "consent").Logger(),
	}
}

// SetCache wires the enforcement decision cache so grants and revocations
// drop stale cached decisions.
func (s *Service) SetCache(c *DecisionCache) {
	s.cache = c
}

// statusChange is the shape stored in status_detail: who moved the consent
// into its current status, when, and why.
type statusChange struct {
	Status    Status    `json:"status"`
	ChangedBy string    `json:"changed_by,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
	Reason    string    `json:"reason,omitempty"`
}

func statusDetail(status Status, actor, reason string, at time.Time) json.RawMessage {
	raw, _ := json.Marshal(statusChange{Status: status, ChangedBy: actor, ChangedAt: at, Reason: reason})
	return raw
}

func actorFromContext(ctx context.Context) string {
	if m := ledger.MetaFromContext(ctx); m.ActorID != "" {
		return m.ActorID
	}
	return auth.UserIDFromContext(ctx)
}

// Grant validates and stores a new active consent. Any active consent for
// the same patient, scope, and overlapping actors is superseded in the same
// transaction: moved to inactive before the new record is created.
func (s *Service) Grant(ctx context.Context, c Consent) (*Consent, error) {
	if c.PatientID == "" {
		return nil, errors.New("patient id is required")
	}
	if !ValidScope(c.Scope) {
		return nil, fmt.Errorf("invalid consent scope %q", c.Scope)
	}
	switch c.Provision.Type {
	case "":
		c.Provision.Type = "permit"
	case "permit", "deny":
	default:
		return nil, fmt.Errorf("invalid provision type %q", c.Provision.Type)
	}

	now := time.Now().UTC()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.FHIRID == "" {
		c.FHIRID = uuid.NewString()
	}
	actor := actorFromContext(ctx)
	c.Status = StatusActive
	c.StatusDetail = statusDetail(StatusActive, actor, "granted", now)
	c.CreatedAt = now
	c.UpdatedAt = now

	grant := func(txCtx context.Context) error {
		actives, err := s.repo.ListActiveForPatient(txCtx, c.PatientID)
		if err != nil {
			return err
		}
		for _, old := range actives {
			if old.Scope != c.Scope || !actorsOverlap(old.Provision.Actors, c.Provision.Actors) {
				continue
			}
			old.Status = StatusInactive
			old.StatusDetail = statusDetail(StatusInactive, actor, "superseded by "+c.FHIRID, now)
			old.UpdatedAt = now
			if err := s.repo.Update(txCtx, old); err != nil {
				return err
			}
			if err := s.audit(txCtx, ledger.ActionUpdate, old, map[string]string{
				"reason":        "superseded",
				"superseded_by": c.FHIRID,
			}); err != nil {
				return err
			}
		}
		if err := s.repo.Create(txCtx, &c); err != nil {
			return err
		}
		return s.audit(txCtx, ledger.ActionCreate, &c, map[string]string{"reason": "granted"})
	}

	var err error
	if db.TxFromContext(ctx) != nil {
		err = grant(ctx)
	} else {
		err = db.RunInTx(ctx, grant)
	}
	if err != nil {
		return nil, err
	}

	s.invalidate(c.PatientID)
	s.logger.Info().
		Str("consent", c.FHIRID).
		Str("patient", c.PatientID).
		Str("scope", string(c.Scope)).
		Msg("consent granted")
	return &c, nil
}

// Revoke moves an active consent to inactive and records who and why in the
// status detail.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID, reason string) (*Consent, error) {
	if reason == "" {
		reason = "revoked"
	}

	var out *Consent
	revoke := func(txCtx context.Context) error {
		c, err := s.repo.GetByID(txCtx, id)
		if err != nil {
			return err
		}
		if c.Status != StatusActive {
			return fmt.Errorf("consent %s: %w", c.FHIRID, ErrNotActive)
		}
		now := time.Now().UTC()
		c.Status = StatusInactive
		c.StatusDetail = statusDetail(StatusInactive, actorFromContext(txCtx), reason, now)
		c.UpdatedAt = now
		if err := s.repo.Update(txCtx, c); err != nil {
			return err
		}
		if err := s.audit(txCtx, ledger.ActionUpdate, c, map[string]string{"reason": reason}); err != nil {
			return err
		}
		out = c
		return nil
	}

	var err error
	if db.TxFromContext(ctx) != nil {
		err = revoke(ctx)
	} else {
		err = db.RunInTx(ctx, revoke)
	}
	if err != nil {
		return nil, err
	}

	s.invalidate(out.PatientID)
	s.logger.Info().Str("consent", out.FHIRID).Str("reason", reason).Msg("consent revoked")
	return out, nil
}

// Expire sweeps active consents whose provision period has ended and moves
// them to inactive. Returns how many were expired.
func (s *Service) Expire(ctx context.Context) (int, error) {
	total := 0
	for {
		batch, err := s.repo.ListActiveExpired(ctx, time.Now().UTC(), expireBatch)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}

		sweep := func(txCtx context.Context) error {
			now := time.Now().UTC()
			for _, c := range batch {
				c.Status = StatusInactive
				c.StatusDetail = statusDetail(StatusInactive, "system", "expired", now)
				c.UpdatedAt = now
				if err := s.repo.Update(txCtx, c); err != nil {
					return err
				}
				if err := s.audit(txCtx, ledger.ActionUpdate, c, map[string]string{"reason": "expired"}); err != nil {
					return err
				}
			}
			return nil
		}
		if db.TxFromContext(ctx) != nil {
			err = sweep(ctx)
		} else {
			err = db.RunInTx(ctx, sweep)
		}
		if err != nil {
			return total, err
		}
		for _, c := range batch {
			s.invalidate(c.PatientID)
		}
		total += len(batch)
	}
	if total > 0 {
		s.logger.Info().Int("expired", total).Msg("consent expiry sweep complete")
	}
	return total, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Consent, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByFHIRID(ctx context.Context, fhirID string) (*Consent, error) {
	return s.repo.GetByFHIRID(ctx, fhirID)
}

func (s *Service) GetActiveForPatient(ctx context.Context, patientID string) ([]*Consent, error) {
	return s.repo.ListActiveForPatient(ctx, patientID)
}

func (s *Service) List(ctx context.Context, patientID string, status Status, limit, offset int) ([]*Consent, int, error) {
	if status != "" && !ValidStatus(status) {
		return nil, 0, fmt.Errorf("invalid consent status %q", status)
	}
	return s.repo.List(ctx, patientID, status, limit, offset)
}

// Decide loads the patient's active consents and evaluates the request.
func (s *Service) Decide(ctx context.Context, req AccessRequest) (Decision, error) {
	policies, err := s.repo.ListActiveForPatient(ctx, req.PatientID)
	if err != nil {
		return DecisionNoConsent, err
	}
	return Evaluate(policies, req), nil
}

func (s *Service) invalidate(patientID string) {
	if s.cache != nil {
		s.cache.InvalidatePatient(patientID)
	}
}

func (s *Service) audit(ctx context.Context, action string, c *Consent, detail map[string]string) error {
	meta := ledger.MetaFromContext(ctx)
	actor := meta.ActorID
	if actor == "" {
		actor = auth.UserIDFromContext(ctx)
	}
	if detail == nil {
		detail = map[string]string{}
	}
	detail["patient_id"] = c.PatientID

	subtype := "update"
	if action == ledger.ActionCreate {
		subtype = "create"
	}
	_, err := s.auditor.Append(ctx, ledger.Event{
		TypeCode:    "rest",
		SubtypeCode: subtype,
		Action:      action,
		AgentID:     actor,
		AgentIP:     meta.IP,
		EntityType:  "Consent",
		EntityID:    c.FHIRID,
		PurposeCode: meta.Purpose,
		RequestID:   meta.RequestID,
		Detail:      detail,
	})
	return err
}
