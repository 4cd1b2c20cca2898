package consent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medledger/medledger/internal/platform/fhir"
)

var (
	ErrNotFound  = errors.New("consent not found")
	ErrNotActive = errors.New("consent is not active")
)

// Scope categorizes the broad policy area of a consent.
type Scope string

const (
	ScopePatientPrivacy Scope = "patient-privacy"
	ScopeResearch       Scope = "research"
	ScopeADR            Scope = "adr"
	ScopeTreatment      Scope = "treatment"
)

func ValidScope(s Scope) bool {
	switch s {
	case ScopePatientPrivacy, ScopeResearch, ScopeADR, ScopeTreatment:
		return true
	}
	return false
}

// Status is the consent lifecycle state.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusProposed       Status = "proposed"
	StatusActive         Status = "active"
	StatusRejected       Status = "rejected"
	StatusInactive       Status = "inactive"
	StatusEnteredInError Status = "entered-in-error"
)

func ValidStatus(s Status) bool {
	switch s {
	case StatusDraft, StatusProposed, StatusActive, StatusRejected, StatusInactive, StatusEnteredInError:
		return true
	}
	return false
}

// Decision is the outcome of evaluating consent policies against an access.
type Decision string

const (
	DecisionPermit    Decision = "permit"
	DecisionDeny      Decision = "deny"
	DecisionNoConsent Decision = "no-consent"
)

// Actor identifies a party a provision applies to, by FHIR reference.
type Actor struct {
	Role      string `json:"role,omitempty"`
	Reference string `json:"reference"`
}

// Provision is the structured permit/deny rule of a consent. Empty slices
// and nil periods place no restriction on their dimension.
type Provision struct {
	Type            string       `json:"type"`
	Period          *fhir.Period `json:"period,omitempty"`
	Actors          []Actor      `json:"actors,omitempty"`
	Actions         []string     `json:"actions,omitempty"`
	Purposes        []string     `json:"purposes,omitempty"`
	ResourceClasses []string     `json:"resourceClasses,omitempty"`
	SecurityLabels  []string     `json:"securityLabels,omitempty"`
	DataPeriod      *fhir.Period `json:"dataPeriod,omitempty"`
}

// Consent is one stored consent record. StatusDetail is the audit trail of
// status changes: who moved it, when, and why.
type Consent struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	FHIRID       string          `db:"fhir_id" json:"fhir_id"`
	PatientID    string          `db:"patient_id" json:"patient_id"`
	Scope        Scope           `db:"scope" json:"scope"`
	Status       Status          `db:"status" json:"status"`
	StatusDetail json.RawMessage `db:"status_detail" json:"status_detail,omitempty"`
	Provision    Provision       `db:"provision" json:"provision"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// AccessRequest describes one access to be checked against consent policies.
type AccessRequest struct {
	PatientID      string
	ActorReference string
	ResourceType   string
	Purpose        string
	SecurityLabels []string
	AccessTime     time.Time
}

type Repository interface {
	Create(ctx context.Context, c *Consent) error
	Update(ctx context.Context, c *Consent) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consent, error)
	GetByFHIRID(ctx context.Context, fhirID string) (*Consent, error)
	ListActiveForPatient(ctx context.Context, patientID string) ([]*Consent, error)
	List(ctx context.Context, patientID string, status Status, limit, offset int) ([]*Consent, int, error)
	// ListActiveExpired returns active consents whose provision period ended
	// before the cutoff.
	ListActiveExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Consent, error)
}

// ToFHIR renders the record as a FHIR R4 Consent resource.
func (c *Consent) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Consent",
		"id":           c.FHIRID,
		"status":       string(c.Status),
		"scope": fhir.CodeableConcept{Coding: []fhir.Coding{{
			System: "http://terminology.hl7.org/CodeSystem/consentscope",
			Code:   string(c.Scope),
		}}},
		"patient": fhir.Reference{Reference: "Patient/" + c.PatientID},
		"dateTime": c.UpdatedAt.UTC().Format(time.RFC3339),
	}

	prov := map[string]interface{}{"type": c.Provision.Type}
	if c.Provision.Period != nil {
		prov["period"] = c.Provision.Period
	}
	if len(c.Provision.Actors) > 0 {
		actors := make([]map[string]interface{}, 0, len(c.Provision.Actors))
		for _, a := range c.Provision.Actors {
			actor := map[string]interface{}{
				"reference": fhir.Reference{Reference: a.Reference},
			}
			if a.Role != "" {
				actor["role"] = fhir.CodeableConcept{Coding: []fhir.Coding{{
					System: "http://terminology.hl7.org/CodeSystem/v3-ParticipationType",
					Code:   a.Role,
				}}}
			}
			actors = append(actors, actor)
		}
		prov["actor"] = actors
	}
	if len(c.Provision.Actions) > 0 {
		actions := make([]fhir.CodeableConcept, 0, len(c.Provision.Actions))
		for _, a := range c.Provision.Actions {
			actions = append(actions, fhir.CodeableConcept{Coding: []fhir.Coding{{
				System: "http://terminology.hl7.org/CodeSystem/consentaction",
				Code:   a,
			}}})
		}
		prov["action"] = actions
	}
	if len(c.Provision.Purposes) > 0 {
		purposes := make([]fhir.Coding, 0, len(c.Provision.Purposes))
		for _, p := range c.Provision.Purposes {
			purposes = append(purposes, fhir.Coding{
				System: "http://terminology.hl7.org/CodeSystem/v3-ActReason",
				Code:   p,
			})
		}
		prov["purpose"] = purposes
	}
	if len(c.Provision.SecurityLabels) > 0 {
		labels := make([]fhir.Coding, 0, len(c.Provision.SecurityLabels))
		for _, l := range c.Provision.SecurityLabels {
			labels = append(labels, fhir.Coding{Code: l})
		}
		prov["securityLabel"] = labels
	}
	if len(c.Provision.ResourceClasses) > 0 {
		classes := make([]fhir.Coding, 0, len(c.Provision.ResourceClasses))
		for _, rc := range c.Provision.ResourceClasses {
			classes = append(classes, fhir.Coding{
				System: "http://hl7.org/fhir/resource-types",
				Code:   rc,
			})
		}
		prov["class"] = classes
	}
	if c.Provision.DataPeriod != nil {
		prov["dataPeriod"] = c.Provision.DataPeriod
	}
	result["provision"] = prov

	return result
}
