package ledger

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/medledger/medledger/internal/platform/fhir"
)

// Audit actions, FHIR audit-event-action codes.
const (
	ActionCreate  = "C"
	ActionRead    = "R"
	ActionUpdate  = "U"
	ActionDelete  = "D"
	ActionExecute = "E"
)

// Audit outcomes, FHIR audit-event-outcome codes.
const (
	OutcomeSuccess = 0
	OutcomeMinor   = 4
	OutcomeSerious = 8
	OutcomeMajor   = 12
)

// Event is one entry in the tamper-evident audit chain. Seq is dense per
// tenant; EntryHash commits to the canonical encoding of this event plus
// PrevHash, so the hash of the head commits to the entire chain.
type Event struct {
	ID               uuid.UUID         `db:"id" json:"id"`
	Seq              int64             `db:"seq" json:"seq"`
	OccurredAt       time.Time         `db:"occurred_at" json:"occurred_at"`
	RecordedAt       time.Time         `db:"recorded_at" json:"recorded_at"`
	TypeCode         string            `db:"type_code" json:"type_code"`
	SubtypeCode      string            `db:"subtype_code" json:"subtype_code"`
	Action           string            `db:"action" json:"action"`
	Outcome          int               `db:"outcome" json:"outcome"`
	AgentID          string            `db:"agent_id" json:"agent_id"`
	AgentDisplay     string            `db:"agent_display" json:"agent_display"`
	AgentIP          string            `db:"agent_ip" json:"agent_ip"`
	SourceNode       string            `db:"source_node" json:"source_node"`
	EntityType       string            `db:"entity_type" json:"entity_type"`
	EntityID         string            `db:"entity_id" json:"entity_id"`
	EntityVersion    int               `db:"entity_version" json:"entity_version"`
	PurposeCode      string            `db:"purpose_code" json:"purpose_code"`
	SensitivityLabel string            `db:"sensitivity_label" json:"sensitivity_label"`
	RequestID        string            `db:"request_id" json:"request_id"`
	Detail           map[string]string `db:"detail" json:"detail,omitempty"`
	PrevHash         string            `db:"prev_hash" json:"prev_hash"`
	EntryHash        string            `db:"entry_hash" json:"entry_hash"`
}

// Checkpoint is a signed snapshot of the chain head. Anchoring copies the
// signed checkpoint to off-site storage so later tampering of the database
// is detectable against the anchor.
type Checkpoint struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Seq        int64      `db:"seq" json:"seq"`
	ChainHash  string     `db:"chain_hash" json:"chain_hash"`
	EventCount int64      `db:"event_count" json:"event_count"`
	Signature  string     `db:"signature" json:"signature"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	AnchoredAt *time.Time `db:"anchored_at" json:"anchored_at,omitempty"`
	AnchorRef  string     `db:"anchor_ref" json:"anchor_ref,omitempty"`
}

// VerifyResult reports the outcome of walking the chain.
type VerifyResult struct {
	Valid         bool   `json:"valid"`
	CheckedEvents int64  `json:"checked_events"`
	FirstBadSeq   *int64 `json:"first_bad_seq,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ToFHIR renders the event as a FHIR R4 AuditEvent resource.
func (e *Event) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "AuditEvent",
		"id":           e.ID.String(),
		"type": fhir.Coding{
			System: "http://terminology.hl7.org/CodeSystem/audit-event-type",
			Code:   e.TypeCode,
		},
		"action":   e.Action,
		"recorded": e.RecordedAt.UTC().Format(time.RFC3339),
		"outcome":  e.Outcome,
	}
	if e.SubtypeCode != "" {
		result["subtype"] = []fhir.Coding{{
			System: "http://hl7.org/fhir/restful-interaction",
			Code:   e.SubtypeCode,
		}}
	}

	agent := map[string]interface{}{
		"requestor": true,
		"altId":     e.AgentID,
	}
	if e.AgentDisplay != "" {
		agent["name"] = e.AgentDisplay
	}
	if e.AgentIP != "" {
		agent["network"] = map[string]interface{}{
			"address": e.AgentIP,
			"type":    "2",
		}
	}
	if e.PurposeCode != "" {
		agent["purposeOfUse"] = []fhir.CodeableConcept{{Coding: []fhir.Coding{{
			System: "http://terminology.hl7.org/CodeSystem/v3-ActReason",
			Code:   e.PurposeCode,
		}}}}
	}
	result["agent"] = []interface{}{agent}

	if e.SourceNode != "" {
		result["source"] = map[string]interface{}{
			"observer": fhir.Reference{Display: e.SourceNode},
		}
	}

	if e.EntityType != "" || e.EntityID != "" {
		entity := map[string]interface{}{}
		if e.EntityID != "" {
			entity["what"] = fhir.Reference{Reference: e.EntityType + "/" + e.EntityID}
		}
		if e.SensitivityLabel != "" {
			entity["securityLabel"] = []fhir.Coding{{Code: e.SensitivityLabel}}
		}
		detail := make([]map[string]interface{}, 0, len(e.Detail)+2)
		detail = append(detail, map[string]interface{}{
			"type":        "seq",
			"valueString": strconv.FormatInt(e.Seq, 10),
		})
		if e.EntityVersion > 0 {
			detail = append(detail, map[string]interface{}{
				"type":        "version",
				"valueString": strconv.Itoa(e.EntityVersion),
			})
		}
		entity["detail"] = detail
		result["entity"] = []interface{}{entity}
	}

	return result
}
