package ledger

import (
	"testing"

	"github.com/medledger/medledger/internal/platform/fhir"
)

func TestEventToFHIR(t *testing.T) {
	e := sampleEvent()
	result := e.ToFHIR()

	if result["resourceType"] != "AuditEvent" {
		t.Errorf("expected AuditEvent, got %v", result["resourceType"])
	}
	if result["id"] != e.ID.String() {
		t.Errorf("expected %s, got %v", e.ID, result["id"])
	}
	if result["action"] != ActionRead {
		t.Errorf("expected action R, got %v", result["action"])
	}
	if result["outcome"] != OutcomeSuccess {
		t.Errorf("expected outcome 0, got %v", result["outcome"])
	}
	if result["recorded"] != "2025-03-14T09:26:54Z" {
		t.Errorf("unexpected recorded: %v", result["recorded"])
	}

	coding, ok := result["type"].(fhir.Coding)
	if !ok || coding.Code != "rest" {
		t.Errorf("unexpected type coding: %v", result["type"])
	}

	agents, ok := result["agent"].([]interface{})
	if !ok || len(agents) != 1 {
		t.Fatalf("expected one agent, got %v", result["agent"])
	}
	agent := agents[0].(map[string]interface{})
	if agent["altId"] != e.AgentID {
		t.Errorf("expected agent altId %s, got %v", e.AgentID, agent["altId"])
	}
	if agent["requestor"] != true {
		t.Error("expected requestor true")
	}

	entities, ok := result["entity"].([]interface{})
	if !ok || len(entities) != 1 {
		t.Fatalf("expected one entity, got %v", result["entity"])
	}
	entity := entities[0].(map[string]interface{})
	what, ok := entity["what"].(fhir.Reference)
	if !ok || what.Reference != "Patient/pat-42" {
		t.Errorf("unexpected entity reference: %v", entity["what"])
	}
}

func TestEventToFHIRMinimal(t *testing.T) {
	e := &Event{Action: ActionExecute, TypeCode: "system"}
	result := e.ToFHIR()

	if _, present := result["entity"]; present {
		t.Error("entity should be omitted when no entity is recorded")
	}
	if _, present := result["source"]; present {
		t.Error("source should be omitted when no node is recorded")
	}
	if _, present := result["subtype"]; present {
		t.Error("subtype should be omitted when empty")
	}
}
