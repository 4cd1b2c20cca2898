package fhir

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestCapabilityBuilder_Build(t *testing.T) {
	b := NewCapabilityBuilder("http://localhost:8080/fhir", "0.1.0")
	b.SetSystemInteractions([]string{"transaction", "batch"})
	b.AddResource("Patient", DefaultInteractions(), nil)
	b.AddResource("AuditEvent", []string{"read"}, []SearchParam{
		{Name: "agent", Type: "string"},
		{Name: "entity", Type: "reference"},
	})

	cs := b.Build()
	if cs["resourceType"] != "CapabilityStatement" {
		t.Errorf("resourceType = %v", cs["resourceType"])
	}
	if cs["fhirVersion"] != "4.0.1" {
		t.Errorf("fhirVersion = %v", cs["fhirVersion"])
	}
	if cs["kind"] != "instance" {
		t.Errorf("kind = %v", cs["kind"])
	}

	rest := cs["rest"].([]map[string]interface{})
	if len(rest) != 1 || rest[0]["mode"] != "server" {
		t.Fatalf("rest = %v", rest)
	}

	ia := rest[0]["interaction"].([]map[string]string)
	if len(ia) != 2 || ia[0]["code"] != "transaction" {
		t.Errorf("system interactions = %v", ia)
	}

	resources := rest[0]["resource"].([]map[string]interface{})
	if len(resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(resources))
	}
	// Sorted alphabetically.
	if resources[0]["type"] != "AuditEvent" || resources[1]["type"] != "Patient" {
		t.Errorf("resource order = %v, %v", resources[0]["type"], resources[1]["type"])
	}
	if _, ok := resources[0]["searchParam"]; !ok {
		t.Error("AuditEvent entry missing searchParam")
	}
	if _, ok := resources[1]["searchParam"]; ok {
		t.Error("Patient entry has searchParam without registration")
	}
}

func TestCapabilityBuilder_NoSecurityWithoutOAuth(t *testing.T) {
	b := NewCapabilityBuilder("http://localhost:8080/fhir", "0.1.0")
	cs := b.Build()
	rest := cs["rest"].([]map[string]interface{})
	if _, ok := rest[0]["security"]; ok {
		t.Error("security section present without OAuth URIs")
	}
}

func TestCapabilityBuilder_SecuritySection(t *testing.T) {
	b := NewCapabilityBuilder("http://localhost:8080/fhir", "0.1.0")
	b.SetOAuthURIs("https://idp.example.com/authorize", "https://idp.example.com/token")

	cs := b.Build()
	rest := cs["rest"].([]map[string]interface{})
	security, ok := rest[0]["security"].(map[string]interface{})
	if !ok {
		t.Fatal("security section missing")
	}
	exts := security["extension"].([]map[string]interface{})
	uris := exts[0]["extension"].([]map[string]interface{})
	if len(uris) != 2 {
		t.Fatalf("expected authorize and token extensions, got %d", len(uris))
	}
	if uris[0]["valueUri"] != "https://idp.example.com/authorize" {
		t.Errorf("authorize uri = %v", uris[0]["valueUri"])
	}
}

func TestCapabilityBuilder_ReplacesOnReRegister(t *testing.T) {
	b := NewCapabilityBuilder("http://localhost:8080/fhir", "0.1.0")
	b.AddResource("Patient", DefaultInteractions(), nil)
	b.AddResource("Patient", ReadOnlyInteractions(), nil)

	cs := b.Build()
	rest := cs["rest"].([]map[string]interface{})
	resources := rest[0]["resource"].([]map[string]interface{})
	if len(resources) != 1 {
		t.Fatalf("expected 1 resource after re-register, got %d", len(resources))
	}
	ia := resources[0]["interaction"].([]map[string]string)
	if len(ia) != len(ReadOnlyInteractions()) {
		t.Errorf("interactions = %v", ia)
	}
}

func TestMetadataHandler(t *testing.T) {
	b := NewCapabilityBuilder("http://localhost:8080/fhir", "0.1.0")
	b.AddResource("Patient", DefaultInteractions(), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/metadata", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := MetadataHandler(b)(c); err != nil {
		t.Fatalf("metadata handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var cs map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &cs); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if cs["resourceType"] != "CapabilityStatement" {
		t.Errorf("resourceType = %v", cs["resourceType"])
	}
	software := cs["software"].(map[string]interface{})
	if software["name"] != "medledger" {
		t.Errorf("software name = %v", software["name"])
	}
}
