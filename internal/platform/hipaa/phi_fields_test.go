package hipaa

import (
	"testing"
)

func TestDefaultPHIFields_CoversExpectedResources(t *testing.T) {
	configs := DefaultPHIFields()

	expected := map[string]bool{
		"Patient":       false,
		"Practitioner":  false,
		"RelatedPerson": false,
	}

	for _, c := range configs {
		if _, ok := expected[c.ResourceType]; ok {
			expected[c.ResourceType] = true
		}
	}

	for rt, found := range expected {
		if !found {
			t.Errorf("expected PHI config for resource type %q but it was missing", rt)
		}
	}
}

func TestDefaultPHIFields_PatientFields(t *testing.T) {
	fields := PHIFieldPaths("Patient")
	if fields == nil {
		t.Fatal("Patient PHI config not found")
	}

	requiredFields := []string{
		"telecom.value",
		"address.line",
	}

	fieldSet := make(map[string]bool, len(fields))
	for _, f := range fields {
		fieldSet[f] = true
	}

	for _, rf := range requiredFields {
		if !fieldSet[rf] {
			t.Errorf("Patient config missing required PHI field %q", rf)
		}
	}
}

func TestPHIFieldPaths_UnknownType(t *testing.T) {
	if paths := PHIFieldPaths("Observation"); paths != nil {
		t.Errorf("expected nil paths for unconfigured type, got %v", paths)
	}
}

func TestIsSensitiveIdentifierSystem(t *testing.T) {
	tests := []struct {
		system    string
		sensitive bool
	}{
		{SSNSystem, true},
		{MRNSystem, true},
		{"http://example.org/other", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsSensitiveIdentifierSystem(tt.system); got != tt.sensitive {
			t.Errorf("IsSensitiveIdentifierSystem(%q) = %v, want %v", tt.system, got, tt.sensitive)
		}
	}
}

func TestDefaultPHIFields_AllHaveNonEmptyFields(t *testing.T) {
	for _, cfg := range DefaultPHIFields() {
		if cfg.ResourceType == "" {
			t.Error("found PHIFieldConfig with empty ResourceType")
		}
		if len(cfg.Fields) == 0 {
			t.Errorf("PHIFieldConfig for %q has no fields", cfg.ResourceType)
		}
	}
}
