package hipaa

// PHIFieldConfig maps a FHIR resource type to the element paths within its
// JSON representation that carry direct identifiers (HIPAA Safe Harbor,
// 45 CFR 164.514(b)(2)) and must be encrypted at rest.
type PHIFieldConfig struct {
	// ResourceType is the FHIR resource name (e.g. "Patient").
	ResourceType string
	// Fields lists dot-notation paths into the resource JSON. A path segment
	// that lands on an array applies to every element.
	Fields []string
}

// Identifier system URIs whose values are themselves PHI. Values under these
// systems are encrypted wherever they appear in an identifier element.
const (
	SSNSystem = "http://hl7.org/fhir/sid/us-ssn"
	MRNSystem = "urn:oid:1.2.36.146.595.217.0.1"
)

// IsSensitiveIdentifierSystem reports whether identifier values under the
// given system URI must be protected.
func IsSensitiveIdentifierSystem(system string) bool {
	switch system {
	case SSNSystem, MRNSystem:
		return true
	}
	return false
}

// DefaultPHIFields returns the PHI field configuration for the FHIR resources
// that carry direct patient identifiers. Display-name fields (Patient.name)
// are protected by access control rather than encryption to keep high-read
// paths cheap; identifier values under sensitive systems are handled
// separately via IsSensitiveIdentifierSystem.
func DefaultPHIFields() []PHIFieldConfig {
	return []PHIFieldConfig{
		{
			ResourceType: "Patient",
			Fields: []string{
				"telecom.value", // phone numbers, email addresses
				"address.line",  // street address lines
			},
		},
		{
			ResourceType: "Practitioner",
			Fields: []string{
				"telecom.value",
				"address.line",
			},
		},
		{
			ResourceType: "RelatedPerson",
			Fields: []string{
				"telecom.value",
				"address.line",
			},
		},
		{
			ResourceType: "Person",
			Fields: []string{
				"telecom.value",
			},
		},
	}
}

// PHIFieldPaths returns the configured paths for a resource type, or nil when
// the type carries no field-level PHI.
func PHIFieldPaths(resourceType string) []string {
	for _, c := range DefaultPHIFields() {
		if c.ResourceType == resourceType {
			return c.Fields
		}
	}
	return nil
}
