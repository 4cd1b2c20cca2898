package fhir

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// SearchParam describes a search parameter advertised for a resource type.
type SearchParam struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Documentation string `json:"documentation,omitempty"`
}

type resourceEntry struct {
	interactions []string
	searchParams []SearchParam
}

// CapabilityBuilder assembles the R4 CapabilityStatement served at
// /fhir/metadata. Domain modules register the resource types and
// interactions they actually route; Build renders the statement from
// whatever has been registered.
type CapabilityBuilder struct {
	mu        sync.RWMutex
	resources map[string]*resourceEntry

	baseURL      string
	version      string
	authorizeURL string
	tokenURL     string

	systemInteractions []string
}

// NewCapabilityBuilder creates a builder for the given FHIR base URL (e.g.
// "http://localhost:8080/fhir") and server software version.
func NewCapabilityBuilder(baseURL, version string) *CapabilityBuilder {
	return &CapabilityBuilder{
		resources: make(map[string]*resourceEntry),
		baseURL:   baseURL,
		version:   version,
	}
}

// SetOAuthURIs advertises the authorization server in the security section.
func (b *CapabilityBuilder) SetOAuthURIs(authorizeURL, tokenURL string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authorizeURL = authorizeURL
	b.tokenURL = tokenURL
}

// AddResource registers a resource type with its supported interactions and
// search parameters. Registering a type twice replaces the earlier entry.
func (b *CapabilityBuilder) AddResource(resourceType string, interactions []string, searchParams []SearchParam) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resources[resourceType] = &resourceEntry{
		interactions: interactions,
		searchParams: searchParams,
	}
}

// SetSystemInteractions registers system-level interaction codes, e.g.
// "transaction" and "batch" for the bundle endpoint.
func (b *CapabilityBuilder) SetSystemInteractions(codes []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.systemInteractions = codes
}

// DefaultInteractions is the interaction set for resource types written
// through the transaction endpoint and read through the REST surface.
func DefaultInteractions() []string {
	return []string{"read", "vread", "history-instance"}
}

// ReadOnlyInteractions is the interaction set for read-only resource types.
func ReadOnlyInteractions() []string {
	return []string{"read", "vread"}
}

// Build renders the CapabilityStatement. Resource types are sorted so the
// output is deterministic.
func (b *CapabilityBuilder) Build() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.resources))
	for rt := range b.resources {
		types = append(types, rt)
	}
	sort.Strings(types)

	resources := make([]map[string]interface{}, 0, len(types))
	for _, rt := range types {
		entry := b.resources[rt]

		interactions := make([]map[string]string, len(entry.interactions))
		for i, code := range entry.interactions {
			interactions[i] = map[string]string{"code": code}
		}

		res := map[string]interface{}{
			"type":        rt,
			"interaction": interactions,
			"versioning":  "versioned",
		}
		if len(entry.searchParams) > 0 {
			res["searchParam"] = entry.searchParams
		}
		resources = append(resources, res)
	}

	rest := map[string]interface{}{
		"mode":     "server",
		"resource": resources,
	}
	if len(b.systemInteractions) > 0 {
		ia := make([]map[string]string, len(b.systemInteractions))
		for i, code := range b.systemInteractions {
			ia[i] = map[string]string{"code": code}
		}
		rest["interaction"] = ia
	}
	if security := b.buildSecurity(); security != nil {
		rest["security"] = security
	}

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"application/fhir+json"},
		"software": map[string]interface{}{
			"name":    "medledger",
			"version": b.version,
		},
		"implementation": map[string]interface{}{
			"description": "medledger compliance ledger FHIR endpoint",
			"url":         b.baseURL,
		},
		"rest": []map[string]interface{}{rest},
	}
}

func (b *CapabilityBuilder) buildSecurity() map[string]interface{} {
	if b.authorizeURL == "" && b.tokenURL == "" {
		return nil
	}

	extensions := []map[string]interface{}{}
	if b.authorizeURL != "" {
		extensions = append(extensions, map[string]interface{}{
			"url":      "authorize",
			"valueUri": b.authorizeURL,
		})
	}
	if b.tokenURL != "" {
		extensions = append(extensions, map[string]interface{}{
			"url":      "token",
			"valueUri": b.tokenURL,
		})
	}

	return map[string]interface{}{
		"service": []map[string]interface{}{
			{
				"coding": []map[string]string{
					{
						"system": "http://terminology.hl7.org/CodeSystem/restful-security-service",
						"code":   "OAuth",
					},
				},
			},
		},
		"extension": []map[string]interface{}{
			{
				"url":       "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris",
				"extension": extensions,
			},
		},
	}
}

// MetadataHandler serves the capability statement.
func MetadataHandler(b *CapabilityBuilder) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, b.Build())
	}
}
