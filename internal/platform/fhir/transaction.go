package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medledger/medledger/internal/platform/db"
)

// BundleEntryRequest represents the request details for an entry in a
// transaction or batch Bundle, including conditional HTTP headers.
type BundleEntryRequest struct {
	Method          string `json:"method"`
	URL             string `json:"url"`
	IfNoneMatch     string `json:"ifNoneMatch,omitempty"`
	IfModifiedSince string `json:"ifModifiedSince,omitempty"`
	IfMatch         string `json:"ifMatch,omitempty"`
	IfNoneExist     string `json:"ifNoneExist,omitempty"`
}

// BundleEntryResponse represents the outcome of one executed entry.
type BundleEntryResponse struct {
	Status       string                 `json:"status"`
	Location     string                 `json:"location,omitempty"`
	ETag         string                 `json:"etag,omitempty"`
	LastModified string                 `json:"lastModified,omitempty"`
	Resource     map[string]interface{} `json:"resource,omitempty"`
	Outcome      interface{}            `json:"outcome,omitempty"`
}

// TransactionEntry represents a single entry in a transaction or batch Bundle.
type TransactionEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource,omitempty"`
	Request  BundleEntryRequest     `json:"request"`
}

// TransactionBundle is the parsed representation of a FHIR transaction or
// batch Bundle ready for processing.
type TransactionBundle struct {
	ResourceType string             `json:"resourceType"`
	ID           string             `json:"id,omitempty"`
	Type         string             `json:"type"`
	Entries      []TransactionEntry `json:"entry,omitempty"`
}

// ExecOp is one bundle entry handed to the executor. URL has internal
// urn:uuid references already resolved. AssignedID, when set, is the server
// id the create must use so that references resolved against it stay valid.
type ExecOp struct {
	Method      string
	URL         string
	Resource    map[string]interface{}
	IfNoneExist string
	IfMatch     string
	AssignedID  string
}

// Executor performs the CRUD operation for a single bundle entry. It runs
// inside the enclosing database transaction for transaction bundles and in
// a per-entry transaction for batch bundles.
type Executor interface {
	Execute(ctx context.Context, op ExecOp) (*BundleEntryResponse, error)
}

// ExecError carries the HTTP status an entry failure should surface with,
// so conditional failures (409, 412) are not flattened into 400s.
type ExecError struct {
	StatusCode  int
	Diagnostics string
}

func (e *ExecError) Error() string {
	return e.Diagnostics
}

func NewExecError(status int, format string, args ...interface{}) *ExecError {
	return &ExecError{StatusCode: status, Diagnostics: fmt.Sprintf(format, args...)}
}

var validHTTPMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"DELETE": true,
	"PATCH":  true,
	"HEAD":   true,
}

// methodSortOrder defines the FHIR processing order for transaction entries:
// DELETE, then POST, then PUT/PATCH, then GET/HEAD.
var methodSortOrder = map[string]int{
	"DELETE": 0,
	"POST":   1,
	"PUT":    2,
	"PATCH":  3,
	"GET":    4,
	"HEAD":   5,
}

// ParseTransactionBundle parses a raw JSON body into a TransactionBundle.
func ParseTransactionBundle(body []byte) (*TransactionBundle, error) {
	var raw struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id,omitempty"`
		Type         string `json:"type"`
		Entry        []struct {
			FullURL  string              `json:"fullUrl,omitempty"`
			Resource json.RawMessage     `json:"resource,omitempty"`
			Request  *BundleEntryRequest `json:"request,omitempty"`
		} `json:"entry,omitempty"`
	}

	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected resourceType Bundle, got %q", raw.ResourceType)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("bundle type is required")
	}

	bundle := &TransactionBundle{
		ResourceType: raw.ResourceType,
		ID:           raw.ID,
		Type:         raw.Type,
		Entries:      make([]TransactionEntry, 0, len(raw.Entry)),
	}

	for i, e := range raw.Entry {
		entry := TransactionEntry{FullURL: e.FullURL}
		if len(e.Resource) > 0 {
			var res map[string]interface{}
			if err := json.Unmarshal(e.Resource, &res); err != nil {
				return nil, fmt.Errorf("invalid resource in entry %d: %w", i, err)
			}
			entry.Resource = res
		}
		if e.Request != nil {
			entry.Request = *e.Request
			entry.Request.Method = strings.ToUpper(entry.Request.Method)
		}
		bundle.Entries = append(bundle.Entries, entry)
	}

	return bundle, nil
}

// ValidationSeverity grades a validation issue.
type ValidationSeverity string

const (
	SeverityFatal   ValidationSeverity = "fatal"
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssueType is the FHIR issue code attached to a validation issue.
type ValidationIssueType string

const (
	VIssueTypeStructure    ValidationIssueType = "structure"
	VIssueTypeRequired     ValidationIssueType = "required"
	VIssueTypeValue        ValidationIssueType = "value"
	VIssueTypeBusinessRule ValidationIssueType = "business-rule"
)

// ValidationIssue is one structural problem found in a submitted Bundle.
type ValidationIssue struct {
	Severity    ValidationSeverity  `json:"severity"`
	Code        ValidationIssueType `json:"code"`
	Location    string              `json:"location,omitempty"`
	Diagnostics string              `json:"diagnostics"`
}

// ValidateTransactionBundle validates the structure and content of a
// transaction or batch Bundle, returning any issues found.
func ValidateTransactionBundle(bundle *TransactionBundle) []ValidationIssue {
	var issues []ValidationIssue

	if bundle.Type != "transaction" && bundle.Type != "batch" {
		issues = append(issues, ValidationIssue{
			Severity:    SeverityError,
			Code:        VIssueTypeValue,
			Diagnostics: fmt.Sprintf("bundle type must be 'transaction' or 'batch', got %q", bundle.Type),
			Location:    "Bundle.type",
		})
	}

	fullURLSet := make(map[string]bool)

	for i, entry := range bundle.Entries {
		prefix := fmt.Sprintf("Bundle.entry[%d]", i)

		if entry.Request.Method == "" {
			issues = append(issues, ValidationIssue{
				Severity:    SeverityError,
				Code:        VIssueTypeRequired,
				Diagnostics: fmt.Sprintf("entry %d: request.method is required", i),
				Location:    prefix + ".request.method",
			})
		} else if !validHTTPMethods[entry.Request.Method] {
			issues = append(issues, ValidationIssue{
				Severity:    SeverityError,
				Code:        VIssueTypeValue,
				Diagnostics: fmt.Sprintf("entry %d: invalid HTTP method %q", i, entry.Request.Method),
				Location:    prefix + ".request.method",
			})
		}

		if entry.Request.URL == "" {
			issues = append(issues, ValidationIssue{
				Severity:    SeverityError,
				Code:        VIssueTypeRequired,
				Diagnostics: fmt.Sprintf("entry %d: request.url is required", i),
				Location:    prefix + ".request.url",
			})
		}

		if (entry.Request.Method == "POST" || entry.Request.Method == "PUT") && entry.Resource == nil {
			issues = append(issues, ValidationIssue{
				Severity:    SeverityError,
				Code:        VIssueTypeRequired,
				Diagnostics: fmt.Sprintf("entry %d: %s requires a resource", i, entry.Request.Method),
				Location:    prefix + ".resource",
			})
		}

		if entry.FullURL != "" {
			if fullURLSet[entry.FullURL] {
				issues = append(issues, ValidationIssue{
					Severity:    SeverityError,
					Code:        VIssueTypeBusinessRule,
					Diagnostics: fmt.Sprintf("entry %d: duplicate fullUrl %q", i, entry.FullURL),
					Location:    prefix + ".fullUrl",
				})
			}
			fullURLSet[entry.FullURL] = true
		}
	}

	issues = append(issues, detectCircularReferences(bundle.Entries)...)
	return issues
}

// detectCircularReferences examines resource references among entries and
// reports any cycles. A cycle exists when entry A references entry B and B
// references A, directly or transitively. Such bundles cannot be resolved
// into a processing order and are rejected up front.
func detectCircularReferences(entries []TransactionEntry) []ValidationIssue {
	adj := make(map[string][]string)
	urlSet := make(map[string]bool)
	for _, e := range entries {
		if e.FullURL != "" {
			urlSet[e.FullURL] = true
		}
	}

	for _, e := range entries {
		if e.FullURL == "" || e.Resource == nil {
			continue
		}
		for _, ref := range extractReferences(e.Resource) {
			if urlSet[ref] && ref != e.FullURL {
				adj[e.FullURL] = append(adj[e.FullURL], ref)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var issues []ValidationIssue

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, neighbor := range adj[node] {
			if color[neighbor] == gray {
				issues = append(issues, ValidationIssue{
					Severity:    SeverityError,
					Code:        VIssueTypeBusinessRule,
					Diagnostics: fmt.Sprintf("circular reference detected between %s and %s", node, neighbor),
					Location:    "Bundle.entry",
				})
				return true
			}
			if color[neighbor] == white {
				if dfs(neighbor) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for url := range adj {
		if color[url] == white {
			dfs(url)
		}
	}

	return issues
}

// extractReferences recursively extracts all reference strings from a resource map.
func extractReferences(resource map[string]interface{}) []string {
	var refs []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			if ref, ok := val["reference"].(string); ok {
				refs = append(refs, ref)
			}
			for _, child := range val {
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(resource)
	return refs
}

// TransactionProcessor executes transaction and batch Bundles against an
// Executor. Transaction bundles run in a single database transaction; batch
// bundles run each entry in its own.
type TransactionProcessor struct {
	exec Executor
}

func NewTransactionProcessor(exec Executor) *TransactionProcessor {
	return &TransactionProcessor{exec: exec}
}

// Process dispatches on the bundle type.
func (p *TransactionProcessor) Process(ctx context.Context, bundle *TransactionBundle) (*Bundle, error) {
	switch bundle.Type {
	case "transaction":
		return p.processTransaction(ctx, bundle)
	case "batch":
		return p.processBatch(ctx, bundle), nil
	default:
		return nil, NewExecError(http.StatusBadRequest,
			"unsupported bundle type %q; expected 'transaction' or 'batch'", bundle.Type)
	}
}

// processTransaction executes all entries atomically. Entries are processed
// in the FHIR-defined method order, but response entries are returned in the
// order the client sent them. When the context already carries a transaction
// the bundle joins it; otherwise one is opened for the bundle.
func (p *TransactionProcessor) processTransaction(ctx context.Context, bundle *TransactionBundle) (*Bundle, error) {
	if db.TxFromContext(ctx) != nil {
		return p.executeAll(ctx, bundle)
	}
	var result *Bundle
	err := db.RunInTx(ctx, func(txCtx context.Context) error {
		r, err := p.executeAll(txCtx, bundle)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type orderedEntry struct {
	origIndex int
	entry     TransactionEntry
}

func (p *TransactionProcessor) executeAll(ctx context.Context, bundle *TransactionBundle) (*Bundle, error) {
	ordered := make([]orderedEntry, len(bundle.Entries))
	for i, e := range bundle.Entries {
		ordered[i] = orderedEntry{origIndex: i, entry: e}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return methodSortOrder[ordered[i].entry.Request.Method] < methodSortOrder[ordered[j].entry.Request.Method]
	})

	idMap, assigned := preassignCreateIDs(bundle.Entries)
	responses := make([]BundleEntry, len(bundle.Entries))

	for _, oe := range ordered {
		entry := oe.entry

		if entry.Resource != nil {
			resolveRefsInResource(entry.Resource, idMap)
			if urn := firstUnresolvedURN(entry.Resource); urn != "" {
				return nil, NewExecError(http.StatusBadRequest,
					"entry %d references %s, which does not resolve to any entry in the bundle", oe.origIndex, urn)
			}
		}
		url := replaceURNRefs(entry.Request.URL, idMap)
		if strings.Contains(url, "urn:uuid:") {
			return nil, NewExecError(http.StatusBadRequest,
				"entry %d request URL references an unresolvable urn:uuid", oe.origIndex)
		}

		resp, err := p.exec.Execute(ctx, ExecOp{
			Method:      entry.Request.Method,
			URL:         url,
			Resource:    entry.Resource,
			IfNoneExist: entry.Request.IfNoneExist,
			IfMatch:     entry.Request.IfMatch,
			AssignedID:  assigned[oe.origIndex],
		})
		if err != nil {
			if execErr, ok := err.(*ExecError); ok {
				return nil, &ExecError{
					StatusCode: execErr.StatusCode,
					Diagnostics: fmt.Sprintf("transaction failed at entry %d (%s %s): %s",
						oe.origIndex, entry.Request.Method, entry.Request.URL, execErr.Diagnostics),
				}
			}
			return nil, fmt.Errorf("transaction failed at entry %d (%s %s): %w",
				oe.origIndex, entry.Request.Method, entry.Request.URL, err)
		}

		// Conditional creates resolve to whatever the executor matched, so
		// record the actual location for entries still to be processed.
		if strings.HasPrefix(entry.FullURL, "urn:uuid:") && resp.Location != "" {
			idMap[entry.FullURL] = locationToReference(resp.Location)
		}

		responses[oe.origIndex] = bundleEntryFromResponse(resp)
	}

	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "transaction-response",
		Timestamp:    &now,
		Entry:        responses,
	}, nil
}

// processBatch executes each entry in its own transaction. A failed entry is
// reported in its response slot and does not affect the others. Internal
// urn:uuid references are not resolved for batches.
func (p *TransactionProcessor) processBatch(ctx context.Context, bundle *TransactionBundle) *Bundle {
	responses := make([]BundleEntry, len(bundle.Entries))

	for i, entry := range bundle.Entries {
		var resp *BundleEntryResponse
		err := db.RunInTx(ctx, func(txCtx context.Context) error {
			r, execErr := p.exec.Execute(txCtx, ExecOp{
				Method:      entry.Request.Method,
				URL:         entry.Request.URL,
				Resource:    entry.Resource,
				IfNoneExist: entry.Request.IfNoneExist,
				IfMatch:     entry.Request.IfMatch,
			})
			resp = r
			return execErr
		})
		if err != nil {
			status := http.StatusBadRequest
			if execErr, ok := err.(*ExecError); ok {
				status = execErr.StatusCode
			}
			responses[i] = BundleEntry{
				Response: &BundleResponse{
					Status:  fmt.Sprintf("%d %s", status, http.StatusText(status)),
					Outcome: ErrorOutcome(err.Error()),
				},
			}
			continue
		}
		responses[i] = bundleEntryFromResponse(resp)
	}

	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "batch-response",
		Timestamp:    &now,
		Entry:        responses,
	}
}

// preassignCreateIDs assigns server ids up front to unconditional creates
// that other entries may reference by urn:uuid. Conditional creates are
// excluded because their id depends on whether the search matches; entries
// referencing them must appear after them in the bundle.
func preassignCreateIDs(entries []TransactionEntry) (map[string]string, map[int]string) {
	idMap := make(map[string]string)
	assigned := make(map[int]string)

	for i, e := range entries {
		if e.Request.Method != "POST" || e.Request.IfNoneExist != "" {
			continue
		}
		if !strings.HasPrefix(e.FullURL, "urn:uuid:") {
			continue
		}
		resourceType, _, _ := ParseEntryURL(e.Request.URL)
		if resourceType == "" && e.Resource != nil {
			resourceType, _ = e.Resource["resourceType"].(string)
		}
		if resourceType == "" {
			continue
		}
		id := uuid.NewString()
		idMap[e.FullURL] = resourceType + "/" + id
		assigned[i] = id
	}
	return idMap, assigned
}

// firstUnresolvedURN returns the first urn:uuid reference remaining in the
// resource after resolution, or "".
func firstUnresolvedURN(resource map[string]interface{}) string {
	for _, ref := range extractReferences(resource) {
		if strings.HasPrefix(ref, "urn:uuid:") {
			return ref
		}
	}
	return ""
}

// locationToReference reduces a Location like "Patient/123/_history/2" to
// the reference form "Patient/123".
func locationToReference(location string) string {
	if idx := strings.Index(location, "/_history/"); idx >= 0 {
		return location[:idx]
	}
	return location
}

// bundleEntryFromResponse converts an executor response into a response
// bundle entry.
func bundleEntryFromResponse(resp *BundleEntryResponse) BundleEntry {
	var lastMod *time.Time
	if resp.LastModified != "" {
		if t, err := time.Parse(time.RFC3339, resp.LastModified); err == nil {
			lastMod = &t
		}
	}

	entry := BundleEntry{
		Response: &BundleResponse{
			Status:       resp.Status,
			Location:     resp.Location,
			ETag:         resp.ETag,
			LastModified: lastMod,
			Outcome:      resp.Outcome,
		},
	}
	if resp.Resource != nil {
		if raw, err := json.Marshal(resp.Resource); err == nil {
			entry.Resource = raw
		}
	}
	return entry
}

// resolveRefsInResource walks a resource map and replaces urn:uuid
// references with their mapped ids. Only reference values and exact string
// matches are rewritten.
func resolveRefsInResource(resource map[string]interface{}, idMap map[string]string) {
	if len(idMap) == 0 {
		return
	}
	var walk func(v interface{}) interface{}
	walk = func(v interface{}) interface{} {
		switch val := v.(type) {
		case map[string]interface{}:
			for k, child := range val {
				if k == "reference" {
					if ref, ok := child.(string); ok {
						if mapped, found := idMap[ref]; found {
							val[k] = mapped
							continue
						}
					}
				}
				val[k] = walk(child)
			}
			return val
		case []interface{}:
			for i, item := range val {
				val[i] = walk(item)
			}
			return val
		case string:
			if mapped, found := idMap[val]; found {
				return mapped
			}
			return val
		default:
			return val
		}
	}
	walk(resource)
}

// replaceURNRefs replaces urn:uuid references in a string with mapped values.
func replaceURNRefs(s string, idMap map[string]string) string {
	for urn, actual := range idMap {
		s = strings.ReplaceAll(s, urn, actual)
	}
	return s
}

// ParseEntryURL parses a relative FHIR URL from a Bundle entry request.
// It returns the resource type, resource ID (if present), and whether the
// URL represents a search (contains a query string).
//
// Examples:
//
//	"Patient/123"           -> ("Patient", "123", false)
//	"Patient?name=Smith"    -> ("Patient", "", true)
//	"Patient"               -> ("Patient", "", false)
func ParseEntryURL(url string) (resourceType, id string, isSearch bool) {
	url = strings.TrimPrefix(url, "/")
	if idx := strings.Index(url, "?"); idx >= 0 {
		return url[:idx], "", true
	}
	parts := strings.SplitN(url, "/", 3)
	resourceType = parts[0]
	if len(parts) >= 2 {
		id = parts[1]
	}
	return resourceType, id, false
}
