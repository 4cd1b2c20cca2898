package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/domain/ledger"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/db"
	"github.com/medledger/medledger/internal/platform/fhir"
	"github.com/medledger/medledger/internal/platform/hipaa"
)

const searchPageSize = 50

// Auditor appends data-access events to the tamper-evident ledger. Writes
// join the enclosing transaction, so a failed append rolls the write back.
type Auditor interface {
	Append(ctx context.Context, e ledger.Event) (*ledger.Event, error)
}

// Projection receives successful writes so derived stores (the patient
// lookup table) stay in step with the resource store. The resource JSON is
// the clear-text form, before PHI encryption. Calls run inside the write
// transaction; an error rolls the write back.
type Projection interface {
	Upsert(ctx context.Context, resourceType, fhirID string, resource json.RawMessage) error
	Remove(ctx context.Context, resourceType, fhirID string) error
}

// IdentifierResolver answers identifier searches that the resource table
// cannot, because the identifier value is encrypted in the stored JSON.
// It returns the logical id of the matching resource, or "" for no match.
type IdentifierResolver interface {
	ResolveIdentifier(ctx context.Context, system, value string) (string, error)
}

// Service is the versioned resource store the Bundle processor executes
// against. Every write encrypts PHI fields before storage, records a
// history row, and appends to the audit ledger in the same transaction.
type Service struct {
	repo        Repository
	crypto      *hipaa.EncryptionService
	auditor     Auditor
	resolver    IdentifierResolver
	projections []Projection
	logger      zerolog.Logger
}

func NewService(repo Repository, crypto *hipaa.EncryptionService, auditor Auditor, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		crypto:  crypto,
		auditor: auditor,
		logger:  logger.With().Str("component", "resource").Logger(),
	}
}

// AddProjection registers a derived store fed from successful writes.
func (s *Service) AddProjection(p Projection) {
	s.projections = append(s.projections, p)
}

// SetIdentifierResolver wires the blind-index lookup used for searches on
// sensitive identifier systems (SSN, MRN).
func (s *Service) SetIdentifierResolver(r IdentifierResolver) {
	s.resolver = r
}

// Execute performs one bundle entry. When the context already carries a
// transaction the operation joins it; otherwise it runs in its own.
func (s *Service) Execute(ctx context.Context, op fhir.ExecOp) (*fhir.BundleEntryResponse, error) {
	if db.TxFromContext(ctx) != nil {
		return s.execute(ctx, op)
	}
	var resp *fhir.BundleEntryResponse
	err := db.RunInTx(ctx, func(txCtx context.Context) error {
		var execErr error
		resp, execErr = s.execute(txCtx, op)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) execute(ctx context.Context, op fhir.ExecOp) (*fhir.BundleEntryResponse, error) {
	switch op.Method {
	case http.MethodPost:
		return s.create(ctx, op)
	case http.MethodPut:
		return s.update(ctx, op)
	case http.MethodDelete:
		return s.delete(ctx, op)
	case http.MethodGet, http.MethodHead:
		resp, err := s.get(ctx, op)
		if err == nil && op.Method == http.MethodHead {
			resp.Resource = nil
		}
		return resp, err
	default:
		return nil, fhir.NewExecError(http.StatusMethodNotAllowed, "method %s is not supported", op.Method)
	}
}

func (s *Service) create(ctx context.Context, op fhir.ExecOp) (*fhir.BundleEntryResponse, error) {
	resourceType, _, isSearch := fhir.ParseEntryURL(op.URL)
	if isSearch || resourceType == "" {
		return nil, fhir.NewExecError(http.StatusBadRequest, "create url must name a resource type")
	}
	if err := checkResourceType(op.Resource, resourceType); err != nil {
		return nil, err
	}

	if op.IfNoneExist != "" {
		f, err := parseFilter(op.IfNoneExist)
		if err != nil {
			return nil, fhir.NewExecError(http.StatusBadRequest, "If-None-Exist: %v", err)
		}
		matches, err := s.findMatches(ctx, resourceType, f, 2)
		if err != nil {
			return nil, err
		}
		switch len(matches) {
		case 0:
			// no match, fall through to create
		case 1:
			return s.existingResponse(ctx, matches[0])
		default:
			return nil, fhir.NewExecError(http.StatusPreconditionFailed,
				"If-None-Exist %q matched multiple resources", op.IfNoneExist)
		}
	}

	fhirID := op.AssignedID
	if fhirID == "" {
		fhirID = uuid.NewString()
	}
	return s.insert(ctx, resourceType, fhirID, op.Resource, "create")
}

func (s *Service) update(ctx context.Context, op fhir.ExecOp) (*fhir.BundleEntryResponse, error) {
	resourceType, fhirID, isSearch := fhir.ParseEntryURL(op.URL)
	if err := checkResourceType(op.Resource, resourceType); err != nil {
		return nil, err
	}

	if isSearch {
		f, err := parseFilter(rawQuery(op.URL))
		if err != nil {
			return nil, fhir.NewExecError(http.StatusBadRequest, "conditional update: %v", err)
		}
		matches, err := s.findMatches(ctx, resourceType, f, 2)
		if err != nil {
			return nil, err
		}
		switch len(matches) {
		case 0:
			return s.insert(ctx, resourceType, uuid.NewString(), op.Resource, "update")
		case 1:
			fhirID = matches[0].FHIRID
		default:
			return nil, fhir.NewExecError(http.StatusPreconditionFailed,
				"conditional update matched multiple resources")
		}
	}
	if fhirID == "" {
		return nil, fhir.NewExecError(http.StatusBadRequest, "update requires a resource id")
	}
	if bodyID, _ := op.Resource["id"].(string); bodyID != "" && bodyID != fhirID {
		return nil, fhir.NewExecError(http.StatusBadRequest,
			"resource id %q does not match url id %q", bodyID, fhirID)
	}

	current, err := s.repo.GetCurrent(ctx, resourceType, fhirID)
	if errors.Is(err, ErrNotFound) {
		if op.IfMatch != "" {
			return nil, fhir.NewExecError(http.StatusPreconditionFailed,
				"If-Match given but %s/%s does not exist", resourceType, fhirID)
		}
		return s.insert(ctx, resourceType, fhirID, op.Resource, "update")
	}
	if err != nil {
		return nil, err
	}

	if op.IfMatch != "" {
		want, perr := parseETagVersion(op.IfMatch)
		if perr != nil {
			return nil, fhir.NewExecError(http.StatusBadRequest, "malformed If-Match %q", op.IfMatch)
		}
		if want != current.VersionID {
			return nil, fhir.NewExecError(http.StatusConflict,
				"version conflict on %s/%s: If-Match %d, current %d",
				resourceType, fhirID, want, current.VersionID)
		}
	}

	now := time.Now().UTC()
	next := current.VersionID + 1
	stampMeta(op.Resource, fhirID, next, now)

	clear, err := json.Marshal(op.Resource)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", resourceType, fhirID, err)
	}
	sealed, err := s.crypto.EncryptResource(resourceType, clear)
	if err != nil {
		return nil, fmt.Errorf("encrypt %s/%s: %w", resourceType, fhirID, err)
	}

	updated := &StoredResource{
		ID:           current.ID,
		ResourceType: resourceType,
		FHIRID:       fhirID,
		VersionID:    next,
		Content:      sealed,
		LastUpdated:  now,
		CreatedAt:    current.CreatedAt,
	}
	if err := s.repo.Update(ctx, updated, current.VersionID); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, fhir.NewExecError(http.StatusConflict,
				"concurrent update of %s/%s", resourceType, fhirID)
		}
		return nil, err
	}
	if err := s.project(ctx, resourceType, fhirID, clear); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, ledger.ActionUpdate, "update", resourceType, fhirID, next); err != nil {
		return nil, err
	}

	return &fhir.BundleEntryResponse{
		Status:       "200 OK",
		Location:     versionLocation(resourceType, fhirID, next),
		ETag:         versionETag(next),
		LastModified: now.Format(time.RFC3339),
		Resource:     op.Resource,
	}, nil
}

func (s *Service) delete(ctx context.Context, op fhir.ExecOp) (*fhir.BundleEntryResponse, error) {
	resourceType, fhirID, isSearch := fhir.ParseEntryURL(op.URL)
	if isSearch {
		f, err := parseFilter(rawQuery(op.URL))
		if err != nil {
			return nil, fhir.NewExecError(http.StatusBadRequest, "conditional delete: %v", err)
		}
		matches, err := s.findMatches(ctx, resourceType, f, 2)
		if err != nil {
			return nil, err
		}
		switch len(matches) {
		case 0:
			return noContent(), nil
		case 1:
			fhirID = matches[0].FHIRID
		default:
			return nil, fhir.NewExecError(http.StatusPreconditionFailed,
				"conditional delete matched multiple resources")
		}
	}
	if fhirID == "" {
		return nil, fhir.NewExecError(http.StatusBadRequest, "delete requires a resource id")
	}

	current, err := s.repo.GetCurrent(ctx, resourceType, fhirID)
	if errors.Is(err, ErrNotFound) {
		return noContent(), nil
	}
	if err != nil {
		return nil, err
	}
	if current.Deleted {
		return noContent(), nil
	}

	now := time.Now().UTC()
	marker := *current
	marker.VersionID = current.VersionID + 1
	marker.Deleted = true
	marker.LastUpdated = now
	if err := s.repo.MarkDeleted(ctx, &marker, current.VersionID); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, fhir.NewExecError(http.StatusConflict,
				"concurrent change to %s/%s", resourceType, fhirID)
		}
		return nil, err
	}
	for _, p := range s.projections {
		if err := p.Remove(ctx, resourceType, fhirID); err != nil {
			return nil, fmt.Errorf("project delete of %s/%s: %w", resourceType, fhirID, err)
		}
	}
	if err := s.appendEvent(ctx, ledger.ActionDelete, "delete", resourceType, fhirID, marker.VersionID); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("resource", resourceType+"/"+fhirID).Msg("resource deleted")
	return noContent(), nil
}

func (s *Service) get(ctx context.Context, op fhir.ExecOp) (*fhir.BundleEntryResponse, error) {
	resourceType, fhirID, isSearch := fhir.ParseEntryURL(op.URL)
	if isSearch {
		return s.search(ctx, resourceType, rawQuery(op.URL))
	}
	if fhirID == "" {
		return nil, fhir.NewExecError(http.StatusBadRequest, "read requires a resource id")
	}

	if version, ok, err := vreadVersion(op.URL); err != nil {
		return nil, err
	} else if ok {
		stored, clear, rerr := s.ReadVersion(ctx, resourceType, fhirID, version)
		if rerr != nil {
			return nil, mapReadError(resourceType, fhirID, rerr)
		}
		return readResponse(stored, clear)
	}

	stored, clear, err := s.Read(ctx, resourceType, fhirID)
	if err != nil {
		return nil, mapReadError(resourceType, fhirID, err)
	}
	return readResponse(stored, clear)
}

// Read returns the current version with PHI decrypted. Reads of PHI-bearing
// types are recorded on the audit ledger; a failed append fails the read.
func (s *Service) Read(ctx context.Context, resourceType, fhirID string) (*StoredResource, json.RawMessage, error) {
	stored, err := s.repo.GetCurrent(ctx, resourceType, fhirID)
	if err != nil {
		return nil, nil, err
	}
	if stored.Deleted {
		return stored, nil, ErrGone
	}
	clear, err := s.crypto.DecryptResource(resourceType, stored.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt %s/%s: %w", resourceType, fhirID, err)
	}
	if err := s.auditRead(ctx, stored, "read"); err != nil {
		return nil, nil, err
	}
	return stored, clear, nil
}

// ReadVersion returns one historical version with PHI decrypted. Reading
// a delete marker reports ErrGone.
func (s *Service) ReadVersion(ctx context.Context, resourceType, fhirID string, versionID int) (*StoredResource, json.RawMessage, error) {
	stored, err := s.repo.GetVersion(ctx, resourceType, fhirID, versionID)
	if err != nil {
		return nil, nil, err
	}
	if stored.Deleted {
		return stored, nil, ErrGone
	}
	clear, err := s.crypto.DecryptResource(resourceType, stored.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt %s/%s v%d: %w", resourceType, fhirID, versionID, err)
	}
	if err := s.auditRead(ctx, stored, "vread"); err != nil {
		return nil, nil, err
	}
	return stored, clear, nil
}

// History lists versions newest first with PHI decrypted. Delete markers
// keep their stored content sealed and are flagged by Deleted.
func (s *Service) History(ctx context.Context, resourceType, fhirID string, limit, offset int) ([]*StoredResource, int, error) {
	versions, total, err := s.repo.History(ctx, resourceType, fhirID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return nil, 0, ErrNotFound
	}
	for _, v := range versions {
		if v.Deleted {
			continue
		}
		clear, derr := s.crypto.DecryptResource(resourceType, v.Content)
		if derr != nil {
			return nil, 0, fmt.Errorf("decrypt %s/%s v%d: %w", resourceType, fhirID, v.VersionID, derr)
		}
		v.Content = clear
	}
	if len(versions) > 0 {
		if err := s.auditRead(ctx, versions[0], "history-instance"); err != nil {
			return nil, 0, err
		}
	}
	return versions, total, nil
}

func (s *Service) search(ctx context.Context, resourceType, query string) (*fhir.BundleEntryResponse, error) {
	f, err := parseFilter(query)
	if err != nil {
		return nil, fhir.NewExecError(http.StatusBadRequest, "search: %v", err)
	}
	matches, err := s.findMatches(ctx, resourceType, f, searchPageSize)
	if err != nil {
		return nil, err
	}

	resources := make([]interface{}, 0, len(matches))
	for _, m := range matches {
		clear, derr := s.crypto.DecryptResource(resourceType, m.Content)
		if derr != nil {
			return nil, fmt.Errorf("decrypt %s/%s: %w", resourceType, m.FHIRID, derr)
		}
		var doc map[string]interface{}
		if uerr := json.Unmarshal(clear, &doc); uerr != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", resourceType, m.FHIRID, uerr)
		}
		resources = append(resources, doc)
	}

	bundle := fhir.NewSearchBundle(resources, len(matches), "")
	raw, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encode search bundle: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode search bundle: %w", err)
	}

	if len(matches) > 0 && hipaa.PHIFieldPaths(resourceType) != nil {
		if err := s.appendEvent(ctx, ledger.ActionRead, "search-type", resourceType, "", 0); err != nil {
			return nil, err
		}
	}
	return &fhir.BundleEntryResponse{Status: "200 OK", Resource: doc}, nil
}

// findMatches resolves a filter to current resources. Identifier values
// under sensitive systems are encrypted in the stored JSON, so those
// lookups go through the blind-index resolver instead of containment.
func (s *Service) findMatches(ctx context.Context, resourceType string, f Filter, limit int) ([]*StoredResource, error) {
	if f.IdentValue != "" && hipaa.IsSensitiveIdentifierSystem(f.IdentSystem) {
		if s.resolver == nil {
			return nil, fhir.NewExecError(http.StatusBadRequest,
				"identifier system %s is not searchable", f.IdentSystem)
		}
		fhirID, err := s.resolver.ResolveIdentifier(ctx, f.IdentSystem, f.IdentValue)
		if err != nil {
			return nil, fmt.Errorf("resolve identifier: %w", err)
		}
		if fhirID == "" || (f.FHIRID != "" && f.FHIRID != fhirID) {
			return nil, nil
		}
		stored, err := s.repo.GetCurrent(ctx, resourceType, fhirID)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if stored.Deleted {
			return nil, nil
		}
		return []*StoredResource{stored}, nil
	}
	return s.repo.Find(ctx, resourceType, f, limit)
}

// insert writes version 1 under the given id. Shared by create,
// create-by-update, and conditional update with no match.
func (s *Service) insert(ctx context.Context, resourceType, fhirID string, doc map[string]interface{}, interaction string) (*fhir.BundleEntryResponse, error) {
	now := time.Now().UTC()
	stampMeta(doc, fhirID, 1, now)

	clear, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", resourceType, fhirID, err)
	}
	sealed, err := s.crypto.EncryptResource(resourceType, clear)
	if err != nil {
		return nil, fmt.Errorf("encrypt %s/%s: %w", resourceType, fhirID, err)
	}

	sr := &StoredResource{
		ID:           uuid.New(),
		ResourceType: resourceType,
		FHIRID:       fhirID,
		VersionID:    1,
		Content:      sealed,
		LastUpdated:  now,
		CreatedAt:    now,
	}
	if err := s.repo.Create(ctx, sr); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, fhir.NewExecError(http.StatusConflict, "%s/%s already exists", resourceType, fhirID)
		}
		return nil, err
	}
	if err := s.project(ctx, resourceType, fhirID, clear); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, ledger.ActionCreate, interaction, resourceType, fhirID, 1); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("resource", resourceType+"/"+fhirID).Msg("resource created")

	return &fhir.BundleEntryResponse{
		Status:       "201 Created",
		Location:     versionLocation(resourceType, fhirID, 1),
		ETag:         versionETag(1),
		LastModified: now.Format(time.RFC3339),
		Resource:     doc,
	}, nil
}

// existingResponse answers a conditional create that matched exactly one
// resource: 200 with the match, nothing written.
func (s *Service) existingResponse(ctx context.Context, stored *StoredResource) (*fhir.BundleEntryResponse, error) {
	clear, err := s.crypto.DecryptResource(stored.ResourceType, stored.Content)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s/%s: %w", stored.ResourceType, stored.FHIRID, err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(clear, &doc); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", stored.ResourceType, stored.FHIRID, err)
	}
	if err := s.auditRead(ctx, stored, "read"); err != nil {
		return nil, err
	}
	return &fhir.BundleEntryResponse{
		Status:       "200 OK",
		Location:     versionLocation(stored.ResourceType, stored.FHIRID, stored.VersionID),
		ETag:         versionETag(stored.VersionID),
		LastModified: stored.LastUpdated.Format(time.RFC3339),
		Resource:     doc,
	}, nil
}

func (s *Service) project(ctx context.Context, resourceType, fhirID string, clear json.RawMessage) error {
	for _, p := range s.projections {
		if err := p.Upsert(ctx, resourceType, fhirID, clear); err != nil {
			return fmt.Errorf("project %s/%s: %w", resourceType, fhirID, err)
		}
	}
	return nil
}

func (s *Service) auditRead(ctx context.Context, sr *StoredResource, interaction string) error {
	if hipaa.PHIFieldPaths(sr.ResourceType) == nil {
		return nil
	}
	return s.appendEvent(ctx, ledger.ActionRead, interaction, sr.ResourceType, sr.FHIRID, sr.VersionID)
}

func (s *Service) appendEvent(ctx context.Context, action, interaction, resourceType, fhirID string, version int) error {
	if s.auditor == nil {
		return nil
	}
	meta := ledger.MetaFromContext(ctx)
	actor := meta.ActorID
	if actor == "" {
		actor = auth.UserIDFromContext(ctx)
	}
	_, err := s.auditor.Append(ctx, ledger.Event{
		TypeCode:      "rest",
		SubtypeCode:   interaction,
		Action:        action,
		Outcome:       ledger.OutcomeSuccess,
		AgentID:       actor,
		AgentIP:       meta.IP,
		EntityType:    resourceType,
		EntityID:      fhirID,
		EntityVersion: version,
		PurposeCode:   meta.Purpose,
		RequestID:     meta.RequestID,
	})
	if err != nil {
		return fmt.Errorf("audit %s %s/%s: %w", interaction, resourceType, fhirID, err)
	}
	return nil
}

func checkResourceType(doc map[string]interface{}, want string) error {
	if doc == nil {
		return fhir.NewExecError(http.StatusBadRequest, "operation requires a resource body")
	}
	if got, _ := doc["resourceType"].(string); got != want {
		return fhir.NewExecError(http.StatusBadRequest,
			"resource type %q does not match url type %q", got, want)
	}
	return nil
}

func stampMeta(doc map[string]interface{}, fhirID string, version int, at time.Time) {
	doc["id"] = fhirID
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = at.Format(time.RFC3339)
	doc["meta"] = meta
}

// parseFilter interprets a search query, accepting only the parameters the
// conditional-operation surface supports: _id and identifier equality.
func parseFilter(query string) (Filter, error) {
	values, err := url.ParseQuery(query)
	if err != nil {
		return Filter{}, fmt.Errorf("malformed query: %w", err)
	}
	var f Filter
	for key := range values {
		switch key {
		case "_id":
			f.FHIRID = values.Get(key)
		case "identifier":
			raw := values.Get(key)
			if i := strings.Index(raw, "|"); i >= 0 {
				f.IdentSystem, f.IdentValue = raw[:i], raw[i+1:]
			} else {
				f.IdentValue = raw
			}
			if f.IdentValue == "" {
				return Filter{}, fmt.Errorf("identifier search requires a value")
			}
		default:
			return Filter{}, fmt.Errorf("unsupported search parameter %q", key)
		}
	}
	if f.IsZero() {
		return Filter{}, fmt.Errorf("at least one of _id or identifier is required")
	}
	return f, nil
}

func rawQuery(entryURL string) string {
	if i := strings.Index(entryURL, "?"); i >= 0 {
		return entryURL[i+1:]
	}
	return ""
}

// vreadVersion detects a Type/id/_history/vid entry url.
func vreadVersion(entryURL string) (int, bool, error) {
	segments := strings.Split(strings.TrimPrefix(entryURL, "/"), "/")
	if len(segments) < 3 || segments[2] != "_history" {
		return 0, false, nil
	}
	if len(segments) < 4 {
		return 0, false, fhir.NewExecError(http.StatusBadRequest,
			"history is not supported in a bundle entry")
	}
	v, err := strconv.Atoi(segments[3])
	if err != nil || v < 1 {
		return 0, false, fhir.NewExecError(http.StatusBadRequest,
			"malformed version id %q", segments[3])
	}
	return v, true, nil
}

func parseETagVersion(tag string) (int, error) {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	tag = strings.Trim(tag, `"`)
	v, err := strconv.Atoi(tag)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("not a version etag")
	}
	return v, nil
}

func mapReadError(resourceType, fhirID string, err error) error {
	switch {
	case errors.Is(err, ErrGone):
		return fhir.NewExecError(http.StatusGone, "%s/%s is deleted", resourceType, fhirID)
	case errors.Is(err, ErrNotFound):
		return fhir.NewExecError(http.StatusNotFound, "%s/%s not found", resourceType, fhirID)
	default:
		return err
	}
}

func readResponse(stored *StoredResource, clear json.RawMessage) (*fhir.BundleEntryResponse, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(clear, &doc); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", stored.ResourceType, stored.FHIRID, err)
	}
	return &fhir.BundleEntryResponse{
		Status:       "200 OK",
		Location:     versionLocation(stored.ResourceType, stored.FHIRID, stored.VersionID),
		ETag:         versionETag(stored.VersionID),
		LastModified: stored.LastUpdated.Format(time.RFC3339),
		Resource:     doc,
	}, nil
}

func versionLocation(resourceType, fhirID string, version int) string {
	return fmt.Sprintf("%s/%s/_history/%d", resourceType, fhirID, version)
}

func versionETag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

func noContent() *fhir.BundleEntryResponse {
	return &fhir.BundleEntryResponse{Status: "204 No Content"}
}
