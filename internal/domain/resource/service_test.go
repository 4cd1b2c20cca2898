package resource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/domain/ledger"
	"github.com/medledger/medledger/internal/platform/db"
	"github.com/medledger/medledger/internal/platform/fhir"
	"github.com/medledger/medledger/internal/platform/hipaa"
)

// txStub satisfies pgx.Tx just enough to mark the context as transactional.
// Nothing in the service calls through it; repositories are mocked.
type txStub struct{ pgx.Tx }

func txContext() context.Context {
	return context.WithValue(context.Background(), db.DBTxKey, txStub{})
}

type mockRepo struct {
	resources map[string]*StoredResource
	history   map[string][]*StoredResource
	updateErr error
	findErr   error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		resources: make(map[string]*StoredResource),
		history:   make(map[string][]*StoredResource),
	}
}

func storeKey(resourceType, fhirID string) string {
	return resourceType + "/" + fhirID
}

func cloneStored(r *StoredResource) *StoredResource {
	c := *r
	c.Content = append(json.RawMessage(nil), r.Content...)
	return &c
}

func (m *mockRepo) Create(_ context.Context, r *StoredResource) error {
	key := storeKey(r.ResourceType, r.FHIRID)
	if _, ok := m.resources[key]; ok {
		return ErrDuplicate
	}
	m.resources[key] = cloneStored(r)
	m.history[key] = append(m.history[key], cloneStored(r))
	return nil
}

func (m *mockRepo) Update(_ context.Context, r *StoredResource, expectedVersion int) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	key := storeKey(r.ResourceType, r.FHIRID)
	current, ok := m.resources[key]
	if !ok || current.VersionID != expectedVersion {
		return ErrVersionConflict
	}
	m.resources[key] = cloneStored(r)
	m.history[key] = append(m.history[key], cloneStored(r))
	return nil
}

func (m *mockRepo) MarkDeleted(ctx context.Context, r *StoredResource, expectedVersion int) error {
	return m.Update(ctx, r, expectedVersion)
}

func (m *mockRepo) GetCurrent(_ context.Context, resourceType, fhirID string) (*StoredResource, error) {
	r, ok := m.resources[storeKey(resourceType, fhirID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneStored(r), nil
}

func (m *mockRepo) GetVersion(_ context.Context, resourceType, fhirID string, versionID int) (*StoredResource, error) {
	for _, v := range m.history[storeKey(resourceType, fhirID)] {
		if v.VersionID == versionID {
			return cloneStored(v), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) History(_ context.Context, resourceType, fhirID string, limit, offset int) ([]*StoredResource, int, error) {
	all := m.history[storeKey(resourceType, fhirID)]
	total := len(all)

	var out []*StoredResource
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneStored(all[i]))
	}
	return out, total, nil
}

func (m *mockRepo) Find(_ context.Context, resourceType string, f Filter, limit int) ([]*StoredResource, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	var matches []*StoredResource
	for _, r := range m.resources {
		if r.ResourceType != resourceType || r.Deleted {
			continue
		}
		if f.FHIRID != "" && r.FHIRID != f.FHIRID {
			continue
		}
		if f.IdentValue != "" && !contentHasIdentifier(r.Content, f.IdentSystem, f.IdentValue) {
			continue
		}
		matches = append(matches, cloneStored(r))
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].FHIRID < matches[j].FHIRID })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (m *mockRepo) CountByIdentifier(ctx context.Context, resourceType string, f Filter) (int, error) {
	matches, err := m.Find(ctx, resourceType, f, 1<<30)
	return len(matches), err
}

func contentHasIdentifier(content json.RawMessage, system, value string) bool {
	var doc struct {
		Identifier []struct {
			System string `json:"system"`
			Value  string `json:"value"`
		} `json:"identifier"`
	}
	if err := json.Unmarshal(content, &doc); err != nil {
		return false
	}
	for _, ident := range doc.Identifier {
		if ident.Value == value && (system == "" || ident.System == system) {
			return true
		}
	}
	return false
}

type mockAuditor struct {
	events []ledger.Event
	err    error
}

func (m *mockAuditor) Append(_ context.Context, e ledger.Event) (*ledger.Event, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.events = append(m.events, e)
	return &e, nil
}

type mockProjection struct {
	upserts map[string]json.RawMessage
	removed []string
	err     error
}

func newMockProjection() *mockProjection {
	return &mockProjection{upserts: make(map[string]json.RawMessage)}
}

func (m *mockProjection) Upsert(_ context.Context, resourceType, fhirID string, resource json.RawMessage) error {
	if m.err != nil {
		return m.err
	}
	m.upserts[storeKey(resourceType, fhirID)] = append(json.RawMessage(nil), resource...)
	return nil
}

func (m *mockProjection) Remove(_ context.Context, resourceType, fhirID string) error {
	if m.err != nil {
		return m.err
	}
	m.removed = append(m.removed, storeKey(resourceType, fhirID))
	return nil
}

type mockResolver struct {
	byKey map[string]string
}

func (m *mockResolver) ResolveIdentifier(_ context.Context, system, value string) (string, error) {
	return m.byKey[system+"|"+value], nil
}

func newTestService(t *testing.T) (*Service, *mockRepo, *mockAuditor) {
	t.Helper()
	crypto, err := hipaa.NewEncryptionService("", "", zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	repo := newMockRepo()
	aud := &mockAuditor{}
	return NewService(repo, crypto, aud, zerolog.Nop()), repo, aud
}

func patientDoc(extra map[string]interface{}) map[string]interface{} {
	doc := map[string]interface{}{
		"resourceType": "Patient",
		"name":         []interface{}{map[string]interface{}{"family": "Riva"}},
	}
	for k, v := range extra {
		doc[k] = v
	}
	return doc
}

func seedPatient(t *testing.T, svc *Service, fhirID string, extra map[string]interface{}) {
	t.Helper()
	_, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:     http.MethodPost,
		URL:        "Patient",
		Resource:   patientDoc(extra),
		AssignedID: fhirID,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func execErrStatus(t *testing.T, err error) *fhir.ExecError {
	t.Helper()
	var execErr *fhir.ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecError, got %v", err)
	}
	return execErr
}

func TestExecute_CreateAssignsIDAndVersion(t *testing.T) {
	svc, repo, aud := newTestService(t)

	resp, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:   http.MethodPost,
		URL:      "Patient",
		Resource: patientDoc(nil),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "201 Created" {
		t.Errorf("expected 201 Created, got %q", resp.Status)
	}
	if !strings.Contains(resp.Location, "_history/1") {
		t.Errorf("expected version 1 location, got %q", resp.Location)
	}
	if resp.ETag != `W/"1"` {
		t.Errorf("expected weak etag for version 1, got %q", resp.ETag)
	}

	id, _ := resp.Resource["id"].(string)
	if id == "" {
		t.Fatal("expected a server-assigned id on the resource")
	}
	meta, _ := resp.Resource["meta"].(map[string]interface{})
	if meta["versionId"] != "1" {
		t.Errorf("expected meta.versionId 1, got %v", meta["versionId"])
	}

	stored, err := repo.GetCurrent(context.Background(), "Patient", id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.VersionID != 1 || stored.Deleted {
		t.Errorf("unexpected stored state: version %d deleted %v", stored.VersionID, stored.Deleted)
	}

	if len(aud.events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(aud.events))
	}
	e := aud.events[0]
	if e.Action != ledger.ActionCreate || e.SubtypeCode != "create" {
		t.Errorf("unexpected audit event: action %q subtype %q", e.Action, e.SubtypeCode)
	}
	if e.EntityType != "Patient" || e.EntityID != id || e.EntityVersion != 1 {
		t.Errorf("unexpected audit entity: %s/%s v%d", e.EntityType, e.EntityID, e.EntityVersion)
	}
}

func TestExecute_CreateHonorsAssignedID(t *testing.T) {
	svc, _, _ := newTestService(t)

	resp, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:     http.MethodPost,
		URL:        "Patient",
		Resource:   patientDoc(nil),
		AssignedID: "pre-assigned",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Location != "Patient/pre-assigned/_history/1" {
		t.Errorf("expected assigned id in location, got %q", resp.Location)
	}
}

func TestExecute_CreateTypeMismatch(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:   http.MethodPost,
		URL:      "Patient",
		Resource: map[string]interface{}{"resourceType": "Observation"},
	})
	execErr := execErrStatus(t, err)
	if execErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", execErr.StatusCode)
	}
	if !strings.Contains(execErr.Diagnostics, "does not match") {
		t.Errorf("unexpected diagnostics: %s", execErr.Diagnostics)
	}
}

func TestExecute_CreateMissingBody(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Execute(txContext(), fhir.ExecOp{Method: http.MethodPost, URL: "Patient"})
	if execErr := execErrStatus(t, err); execErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", execErr.StatusCode)
	}
}

func TestExecute_ConditionalCreateNoMatch(t *testing.T) {
	svc, _, _ := newTestService(t)

	resp, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:      http.MethodPost,
		URL:         "Patient",
		Resource:    patientDoc(nil),
		IfNoneExist: "identifier=http://example.org/mrn|X100",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "201 Created" {
		t.Errorf("expected create on no match, got %q", resp.Status)
	}
}

func TestExecute_ConditionalCreateOneMatch(t *testing.T) {
	svc, repo, aud := newTestService(t)
	seedPatient(t, svc, "existing", map[string]interface{}{
		"identifier": []interface{}{map[string]interface{}{"system": "http://example.org/mrn", "value": "X100"}},
	})
	aud.events = nil

	resp, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:      http.MethodPost,
		URL:         "Patient",
		Resource:    patientDoc(nil),
		IfNoneExist: "identifier=http://example.org/mrn|X100",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "200 OK" {
		t.Errorf("expected 200 for existing match, got %q", resp.Status)
	}
	if !strings.HasPrefix(resp.Location, "Patient/existing/") {
		t.Errorf("expected existing resource location, got %q", resp.Location)
	}
	if len(repo.resources) != 1 {
		t.Errorf("expected no new resource, have %d", len(repo.resources))
	}
	if len(aud.events) != 1 || aud.events[0].Action != ledger.ActionRead {
		t.Errorf("expected a read audit event, got %+v", aud.events)
	}
}

func TestExecute_ConditionalCreateMultipleMatches(t *testing.T) {
	svc, _, _ := newTestService(t)
	ident := map[string]interface{}{
		"identifier": []interface{}{map[string]interface{}{"system": "http://example.org/mrn", "value": "X100"}},
	}
	seedPatient(t, svc, "first", ident)
	seedPatient(t, svc, "second", ident)

	_, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:      http.MethodPost,
		URL:         "Patient",
		Resource:    patientDoc(nil),
		IfNoneExist: "identifier=http://example.org/mrn|X100",
	})
	if execErr := execErrStatus(t, err); execErr.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("expected 412, got %d", execErr.StatusCode)
	}
}

func TestExecute_ConditionalCreateUnsupportedParam(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:      http.MethodPost,
		URL:         "Patient",
		Resource:    patientDoc(nil),
		IfNoneExist: "name=Riva",
	})
	execErr := execErrStatus(t, err)
	if execErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", execErr.StatusCode)
	}
	if !strings.Contains(execErr.Diagnostics, "unsupported search parameter") {
		t.Errorf("unexpected diagnostics: %s", execErr.Diagnostics)
	}
}

func TestExecute_UpdateBumpsVersion(t *testing.T) {
	svc, repo, aud := newTestService(t)
	seedPatient(t, svc, "p1", nil)
	aud.events = nil

	resp, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:   http.MethodPut,
		URL:      "Patient/p1",
		Resource: patientDoc(map[string]interface{}{"active": true}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "200 OK" {
		t.Errorf("expected 200 OK, got %q", resp.Status)
	}
	if resp.ETag != `W/"2"` {
		t.Errorf("expected version 2 etag, got %q", resp.ETag)
	}

	stored, _ := repo.GetCurrent(context.Background(), "Patient", "p1")
	if stored.VersionID != 2 {
		t.Errorf("expected stored version 2, got %d", stored.VersionID)
	}
	if len(repo.history["Patient/p1"]) != 2 {
		t.Errorf("expected 2 history rows, got %d", len(repo.history["Patient/p1"]))
	}
	if len(aud.events) != 1 || aud.events[0].Action != ledger.ActionUpdate {
		t.Errorf("expected an update audit event, got %+v", aud.events)
	}
}

func TestExecute_UpdateCreatesWhenMissing(t *testing.T) {
	svc, repo, _ := newTestService(t)

	resp, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:   http.MethodPut,
		URL:      "Patient/client-chosen",
		Resource: patientDoc(nil),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "201 Created" {
		t.Errorf("expected 201 on create-by-update, got %q", resp.Status)
	}
	if _, err := repo.GetCurrent(context.Background(), "Patient", "client-chosen"); err != nil {
		t.Errorf("expected resource under client id: %v", err)
	}
}

func TestExecute_UpdateBodyIDMismatch(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:   http.MethodPut,
		URL:      "Patient/p1",
		Resource: patientDoc(map[string]interface{}{"id": "other"}),
	})
	if execErr := execErrStatus(t, err); execErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", execErr.StatusCode)
	}
}

func TestExecute_UpdateIfMatchConflict(t *testing.T) {
	svc, _, _ := newTestService(t)
	seedPatient(t, svc, "p1", nil)

	_, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:   http.MethodPut,
		URL:      "Patient/p1",
		Resource: patientDoc(nil),
		IfMatch:  `W/"5"`,
	})
	execErr := execErrStatus(t, err)
	if execErr.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", execErr.StatusCode)
	}
	if !strings.Contains(execErr.Diagnostics, "version conflict") {
		t.Errorf("unexpected diagnostics: %s", execErr.Diagnostics)
	}
}

func TestExecute_UpdateIfMatchAccepted(t *testing.T) {
	svc, _, _ := newTestService(t)
	seedPatient(t, svc, "p1", nil)

	resp, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:   http.MethodPut,
		URL:      "Patient/p1",
		Resource: patientDoc(nil),
		IfMatch:  `W/"1"`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ETag != `W/"2"` {
		t.Errorf("expected version 2 after guarded update, got %q", resp.ETag)
	}
}

func TestExecute_UpdateIfMatchMissingResource(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:   http.MethodPut,
		URL:      "Patient/absent",
		Resource: patientDoc(nil),
		IfMatch:  `W/"1"`,
	})
	if execErr := execErrStatus(t, err); execErr.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("expected 412, got %d", execErr.StatusCode)
	}
}

func TestExecute_UpdateResurrectsDeleted(t *testing.T) {
	svc, repo, _ := newTestService(t)
	seedPatient(t, svc, "p1", nil)
	if _, err := svc.Execute(txContext(), fhir.ExecOp{Method: http.MethodDelete, URL: "Patient/p1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:   http.MethodPut,
		URL:      "Patient/p1",
		Resource: patientDoc(nil),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "200 OK" {
		t.Errorf("expected 200 on resurrect, got %q", resp.Status)
	}
	stored, _ := repo.GetCurrent(context.Background(), "Patient", "p1")
	if stored.Deleted || stored.VersionID != 3 {
		t.Errorf("expected live version 3, got version %d deleted %v", stored.VersionID, stored.Deleted)
	}
}

func TestExecute_ConditionalUpdateByIdentifier(t *testing.T) {
	svc, repo, _ := newTestService(t)
	seedPatient(t, svc, "p1", map[string]interface{}{
		"identifier": []interface{}{map[string]interface{}{"system": "http://example.org/mrn", "value": "X100"}},
	})

	resp, err := svc.Execute(txContext(), fhir.ExecOp{
		Method: http.MethodPut,
		URL:    "Patient?identifier=http://example.org/mrn|X100",
		Resource: patientDoc(map[string]interface{}{
			"identifier": []interface{}{map[string]interface{}{"system": "http://example.org/mrn", "value": "X100"}},
		}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "200 OK" {
		t.Errorf("expected 200, got %q", resp.Status)
	}
	stored, _ := repo.GetCurrent(context.Background(), "Patient", "p1")
	if stored.VersionID != 2 {
		t.Errorf("expected matched resource updated to version 2, got %d", stored.VersionID)
	}
}

func TestExecute_ConcurrentUpdateConflict(t *testing.T) {
	svc, repo, _ := newTestService(t)
	seedPatient(t, svc, "p1", nil)
	repo.updateErr = ErrVersionConflict

	_, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:   http.MethodPut,
		URL:      "Patient/p1",
		Resource: patientDoc(nil),
	})
	if execErr := execErrStatus(t, err); execErr.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", execErr.StatusCode)
	}
}

func TestExecute_DeleteSoft(t *testing.T) {
	svc, repo, aud := newTestService(t)
	proj := newMockProjection()
	svc.AddProjection(proj)
	seedPatient(t, svc, "p1", nil)
	aud.events = nil

	resp, err := svc.Execute(txContext(), fhir.ExecOp{Method: http.MethodDelete, URL: "Patient/p1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "204 No Content" {
		t.Errorf("expected 204, got %q", resp.Status)
	}

	stored, _ := repo.GetCurrent(context.Background(), "Patient", "p1")
	if !stored.Deleted || stored.VersionID != 2 {
		t.Errorf("expected delete marker at version 2, got version %d deleted %v", stored.VersionID, stored.Deleted)
	}
	if len(aud.events) != 1 || aud.events[0].Action != ledger.ActionDelete {
		t.Errorf("expected a delete audit event, got %+v", aud.events)
	}
	if len(proj.removed) != 1 || proj.removed[0] != "Patient/p1" {
		t.Errorf("expected projection removal, got %v", proj.removed)
	}
}

func TestExecute_DeleteTwiceIsIdempotent(t *testing.T) {
	svc, repo, aud := newTestService(t)
	seedPatient(t, svc, "p1", nil)
	aud.events = nil

	for i := 0; i < 2; i++ {
		resp, err := svc.Execute(txContext(), fhir.ExecOp{Method: http.MethodDelete, URL: "Patient/p1"})
		if err != nil {
			t.Fatalf("delete %d: unexpected error: %v", i, err)
		}
		if resp.Status != "204 No Content" {
			t.Errorf("delete %d: expected 204, got %q", i, resp.Status)
		}
	}

	stored, _ := repo.GetCurrent(context.Background(), "Patient", "p1")
	if stored.VersionID != 2 {
		t.Errorf("expected version unchanged by repeat delete, got %d", stored.VersionID)
	}
	if len(aud.events) != 1 {
		t.Errorf("expected a single delete audit event, got %d", len(aud.events))
	}
}

func TestExecute_DeleteMissingResource(t *testing.T) {
	svc, _, aud := newTestService(t)

	resp, err := svc.Execute(txContext(), fhir.ExecOp{Method: http.MethodDelete, URL: "Patient/never"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "204 No Content" {
		t.Errorf("expected 204, got %q", resp.Status)
	}
	if len(aud.events) != 0 {
		t.Errorf("expected no audit event for a no-op delete, got %d", len(aud.events))
	}
}

func TestExecute_ReadReturnsResource(t *testing.T) {
	svc, _, aud := newTestService(t)
	seedPatient(t, svc, "p1", nil)
	aud.events = nil

	resp, err := svc.Execute(txContext(), fhir.ExecOp{Method: http.MethodGet, URL: "Patient/p1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "200 OK" {
		t.Errorf("expected 200, got %q", resp.Status)
	}
	if resp.Resource["resourceType"] != "Patient" || resp.Resource["id"] != "p1" {
		t.Errorf("unexpected resource: %+v", resp.Resource)
	}
	if len(aud.events) != 1 || aud.events[0].Action != ledger.ActionRead || aud.events[0].SubtypeCode != "read" {
		t.Errorf("expected a read audit event, got %+v", aud.events)
	}
}

func TestExecute_ReadDeletedIsGone(t *testing.T) {
	svc, _, _ := newTestService(t)
	seedPatient(t, svc, "p1", nil)
	if _, err := svc.Execute(txContext(), fhir.ExecOp{Method: http.MethodDelete, URL: "Patient/p1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := svc.Execute(txContext(), fhir.ExecOp{Method: http.MethodGet, URL: "Patient/p1"})
	if execErr := execErrStatus(t, err); execErr.StatusCode != http.StatusGone {
		t.Errorf("expected 410, got %d", execErr.StatusCode)
	}
}

func TestExecute_ReadMissingIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Execute(txContext(), fhir.ExecOp{Method: http.MethodGet, URL: "Patient/never"})
	if execErr := execErrStatus(t, err); execErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", execErr.StatusCode)
	}
}

func TestExecute_ReadNonPHITypeSkipsAudit(t *testing.T) {
	svc, _, aud := newTestService(t)
	_, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:     http.MethodPost,
		URL:        "Observation",
		Resource:   map[string]interface{}{"resourceType": "Observation", "status": "final"},
		AssignedID: "o1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	aud.events = nil

	if _, err := svc.Execute(txContext(), fhir.ExecOp{Method: http.MethodGet, URL: "Observation/o1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(aud.events) != 0 {
		t.Errorf("expected no audit event for a non-PHI read, got %d", len(aud.events))
	}
}

func TestExecute_VRead(t *testing.T) {
	svc, _, _ := newTestService(t)
	seedPatient(t, svc, "p1", nil)
	if _, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:   http.MethodPut,
		URL:      "Patient/p1",
		Resource: patientDoc(map[string]interface{}{"active": true}),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := svc.Execute(txContext(), fhir.ExecOp{Method: http.MethodGet, URL: "Patient/p1/_history/1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	meta, _ := resp.Resource["meta"].(map[string]interface{})
	if meta["versionId"] != "1" {
		t.Errorf("expected version 1 content, got %v", meta["versionId"])
	}
	if _, ok := resp.Resource["active"]; ok {
		t.Error("version 1 should not carry the version 2 change")
	}
}

func TestExecute_VReadMissingVersion(t *testing.T) {
	svc, _, _ := newTestService(t)
	seedPatient(t, svc, "p1", nil)

	_, err := svc.Execute(txContext(), fhir.ExecOp{Method: http.MethodGet, URL: "Patient/p1/_history/9"})
	if execErr := execErrStatus(t, err); execErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", execErr.StatusCode)
	}
}

func TestExecute_HeadStripsBody(t *testing.T) {
	svc, _, _ := newTestService(t)
	seedPatient(t, svc, "p1", nil)

	resp, err := svc.Execute(txContext(), fhir.ExecOp{Method: http.MethodHead, URL: "Patient/p1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Resource != nil {
		t.Error("expected no body on HEAD")
	}
	if resp.ETag != `W/"1"` {
		t.Errorf("expected etag on HEAD, got %q", resp.ETag)
	}
}

func TestExecute_SearchByIdentifier(t *testing.T) {
	svc, _, aud := newTestService(t)
	seedPatient(t, svc, "p1", map[string]interface{}{
		"identifier": []interface{}{map[string]interface{}{"system": "http://example.org/mrn", "value": "X100"}},
	})
	aud.events = nil

	resp, err := svc.Execute(txContext(), fhir.ExecOp{
		Method: http.MethodGet,
		URL:    "Patient?identifier=http://example.org/mrn|X100",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "200 OK" {
		t.Errorf("expected 200, got %q", resp.Status)
	}
	if resp.Resource["type"] != "searchset" {
		t.Errorf("expected a searchset bundle, got %v", resp.Resource["type"])
	}
	if total, _ := resp.Resource["total"].(float64); total != 1 {
		t.Errorf("expected total 1, got %v", resp.Resource["total"])
	}
	if len(aud.events) != 1 || aud.events[0].SubtypeCode != "search-type" {
		t.Errorf("expected a search audit event, got %+v", aud.events)
	}
}

func TestExecute_SearchUnsupportedParam(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Execute(txContext(), fhir.ExecOp{Method: http.MethodGet, URL: "Patient?name=Riva"})
	if execErr := execErrStatus(t, err); execErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", execErr.StatusCode)
	}
}

func TestExecute_SensitiveIdentifierUsesResolver(t *testing.T) {
	svc, _, _ := newTestService(t)
	seedPatient(t, svc, "p1", nil)
	svc.SetIdentifierResolver(&mockResolver{byKey: map[string]string{
		hipaa.SSNSystem + "|999-01-2345": "p1",
	}})

	resp, err := svc.Execute(txContext(), fhir.ExecOp{
		Method: http.MethodGet,
		URL:    "Patient?identifier=" + hipaa.SSNSystem + "|999-01-2345",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total, _ := resp.Resource["total"].(float64); total != 1 {
		t.Errorf("expected resolver hit, got total %v", resp.Resource["total"])
	}

	resp, err = svc.Execute(txContext(), fhir.ExecOp{
		Method: http.MethodGet,
		URL:    "Patient?identifier=" + hipaa.SSNSystem + "|000-00-0000",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total, _ := resp.Resource["total"].(float64); total != 0 {
		t.Errorf("expected no match for unknown ssn, got total %v", resp.Resource["total"])
	}
}

func TestExecute_SensitiveIdentifierWithoutResolver(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Execute(txContext(), fhir.ExecOp{
		Method: http.MethodGet,
		URL:    "Patient?identifier=" + hipaa.SSNSystem + "|999-01-2345",
	})
	if execErr := execErrStatus(t, err); execErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without a resolver, got %d", execErr.StatusCode)
	}
}

func TestExecute_ProjectionFailureFailsWrite(t *testing.T) {
	svc, _, _ := newTestService(t)
	proj := newMockProjection()
	proj.err = errors.New("projection store down")
	svc.AddProjection(proj)

	_, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:   http.MethodPost,
		URL:      "Patient",
		Resource: patientDoc(nil),
	})
	if err == nil || !strings.Contains(err.Error(), "projection store down") {
		t.Errorf("expected projection error to surface, got %v", err)
	}
}

func TestExecute_AuditFailureFailsWrite(t *testing.T) {
	svc, _, aud := newTestService(t)
	aud.err = errors.New("ledger unavailable")

	_, err := svc.Execute(txContext(), fhir.ExecOp{
		Method:   http.MethodPost,
		URL:      "Patient",
		Resource: patientDoc(nil),
	})
	if err == nil || !strings.Contains(err.Error(), "ledger unavailable") {
		t.Errorf("expected audit failure to surface, got %v", err)
	}
}

func TestExecute_RequiresConnection(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Execute(context.Background(), fhir.ExecOp{Method: http.MethodGet, URL: "Patient/p1"})
	if err == nil || !strings.Contains(err.Error(), "no database connection") {
		t.Errorf("expected connection error, got %v", err)
	}
}

func TestExecute_ProjectionReceivesClearText(t *testing.T) {
	encKey := strings.Repeat("ab", 32)
	idxKey := strings.Repeat("cd", 32)
	crypto, err := hipaa.NewEncryptionService(encKey, idxKey, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	repo := newMockRepo()
	svc := NewService(repo, crypto, &mockAuditor{}, zerolog.Nop())
	proj := newMockProjection()
	svc.AddProjection(proj)

	_, err = svc.Execute(txContext(), fhir.ExecOp{
		Method: http.MethodPost,
		URL:    "Patient",
		Resource: patientDoc(map[string]interface{}{
			"telecom": []interface{}{map[string]interface{}{"system": "phone", "value": "555-0100"}},
		}),
		AssignedID: "p1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clear := proj.upserts["Patient/p1"]
	if !strings.Contains(string(clear), "555-0100") {
		t.Error("projection should receive the clear-text resource")
	}
	stored, _ := repo.GetCurrent(context.Background(), "Patient", "p1")
	if strings.Contains(string(stored.Content), "555-0100") {
		t.Error("stored content should not carry the clear phone number")
	}
}

func TestExecute_EncryptsAtRestAndDecryptsOnRead(t *testing.T) {
	encKey := strings.Repeat("ab", 32)
	crypto, err := hipaa.NewEncryptionService(encKey, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	repo := newMockRepo()
	svc := NewService(repo, crypto, &mockAuditor{}, zerolog.Nop())

	doc := patientDoc(map[string]interface{}{
		"telecom": []interface{}{map[string]interface{}{"system": "phone", "value": "555-0100"}},
		"identifier": []interface{}{
			map[string]interface{}{"system": hipaa.SSNSystem, "value": "999-01-2345"},
			map[string]interface{}{"system": "http://example.org/mrn", "value": "X100"},
		},
	})
	if _, err := svc.Execute(txContext(), fhir.ExecOp{
		Method: http.MethodPost, URL: "Patient", Resource: doc, AssignedID: "p1",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, _ := repo.GetCurrent(context.Background(), "Patient", "p1")
	raw := string(stored.Content)
	if strings.Contains(raw, "999-01-2345") || strings.Contains(raw, "555-0100") {
		t.Error("sensitive values must be encrypted at rest")
	}
	if !strings.Contains(raw, "X100") {
		t.Error("ordinary identifier values stay in clear for containment search")
	}

	resp, err := svc.Execute(txContext(), fhir.ExecOp{Method: http.MethodGet, URL: "Patient/p1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, _ := json.Marshal(resp.Resource)
	if !strings.Contains(string(out), "999-01-2345") {
		t.Error("read should return decrypted values")
	}
}

func TestExecute_RequestMetaFlowsToAudit(t *testing.T) {
	svc, _, aud := newTestService(t)

	ctx := ledger.WithRequestMeta(txContext(), ledger.RequestMeta{
		ActorID:   "dr-hugo",
		IP:        "10.1.2.3",
		RequestID: "req-77",
		Purpose:   "TREAT",
	})
	if _, err := svc.Execute(ctx, fhir.ExecOp{
		Method:   http.MethodPost,
		URL:      "Patient",
		Resource: patientDoc(nil),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(aud.events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(aud.events))
	}
	e := aud.events[0]
	if e.AgentID != "dr-hugo" || e.AgentIP != "10.1.2.3" || e.RequestID != "req-77" || e.PurposeCode != "TREAT" {
		t.Errorf("request metadata not carried onto the event: %+v", e)
	}
}
