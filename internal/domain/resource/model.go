package resource

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound means the resource has never existed in this tenant.
	ErrNotFound = errors.New("resource not found")
	// ErrGone means the current version of the resource is a delete marker.
	ErrGone = errors.New("resource deleted")
	// ErrVersionConflict means an optimistic write lost to a concurrent one.
	ErrVersionConflict = errors.New("resource version conflict")
	// ErrDuplicate means a create collided with an existing logical id.
	ErrDuplicate = errors.New("resource already exists")
)

// StoredResource is one version of a FHIR resource as held in the store.
// Content carries the resource JSON with PHI fields encrypted at rest; the
// service layer decrypts on the way out. For rows read from the history
// table, ID is the logical resource id and CreatedAt is left zero.
type StoredResource struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	ResourceType string          `db:"resource_type" json:"resource_type"`
	FHIRID       string          `db:"fhir_id" json:"fhir_id"`
	VersionID    int             `db:"version_id" json:"version_id"`
	Content      json.RawMessage `db:"content" json:"content"`
	Deleted      bool            `db:"deleted" json:"deleted"`
	LastUpdated  time.Time       `db:"last_updated" json:"last_updated"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// Filter narrows a search to the parameters the conditional-operation
// surface supports. Zero fields are ignored. IdentSystem without IdentValue
// is not a valid filter.
type Filter struct {
	FHIRID      string
	IdentSystem string
	IdentValue  string
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return f.FHIRID == "" && f.IdentValue == ""
}

// Repository is the storage contract for versioned resources. Every write
// records a history row alongside the current row, and all methods resolve
// their connection from context (transaction first).
type Repository interface {
	// Create inserts version 1 of a new resource. ErrDuplicate when the
	// logical id is already taken.
	Create(ctx context.Context, r *StoredResource) error
	// Update replaces the current row with r, which must carry the bumped
	// version. ErrVersionConflict unless the stored version still equals
	// expectedVersion.
	Update(ctx context.Context, r *StoredResource, expectedVersion int) error
	// MarkDeleted writes a delete marker: the current row keeps its content
	// but gains r's version with deleted set. Same optimistic rule as Update.
	MarkDeleted(ctx context.Context, r *StoredResource, expectedVersion int) error
	// GetCurrent returns the current row, delete markers included.
	GetCurrent(ctx context.Context, resourceType, fhirID string) (*StoredResource, error)
	// GetVersion returns one historical version.
	GetVersion(ctx context.Context, resourceType, fhirID string, versionID int) (*StoredResource, error)
	// History lists versions newest first and returns the total count.
	History(ctx context.Context, resourceType, fhirID string, limit, offset int) ([]*StoredResource, int, error)
	// Find returns non-deleted current rows matching f, newest first.
	Find(ctx context.Context, resourceType string, f Filter, limit int) ([]*StoredResource, error)
	// CountByIdentifier counts non-deleted current rows matching f.
	CountByIdentifier(ctx context.Context, resourceType string, f Filter) (int, error)
}
