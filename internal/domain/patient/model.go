package patient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound means no projection row matches.
	ErrNotFound = errors.New("patient record not found")
	// ErrLookupUnavailable means the blind-index key is not configured, so
	// identifier lookup cannot be served.
	ErrLookupUnavailable = errors.New("identifier lookup unavailable: blind index key not configured")
)

// Record is the relational projection of a Patient resource. SSNEncrypted
// carries the versioned ciphertext; the hash columns are HMAC blind indexes
// enabling exact-match lookup without decryption. MRN stays clear as the
// business identifier shown to staff. KeyVersion tracks which cipher key
// sealed SSNEncrypted so rotation sweeps know what still needs work.
type Record struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	FHIRID       string     `db:"fhir_id" json:"fhir_id"`
	MRN          string     `db:"mrn" json:"mrn"`
	MRNHash      string     `db:"mrn_hash" json:"-"`
	SSNEncrypted string     `db:"ssn_encrypted" json:"-"`
	SSNHash      string     `db:"ssn_hash" json:"-"`
	BirthDate    *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	KeyVersion   int        `db:"key_version" json:"key_version"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

type Repository interface {
	// Upsert inserts or replaces the projection row keyed by FHIRID. The
	// original row id and created_at survive a replace.
	Upsert(ctx context.Context, r *Record) error
	GetByFHIRID(ctx context.Context, fhirID string) (*Record, error)
	GetBySSNHash(ctx context.Context, hash string) (*Record, error)
	GetByMRNHash(ctx context.Context, hash string) (*Record, error)
	Delete(ctx context.Context, fhirID string) error
	// ListByKeyVersionBelow returns rows whose ciphertext lags the given
	// key version, oldest versions first.
	ListByKeyVersionBelow(ctx context.Context, version, limit int) ([]*Record, error)
	// UpdateEncryption swaps in re-encrypted ciphertext and the new key
	// version for one row.
	UpdateEncryption(ctx context.Context, id uuid.UUID, ssnEncrypted string, keyVersion int, at time.Time) error
}
