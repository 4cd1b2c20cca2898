package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/platform/hipaa"
)

// reEncryptBatch bounds how many rows a rotation sweep loads per query.
const reEncryptBatch = 200

// Service maintains the relational projection of Patient resources: SSN
// sealed with the rotating cipher, SSN and MRN blind-indexed for exact-match
// lookup, MRN and birth date kept clear for staff-facing display. The
// projection is fed by resource writes and queried by identifier lookups.
type Service struct {
	repo   Repository
	crypto *hipaa.EncryptionService
	logger zerolog.Logger
}

func NewService(repo Repository, crypto *hipaa.EncryptionService, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		crypto: crypto,
		logger: logger.With().Str("component", "patient").Logger(),
	}
}

type extracted struct {
	ssn       string
	mrn       string
	birthDate *time.Time
}

// extractFields pulls SSN, MRN, and birthDate out of a clear Patient
// document. First identifier per system wins. Partial FHIR dates (YYYY,
// YYYY-MM) resolve to the first day of the period.
func extractFields(resource json.RawMessage) (extracted, error) {
	var doc struct {
		Identifier []struct {
			System string `json:"system"`
			Value  string `json:"value"`
		} `json:"identifier"`
		BirthDate string `json:"birthDate"`
	}
	if err := json.Unmarshal(resource, &doc); err != nil {
		return extracted{}, fmt.Errorf("parse patient resource: %w", err)
	}

	var f extracted
	for _, ident := range doc.Identifier {
		switch ident.System {
		case hipaa.SSNSystem:
			if f.ssn == "" {
				f.ssn = ident.Value
			}
		case hipaa.MRNSystem:
			if f.mrn == "" {
				f.mrn = ident.Value
			}
		}
	}
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, doc.BirthDate); err == nil {
			f.birthDate = &t
			break
		}
	}
	return f, nil
}

// Index upserts the projection row for one Patient. The resource must be the
// clear document: the blind indexes and the ciphertext are both derived from
// plaintext values. When encryption is disabled the SSN is not persisted at
// all rather than stored clear.
func (s *Service) Index(ctx context.Context, fhirID string, resource json.RawMessage) error {
	fields, err := extractFields(resource)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:         uuid.New(),
		FHIRID:     fhirID,
		MRN:        fields.mrn,
		BirthDate:  fields.birthDate,
		KeyVersion: s.crypto.KeyVersion(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if rec.KeyVersion == 0 {
		rec.KeyVersion = 1
	}
	if fields.ssn != "" && s.crypto.IsEnabled() {
		sealed, err := s.crypto.EncryptField(fields.ssn)
		if err != nil {
			return fmt.Errorf("encrypt ssn for patient %s: %w", fhirID, err)
		}
		rec.SSNEncrypted = sealed
	}
	if idx := s.crypto.Indexer(); idx != nil {
		rec.SSNHash = idx.Index(fields.ssn)
		rec.MRNHash = idx.Index(fields.mrn)
	}

	if err := s.repo.Upsert(ctx, rec); err != nil {
		return err
	}
	s.logger.Debug().Str("fhir_id", fhirID).Msg("patient projection updated")
	return nil
}

// FindBySSN resolves a clear SSN to its projection row via the blind index.
func (s *Service) FindBySSN(ctx context.Context, ssn string) (*Record, error) {
	return s.findByHash(ctx, ssn, s.repo.GetBySSNHash)
}

// FindByMRN resolves a clear MRN to its projection row via the blind index.
func (s *Service) FindByMRN(ctx context.Context, mrn string) (*Record, error) {
	return s.findByHash(ctx, mrn, s.repo.GetByMRNHash)
}

func (s *Service) findByHash(ctx context.Context, value string, get func(context.Context, string) (*Record, error)) (*Record, error) {
	idx := s.crypto.Indexer()
	if idx == nil {
		return nil, ErrLookupUnavailable
	}
	hash := idx.Index(value)
	if hash == "" {
		return nil, ErrNotFound
	}
	return get(ctx, hash)
}

func (s *Service) Get(ctx context.Context, fhirID string) (*Record, error) {
	return s.repo.GetByFHIRID(ctx, fhirID)
}

// Remove drops the projection row. Removing an absent row is not an error:
// not every stored resource has been indexed.
func (s *Service) Remove(ctx context.Context, fhirID string) error {
	if err := s.repo.Delete(ctx, fhirID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	s.logger.Debug().Str("fhir_id", fhirID).Msg("patient projection removed")
	return nil
}

// SSNLastFour decrypts the stored SSN and returns its last four characters
// for redacted display. Empty when no SSN is on file.
func (s *Service) SSNLastFour(rec *Record) (string, error) {
	if rec.SSNEncrypted == "" {
		return "", nil
	}
	clear, err := s.crypto.DecryptField(rec.SSNEncrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt ssn for patient %s: %w", rec.FHIRID, err)
	}
	norm := hipaa.NormalizeIdentifier(clear)
	if len(norm) <= 4 {
		return norm, nil
	}
	return norm[len(norm)-4:], nil
}

// ReEncryptAll re-seals SSN ciphertexts whose key version lags the current
// cipher key, in batches, and stamps rows with the new version. Blind index
// hashes are untouched: the index key rotates independently of the cipher
// key, which is what keeps lookups working across rotations.
func (s *Service) ReEncryptAll(ctx context.Context) (int, error) {
	current := s.crypto.KeyVersion()
	if current == 0 {
		return 0, errors.New("re-encryption requires encryption to be enabled")
	}

	total := 0
	for {
		batch, err := s.repo.ListByKeyVersionBelow(ctx, current, reEncryptBatch)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			sealed := ""
			if rec.SSNEncrypted != "" {
				clear, err := s.crypto.DecryptField(rec.SSNEncrypted)
				if err != nil {
					return total, fmt.Errorf("decrypt ssn for patient %s: %w", rec.FHIRID, err)
				}
				sealed, err = s.crypto.EncryptField(clear)
				if err != nil {
					return total, fmt.Errorf("re-encrypt ssn for patient %s: %w", rec.FHIRID, err)
				}
			}
			if err := s.repo.UpdateEncryption(ctx, rec.ID, sealed, current, time.Now().UTC()); err != nil {
				return total, err
			}
			total++
		}
	}
	if total > 0 {
		s.logger.Info().Int("records", total).Int("key_version", current).Msg("patient ssn re-encryption complete")
	}
	return total, nil
}

// ResolveIdentifier maps a sensitive identifier to the owning Patient's FHIR
// id. An empty id with nil error means no match; unknown systems never match.
func (s *Service) ResolveIdentifier(ctx context.Context, system, value string) (string, error) {
	var (
		rec *Record
		err error
	)
	switch system {
	case hipaa.SSNSystem:
		rec, err = s.FindBySSN(ctx, value)
	case hipaa.MRNSystem:
		rec, err = s.FindByMRN(ctx, value)
	default:
		return "", nil
	}
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.FHIRID, nil
}

// Projector feeds Patient writes from the resource store into the projection.
// Other resource types pass through untouched.
type Projector struct {
	svc *Service
}

func NewProjector(svc *Service) *Projector {
	return &Projector{svc: svc}
}

func (p *Projector) Upsert(ctx context.Context, resourceType, fhirID string, resource json.RawMessage) error {
	if resourceType != "Patient" {
		return nil
	}
	return p.svc.Index(ctx, fhirID, resource)
}

func (p *Projector) Remove(ctx context.Context, resourceType, fhirID string) error {
	if resourceType != "Patient" {
		return nil
	}
	return p.svc.Remove(ctx, fhirID)
}
