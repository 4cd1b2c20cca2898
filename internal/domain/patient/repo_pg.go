package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medledger/medledger/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// RepoPG persists patient projection rows in the tenant's patients table.
type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

// conn prefers the ambient transaction, then a scoped connection, then the
// pool. Table names stay unqualified so the tenant search_path applies.
func (r *RepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const patientCols = "id, fhir_id, mrn, mrn_hash, ssn_encrypted, ssn_hash, birth_date, key_version, created_at, updated_at"

func (r *RepoPG) Upsert(ctx context.Context, rec *Record) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patients (id, fhir_id, mrn, mrn_hash, ssn_encrypted, ssn_hash, birth_date, key_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (fhir_id) DO UPDATE SET
			mrn           = EXCLUDED.mrn,
			mrn_hash      = EXCLUDED.mrn_hash,
			ssn_encrypted = EXCLUDED.ssn_encrypted,
			ssn_hash      = EXCLUDED.ssn_hash,
			birth_date    = EXCLUDED.birth_date,
			key_version   = EXCLUDED.key_version,
			updated_at    = EXCLUDED.updated_at`,
		rec.ID, rec.FHIRID, rec.MRN, rec.MRNHash, rec.SSNEncrypted, rec.SSNHash,
		rec.BirthDate, rec.KeyVersion, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert patient %s: %w", rec.FHIRID, err)
	}
	return nil
}

func (r *RepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*Record, error) {
	row := r.conn(ctx).QueryRow(ctx,
		"SELECT "+patientCols+" FROM patients WHERE fhir_id = $1", fhirID)
	return r.scanRecord(row)
}

func (r *RepoPG) GetBySSNHash(ctx context.Context, hash string) (*Record, error) {
	row := r.conn(ctx).QueryRow(ctx,
		"SELECT "+patientCols+" FROM patients WHERE ssn_hash = $1 AND ssn_hash <> ''", hash)
	return r.scanRecord(row)
}

func (r *RepoPG) GetByMRNHash(ctx context.Context, hash string) (*Record, error) {
	row := r.conn(ctx).QueryRow(ctx,
		"SELECT "+patientCols+" FROM patients WHERE mrn_hash = $1 AND mrn_hash <> ''", hash)
	return r.scanRecord(row)
}

func (r *RepoPG) Delete(ctx context.Context, fhirID string) error {
	tag, err := r.conn(ctx).Exec(ctx, "DELETE FROM patients WHERE fhir_id = $1", fhirID)
	if err != nil {
		return fmt.Errorf("delete patient %s: %w", fhirID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete patient %s: %w", fhirID, ErrNotFound)
	}
	return nil
}

func (r *RepoPG) ListByKeyVersionBelow(ctx context.Context, version, limit int) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx,
		"SELECT "+patientCols+" FROM patients WHERE key_version < $1 ORDER BY key_version, fhir_id LIMIT $2",
		version, limit)
	if err != nil {
		return nil, fmt.Errorf("list patients below key version %d: %w", version, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *RepoPG) UpdateEncryption(ctx context.Context, id uuid.UUID, ssnEncrypted string, keyVersion int, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		"UPDATE patients SET ssn_encrypted = $2, key_version = $3, updated_at = $4 WHERE id = $1",
		id, ssnEncrypted, keyVersion, at)
	if err != nil {
		return fmt.Errorf("update patient encryption %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update patient encryption %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *RepoPG) scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.FHIRID, &rec.MRN, &rec.MRNHash, &rec.SSNEncrypted,
		&rec.SSNHash, &rec.BirthDate, &rec.KeyVersion, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan patient record: %w", err)
	}
	return &rec, nil
}
