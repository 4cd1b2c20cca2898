package consent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
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

// RepoPG persists consents in the tenant's consents table.
type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

func (r *RepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const consentCols = "id, fhir_id, patient_id, scope, status, status_detail, provision, created_at, updated_at"

func (r *RepoPG) Create(ctx context.Context, c *Consent) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consents (id, fhir_id, patient_id, scope, status, status_detail, provision, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.FHIRID, c.PatientID, c.Scope, c.Status, c.StatusDetail, c.Provision,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert consent %s: %w", c.FHIRID, err)
	}
	return nil
}

func (r *RepoPG) Update(ctx context.Context, c *Consent) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consents
		SET status = $2, status_detail = $3, provision = $4, updated_at = $5
		WHERE id = $1`,
		c.ID, c.Status, c.StatusDetail, c.Provision, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update consent %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update consent %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (r *RepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Consent, error) {
	row := r.conn(ctx).QueryRow(ctx,
		"SELECT "+consentCols+" FROM consents WHERE id = $1", id)
	return r.scanConsent(row)
}

func (r *RepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*Consent, error) {
	row := r.conn(ctx).QueryRow(ctx,
		"SELECT "+consentCols+" FROM consents WHERE fhir_id = $1", fhirID)
	return r.scanConsent(row)
}

func (r *RepoPG) ListActiveForPatient(ctx context.Context, patientID string) ([]*Consent, error) {
	rows, err := r.conn(ctx).Query(ctx,
		"SELECT "+consentCols+" FROM consents WHERE patient_id = $1 AND status = $2 ORDER BY created_at",
		patientID, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active consents for %s: %w", patientID, err)
	}
	return r.collect(rows)
}

func (r *RepoPG) List(ctx context.Context, patientID string, status Status, limit, offset int) ([]*Consent, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if patientID != "" {
		args = append(args, patientID)
		where = append(where, "patient_id = $"+strconv.Itoa(len(args)))
	}
	if status != "" {
		args = append(args, status)
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM consents"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count consents: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		"SELECT "+consentCols+" FROM consents"+clause+
			" ORDER BY created_at DESC LIMIT $"+strconv.Itoa(len(args)-1)+" OFFSET $"+strconv.Itoa(len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list consents: %w", err)
	}
	items, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *RepoPG) ListActiveExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Consent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+consentCols+` FROM consents
		WHERE status = $1
		  AND provision->'period'->>'end' IS NOT NULL
		  AND (provision->'period'->>'end')::timestamptz < $2
		ORDER BY created_at
		LIMIT $3`,
		StatusActive, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired consents: %w", err)
	}
	return r.collect(rows)
}

func (r *RepoPG) collect(rows pgx.Rows) ([]*Consent, error) {
	defer rows.Close()
	var out []*Consent
	for rows.Next() {
		c, err := r.scanConsent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *RepoPG) scanConsent(row pgx.Row) (*Consent, error) {
	var c Consent
	err := row.Scan(&c.ID, &c.FHIRID, &c.PatientID, &c.Scope, &c.Status,
		&c.StatusDetail, &c.Provision, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan consent: %w", err)
	}
	return &c, nil
}
