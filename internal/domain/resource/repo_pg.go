package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

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

const resourceCols = `id, resource_type, fhir_id, version_id, content, deleted, last_updated, created_at`

func scanResource(row pgx.Row) (*StoredResource, error) {
	var sr StoredResource
	err := row.Scan(&sr.ID, &sr.ResourceType, &sr.FHIRID, &sr.VersionID,
		&sr.Content, &sr.Deleted, &sr.LastUpdated, &sr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &sr, err
}

// History rows surface the logical resource id, not the history row's own
// primary key, so a version reads the same as its current-row counterpart.
const historyCols = `resource_id, resource_type, fhir_id, version_id, content, deleted, committed_at`

func scanHistoryRow(row pgx.Row) (*StoredResource, error) {
	var sr StoredResource
	err := row.Scan(&sr.ID, &sr.ResourceType, &sr.FHIRID, &sr.VersionID,
		&sr.Content, &sr.Deleted, &sr.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &sr, err
}

func (r *RepoPG) Create(ctx context.Context, sr *StoredResource) error {
	q := fmt.Sprintf(`INSERT INTO fhir_resources (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, resourceCols)
	_, err := r.conn(ctx).Exec(ctx, q,
		sr.ID, sr.ResourceType, sr.FHIRID, sr.VersionID,
		sr.Content, sr.Deleted, sr.LastUpdated, sr.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create %s/%s: %w", sr.ResourceType, sr.FHIRID, ErrDuplicate)
		}
		return fmt.Errorf("create %s/%s: %w", sr.ResourceType, sr.FHIRID, err)
	}
	return r.insertHistory(ctx, sr)
}

func (r *RepoPG) Update(ctx context.Context, sr *StoredResource, expectedVersion int) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE fhir_resources
		 SET version_id = $3, content = $4, deleted = $5, last_updated = $6
		 WHERE resource_type = $1 AND fhir_id = $2 AND version_id = $7`,
		sr.ResourceType, sr.FHIRID, sr.VersionID, sr.Content, sr.Deleted,
		sr.LastUpdated, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", sr.ResourceType, sr.FHIRID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s/%s at version %d: %w",
			sr.ResourceType, sr.FHIRID, expectedVersion, ErrVersionConflict)
	}
	return r.insertHistory(ctx, sr)
}

func (r *RepoPG) MarkDeleted(ctx context.Context, sr *StoredResource, expectedVersion int) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE fhir_resources
		 SET version_id = $3, deleted = TRUE, last_updated = $4
		 WHERE resource_type = $1 AND fhir_id = $2 AND version_id = $5`,
		sr.ResourceType, sr.FHIRID, sr.VersionID, sr.LastUpdated, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", sr.ResourceType, sr.FHIRID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s/%s at version %d: %w",
			sr.ResourceType, sr.FHIRID, expectedVersion, ErrVersionConflict)
	}
	return r.insertHistory(ctx, sr)
}

func (r *RepoPG) insertHistory(ctx context.Context, sr *StoredResource) error {
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO fhir_resource_history
		 (id, resource_id, resource_type, fhir_id, version_id, content, deleted, committed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), sr.ID, sr.ResourceType, sr.FHIRID, sr.VersionID,
		sr.Content, sr.Deleted, sr.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("record history %s/%s v%d: %w", sr.ResourceType, sr.FHIRID, sr.VersionID, err)
	}
	return nil
}

func (r *RepoPG) GetCurrent(ctx context.Context, resourceType, fhirID string) (*StoredResource, error) {
	q := fmt.Sprintf(`SELECT %s FROM fhir_resources
		WHERE resource_type = $1 AND fhir_id = $2`, resourceCols)
	return scanResource(r.conn(ctx).QueryRow(ctx, q, resourceType, fhirID))
}

func (r *RepoPG) GetVersion(ctx context.Context, resourceType, fhirID string, versionID int) (*StoredResource, error) {
	q := fmt.Sprintf(`SELECT %s FROM fhir_resource_history
		WHERE resource_type = $1 AND fhir_id = $2 AND version_id = $3`, historyCols)
	return scanHistoryRow(r.conn(ctx).QueryRow(ctx, q, resourceType, fhirID, versionID))
}

func (r *RepoPG) History(ctx context.Context, resourceType, fhirID string, limit, offset int) ([]*StoredResource, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM fhir_resource_history WHERE resource_type = $1 AND fhir_id = $2`,
		resourceType, fhirID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count history %s/%s: %w", resourceType, fhirID, err)
	}

	q := fmt.Sprintf(`SELECT %s FROM fhir_resource_history
		WHERE resource_type = $1 AND fhir_id = $2
		ORDER BY version_id DESC LIMIT $3 OFFSET $4`, historyCols)
	rows, err := r.conn(ctx).Query(ctx, q, resourceType, fhirID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list history %s/%s: %w", resourceType, fhirID, err)
	}
	defer rows.Close()

	var versions []*StoredResource
	for rows.Next() {
		sr, err := scanHistoryRow(rows)
		if err != nil {
			return nil, 0, err
		}
		versions = append(versions, sr)
	}
	return versions, total, rows.Err()
}

func (r *RepoPG) Find(ctx context.Context, resourceType string, f Filter, limit int) ([]*StoredResource, error) {
	where, args := buildFilterWhere(resourceType, f)
	q := fmt.Sprintf(`SELECT %s FROM fhir_resources WHERE %s
		ORDER BY last_updated DESC LIMIT $%d`, resourceCols, where, len(args)+1)
	args = append(args, limit)

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", resourceType, err)
	}
	defer rows.Close()

	var matches []*StoredResource
	for rows.Next() {
		sr, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, sr)
	}
	return matches, rows.Err()
}

func (r *RepoPG) CountByIdentifier(ctx context.Context, resourceType string, f Filter) (int, error) {
	where, args := buildFilterWhere(resourceType, f)
	var total int
	err := r.conn(ctx).QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM fhir_resources WHERE %s", where), args...,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count %s matches: %w", resourceType, err)
	}
	return total, nil
}

// buildFilterWhere renders the filter as a WHERE clause with positional
// args. Identifier equality uses JSONB containment so the GIN index on
// content serves the lookup.
func buildFilterWhere(resourceType string, f Filter) (string, []interface{}) {
	where := []string{"resource_type = $1", "deleted = FALSE"}
	args := []interface{}{resourceType}

	if f.FHIRID != "" {
		args = append(args, f.FHIRID)
		where = append(where, fmt.Sprintf("fhir_id = $%d", len(args)))
	}
	if f.IdentValue != "" {
		ident := map[string]interface{}{"value": f.IdentValue}
		if f.IdentSystem != "" {
			ident["system"] = f.IdentSystem
		}
		doc, _ := json.Marshal(map[string]interface{}{"identifier": []interface{}{ident}})
		args = append(args, string(doc))
		where = append(where, fmt.Sprintf("content @> $%d::jsonb", len(args)))
	}
	return strings.Join(where, " AND "), args
}
