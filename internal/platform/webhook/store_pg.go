package webhook

import (
	"context"
	"errors"
	"fmt"

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

// StorePG persists webhook endpoints and deliveries in the tenant's
// webhook_endpoints and webhook_deliveries tables.
type StorePG struct {
	pool *pgxpool.Pool
}

func NewStorePG(pool *pgxpool.Pool) *StorePG {
	return &StorePG{pool: pool}
}

func (s *StorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const endpointCols = "id, name, url, secret, events, active, created_at, updated_at"

func (s *StorePG) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO webhook_endpoints (id, name, url, secret, events, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ep.ID, ep.Name, ep.URL, ep.Secret, ep.Events, ep.Active, ep.CreatedAt, ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook endpoint %s: %w", ep.ID, err)
	}
	return nil
}

func (s *StorePG) GetEndpoint(ctx context.Context, id uuid.UUID) (*Endpoint, error) {
	row := s.conn(ctx).QueryRow(ctx,
		"SELECT "+endpointCols+" FROM webhook_endpoints WHERE id = $1", id)
	return s.scanEndpoint(row)
}

func (s *StorePG) ListEndpoints(ctx context.Context, limit, offset int) ([]*Endpoint, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM webhook_endpoints").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook endpoints: %w", err)
	}

	rows, err := s.conn(ctx).Query(ctx,
		"SELECT "+endpointCols+" FROM webhook_endpoints ORDER BY created_at DESC LIMIT $1 OFFSET $2",
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook endpoints: %w", err)
	}
	items, err := s.collectEndpoints(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *StorePG) ListActiveEndpoints(ctx context.Context) ([]*Endpoint, error) {
	rows, err := s.conn(ctx).Query(ctx,
		"SELECT "+endpointCols+" FROM webhook_endpoints WHERE active ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list active webhook endpoints: %w", err)
	}
	return s.collectEndpoints(rows)
}

func (s *StorePG) UpdateEndpoint(ctx context.Context, ep *Endpoint) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE webhook_endpoints
		SET name = $2, url = $3, secret = $4, events = $5, active = $6, updated_at = $7
		WHERE id = $1`,
		ep.ID, ep.Name, ep.URL, ep.Secret, ep.Events, ep.Active, ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update webhook endpoint %s: %w", ep.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update webhook endpoint %s: %w", ep.ID, ErrNotFound)
	}
	return nil
}

func (s *StorePG) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, "DELETE FROM webhook_endpoints WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete webhook endpoint %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete webhook endpoint %s: %w", id, ErrNotFound)
	}
	return nil
}

const deliveryCols = "id, endpoint_id, event_type, payload, status, status_code, attempts, error, delivered_at, created_at"

// RecordDelivery inserts a delivery row, or updates it in place when a retry
// reuses the same delivery ID.
func (s *StorePG) RecordDelivery(ctx context.Context, d *DeliveryAttempt) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO webhook_deliveries (id, endpoint_id, event_type, payload, status, status_code, attempts, error, delivered_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, status_code = EXCLUDED.status_code,
		    attempts = EXCLUDED.attempts, error = EXCLUDED.error,
		    delivered_at = EXCLUDED.delivered_at`,
		d.ID, d.EndpointID, d.EventType, d.Payload, d.Status, d.StatusCode,
		d.Attempts, d.Error, d.DeliveredAt, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("record webhook delivery %s: %w", d.ID, err)
	}
	return nil
}

func (s *StorePG) GetDelivery(ctx context.Context, id uuid.UUID) (*DeliveryAttempt, error) {
	row := s.conn(ctx).QueryRow(ctx,
		"SELECT "+deliveryCols+" FROM webhook_deliveries WHERE id = $1", id)
	return s.scanDelivery(row)
}

func (s *StorePG) ListDeliveries(ctx context.Context, endpointID uuid.UUID, limit, offset int) ([]*DeliveryAttempt, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx,
		"SELECT COUNT(*) FROM webhook_deliveries WHERE endpoint_id = $1", endpointID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook deliveries: %w", err)
	}

	rows, err := s.conn(ctx).Query(ctx,
		"SELECT "+deliveryCols+" FROM webhook_deliveries WHERE endpoint_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3",
		endpointID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryAttempt
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *StorePG) collectEndpoints(rows pgx.Rows) ([]*Endpoint, error) {
	defer rows.Close()
	var out []*Endpoint
	for rows.Next() {
		ep, err := s.scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *StorePG) scanEndpoint(row pgx.Row) (*Endpoint, error) {
	var ep Endpoint
	err := row.Scan(&ep.ID, &ep.Name, &ep.URL, &ep.Secret, &ep.Events,
		&ep.Active, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan webhook endpoint: %w", err)
	}
	return &ep, nil
}

func (s *StorePG) scanDelivery(row pgx.Row) (*DeliveryAttempt, error) {
	var d DeliveryAttempt
	err := row.Scan(&d.ID, &d.EndpointID, &d.EventType, &d.Payload, &d.Status,
		&d.StatusCode, &d.Attempts, &d.Error, &d.DeliveredAt, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan webhook delivery: %w", err)
	}
	return &d, nil
}
