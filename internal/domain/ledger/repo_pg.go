package ledger

import (
	"context"
	"errors"
	"fmt"
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

const eventCols = `id, seq, occurred_at, recorded_at, type_code, subtype_code,
	action, outcome, agent_id, agent_display, agent_ip, source_node,
	entity_type, entity_id, entity_version, purpose_code, sensitivity_label,
	request_id, detail, prev_hash, entry_hash`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(
		&e.ID, &e.Seq, &e.OccurredAt, &e.RecordedAt, &e.TypeCode, &e.SubtypeCode,
		&e.Action, &e.Outcome, &e.AgentID, &e.AgentDisplay, &e.AgentIP, &e.SourceNode,
		&e.EntityType, &e.EntityID, &e.EntityVersion, &e.PurposeCode, &e.SensitivityLabel,
		&e.RequestID, &e.Detail, &e.PrevHash, &e.EntryHash,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &e, err
}

// LockChain takes the per-tenant advisory lock. Transaction-scoped, so it
// only serializes anything when the caller is inside a transaction.
func (r *RepoPG) LockChain(ctx context.Context, tenantID string) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('ledger_' || $1))`, tenantID)
	if err != nil {
		return fmt.Errorf("lock ledger chain for %s: %w", tenantID, err)
	}
	return nil
}

func (r *RepoPG) Insert(ctx context.Context, e *Event) error {
	q := fmt.Sprintf(`INSERT INTO ledger_events (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`, eventCols)
	_, err := r.conn(ctx).Exec(ctx, q,
		e.ID, e.Seq, e.OccurredAt, e.RecordedAt, e.TypeCode, e.SubtypeCode,
		e.Action, e.Outcome, e.AgentID, e.AgentDisplay, e.AgentIP, e.SourceNode,
		e.EntityType, e.EntityID, e.EntityVersion, e.PurposeCode, e.SensitivityLabel,
		e.RequestID, e.Detail, e.PrevHash, e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("insert ledger event seq %d: %w", e.Seq, err)
	}
	return nil
}

func (r *RepoPG) Head(ctx context.Context) (*Event, error) {
	q := fmt.Sprintf("SELECT %s FROM ledger_events ORDER BY seq DESC LIMIT 1", eventCols)
	e, err := scanEvent(r.conn(ctx).QueryRow(ctx, q))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func (r *RepoPG) MinSeq(ctx context.Context) (int64, error) {
	var min *int64
	if err := r.conn(ctx).QueryRow(ctx, `SELECT MIN(seq) FROM ledger_events`).Scan(&min); err != nil {
		return 0, fmt.Errorf("ledger min seq: %w", err)
	}
	if min == nil {
		return 0, nil
	}
	return *min, nil
}

func (r *RepoPG) GetBySeq(ctx context.Context, seq int64) (*Event, error) {
	q := fmt.Sprintf("SELECT %s FROM ledger_events WHERE seq = $1", eventCols)
	return scanEvent(r.conn(ctx).QueryRow(ctx, q, seq))
}

func (r *RepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	q := fmt.Sprintf("SELECT %s FROM ledger_events WHERE id = $1", eventCols)
	return scanEvent(r.conn(ctx).QueryRow(ctx, q, id))
}

// ListRange returns events with fromSeq <= seq <= toSeq in ascending order,
// capped at limit rows. toSeq <= 0 means no upper bound.
func (r *RepoPG) ListRange(ctx context.Context, fromSeq, toSeq int64, limit int) ([]*Event, error) {
	q := fmt.Sprintf(`SELECT %s FROM ledger_events
		WHERE seq >= $1 AND ($2 <= 0 OR seq <= $2)
		ORDER BY seq ASC LIMIT $3`, eventCols)
	rows, err := r.conn(ctx).Query(ctx, q, fromSeq, toSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger range: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *RepoPG) Search(ctx context.Context, params SearchParams, limit, offset int) ([]*Event, int, error) {
	where := []string{}
	args := []interface{}{}
	idx := 1

	add := func(clause string, value interface{}) {
		where = append(where, fmt.Sprintf(clause, idx))
		args = append(args, value)
		idx++
	}

	if params.Action != "" {
		add("action = $%d", params.Action)
	}
	if params.EntityType != "" {
		add("entity_type = $%d", params.EntityType)
	}
	if params.EntityID != "" {
		add("entity_id = $%d", params.EntityID)
	}
	if params.AgentID != "" {
		add("agent_id = $%d", params.AgentID)
	}
	if params.Outcome != nil {
		add("outcome = $%d", *params.Outcome)
	}
	if params.RequestID != "" {
		add("request_id = $%d", params.RequestID)
	}
	if params.From != nil {
		add("recorded_at >= $%d", *params.From)
	}
	if params.To != nil {
		add("recorded_at <= $%d", *params.To)
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	countQ := fmt.Sprintf("SELECT COUNT(*) FROM ledger_events %s", whereClause)
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count ledger events: %w", err)
	}

	q := fmt.Sprintf("SELECT %s FROM ledger_events %s ORDER BY seq DESC LIMIT $%d OFFSET $%d",
		eventCols, whereClause, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search ledger events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

const checkpointCols = `id, seq, chain_hash, event_count, signature, created_at, anchored_at, anchor_ref`

func scanCheckpoint(row pgx.Row) (*Checkpoint, error) {
	var cp Checkpoint
	err := row.Scan(&cp.ID, &cp.Seq, &cp.ChainHash, &cp.EventCount, &cp.Signature,
		&cp.CreatedAt, &cp.AnchoredAt, &cp.AnchorRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &cp, err
}

// InsertCheckpoint is idempotent per seq: checkpointing the same head twice
// (auto cadence racing a manual request) keeps the first row.
func (r *RepoPG) InsertCheckpoint(ctx context.Context, cp *Checkpoint) error {
	q := fmt.Sprintf(`INSERT INTO ledger_checkpoints (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (seq) DO NOTHING`, checkpointCols)
	_, err := r.conn(ctx).Exec(ctx, q,
		cp.ID, cp.Seq, cp.ChainHash, cp.EventCount, cp.Signature,
		cp.CreatedAt, cp.AnchoredAt, cp.AnchorRef,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint seq %d: %w", cp.Seq, err)
	}
	return nil
}

func (r *RepoPG) GetCheckpoint(ctx context.Context, id uuid.UUID) (*Checkpoint, error) {
	q := fmt.Sprintf("SELECT %s FROM ledger_checkpoints WHERE id = $1", checkpointCols)
	return scanCheckpoint(r.conn(ctx).QueryRow(ctx, q, id))
}

func (r *RepoPG) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	q := fmt.Sprintf("SELECT %s FROM ledger_checkpoints ORDER BY seq DESC LIMIT 1", checkpointCols)
	cp, err := scanCheckpoint(r.conn(ctx).QueryRow(ctx, q))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return cp, err
}

func (r *RepoPG) ListCheckpoints(ctx context.Context, limit, offset int) ([]*Checkpoint, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ledger_checkpoints`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count checkpoints: %w", err)
	}

	q := fmt.Sprintf("SELECT %s FROM ledger_checkpoints ORDER BY seq DESC LIMIT $1 OFFSET $2", checkpointCols)
	rows, err := r.conn(ctx).Query(ctx, q, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, 0, err
		}
		cps = append(cps, cp)
	}
	return cps, total, rows.Err()
}

func (r *RepoPG) MarkAnchored(ctx context.Context, id uuid.UUID, ref string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE ledger_checkpoints SET anchored_at = $2, anchor_ref = $3 WHERE id = $1`,
		id, at, ref,
	)
	if err != nil {
		return fmt.Errorf("mark checkpoint anchored: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
