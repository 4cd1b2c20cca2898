package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an event or checkpoint does not exist.
var ErrNotFound = errors.New("ledger: not found")

// SearchParams filters event listings. Zero values mean no restriction.
type SearchParams struct {
	Action     string
	EntityType string
	EntityID   string
	AgentID    string
	Outcome    *int
	RequestID  string
	From       *time.Time
	To         *time.Time
}

type Repository interface {
	// LockChain serializes appends for the tenant. Must be called inside a
	// transaction; the lock releases on commit or rollback.
	LockChain(ctx context.Context, tenantID string) error
	Insert(ctx context.Context, e *Event) error
	Head(ctx context.Context) (*Event, error)
	MinSeq(ctx context.Context) (int64, error)
	GetBySeq(ctx context.Context, seq int64) (*Event, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
	ListRange(ctx context.Context, fromSeq, toSeq int64, limit int) ([]*Event, error)
	Search(ctx context.Context, params SearchParams, limit, offset int) ([]*Event, int, error)

	InsertCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id uuid.UUID) (*Checkpoint, error)
	LatestCheckpoint(ctx context.Context) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, limit, offset int) ([]*Checkpoint, int, error)
	MarkAnchored(ctx context.Context, id uuid.UUID, ref string, at time.Time) error
}
