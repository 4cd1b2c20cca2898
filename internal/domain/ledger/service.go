package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/platform/anchorstore"
	"github.com/medledger/medledger/internal/platform/db"
)

const verifyBatchSize = 500

// EventSink receives appended events for fan-out. Implementations must not
// block; the append path is latency-sensitive.
type EventSink interface {
	Enqueue(tenantID string, e Event)
}

type Service struct {
	repo            Repository
	salt            string
	checkpointEvery int64
	sink            EventSink
	logger          zerolog.Logger
}

func NewService(repo Repository, salt string, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		salt:   salt,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// SetSink wires the event stream. Appended events are offered to the sink
// after insertion; the ledger row remains the source of truth.
func (s *Service) SetSink(sink EventSink) {
	s.sink = sink
}

// SetCheckpointEvery enables automatic checkpointing each time seq crosses a
// multiple of n. Zero disables the cadence.
func (s *Service) SetCheckpointEvery(n int64) {
	s.checkpointEvery = n
}

// HashActor exposes the salted agent hash for callers that need to search
// the ledger by actor.
func (s *Service) HashActor(actorID string) string {
	return HashActor(s.salt, actorID)
}

// Append assigns the next sequence number, chains the hashes, and inserts
// the event. AgentID is expected to carry the raw actor identity and is
// replaced with its salted hash before anything is stored. Appends for one
// tenant are serialized by a transaction-scoped advisory lock, so concurrent
// writers cannot fork the chain. When the context already carries a
// transaction the append joins it and commits or rolls back with it.
func (s *Service) Append(ctx context.Context, e Event) (*Event, error) {
	now := time.Now().UTC()
	e.RecordedAt = now
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Action == "" {
		e.Action = ActionExecute
	}
	e.AgentID = HashActor(s.salt, e.AgentID)

	if db.TxFromContext(ctx) != nil {
		if err := s.appendLocked(ctx, &e); err != nil {
			return nil, err
		}
	} else {
		err := db.RunInTx(ctx, func(txCtx context.Context) error {
			return s.appendLocked(txCtx, &e)
		})
		if err != nil {
			return nil, err
		}
	}

	if s.sink != nil {
		s.sink.Enqueue(db.TenantFromContext(ctx), e)
	}
	return &e, nil
}

func (s *Service) appendLocked(ctx context.Context, e *Event) error {
	tenantID := db.TenantFromContext(ctx)
	if err := s.repo.LockChain(ctx, tenantID); err != nil {
		return err
	}

	head, err := s.repo.Head(ctx)
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}

	if head == nil {
		e.Seq = 1
		e.PrevHash = GenesisHash(tenantID)
	} else {
		e.Seq = head.Seq + 1
		e.PrevHash = head.EntryHash
	}
	e.EntryHash = ComputeEntryHash(e, e.PrevHash)

	if err := s.repo.Insert(ctx, e); err != nil {
		return err
	}

	if s.checkpointEvery > 0 && e.Seq%s.checkpointEvery == 0 {
		cp := s.buildCheckpoint(e)
		if err := s.repo.InsertCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("auto checkpoint at seq %d: %w", e.Seq, err)
		}
		s.logger.Info().Int64("seq", e.Seq).Str("checkpoint_id", cp.ID.String()).
			Msg("ledger checkpoint created")
	}
	return nil
}

func (s *Service) buildCheckpoint(head *Event) *Checkpoint {
	return &Checkpoint{
		ID:         uuid.New(),
		Seq:        head.Seq,
		ChainHash:  head.EntryHash,
		EventCount: head.Seq,
		Signature:  SignCheckpoint(s.salt, head.Seq, head.EntryHash, head.Seq),
		CreatedAt:  time.Now().UTC(),
	}
}

// Verify walks the whole chain.
func (s *Service) Verify(ctx context.Context) (*VerifyResult, error) {
	return s.VerifyRange(ctx, 1, 0)
}

// VerifyRange recomputes hashes for fromSeq..toSeq (toSeq <= 0 means the
// current head) and reports the first divergence. Read-only.
func (s *Service) VerifyRange(ctx context.Context, fromSeq, toSeq int64) (*VerifyResult, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}

	minSeq, err := s.repo.MinSeq(ctx)
	if err != nil {
		return nil, err
	}
	if minSeq == 0 {
		return &VerifyResult{Valid: true, CheckedEvents: 0}, nil
	}
	if fromSeq < minSeq {
		return nil, fmt.Errorf("events before seq %d are no longer available; earliest available seq is %d", minSeq, minSeq)
	}

	tenantID := db.TenantFromContext(ctx)
	var prevHash string
	if fromSeq == 1 {
		prevHash = GenesisHash(tenantID)
	} else {
		prev, err := s.repo.GetBySeq(ctx, fromSeq-1)
		switch {
		case err == nil:
			prevHash = prev.EntryHash
		case errors.Is(err, ErrNotFound) && fromSeq == minSeq:
			// Predecessors were archived away. Seed from the stored link of
			// the earliest retained event; a checkpoint attests the boundary.
			first, ferr := s.repo.GetBySeq(ctx, fromSeq)
			if ferr != nil {
				return nil, fmt.Errorf("load earliest event seq %d: %w", fromSeq, ferr)
			}
			prevHash = first.PrevHash
		default:
			return nil, fmt.Errorf("load predecessor seq %d: %w", fromSeq-1, err)
		}
	}

	result := &VerifyResult{Valid: true}
	expected := fromSeq
	for {
		batchTo := toSeq
		events, err := s.repo.ListRange(ctx, expected, batchTo, verifyBatchSize)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}

		for _, e := range events {
			if e.Seq != expected {
				bad := e.Seq
				result.Valid = false
				result.FirstBadSeq = &bad
				result.Reason = fmt.Sprintf("sequence gap: expected seq %d, found %d", expected, e.Seq)
				return result, nil
			}
			if e.PrevHash != prevHash {
				bad := e.Seq
				result.Valid = false
				result.FirstBadSeq = &bad
				result.Reason = fmt.Sprintf("broken chain at seq %d: prev_hash mismatch", e.Seq)
				return result, nil
			}
			if recomputed := ComputeEntryHash(e, prevHash); recomputed != e.EntryHash {
				bad := e.Seq
				result.Valid = false
				result.FirstBadSeq = &bad
				result.Reason = fmt.Sprintf("tampered event at seq %d: entry_hash mismatch", e.Seq)
				return result, nil
			}
			prevHash = e.EntryHash
			expected++
			result.CheckedEvents++
		}

		if toSeq > 0 && expected > toSeq {
			break
		}
		if len(events) < verifyBatchSize {
			break
		}
	}

	return result, nil
}

// Checkpoint signs the current head and stores the checkpoint.
func (s *Service) Checkpoint(ctx context.Context) (*Checkpoint, error) {
	head, err := s.repo.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	if head == nil {
		return nil, fmt.Errorf("cannot checkpoint an empty ledger")
	}

	cp := s.buildCheckpoint(head)
	if err := s.repo.InsertCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("seq", cp.Seq).Str("checkpoint_id", cp.ID.String()).
		Msg("ledger checkpoint created")
	return cp, nil
}

// VerifyCheckpoint confirms the signature and that the stored event at the
// checkpointed seq still carries the signed hash.
func (s *Service) VerifyCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if !VerifyCheckpointSignature(s.salt, cp) {
		return fmt.Errorf("checkpoint %s: signature mismatch", cp.ID)
	}
	e, err := s.repo.GetBySeq(ctx, cp.Seq)
	if err != nil {
		return fmt.Errorf("checkpoint %s: load event seq %d: %w", cp.ID, cp.Seq, err)
	}
	if e.EntryHash != cp.ChainHash {
		return fmt.Errorf("checkpoint %s: chain hash diverges from stored event at seq %d", cp.ID, cp.Seq)
	}
	return nil
}

// Anchor serializes the checkpoint to the anchor store and records the
// resulting reference. The checkpoint is verified first; anchoring a
// checkpoint that no longer matches the chain would preserve evidence of
// nothing.
func (s *Service) Anchor(ctx context.Context, cp *Checkpoint, store anchorstore.Store) (string, error) {
	if err := s.VerifyCheckpoint(ctx, cp); err != nil {
		return "", err
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}

	tenantID := db.TenantFromContext(ctx)
	key := fmt.Sprintf("anchors/%s/%012d-%s.json", tenantID, cp.Seq, cp.ID)
	ref, err := store.Put(ctx, key, payload, "application/json")
	if err != nil {
		return "", fmt.Errorf("anchor checkpoint %s: %w", cp.ID, err)
	}

	now := time.Now().UTC()
	if err := s.repo.MarkAnchored(ctx, cp.ID, ref, now); err != nil {
		return "", err
	}
	cp.AnchoredAt = &now
	cp.AnchorRef = ref

	s.logger.Info().Str("checkpoint_id", cp.ID.String()).Str("anchor_ref", ref).
		Msg("ledger checkpoint anchored")
	return ref, nil
}

func (s *Service) GetBySeq(ctx context.Context, seq int64) (*Event, error) {
	return s.repo.GetBySeq(ctx, seq)
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Head(ctx context.Context) (*Event, error) {
	return s.repo.Head(ctx)
}

func (s *Service) Search(ctx context.Context, params SearchParams, limit, offset int) ([]*Event, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}

func (s *Service) GetCheckpoint(ctx context.Context, id uuid.UUID) (*Checkpoint, error) {
	return s.repo.GetCheckpoint(ctx, id)
}

func (s *Service) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	return s.repo.LatestCheckpoint(ctx)
}

func (s *Service) ListCheckpoints(ctx context.Context, limit, offset int) ([]*Checkpoint, int, error) {
	return s.repo.ListCheckpoints(ctx, limit, offset)
}
