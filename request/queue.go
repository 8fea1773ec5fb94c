package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dogtagpki/pki-sub041/internal/seal"
	"github.com/dogtagpki/pki-sub041/storage"
)

var (
	// ErrNotFound is returned when no request matches the given ID or source ID.
	ErrNotFound = errors.New("request not found")

	// ErrSourceIDImmutable is returned by UpdateRequest when the caller
	// attempts to change a request's source ID after creation.
	ErrSourceIDImmutable = errors.New("source ID is immutable")

	// ErrQueueCorruption indicates the source ID index references a record
	// the store cannot locate. Fatal; never retried.
	ErrQueueCorruption = errors.New("request queue corrupted")
)

// Queue is the append-only directory of requests. All mutation flows through
// it; records are never deleted (archival is an external concern).
type Queue struct {
	store  storage.Store
	box    *seal.Box
	logger *slog.Logger
	now    func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithSeal encrypts sensitive ExtData attributes (see SensitiveExtKeys)
// before they reach the store and decrypts them on read.
func WithSeal(box *seal.Box) QueueOption {
	return func(q *Queue) { q.box = box }
}

// WithQueueLogger sets the structured logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = logger.With("component", "queue") }
}

// NewQueue creates a Queue over the given store.
func NewQueue(store storage.Store, opts ...QueueOption) *Queue {
	q := &Queue{
		store:  store,
		logger: slog.Default().With("component", "queue"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// NewRequest creates and persists a new pending request for the given source
// ID. The store enforces source ID uniqueness; callers racing on the same
// source ID receive storage.ErrSourceIDExists and must re-resolve.
func (q *Queue) NewRequest(ctx context.Context, sourceID string, typ Type, ext ExtData) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := q.now().UTC().Format(time.RFC3339)
	rec := &storage.Record{
		SourceID:  sourceID,
		Type:      string(typ),
		Status:    string(StatusPending),
		ExtData:   map[string]string(ext.Clone()),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.sealSensitive(rec.ExtData); err != nil {
		return nil, err
	}
	id, err := q.store.Create(rec)
	if err != nil {
		return nil, err
	}
	req := q.fromRecord(rec)
	req.ID = id
	q.logger.Info("request created",
		slog.String("request_id", id),
		slog.String("source_id", sourceID),
		slog.String("type", string(typ)))
	return req, nil
}

// FindRequest returns the request with the given ID.
func (q *Queue) FindRequest(ctx context.Context, id string) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := q.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return q.fromRecord(rec), nil
}

// FindRequestBySourceID returns the request created for the given source ID.
// An index entry pointing at a missing record is surfaced as
// ErrQueueCorruption, never as a plain miss.
func (q *Queue) FindRequestBySourceID(ctx context.Context, sourceID string) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := q.store.LookupSourceID(sourceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", sourceID, ErrNotFound)
		}
		return nil, err
	}
	rec, err := q.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			q.logger.Error("source ID index references missing record",
				slog.String("source_id", sourceID),
				slog.String("request_id", id))
			return nil, fmt.Errorf("source ID %s -> id %s: %w", sourceID, id, ErrQueueCorruption)
		}
		return nil, err
	}
	return q.fromRecord(rec), nil
}

// UpdateRequest persists the request's mutable state and stamps updatedBy.
// The source ID cannot change once set.
func (q *Queue) UpdateRequest(ctx context.Context, req *Request, updatedBy string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	existing, err := q.store.Get(req.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", req.ID, ErrNotFound)
		}
		return err
	}
	if req.SourceID != existing.SourceID {
		return fmt.Errorf("%s: %w", req.ID, ErrSourceIDImmutable)
	}
	rec := &storage.Record{
		ID:        req.ID,
		SourceID:  existing.SourceID,
		Type:      string(req.Type),
		Status:    string(req.Status),
		ExtData:   map[string]string(req.ExtData.Clone()),
		UpdatedBy: updatedBy,
		CreatedAt: existing.CreatedAt,
		UpdatedAt: q.now().UTC().Format(time.RFC3339),
	}
	if err := q.sealSensitive(rec.ExtData); err != nil {
		return err
	}
	if err := q.store.Update(rec); err != nil {
		return err
	}
	req.UpdatedBy = updatedBy
	req.UpdatedAt = rec.UpdatedAt
	return nil
}

// ScrubSensitive removes sensitive attributes from the stored record once
// their values have been returned to the caller. The record itself persists.
func (q *Queue) ScrubSensitive(ctx context.Context, req *Request) error {
	scrubbed := false
	for _, k := range SensitiveExtKeys {
		if _, ok := req.ExtData[k]; ok {
			delete(req.ExtData, k)
			scrubbed = true
		}
	}
	if !scrubbed {
		return nil
	}
	return q.UpdateRequest(ctx, req, req.UpdatedBy)
}

func (q *Queue) fromRecord(rec *storage.Record) *Request {
	ext := ExtData(rec.ExtData).Clone()
	q.openSensitive(ext)
	return &Request{
		ID:        rec.ID,
		SourceID:  rec.SourceID,
		Type:      Type(rec.Type),
		Status:    Status(rec.Status),
		ExtData:   ext,
		UpdatedBy: rec.UpdatedBy,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func (q *Queue) sealSensitive(ext map[string]string) error {
	if q.box == nil {
		return nil
	}
	for _, k := range SensitiveExtKeys {
		v, ok := ext[k]
		if !ok {
			continue
		}
		sealed, err := q.box.Seal([]byte(v))
		if err != nil {
			return fmt.Errorf("sealing %s: %w", k, err)
		}
		ext[k] = sealed
	}
	return nil
}

func (q *Queue) openSensitive(ext ExtData) {
	if q.box == nil {
		return
	}
	for _, k := range SensitiveExtKeys {
		v, ok := ext[k]
		if !ok {
			continue
		}
		pt, err := q.box.Open(v)
		if err != nil {
			// Unreadable sealed values are dropped rather than surfaced;
			// the attribute is already scheduled for scrubbing.
			q.logger.Warn("dropping unreadable sealed attribute", slog.String("key", k))
			delete(ext, k)
			continue
		}
		ext[k] = string(pt)
	}
}
