package request

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dogtagpki/pki-sub041/storage"
)

// Deduplicator is the idempotency layer in front of the queue. Resolve is the
// only path through which the connector creates requests: for a given source
// ID it either returns the already-created request or creates exactly one,
// even when identical submissions race.
type Deduplicator struct {
	queue  *Queue
	locks  *keyedMutex
	logger *slog.Logger
}

// DedupOption configures a Deduplicator.
type DedupOption func(*Deduplicator)

// WithDedupLogger sets the structured logger.
func WithDedupLogger(logger *slog.Logger) DedupOption {
	return func(d *Deduplicator) { d.logger = logger.With("component", "dedup") }
}

// NewDeduplicator creates a Deduplicator over the given queue.
func NewDeduplicator(queue *Queue, opts ...DedupOption) *Deduplicator {
	d := &Deduplicator{
		queue:  queue,
		locks:  newKeyedMutex(),
		logger: slog.Default().With("component", "dedup"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Resolve finds or creates the request for sourceID. The returned bool is
// true when this call created the request; callers must run the processing
// pipeline only in that case and must synthesize replies from the existing
// record otherwise.
//
// Lookup and creation are mutually exclusive per source ID (not globally):
// concurrent submissions of distinct source IDs do not contend. The store's
// unique source ID insert backs the lock, so even an unexpected conflict
// degrades to a second lookup rather than a duplicate record.
func (d *Deduplicator) Resolve(ctx context.Context, sourceID string, typ Type, payload ExtData) (*Request, bool, error) {
	unlock := d.locks.lock(sourceID)
	defer unlock()

	req, err := d.queue.FindRequestBySourceID(ctx, sourceID)
	if err == nil {
		d.logger.Info("duplicate submission resolved",
			slog.String("source_id", sourceID),
			slog.String("request_id", req.ID),
			slog.String("status", string(req.Status)))
		return req, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	req, err = d.queue.NewRequest(ctx, sourceID, typ, payload)
	if err == nil {
		return req, true, nil
	}
	if !errors.Is(err, storage.ErrSourceIDExists) {
		return nil, false, err
	}

	// Lost a race we should not be able to lose under the per-key lock
	// (e.g. another process sharing the store). Fall back to the winner.
	req, err = d.queue.FindRequestBySourceID(ctx, sourceID)
	if err != nil {
		return nil, false, err
	}
	return req, false, nil
}

// keyedMutex provides a mutual-exclusion scope per key. Entries are
// reference-counted and removed when the last holder releases, so the map
// does not grow with the number of distinct source IDs ever seen.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

func (km *keyedMutex) lock(key string) (unlock func()) {
	km.mu.Lock()
	e, ok := km.entries[key]
	if !ok {
		e = &lockEntry{}
		km.entries[key] = e
	}
	e.refs++
	km.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		km.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(km.entries, key)
		}
		km.mu.Unlock()
	}
}
