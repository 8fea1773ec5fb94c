// Package storage provides the storage abstraction layer for durable request records.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record or source ID is not present in the store.
	ErrNotFound = errors.New("record not found")

	// ErrSourceIDExists is returned by Create when the source ID is already
	// indexed. Callers racing on the same source ID use this to detect the
	// losing side of the insert.
	ErrSourceIDExists = errors.New("source ID already indexed")
)

// Record is the serialized form of a queue entry. The queue layer owns the
// semantics; the store only guarantees that Create assigns a fresh monotonic
// ID and indexes the SourceID atomically.
type Record struct {
	ID        string            `json:"id"`
	SourceID  string            `json:"source_id"`
	Type      string            `json:"type"`
	Status    string            `json:"status"`
	ExtData   map[string]string `json:"ext_data,omitempty"`
	UpdatedBy string            `json:"updated_by,omitempty"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.ExtData != nil {
		out.ExtData = make(map[string]string, len(r.ExtData))
		for k, v := range r.ExtData {
			out.ExtData[k] = v
		}
	}
	return &out
}

// Store defines the interface for request record storage.
//
// Create must assign the record's ID from a monotonic sequence, persist the
// record, and index its SourceID, all atomically. Two concurrent Create
// calls with the same SourceID must not both succeed; the loser receives
// ErrSourceIDExists.
type Store interface {
	Create(rec *Record) (string, error)
	Get(id string) (*Record, error)
	LookupSourceID(sourceID string) (string, error)
	Update(rec *Record) error
	List() ([]string, error)
}
