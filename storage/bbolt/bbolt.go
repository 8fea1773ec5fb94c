// Package bbolt provides a BBolt-backed request store.
package bbolt

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/dogtagpki/pki-sub041/storage"
)

var (
	bucketRequests = []byte("requests")
	bucketSrcIndex = []byte("source_index")
)

// Store implements storage.Store backed by a BBolt database. Create runs in
// a single update transaction, so sequence assignment, record write and
// source ID indexing are atomic.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRequests); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSrcIndex)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing request buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db)
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(rec *storage.Record) (string, error) {
	var id string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketSrcIndex)
		if idx.Get([]byte(rec.SourceID)) != nil {
			return fmt.Errorf("%s: %w", rec.SourceID, storage.ErrSourceIDExists)
		}
		reqs := tx.Bucket(bucketRequests)
		seq, err := reqs.NextSequence()
		if err != nil {
			return err
		}
		id = fmt.Sprintf("%d", seq)

		stored := rec.Clone()
		stored.ID = id
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		if err := reqs.Put([]byte(id), data); err != nil {
			return err
		}
		return idx.Put([]byte(rec.SourceID), []byte(id))
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Get(id string) (*storage.Record, error) {
	var rec storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s: %w", id, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) LookupSourceID(sourceID string) (string, error) {
	var id string
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSrcIndex).Get([]byte(sourceID))
		if data == nil {
			return fmt.Errorf("%s: %w", sourceID, storage.ErrNotFound)
		}
		id = string(data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Update(rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		reqs := tx.Bucket(bucketRequests)
		if reqs.Get([]byte(rec.ID)) == nil {
			return fmt.Errorf("%s: %w", rec.ID, storage.ErrNotFound)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return reqs.Put([]byte(rec.ID), data)
	})
}

func (s *Store) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRequests).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ids = append(ids, string(bytes.Clone(k)))
		}
		return nil
	})
	return ids, err
}
