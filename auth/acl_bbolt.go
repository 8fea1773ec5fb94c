package auth

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketACLs = []byte("acls")

// BoltACLStore is a BBolt-backed ACLStore. It can share a database with a
// BoltRegistry; the buckets are disjoint.
type BoltACLStore struct {
	db *bbolt.DB
}

var _ ACLStore = (*BoltACLStore)(nil)

// NewBoltACLStore returns an ACL store backed by the given BBolt database.
func NewBoltACLStore(db *bbolt.DB) (*BoltACLStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketACLs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing ACL bucket: %w", err)
	}
	return &BoltACLStore{db: db}, nil
}

// Put installs or replaces the ACL for its resource.
func (s *BoltACLStore) Put(acl *ACL) error {
	data, err := json.Marshal(acl)
	if err != nil {
		return fmt.Errorf("encoding ACL: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketACLs).Put([]byte(acl.Resource), data)
	})
}

func (s *BoltACLStore) ACL(resource string) (*ACL, bool) {
	var acl *ACL
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketACLs).Get([]byte(resource))
		if data == nil {
			return nil
		}
		acl = &ACL{}
		return json.Unmarshal(data, acl)
	})
	if err != nil || acl == nil {
		return nil, false
	}
	return acl, true
}
