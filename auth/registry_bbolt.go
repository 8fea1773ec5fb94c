package auth

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketAgentsByFp   = []byte("agents_by_fp")
	bucketAgentsByUser = []byte("agents_by_user")
)

// BoltRegistry is a BBolt-backed AgentRegistry, so registered agents survive
// restarts of the node.
type BoltRegistry struct {
	db *bbolt.DB
}

var _ AgentRegistry = (*BoltRegistry)(nil)

// NewBoltRegistry returns a registry backed by the given BBolt database.
func NewBoltRegistry(db *bbolt.DB) (*BoltRegistry, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketAgentsByFp); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketAgentsByUser)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing agent buckets: %w", err)
	}
	return &BoltRegistry{db: db}, nil
}

// NewBoltRegistryFromFile opens a BBolt database at the given path and
// returns a new registry.
func NewBoltRegistryFromFile(path string, options *bbolt.Options) (*BoltRegistry, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewBoltRegistry(db)
}

// Close closes the underlying BBolt database.
func (r *BoltRegistry) Close() error {
	return r.db.Close()
}

func (r *BoltRegistry) LookupByFingerprint(fp string) (*Agent, error) {
	var agent Agent
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketAgentsByFp).Get([]byte(fp))
		if data == nil {
			return fmt.Errorf("fingerprint %s: %w", fp, ErrAgentNotFound)
		}
		return json.Unmarshal(data, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (r *BoltRegistry) Register(agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	data, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketAgentsByFp).Put([]byte(agent.Fingerprint), data); err != nil {
			return err
		}
		return tx.Bucket(bucketAgentsByUser).Put([]byte(agent.UserID), data)
	})
}

func (r *BoltRegistry) Groups(userID string) ([]string, error) {
	var agent Agent
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketAgentsByUser).Get([]byte(userID))
		if data == nil {
			return fmt.Errorf("user %s: %w", userID, ErrAgentNotFound)
		}
		return json.Unmarshal(data, &agent)
	})
	if err != nil {
		return nil, err
	}
	return agent.Groups, nil
}
