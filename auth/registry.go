package auth

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrAgentNotFound is returned when no registered agent matches a lookup.
var ErrAgentNotFound = errors.New("agent not found")

// Agent is a registered remote authority: an RA, a clone CA, or a netkey
// token-processing system trusted to submit requests over the connector.
type Agent struct {
	ID          string   `json:"id"`
	UserID      string   `json:"user_id"`
	SubjectDN   string   `json:"subject_dn"`
	Fingerprint string   `json:"fingerprint"`
	Groups      []string `json:"groups,omitempty"`
}

// AgentRegistry maps client certificates to registered agents.
type AgentRegistry interface {
	LookupByFingerprint(fp string) (*Agent, error)
	Register(agent *Agent) error
	Groups(userID string) ([]string, error)
}

// Fingerprint returns the hex SHA-256 digest of the certificate's DER bytes,
// the registry's lookup key.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// MemoryRegistry is a thread-safe in-memory AgentRegistry.
type MemoryRegistry struct {
	mu       sync.RWMutex
	byFp     map[string]*Agent
	byUserID map[string]*Agent
}

var _ AgentRegistry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byFp:     make(map[string]*Agent),
		byUserID: make(map[string]*Agent),
	}
}

func (r *MemoryRegistry) LookupByFingerprint(fp string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byFp[fp]
	if !ok {
		return nil, fmt.Errorf("fingerprint %s: %w", fp, ErrAgentNotFound)
	}
	clone := *a
	return &clone, nil
}

func (r *MemoryRegistry) Register(agent *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	clone := *agent
	r.byFp[agent.Fingerprint] = &clone
	r.byUserID[agent.UserID] = &clone
	return nil
}

func (r *MemoryRegistry) Groups(userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byUserID[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrAgentNotFound)
	}
	return append([]string(nil), a.Groups...), nil
}
