package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// OpSubmit is the ACL operation checked for inbound connector submissions.
const OpSubmit = "submit"

// ACL grants operations on a resource to a set of principal IDs (user IDs or
// group names).
type ACL struct {
	Resource string              `json:"resource"`
	Grants   map[string][]string `json:"grants"`
}

// ACLStore resolves the ACL for a resource.
type ACLStore interface {
	ACL(resource string) (*ACL, bool)
}

// MemoryACLStore is a thread-safe in-memory ACLStore.
type MemoryACLStore struct {
	mu   sync.RWMutex
	acls map[string]*ACL
}

var _ ACLStore = (*MemoryACLStore)(nil)

// NewMemoryACLStore creates an empty ACL store.
func NewMemoryACLStore() *MemoryACLStore {
	return &MemoryACLStore{acls: make(map[string]*ACL)}
}

// Put installs or replaces the ACL for its resource.
func (s *MemoryACLStore) Put(acl *ACL) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acls[acl.Resource] = acl
}

func (s *MemoryACLStore) ACL(resource string) (*ACL, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acl, ok := s.acls[resource]
	return acl, ok
}

// Authorizer checks an AuthToken against an ACL resource/operation pair.
// It fails closed: any panic or lookup failure in policy evaluation is
// treated as "no grant", never propagated.
type Authorizer struct {
	acls   ACLStore
	agents AgentRegistry
	logger *slog.Logger
	now    func() time.Time
}

// AuthorizerOption configures an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithAuthzLogger sets the structured logger for authorization events.
func WithAuthzLogger(logger *slog.Logger) AuthorizerOption {
	return func(a *Authorizer) { a.logger = logger.With("component", "authorizer") }
}

// NewAuthorizer creates an Authorizer over the given ACL store and registry.
func NewAuthorizer(acls ACLStore, agents AgentRegistry, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		acls:   acls,
		agents: agents,
		logger: slog.Default().With("component", "authorizer"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize returns an AuthzToken when token's identity is granted op on
// resource, and nil otherwise. aclMethod names the evaluation entry point
// for audit logs. A nil return means the caller must reject the request
// before any request record is created.
func (a *Authorizer) Authorize(ctx context.Context, token *AuthToken, aclMethod, resource, op string) (tok *AuthzToken) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("authorization evaluation panicked; denying",
				slog.String("acl_method", aclMethod),
				slog.String("resource", resource),
				slog.Any("panic", r))
			tok = nil
		}
	}()

	if token == nil || ctx.Err() != nil {
		return nil
	}

	acl, ok := a.acls.ACL(resource)
	if !ok {
		a.logger.Warn("authorization denied: no ACL for resource",
			slog.String("resource", resource),
			slog.String("user_id", token.UserID))
		return nil
	}
	allowed, ok := acl.Grants[op]
	if !ok {
		a.logger.Warn("authorization denied: operation not granted",
			slog.String("resource", resource),
			slog.String("operation", op),
			slog.String("user_id", token.UserID))
		return nil
	}

	principals := map[string]bool{token.UserID: true}
	groups, err := a.agents.Groups(token.UserID)
	if err == nil {
		for _, g := range groups {
			principals[g] = true
		}
	}

	for _, id := range allowed {
		if principals[id] {
			a.logger.Info("authorization granted",
				slog.String("resource", resource),
				slog.String("operation", op),
				slog.String("user_id", token.UserID))
			return &AuthzToken{
				UserID:    token.UserID,
				Resource:  resource,
				Operation: op,
				GrantedAt: a.now().UTC(),
			}
		}
	}

	a.logger.Warn("authorization denied",
		slog.String("resource", resource),
		slog.String("operation", op),
		slog.String("user_id", token.UserID))
	return nil
}
