// Package profile adapts remote-submitted certificate fields into the
// queue's attribute set for profile-based enrollment, and supplies profile
// defaults. Normalization is best-effort: a field that fails to re-encode is
// omitted, never fatal.
package profile

import (
	"sync"

	"github.com/dogtagpki/pki-sub041/request"
)

// Profile is an external policy object that supplies default certificate
// fields during enrollment.
type Profile struct {
	ID string
	// Defaults maps ExtData attribute names to default values applied when
	// the request does not already carry the attribute.
	Defaults map[string]string
}

// SetDefaultCertInfo applies the profile's defaults to the request. Existing
// attributes win; defaults only fill gaps.
func (p *Profile) SetDefaultCertInfo(req *request.Request) {
	if req.ExtData == nil {
		req.ExtData = request.ExtData{}
	}
	for k, v := range p.Defaults {
		if _, ok := req.ExtData[k]; !ok {
			req.ExtData[k] = v
		}
	}
}

// Subsystem resolves profiles by ID.
type Subsystem interface {
	Profile(id string) (*Profile, bool)
}

// MemorySubsystem is a thread-safe in-memory Subsystem.
type MemorySubsystem struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

var _ Subsystem = (*MemorySubsystem)(nil)

// NewMemorySubsystem creates an empty profile subsystem.
func NewMemorySubsystem() *MemorySubsystem {
	return &MemorySubsystem{profiles: make(map[string]*Profile)}
}

// Put installs or replaces a profile.
func (s *MemorySubsystem) Put(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func (s *MemorySubsystem) Profile(id string) (*Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	return p, ok
}
