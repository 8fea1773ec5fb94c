// Package auth authenticates remote authority nodes by their TLS client
// certificates and authorizes them against ACL resource/operation pairs.
package auth

import "time"

// AuthToken is the identity result produced by certificate authentication.
type AuthToken struct {
	// UserID is the registry identity the peer certificate resolved to.
	UserID string
	// AuthMgrInstName names the authentication manager instance that
	// produced this token.
	AuthMgrInstName string
	// SubjectDN is the peer certificate's subject distinguished name.
	SubjectDN string
	IssuedAt  time.Time
}

// AuthzToken records a granted permission check.
type AuthzToken struct {
	UserID    string
	Resource  string
	Operation string
	GrantedAt time.Time
}
