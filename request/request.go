// Package request implements the durable request queue and the idempotent
// resolution layer that sits in front of it. A request submitted by a remote
// authority is keyed by its composite source ID; resolution guarantees that
// the same source ID maps to exactly one queue entry no matter how many times
// the remote retries.
package request

import "fmt"

// Type identifies the certificate-lifecycle operation a request carries.
type Type string

const (
	TypeEnrollment        Type = "enrollment"
	TypeRenewal           Type = "renewal"
	TypeRevocation        Type = "revocation"
	TypeCloneCRLEntry     Type = "clone-crl-entry"
	TypeNetkeyKeyRecovery Type = "netkey-keyrecovery"
)

// KnownType reports whether t is one of the supported request types.
func KnownType(t Type) bool {
	switch t {
	case TypeEnrollment, TypeRenewal, TypeRevocation, TypeCloneCRLEntry, TypeNetkeyKeyRecovery:
		return true
	}
	return false
}

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusComplete Status = "complete"
	StatusRejected Status = "rejected"
	StatusError    Status = "error"
)

// Terminal reports whether the status is final. A terminal request replays
// its recorded outcome on duplicate submission; the pipeline never runs again.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusRejected || s == StatusError
}

// Well-known ExtData attribute names. ExtData is the open extension point
// used by the different request types instead of per-type record subclasses.
const (
	ExtProfileID         = "profileId"
	ExtRequestorType     = "requestorType"
	ExtAuthTokenUser     = "authTokenUser"
	ExtResultCode        = "resultCode"
	ExtCertSubject       = "certSubject"
	ExtCertPublicKey     = "certPublicKey"
	ExtCertNotBefore     = "certNotBefore"
	ExtCertNotAfter      = "certNotAfter"
	ExtCertExtensions    = "certExtensions"
	ExtSigningAlg        = "signingAlg"
	ExtSerialNumber      = "serialNumber"
	ExtIssuedCert        = "issuedCert"
	ExtRevocationReason  = "revocationReason"
	ExtCRLEntrySerial    = "crlEntrySerial"
	ExtCRLEntryReason    = "crlEntryReason"
	ExtCRLEntryRevokedOn = "crlEntryRevokedOn"
	ExtKeyID             = "keyId"
	ExtWrappedPrivate    = "wrappedPrivateKey"
)

// SensitiveExtKeys lists attributes that are sealed at rest and scrubbed from
// the stored record once their value has been returned to the caller.
var SensitiveExtKeys = []string{ExtWrappedPrivate}

// ExtData is the open attribute map carried by every request.
type ExtData map[string]string

// Clone returns a copy of the map; a nil receiver yields an empty map.
func (e ExtData) Clone() ExtData {
	out := make(ExtData, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Request is a single durable work item in the queue.
type Request struct {
	// ID is process-unique and monotonically assigned by the store.
	ID string
	// SourceID is {remoteAuthorityIdentity}:{remoteLocalRequestID}. Set once
	// at creation; the queue rejects any attempt to change it.
	SourceID string
	Type     Type
	Status   Status
	ExtData  ExtData
	// UpdatedBy is the identity that last mutated the record. Set once per
	// processing attempt; duplicate lookups never overwrite it.
	UpdatedBy string
	CreatedAt string
	UpdatedAt string
}

// SourceID builds the composite deduplication key for a remote authority's
// locally assigned request ID.
func SourceID(authorityID, localRequestID string) string {
	return fmt.Sprintf("%s:%s", authorityID, localRequestID)
}
