// Package audit emits the compliance audit trail: one boundary record per
// connector invocation, plus the bracket records around profile-based
// enrollment approval. Emission never disturbs the caller's control flow.
package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Outcome labels an audit record.
type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailure Outcome = "Failure"
)

// Event template identifiers.
type Event string

const (
	// EventInterBoundary is the mandatory per-invocation boundary record.
	EventInterBoundary Event = "INTER_BOUNDARY"
	// EventProfileCertRequest is emitted when a profile-based enrollment is
	// submitted for approval.
	EventProfileCertRequest Event = "PROFILE_CERT_REQUEST"
	// EventCertRequestProcessed is emitted after a profile-based enrollment
	// has been processed.
	EventCertRequestProcessed Event = "CERT_REQUEST_PROCESSED"
)

// Sentinel attribute values.
const (
	// SubjectUnidentified replaces a missing or empty subject ID.
	SubjectUnidentified = "$Unidentified$"
	// ValueUnassigned replaces a missing field value, e.g. the certificate
	// subject on a request that never produced one.
	ValueUnassigned = "$Unassigned$"
)

// NormalizeSubject trims the subject ID, substituting the sentinel when the
// result is empty.
func NormalizeSubject(subjectID string) string {
	s := strings.TrimSpace(subjectID)
	if s == "" {
		return SubjectUnidentified
	}
	return s
}

// OrUnassigned returns v or the unassigned sentinel when v is empty.
func OrUnassigned(v string) string {
	if strings.TrimSpace(v) == "" {
		return ValueUnassigned
	}
	return v
}

// Emitter writes structured audit records through slog. A nil Emitter, or
// one constructed without a sink, is a no-op: emission never raises and
// never masks the primary outcome of the invocation being audited.
type Emitter struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter creates an Emitter over the given logger. Pass nil to disable
// emission entirely.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		return &Emitter{now: time.Now}
	}
	return &Emitter{
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

// Emit writes one audit record. subjectID is always normalized before it is
// recorded.
func (e *Emitter) Emit(event Event, subjectID string, outcome Outcome, attrs ...slog.Attr) {
	if e == nil || e.logger == nil {
		return
	}
	defer func() {
		// A failing sink must not propagate into request handling.
		_ = recover()
	}()

	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("subject_id", NormalizeSubject(subjectID)),
		slog.String("outcome", string(outcome)),
		slog.String("timestamp", e.now().UTC().Format(time.RFC3339)),
	}
	base = append(base, attrs...)
	e.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit", base...)
}
