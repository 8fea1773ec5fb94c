package auth

import (
	"context"
	"crypto/x509"
	"errors"
	"log/slog"
	"time"
)

var (
	// ErrUnauthenticated is returned when the peer presented no client
	// certificate at all.
	ErrUnauthenticated = errors.New("no client certificate presented")

	// ErrInvalidCredentials is returned when the peer certificate is not
	// mapped to any registered agent.
	ErrInvalidCredentials = errors.New("client certificate not recognized")
)

// RemoteAuthenticator resolves a TLS peer certificate to an AuthToken via the
// agent registry. Every attempt, success or failure, is logged with the peer
// subject DN.
type RemoteAuthenticator struct {
	agents   AgentRegistry
	instName string
	logger   *slog.Logger
	now      func() time.Time
}

// AuthenticatorOption configures a RemoteAuthenticator.
type AuthenticatorOption func(*RemoteAuthenticator)

// WithAuthLogger sets the structured logger for authentication events.
func WithAuthLogger(logger *slog.Logger) AuthenticatorOption {
	return func(ra *RemoteAuthenticator) {
		ra.logger = logger.With("component", "authenticator")
	}
}

// NewRemoteAuthenticator creates an authenticator over the given registry.
// instName names this authentication manager instance and is carried on
// every issued token.
func NewRemoteAuthenticator(agents AgentRegistry, instName string, opts ...AuthenticatorOption) *RemoteAuthenticator {
	ra := &RemoteAuthenticator{
		agents:   agents,
		instName: instName,
		logger:   slog.Default().With("component", "authenticator"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(ra)
	}
	return ra
}

// Authenticate validates the inbound connection's peer certificate.
// A nil certificate yields ErrUnauthenticated; an unrecognized certificate
// yields ErrInvalidCredentials.
func (ra *RemoteAuthenticator) Authenticate(ctx context.Context, peer *x509.Certificate) (*AuthToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if peer == nil {
		ra.logger.Warn("authentication failed: no peer certificate",
			slog.String("level", "security"))
		return nil, ErrUnauthenticated
	}

	subjectDN := peer.Subject.String()
	agent, err := ra.agents.LookupByFingerprint(Fingerprint(peer))
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			ra.logger.Warn("authentication failed: certificate not registered",
				slog.String("level", "security"),
				slog.String("subject_dn", subjectDN))
			return nil, ErrInvalidCredentials
		}
		ra.logger.Error("authentication failed: registry error",
			slog.String("level", "security"),
			slog.String("subject_dn", subjectDN),
			slog.String("error", err.Error()))
		return nil, err
	}

	ra.logger.Info("authentication succeeded",
		slog.String("subject_dn", subjectDN),
		slog.String("user_id", agent.UserID))

	return &AuthToken{
		UserID:          agent.UserID,
		AuthMgrInstName: ra.instName,
		SubjectDN:       subjectDN,
		IssuedAt:        ra.now().UTC(),
	}, nil
}
