// Package connector implements the HTTP(S) entry point through which remote
// authority nodes submit certificate-lifecycle requests. Each invocation
// walks a fixed state machine: receive, authenticate, authorize, decode,
// resolve against the dedup layer, process once if new, encode, reply.
package connector

import (
	"crypto/x509"
	_ "embed"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	openapimw "github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dogtagpki/pki-sub041/audit"
	"github.com/dogtagpki/pki-sub041/auth"
	"github.com/dogtagpki/pki-sub041/message"
	"github.com/dogtagpki/pki-sub041/request"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Connector holds the collaborators needed by the submission endpoint.
type Connector struct {
	authn      *auth.RemoteAuthenticator
	authz      *auth.Authorizer
	dedup      *request.Deduplicator
	queue      *request.Queue
	processors *ProcessorRegistry
	audit      *audit.Emitter
	metrics    *metricsCollector
	registry   *prometheus.Registry
	resource   string
	aclMethod  string
	logger     *slog.Logger
}

// Option configures a Connector.
type Option func(*Connector)

// WithLogger sets the structured logger. If not set, a JSON logger writing
// to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) {
		c.logger = logger.With("component", "connector")
		c.audit = audit.NewEmitter(logger)
	}
}

// WithAuditEmitter overrides the audit emitter independently of the logger.
func WithAuditEmitter(e *audit.Emitter) Option {
	return func(c *Connector) { c.audit = e }
}

// WithACLMethod names the authorization entry point recorded in logs.
func WithACLMethod(method string) Option {
	return func(c *Connector) { c.aclMethod = method }
}

// New creates a Connector guarding the given ACL resource name.
func New(
	authn *auth.RemoteAuthenticator,
	authz *auth.Authorizer,
	dedup *request.Deduplicator,
	queue *request.Queue,
	processors *ProcessorRegistry,
	resource string,
	opts ...Option,
) *Connector {
	c := &Connector{
		authn:      authn,
		authz:      authz,
		dedup:      dedup,
		queue:      queue,
		processors: processors,
		registry:   prometheus.NewRegistry(),
		resource:   resource,
		aclMethod:  "checkSubmit",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		c.logger = logger.With("component", "connector")
		if c.audit == nil {
			c.audit = audit.NewEmitter(logger)
		}
	}
	c.metrics = newMetricsCollector(c.registry)
	return c
}

// Router returns a chi.Router with the submission endpoint and its
// supporting surfaces mounted.
func (c *Connector) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", openapimw.SwaggerUI(openapimw.SwaggerUIOpts{
		SpecURL: "openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", openapimw.Redoc(openapimw.RedocOpts{
		SpecURL: "openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	// All methods route to Submit; method validation is part of the state
	// machine and must run after authentication.
	r.Handle("/submit", http.HandlerFunc(c.Submit))

	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

// peerCertificate extracts the TLS client certificate, if any.
func peerCertificate(r *http.Request) *x509.Certificate {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil
	}
	return r.TLS.PeerCertificates[0]
}

// Submit handles one connector invocation end to end. Exactly one boundary
// audit record is emitted per invocation, on every path out of this
// function, and the session context is always released.
func (c *Connector) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c.metrics.inflight.Inc()
	defer c.metrics.inflight.Dec()

	var (
		subjectID string
		reqType   string
		outcome   = audit.OutcomeFailure
		sctx      *SessionContext
	)
	defer func() {
		sctx.Release()
		c.audit.Emit(audit.EventInterBoundary, subjectID, outcome,
			slog.String("req_type", reqType),
			slog.String("protection", "TLS client certificate"))
		c.metrics.observe(reqType, string(outcome))
	}()

	// AUTHENTICATE
	token, err := c.authn.Authenticate(ctx, peerCertificate(r))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthenticated):
			writeError(w, http.StatusUnauthorized, "client certificate required")
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		default:
			c.logger.Error("authentication error", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	subjectID = token.UserID
	sctx = newSessionContext(token.UserID, token.AuthMgrInstName, token.SubjectDN)

	// AUTHORIZE. An unauthorized caller must never create or observe a
	// request record.
	if granted := c.authz.Authorize(ctx, token, c.aclMethod, c.resource, auth.OpSubmit); granted == nil {
		writeError(w, http.StatusForbidden, "not authorized to submit on "+c.resource)
		return
	}

	// Protocol validation runs only for authenticated, authorized peers.
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if r.ContentLength <= 0 {
		writeError(w, http.StatusLengthRequired, "request body required")
		return
	}

	// DECODE
	msg, err := message.Decode(r.Body)
	if err != nil {
		c.logger.Warn("malformed submission",
			slog.String("user_id", token.UserID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	reqType = msg.ReqType

	// RESOLVE
	sourceID := request.SourceID(token.UserID, msg.ReqID)
	req, isNew, err := c.dedup.Resolve(ctx, sourceID, request.Type(msg.ReqType), request.ExtData(msg.ExtData))
	if err != nil {
		if errors.Is(err, request.ErrQueueCorruption) {
			c.logger.Error("request queue corrupted",
				slog.String("source_id", sourceID),
				slog.String("error", err.Error()))
		} else {
			c.logger.Error("request resolution failed",
				slog.String("source_id", sourceID),
				slog.String("error", err.Error()))
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// PROCESS. Only the creating invocation runs the pipeline. Duplicates,
	// terminal or not, replay the record's current state.
	if isNew {
		if err := c.process(r, sctx, req); err != nil {
			c.logger.Error("processing failed",
				slog.String("request_id", req.ID),
				slog.String("req_type", reqType),
				slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "processing failed")
			return
		}
	} else {
		c.metrics.replays.Inc()
	}

	// ENCODE + REPLY. Built from the record's current state either way, so
	// a replayed reply is indistinguishable from a first-time one.
	rep := message.FromRequest(msg, req)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := rep.Encode(w); err != nil {
		c.logger.Warn("writing reply failed", slog.String("error", err.Error()))
	}

	// Sensitive result attributes are scrubbed from the stored record once
	// the reply carrying them has been written.
	if isNew {
		if err := c.queue.ScrubSensitive(ctx, req); err != nil {
			c.logger.Error("scrubbing sensitive attributes failed",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()))
		}
	}
	outcome = audit.OutcomeSuccess
}

func (c *Connector) process(r *http.Request, sctx *SessionContext, req *request.Request) error {
	p, err := c.processors.Lookup(req.Type)
	if err != nil {
		return err
	}
	return p.Process(r.Context(), sctx, req)
}
