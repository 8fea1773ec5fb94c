package connector

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/awnumar/memguard"

	"github.com/dogtagpki/pki-sub041/audit"
	"github.com/dogtagpki/pki-sub041/profile"
	"github.com/dogtagpki/pki-sub041/request"
)

// CertIssuer is the crypto provider collaborator for issuance. The connector
// never performs signing itself.
type CertIssuer interface {
	Issue(ctx context.Context, req *request.Request) (serial, certB64 string, err error)
	Renew(ctx context.Context, serial string) (newSerial, certB64 string, err error)
}

// RevocationRecorder records a revocation with the CA's revocation state.
type RevocationRecorder interface {
	Revoke(ctx context.Context, serial string, reason int) error
}

// CRLEntryRecorder accepts a CRL entry replicated from a clone CA.
type CRLEntryRecorder interface {
	RecordEntry(ctx context.Context, serial, reason, revokedOn string) error
}

// KeyRecoverer retrieves wrapped archived key material for a netkey token.
type KeyRecoverer interface {
	RecoverKey(ctx context.Context, keyID string) ([]byte, error)
}

// Pipeline bundles the built-in processors and their shared collaborators.
type Pipeline struct {
	queue      *request.Queue
	normalizer *profile.Normalizer
	issuer     CertIssuer
	revoker    RevocationRecorder
	crlSink    CRLEntryRecorder
	recoverer  KeyRecoverer
	audit      *audit.Emitter
	logger     *slog.Logger
}

// PipelineConfig wires the collaborators for NewPipeline. Nil collaborators
// disable the corresponding request types.
type PipelineConfig struct {
	Queue      *request.Queue
	Normalizer *profile.Normalizer
	Issuer     CertIssuer
	Revoker    RevocationRecorder
	CRLSink    CRLEntryRecorder
	Recoverer  KeyRecoverer
	Audit      *audit.Emitter
	Logger     *slog.Logger
}

// NewPipeline builds the processor set and registers each processor for its
// request type.
func NewPipeline(cfg PipelineConfig) *ProcessorRegistry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		queue:      cfg.Queue,
		normalizer: cfg.Normalizer,
		issuer:     cfg.Issuer,
		revoker:    cfg.Revoker,
		crlSink:    cfg.CRLSink,
		recoverer:  cfg.Recoverer,
		audit:      cfg.Audit,
		logger:     logger.With("component", "pipeline"),
	}

	reg := NewProcessorRegistry()
	if p.issuer != nil {
		reg.Register(request.TypeEnrollment, ProcessorFunc(p.processEnrollment))
		reg.Register(request.TypeRenewal, ProcessorFunc(p.processRenewal))
	}
	if p.revoker != nil {
		reg.Register(request.TypeRevocation, ProcessorFunc(p.processRevocation))
	}
	if p.crlSink != nil {
		reg.Register(request.TypeCloneCRLEntry, ProcessorFunc(p.processCloneCRLEntry))
	}
	if p.recoverer != nil {
		reg.Register(request.TypeNetkeyKeyRecovery, ProcessorFunc(p.processKeyRecovery))
	}
	return reg
}

// fail records an error status on the request and returns the wrapped error.
// The connector leaves status handling entirely to the pipeline.
func (p *Pipeline) fail(ctx context.Context, sctx *SessionContext, req *request.Request, err error) error {
	req.Status = request.StatusError
	req.ExtData[request.ExtResultCode] = "1"
	if uerr := p.queue.UpdateRequest(ctx, req, sctx.UserID()); uerr != nil {
		p.logger.Error("recording error status failed",
			slog.String("request_id", req.ID),
			slog.String("error", uerr.Error()))
	}
	return err
}

// reject marks the request rejected. A rejection is a recorded outcome, not
// a processing failure.
func (p *Pipeline) reject(ctx context.Context, sctx *SessionContext, req *request.Request, reason string) error {
	req.Status = request.StatusRejected
	req.ExtData[request.ExtResultCode] = "2"
	p.logger.Info("request rejected",
		slog.String("request_id", req.ID),
		slog.String("reason", reason))
	return p.queue.UpdateRequest(ctx, req, sctx.UserID())
}

func (p *Pipeline) processEnrollment(ctx context.Context, sctx *SessionContext, req *request.Request) error {
	profileID := req.ExtData[request.ExtProfileID]
	isProfile := profileID != ""

	if isProfile {
		p.audit.Emit(audit.EventProfileCertRequest, sctx.UserID(), audit.OutcomeSuccess,
			slog.String("request_id", req.ID),
			slog.String("profile_id", profileID),
			slog.String("cert_subject", audit.OrUnassigned(req.ExtData[request.ExtCertSubject])))

		if err := p.normalizer.Normalize(ctx, req); err != nil {
			return p.fail(ctx, sctx, req, fmt.Errorf("normalizing enrollment: %w", err))
		}
	}

	req.Status = request.StatusApproved
	serial, certB64, err := p.issuer.Issue(ctx, req)
	if err != nil {
		if isProfile {
			p.emitProcessed(req, sctx, audit.OutcomeFailure)
		}
		return p.fail(ctx, sctx, req, fmt.Errorf("issuing certificate: %w", err))
	}

	req.ExtData[request.ExtSerialNumber] = serial
	req.ExtData[request.ExtIssuedCert] = certB64
	req.ExtData[request.ExtResultCode] = "0"
	req.Status = request.StatusComplete
	if err := p.queue.UpdateRequest(ctx, req, sctx.UserID()); err != nil {
		return fmt.Errorf("completing enrollment: %w", err)
	}

	if isProfile {
		p.emitProcessed(req, sctx, audit.OutcomeSuccess)
	}
	return nil
}

func (p *Pipeline) emitProcessed(req *request.Request, sctx *SessionContext, outcome audit.Outcome) {
	p.audit.Emit(audit.EventCertRequestProcessed, sctx.UserID(), outcome,
		slog.String("request_id", req.ID),
		slog.String("cert_subject", audit.OrUnassigned(req.ExtData[request.ExtCertSubject])))
}

func (p *Pipeline) processRenewal(ctx context.Context, sctx *SessionContext, req *request.Request) error {
	serial := req.ExtData[request.ExtSerialNumber]
	if serial == "" {
		return p.reject(ctx, sctx, req, "renewal without serial number")
	}
	newSerial, certB64, err := p.issuer.Renew(ctx, serial)
	if err != nil {
		return p.fail(ctx, sctx, req, fmt.Errorf("renewing certificate %s: %w", serial, err))
	}
	req.ExtData[request.ExtSerialNumber] = newSerial
	req.ExtData[request.ExtIssuedCert] = certB64
	req.ExtData[request.ExtResultCode] = "0"
	req.Status = request.StatusComplete
	return p.queue.UpdateRequest(ctx, req, sctx.UserID())
}

func (p *Pipeline) processRevocation(ctx context.Context, sctx *SessionContext, req *request.Request) error {
	serial := req.ExtData[request.ExtSerialNumber]
	if serial == "" {
		return p.reject(ctx, sctx, req, "revocation without serial number")
	}
	reason := 0
	if v := req.ExtData[request.ExtRevocationReason]; v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return p.reject(ctx, sctx, req, "unparseable revocation reason")
		}
		reason = parsed
	}
	if err := p.revoker.Revoke(ctx, serial, reason); err != nil {
		return p.fail(ctx, sctx, req, fmt.Errorf("revoking certificate %s: %w", serial, err))
	}
	req.ExtData[request.ExtResultCode] = "0"
	req.Status = request.StatusComplete
	return p.queue.UpdateRequest(ctx, req, sctx.UserID())
}

func (p *Pipeline) processCloneCRLEntry(ctx context.Context, sctx *SessionContext, req *request.Request) error {
	serial := req.ExtData[request.ExtCRLEntrySerial]
	if serial == "" {
		return p.reject(ctx, sctx, req, "CRL entry without serial number")
	}
	err := p.crlSink.RecordEntry(ctx, serial,
		req.ExtData[request.ExtCRLEntryReason],
		req.ExtData[request.ExtCRLEntryRevokedOn])
	if err != nil {
		return p.fail(ctx, sctx, req, fmt.Errorf("recording CRL entry %s: %w", serial, err))
	}
	req.ExtData[request.ExtResultCode] = "0"
	req.Status = request.StatusComplete
	return p.queue.UpdateRequest(ctx, req, sctx.UserID())
}

func (p *Pipeline) processKeyRecovery(ctx context.Context, sctx *SessionContext, req *request.Request) error {
	keyID := req.ExtData[request.ExtKeyID]
	if keyID == "" {
		return p.reject(ctx, sctx, req, "key recovery without key ID")
	}
	wrapped, err := p.recoverer.RecoverKey(ctx, keyID)
	if err != nil {
		return p.fail(ctx, sctx, req, fmt.Errorf("recovering key %s: %w", keyID, err))
	}

	// The wrapped blob lives in a guarded enclave until it has been copied
	// into the record; the raw slice is wiped by the enclave on destroy.
	buf := memguard.NewBufferFromBytes(wrapped)
	defer buf.Destroy()

	req.ExtData[request.ExtWrappedPrivate] = base64.StdEncoding.EncodeToString(buf.Bytes())
	req.ExtData[request.ExtResultCode] = "0"
	req.Status = request.StatusComplete
	return p.queue.UpdateRequest(ctx, req, sctx.UserID())
}
