package profile

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dogtagpki/pki-sub041/request"
)

// ExtCertTemplate is the ExtData attribute carrying the raw remote-submitted
// certificate template, as serialized by the submitting node.
const ExtCertTemplate = "certTemplate"

// Template is the raw certificate template a remote authority submits with a
// profile-based enrollment.
type Template struct {
	Subject    string `json:"subject,omitempty"`
	PublicKey  string `json:"publicKey,omitempty"`  // base64 PKIX DER
	NotBefore  string `json:"notBefore,omitempty"`  // RFC3339
	NotAfter   string `json:"notAfter,omitempty"`   // RFC3339
	Extensions string `json:"extensions,omitempty"` // base64 DER
	SigningAlg string `json:"signingAlg,omitempty"`
}

var knownSigningAlgs = map[string]bool{
	"SHA256withRSA": true,
	"SHA384withRSA": true,
	"SHA512withRSA": true,
	"SHA256withEC":  true,
	"SHA384withEC":  true,
	"SHA512withEC":  true,
}

// Normalizer re-encodes the structural fields of a submitted certificate
// template into individual queue attributes, then applies the resolved
// profile's default certificate info.
type Normalizer struct {
	profiles Subsystem
	logger   *slog.Logger
}

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithNormalizerLogger sets the structured logger.
func WithNormalizerLogger(logger *slog.Logger) NormalizerOption {
	return func(n *Normalizer) { n.logger = logger.With("component", "normalizer") }
}

// NewNormalizer creates a Normalizer over the given profile subsystem.
func NewNormalizer(profiles Subsystem, opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{
		profiles: profiles,
		logger:   slog.Default().With("component", "normalizer"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize prepares a request for profile-based enrollment. A request
// without a profile ID is left untouched (legacy flow). Each template field
// that re-encodes successfully is stored under its own attribute; failures
// are logged and the field omitted. An unknown profile ID makes the default
// step a no-op; the absence is logged, not raised.
func (n *Normalizer) Normalize(ctx context.Context, req *request.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	profileID := req.ExtData[request.ExtProfileID]
	if profileID == "" {
		return nil
	}

	if raw, ok := req.ExtData[ExtCertTemplate]; ok {
		n.normalizeTemplate(req, raw)
	}

	p, ok := n.profiles.Profile(profileID)
	if !ok {
		n.logger.Warn("profile not found; skipping defaults",
			slog.String("profile_id", profileID),
			slog.String("request_id", req.ID))
		return nil
	}
	p.SetDefaultCertInfo(req)
	return nil
}

func (n *Normalizer) normalizeTemplate(req *request.Request, raw string) {
	var tpl Template
	if err := json.Unmarshal([]byte(raw), &tpl); err != nil {
		n.logger.Warn("unparseable certificate template; skipping normalization",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()))
		return
	}

	if tpl.Subject != "" {
		if subject, err := normalizeSubject(tpl.Subject); err == nil {
			req.ExtData[request.ExtCertSubject] = subject
		} else {
			n.logField(req, "subject", err)
		}
	}
	if tpl.PublicKey != "" {
		if key, err := normalizePublicKey(tpl.PublicKey); err == nil {
			req.ExtData[request.ExtCertPublicKey] = key
		} else {
			n.logField(req, "public key", err)
		}
	}
	if tpl.NotBefore != "" || tpl.NotAfter != "" {
		if nb, na, err := normalizeValidity(tpl.NotBefore, tpl.NotAfter); err == nil {
			req.ExtData[request.ExtCertNotBefore] = nb
			req.ExtData[request.ExtCertNotAfter] = na
		} else {
			n.logField(req, "validity", err)
		}
	}
	if tpl.Extensions != "" {
		if ext, err := normalizeExtensions(tpl.Extensions); err == nil {
			req.ExtData[request.ExtCertExtensions] = ext
		} else {
			n.logField(req, "extensions", err)
		}
	}
	if tpl.SigningAlg != "" {
		if knownSigningAlgs[tpl.SigningAlg] {
			req.ExtData[request.ExtSigningAlg] = tpl.SigningAlg
		} else {
			n.logField(req, "signing algorithm", fmt.Errorf("unknown algorithm %q", tpl.SigningAlg))
		}
	}
}

func (n *Normalizer) logField(req *request.Request, field string, err error) {
	n.logger.Warn("template field failed to re-encode; omitting",
		slog.String("request_id", req.ID),
		slog.String("field", field),
		slog.String("error", err.Error()))
}

// normalizeSubject collapses whitespace around RDN separators into the
// canonical "CN=x, O=y" form.
func normalizeSubject(subject string) (string, error) {
	parts := strings.Split(subject, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" {
			return "", fmt.Errorf("invalid RDN %q", part)
		}
		out = append(out, strings.TrimSpace(kv[0])+"="+strings.TrimSpace(kv[1]))
	}
	if len(out) == 0 {
		return "", fmt.Errorf("empty subject")
	}
	return strings.Join(out, ", "), nil
}

// normalizePublicKey round-trips the key through the DER parser so a
// malformed key never reaches the issuance pipeline.
func normalizePublicKey(b64 string) (string, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decoding public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return "", fmt.Errorf("parsing public key: %w", err)
	}
	reencoded, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("re-encoding public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(reencoded), nil
}

func normalizeValidity(notBefore, notAfter string) (string, string, error) {
	nb, err := time.Parse(time.RFC3339, notBefore)
	if err != nil {
		return "", "", fmt.Errorf("parsing notBefore: %w", err)
	}
	na, err := time.Parse(time.RFC3339, notAfter)
	if err != nil {
		return "", "", fmt.Errorf("parsing notAfter: %w", err)
	}
	if !na.After(nb) {
		return "", "", fmt.Errorf("notAfter %s not after notBefore %s", notAfter, notBefore)
	}
	return nb.UTC().Format(time.RFC3339), na.UTC().Format(time.RFC3339), nil
}

func normalizeExtensions(b64 string) (string, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decoding extensions: %w", err)
	}
	if len(der) == 0 {
		return "", fmt.Errorf("empty extensions blob")
	}
	return base64.StdEncoding.EncodeToString(der), nil
}
