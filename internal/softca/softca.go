// Package softca provides a software Certificate Authority backed by a bbolt
// database. It implements the connector's issuance, revocation, CRL and key
// recovery collaborators for deployments without an external CA subsystem.
// CA state (root certificate, signing key, issued and revoked certificates)
// lives in reserved buckets alongside the request store.
package softca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dogtagpki/pki-sub041/internal/seal"
	"github.com/dogtagpki/pki-sub041/request"
)

var (
	// ErrCertNotFound is returned when the referenced serial number has no
	// issued certificate on record.
	ErrCertNotFound = errors.New("certificate not found")

	// ErrAlreadyRevoked is returned when revoking a certificate that is
	// already on the revocation list.
	ErrAlreadyRevoked = errors.New("certificate is already revoked")

	// ErrKeyNotArchived is returned when key recovery references a key ID
	// with no archived material.
	ErrKeyNotArchived = errors.New("no archived key material for key ID")
)

const (
	bucketState      = "ca_state"
	bucketIssued     = "ca_issued"
	bucketRevoked    = "ca_revoked"
	bucketKeyArchive = "ca_key_archive"

	stateKeyCert = "cert"
	stateKeyKey  = "key"
)

const defaultValidityDays = 365

// issuedRecord is the per-certificate bookkeeping stored in bucketIssued.
type issuedRecord struct {
	SubjectDN string `json:"subjectDN"`
	CertPEM   string `json:"certPEM"`
	NotBefore string `json:"notBefore"`
	NotAfter  string `json:"notAfter"`
}

// revocationEntry mirrors one CRL entry.
type revocationEntry struct {
	Reason    int    `json:"reason"`
	RevokedAt string `json:"revokedAt"`
}

// CA is a self-contained software certificate authority. The zero value is
// not usable; construct with New or Open.
type CA struct {
	db     *bolt.DB
	ownsDB bool
	box    *seal.Box
	logger *slog.Logger

	mu     sync.Mutex
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
}

// Option configures a CA.
type Option func(*CA)

// WithLogger sets the logger used for CA operations.
func WithLogger(logger *slog.Logger) Option {
	return func(c *CA) { c.logger = logger.With("component", "softca") }
}

// WithArchiveSeal sets the sealing box protecting archived key material.
// Without it a random per-process key is used, which is sufficient for
// ephemeral deployments but loses archived keys on restart.
func WithArchiveSeal(box *seal.Box) Option {
	return func(c *CA) { c.box = box }
}

// New creates a CA over an already-open bbolt database, generating the root
// certificate and signing key on first use.
func New(db *bolt.DB, subjectCN string, opts ...Option) (*CA, error) {
	c := &CA{db: db}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "softca")
	}
	if c.box == nil {
		box, err := seal.NewRandom()
		if err != nil {
			return nil, fmt.Errorf("creating archive seal: %w", err)
		}
		c.box = box
	}
	if err := c.ensureCA(subjectCN); err != nil {
		return nil, err
	}
	return c, nil
}

// Open opens (or creates) a bbolt database at path and builds a CA over it.
// The database is closed by Close.
func Open(path, subjectCN string, opts ...Option) (*CA, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening CA database: %w", err)
	}
	c, err := New(db, subjectCN, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	c.ownsDB = true
	return c, nil
}

// Close releases the underlying database if this CA opened it.
func (c *CA) Close() error {
	if c.ownsDB {
		return c.db.Close()
	}
	return nil
}

// CACertificatePEM returns the root certificate in PEM encoding.
func (c *CA) CACertificatePEM() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return encodeCertPEM(c.caCert.Raw)
}

// ensureCA loads the root certificate and key, generating and persisting a
// self-signed root on first use.
func (c *CA) ensureCA(subjectCN string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketState, bucketIssued, bucketRevoked, bucketKeyArchive} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		state := tx.Bucket([]byte(bucketState))

		if certPEM := state.Get([]byte(stateKeyCert)); certPEM != nil {
			cert, err := parseCertPEM(certPEM)
			if err != nil {
				return fmt.Errorf("loading CA certificate: %w", err)
			}
			key, err := parseKeyPEM(state.Get([]byte(stateKeyKey)))
			if err != nil {
				return fmt.Errorf("loading CA key: %w", err)
			}
			c.caCert, c.caKey = cert, key
			return nil
		}

		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return fmt.Errorf("generating CA key: %w", err)
		}
		now := time.Now().UTC()
		template := &x509.Certificate{
			SerialNumber:          big.NewInt(1),
			Subject:               pkix.Name{CommonName: subjectCN},
			NotBefore:             now,
			NotAfter:              now.AddDate(10, 0, 0),
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraintsValid: true,
			IsCA:                  true,
		}
		der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
		if err != nil {
			return fmt.Errorf("self-signing CA certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return err
		}

		keyPEM, err := encodeKeyPEM(key)
		if err != nil {
			return err
		}
		if err := state.Put([]byte(stateKeyCert), []byte(encodeCertPEM(der))); err != nil {
			return err
		}
		if err := state.Put([]byte(stateKeyKey), []byte(keyPEM)); err != nil {
			return err
		}

		c.caCert, c.caKey = cert, key
		c.logger.Info("initialized software CA", slog.String("subject", cert.Subject.String()))
		return nil
	})
}

// ---------------------------------------------------------------------------
// Issuance
// ---------------------------------------------------------------------------

// Issue signs a leaf certificate for the enrollment request. The certificate
// template is taken from the request's normalized attributes; absent fields
// fall back to defaults. When the request carries no public key a fresh leaf
// keypair is generated and its private half archived sealed under the new
// serial number, retrievable later through RecoverKey.
func (c *CA) Issue(ctx context.Context, req *request.Request) (string, string, error) {
	subject := parseSubject(req.ExtData[request.ExtCertSubject])
	notBefore, notAfter := validityWindow(req.ExtData)

	var (
		leafPublic  crypto.PublicKey
		archivePKCS []byte
	)
	if b64 := req.ExtData[request.ExtCertPublicKey]; b64 != "" {
		der, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return "", "", fmt.Errorf("decoding public key: %w", err)
		}
		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return "", "", fmt.Errorf("parsing public key: %w", err)
		}
		leafPublic = pub
	} else {
		leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return "", "", fmt.Errorf("generating leaf key: %w", err)
		}
		leafPublic = &leafKey.PublicKey
		archivePKCS, err = x509.MarshalPKCS8PrivateKey(leafKey)
		if err != nil {
			return "", "", fmt.Errorf("encoding leaf key: %w", err)
		}
	}

	serial, certB64, err := c.sign(subject, leafPublic, notBefore, notAfter, archivePKCS)
	if err != nil {
		return "", "", err
	}
	c.logger.Info("issued certificate",
		slog.String("serial", serial),
		slog.String("subject", subject.String()),
		slog.String("request_id", req.ID))
	return serial, certB64, nil
}

// Renew re-issues the certificate with the given serial under the same
// subject and a fresh validity window, then revokes the old certificate with
// reason superseded (4).
func (c *CA) Renew(ctx context.Context, serial string) (string, string, error) {
	var old issuedRecord
	if err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketIssued)).Get([]byte(serial))
		if raw == nil {
			return ErrCertNotFound
		}
		return json.Unmarshal(raw, &old)
	}); err != nil {
		return "", "", err
	}

	oldCert, err := parseCertPEM([]byte(old.CertPEM))
	if err != nil {
		return "", "", fmt.Errorf("parsing certificate %s: %w", serial, err)
	}

	now := time.Now().UTC()
	newSerial, certB64, err := c.sign(oldCert.Subject, oldCert.PublicKey,
		now, now.AddDate(0, 0, defaultValidityDays), nil)
	if err != nil {
		return "", "", err
	}

	if err := c.Revoke(ctx, serial, 4); err != nil && !errors.Is(err, ErrAlreadyRevoked) {
		return "", "", fmt.Errorf("superseding certificate %s: %w", serial, err)
	}
	c.logger.Info("renewed certificate",
		slog.String("old_serial", serial),
		slog.String("new_serial", newSerial))
	return newSerial, certB64, nil
}

// sign creates, signs and records a leaf certificate, archiving key material
// when provided. The serial number comes from the issued bucket's sequence,
// offset past the root's serial.
func (c *CA) sign(subject pkix.Name, pub crypto.PublicKey, notBefore, notAfter time.Time, archivePKCS []byte) (string, string, error) {
	c.mu.Lock()
	caCert, caKey := c.caCert, c.caKey
	c.mu.Unlock()

	var serialHex, certB64 string
	err := c.db.Update(func(tx *bolt.Tx) error {
		issued := tx.Bucket([]byte(bucketIssued))
		seq, err := issued.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating serial: %w", err)
		}
		serial := big.NewInt(int64(seq) + 1)
		serialHex = hex.EncodeToString(serial.Bytes())

		template := &x509.Certificate{
			SerialNumber:          serial,
			Subject:               subject,
			NotBefore:             notBefore,
			NotAfter:              notAfter,
			KeyUsage:              x509.KeyUsageDigitalSignature,
			BasicConstraintsValid: true,
		}
		der, err := x509.CreateCertificate(rand.Reader, template, caCert, pub, caKey)
		if err != nil {
			return fmt.Errorf("signing leaf certificate: %w", err)
		}
		certB64 = base64.StdEncoding.EncodeToString(der)

		rec, err := json.Marshal(issuedRecord{
			SubjectDN: subject.String(),
			CertPEM:   encodeCertPEM(der),
			NotBefore: notBefore.Format(time.RFC3339),
			NotAfter:  notAfter.Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		if err := issued.Put([]byte(serialHex), rec); err != nil {
			return err
		}

		if archivePKCS != nil {
			sealed, err := c.box.Seal(archivePKCS)
			if err != nil {
				return fmt.Errorf("sealing archived key: %w", err)
			}
			if err := tx.Bucket([]byte(bucketKeyArchive)).Put([]byte(serialHex), []byte(sealed)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return serialHex, certB64, nil
}

// ---------------------------------------------------------------------------
// Revocation and CRL
// ---------------------------------------------------------------------------

// Revoke places the certificate with the given serial on the revocation
// list. Revoking an unknown serial is an error; revoking twice returns
// ErrAlreadyRevoked.
func (c *CA) Revoke(ctx context.Context, serial string, reason int) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketIssued)).Get([]byte(serial)) == nil {
			return ErrCertNotFound
		}
		revoked := tx.Bucket([]byte(bucketRevoked))
		if revoked.Get([]byte(serial)) != nil {
			return ErrAlreadyRevoked
		}
		entry, err := json.Marshal(revocationEntry{
			Reason:    reason,
			RevokedAt: time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		return revoked.Put([]byte(serial), entry)
	})
	if err != nil {
		return err
	}
	c.logger.Info("revoked certificate",
		slog.String("serial", serial),
		slog.Int("reason", reason))
	return nil
}

// RecordEntry adds a revocation entry replicated from a peer authority's
// CRL. Unlike Revoke it does not require the certificate to have been issued
// by this CA.
func (c *CA) RecordEntry(ctx context.Context, serial, reason, revokedOn string) error {
	reasonCode := 0
	if reason != "" {
		parsed, err := strconv.Atoi(reason)
		if err != nil {
			return fmt.Errorf("parsing revocation reason %q: %w", reason, err)
		}
		reasonCode = parsed
	}
	if revokedOn == "" {
		revokedOn = time.Now().UTC().Format(time.RFC3339)
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		revoked := tx.Bucket([]byte(bucketRevoked))
		if revoked.Get([]byte(serial)) != nil {
			return nil
		}
		entry, err := json.Marshal(revocationEntry{Reason: reasonCode, RevokedAt: revokedOn})
		if err != nil {
			return err
		}
		return revoked.Put([]byte(serial), entry)
	})
	if err != nil {
		return err
	}
	c.logger.Info("recorded replicated CRL entry", slog.String("serial", serial))
	return nil
}

// GenerateCRL builds and signs a CRL over all recorded revocations,
// returning it PEM-encoded.
func (c *CA) GenerateCRL(ctx context.Context) ([]byte, error) {
	var entries []x509.RevocationListEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRevoked)).ForEach(func(k, v []byte) error {
			var entry revocationEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decoding revocation entry %s: %w", k, err)
			}
			serialBytes, err := hex.DecodeString(string(k))
			if err != nil {
				return fmt.Errorf("decoding serial %s: %w", k, err)
			}
			revokedAt, err := time.Parse(time.RFC3339, entry.RevokedAt)
			if err != nil {
				revokedAt = time.Now().UTC()
			}
			entries = append(entries, x509.RevocationListEntry{
				SerialNumber:   new(big.Int).SetBytes(serialBytes),
				RevocationTime: revokedAt,
				ReasonCode:     entry.Reason,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	caCert, caKey := c.caCert, c.caKey
	c.mu.Unlock()

	now := time.Now().UTC()
	template := &x509.RevocationList{
		RevokedCertificateEntries: entries,
		Number:                    big.NewInt(now.Unix()),
		ThisUpdate:                now,
		NextUpdate:                now.AddDate(0, 0, 7),
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, caCert, caKey)
	if err != nil {
		return nil, fmt.Errorf("signing CRL: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}), nil
}

// ---------------------------------------------------------------------------
// Key recovery
// ---------------------------------------------------------------------------

// RecoverKey returns the sealed key blob archived under keyID. The blob
// stays sealed; unwrapping happens on the requesting authority's side.
func (c *CA) RecoverKey(ctx context.Context, keyID string) ([]byte, error) {
	var blob []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketKeyArchive)).Get([]byte(keyID))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrKeyNotArchived, keyID)
		}
		blob = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("recovered archived key", slog.String("key_id", keyID))
	return blob, nil
}

// UnwrapKey opens a sealed blob previously returned by RecoverKey. Intended
// for operator tooling; the connector never calls it.
func (c *CA) UnwrapKey(blob []byte) ([]byte, error) {
	return c.box.Open(string(blob))
}

// ---------------------------------------------------------------------------
// Encoding helpers
// ---------------------------------------------------------------------------

func encodeCertPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func parseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func encodeKeyPEM(key *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

func parseKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected CA key type %T", key)
	}
	return ecKey, nil
}

// parseSubject builds a pkix.Name from an RFC 4514 style DN string. Only
// the attribute types the connector normalizes are mapped; anything else is
// ignored. An empty DN yields a placeholder common name.
func parseSubject(dn string) pkix.Name {
	name := pkix.Name{}
	for _, rdn := range strings.Split(dn, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(rdn), "=")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "CN":
			name.CommonName = value
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "C":
			name.Country = append(name.Country, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "ST":
			name.Province = append(name.Province, value)
		}
	}
	if name.CommonName == "" && len(name.Organization) == 0 {
		name.CommonName = "unnamed"
	}
	return name
}

func validityWindow(ext request.ExtData) (time.Time, time.Time) {
	now := time.Now().UTC()
	notBefore, notAfter := now, now.AddDate(0, 0, defaultValidityDays)
	if v := ext[request.ExtCertNotBefore]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			notBefore = t
		}
	}
	if v := ext[request.ExtCertNotAfter]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			notAfter = t
		}
	}
	if !notAfter.After(notBefore) {
		notAfter = notBefore.AddDate(0, 0, defaultValidityDays)
	}
	return notBefore, notAfter
}
