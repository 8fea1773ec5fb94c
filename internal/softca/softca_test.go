package softca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogtagpki/pki-sub041/request"
)

func newTestCA(t *testing.T) *CA {
	t.Helper()
	ca, err := Open(filepath.Join(t.TempDir(), "ca.db"), "Test Root CA")
	require.NoError(t, err)
	t.Cleanup(func() { ca.Close() })
	return ca
}

func enrollmentRequest(ext request.ExtData) *request.Request {
	return &request.Request{
		ID:      "1",
		Type:    request.TypeEnrollment,
		ExtData: ext,
	}
}

func parseIssued(t *testing.T, certB64 string) *x509.Certificate {
	t.Helper()
	der, err := base64.StdEncoding.DecodeString(certB64)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestCA_PersistsRootAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ca.db")

	ca, err := Open(path, "Test Root CA")
	require.NoError(t, err)
	first := ca.CACertificatePEM()
	require.NoError(t, ca.Close())

	ca, err = Open(path, "Test Root CA")
	require.NoError(t, err)
	defer ca.Close()
	assert.Equal(t, first, ca.CACertificatePEM())
}

func TestCA_IssueGeneratesAndArchivesKey(t *testing.T) {
	ctx := context.Background()
	ca := newTestCA(t)

	serial, certB64, err := ca.Issue(ctx, enrollmentRequest(request.ExtData{
		request.ExtCertSubject: "CN=server.example.com,O=Example Corp",
	}))
	require.NoError(t, err)
	require.NotEmpty(t, serial)

	cert := parseIssued(t, certB64)
	assert.Equal(t, "server.example.com", cert.Subject.CommonName)
	assert.Equal(t, []string{"Example Corp"}, cert.Subject.Organization)

	// The leaf chains to the root.
	block, _ := pem.Decode([]byte(ca.CACertificatePEM()))
	require.NotNil(t, block)
	root, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	require.NoError(t, cert.CheckSignatureFrom(root))

	// The generated key is archived sealed and unwraps to valid PKCS#8.
	blob, err := ca.RecoverKey(ctx, serial)
	require.NoError(t, err)
	pkcs8, err := ca.UnwrapKey(blob)
	require.NoError(t, err)
	_, err = x509.ParsePKCS8PrivateKey(pkcs8)
	require.NoError(t, err)
}

func TestCA_IssueWithCallerPublicKey(t *testing.T) {
	ctx := context.Background()
	ca := newTestCA(t)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&leafKey.PublicKey)
	require.NoError(t, err)

	serial, certB64, err := ca.Issue(ctx, enrollmentRequest(request.ExtData{
		request.ExtCertSubject:   "CN=client1",
		request.ExtCertPublicKey: base64.StdEncoding.EncodeToString(pubDER),
	}))
	require.NoError(t, err)

	cert := parseIssued(t, certB64)
	issuedPub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.True(t, leafKey.PublicKey.Equal(issuedPub))

	// No key generated, so nothing to archive.
	_, err = ca.RecoverKey(ctx, serial)
	assert.ErrorIs(t, err, ErrKeyNotArchived)
}

func TestCA_RenewSupersedesOldSerial(t *testing.T) {
	ctx := context.Background()
	ca := newTestCA(t)

	serial, _, err := ca.Issue(ctx, enrollmentRequest(request.ExtData{
		request.ExtCertSubject: "CN=renewme",
	}))
	require.NoError(t, err)

	newSerial, certB64, err := ca.Renew(ctx, serial)
	require.NoError(t, err)
	assert.NotEqual(t, serial, newSerial)
	assert.Equal(t, "renewme", parseIssued(t, certB64).Subject.CommonName)

	// The old serial is revoked; revoking again reports as much.
	err = ca.Revoke(ctx, serial, 0)
	assert.ErrorIs(t, err, ErrAlreadyRevoked)
}

func TestCA_RevokeValidation(t *testing.T) {
	ctx := context.Background()
	ca := newTestCA(t)

	assert.ErrorIs(t, ca.Revoke(ctx, "ffff", 1), ErrCertNotFound)

	serial, _, err := ca.Issue(ctx, enrollmentRequest(request.ExtData{
		request.ExtCertSubject: "CN=revokeme",
	}))
	require.NoError(t, err)
	require.NoError(t, ca.Revoke(ctx, serial, 1))
	assert.ErrorIs(t, ca.Revoke(ctx, serial, 1), ErrAlreadyRevoked)
}

func TestCA_CRLIncludesReplicatedEntries(t *testing.T) {
	ctx := context.Background()
	ca := newTestCA(t)

	serial, _, err := ca.Issue(ctx, enrollmentRequest(request.ExtData{
		request.ExtCertSubject: "CN=revoked",
	}))
	require.NoError(t, err)
	require.NoError(t, ca.Revoke(ctx, serial, 1))

	// An entry replicated from a peer, never issued here.
	require.NoError(t, ca.RecordEntry(ctx, "0abc", "0", "2026-08-01T00:00:00Z"))

	crlPEM, err := ca.GenerateCRL(ctx)
	require.NoError(t, err)
	block, _ := pem.Decode(crlPEM)
	require.NotNil(t, block)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	assert.Len(t, crl.RevokedCertificateEntries, 2)
}

func TestCA_RecordEntryRejectsBadReason(t *testing.T) {
	ca := newTestCA(t)
	err := ca.RecordEntry(context.Background(), "0abc", "not-a-number", "")
	assert.Error(t, err)
}
