package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newTestCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"Example PKI"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestAuthenticate_NoPeerCert(t *testing.T) {
	ra := NewRemoteAuthenticator(NewMemoryRegistry(), "raCertAuth")

	_, err := ra.Authenticate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticate_UnknownCert(t *testing.T) {
	ra := NewRemoteAuthenticator(NewMemoryRegistry(), "raCertAuth")

	_, err := ra.Authenticate(context.Background(), newTestCert(t, "rogue"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticate_RegisteredCert(t *testing.T) {
	reg := NewMemoryRegistry()
	cert := newTestCert(t, "RA1")
	require.NoError(t, reg.Register(&Agent{
		UserID:      "ra-1",
		SubjectDN:   cert.Subject.String(),
		Fingerprint: Fingerprint(cert),
		Groups:      []string{"Registration Manager Agents"},
	}))

	ra := NewRemoteAuthenticator(reg, "raCertAuth")
	token, err := ra.Authenticate(context.Background(), cert)
	require.NoError(t, err)
	assert.Equal(t, "ra-1", token.UserID)
	assert.Equal(t, "raCertAuth", token.AuthMgrInstName)
	assert.Contains(t, token.SubjectDN, "CN=RA1")
}

func TestAuthorize_GrantByGroup(t *testing.T) {
	reg := NewMemoryRegistry()
	require.NoError(t, reg.Register(&Agent{
		UserID: "ra-1",
		Groups: []string{"Registration Manager Agents"},
	}))

	acls := NewMemoryACLStore()
	acls.Put(&ACL{
		Resource: "certServer.ca.connector",
		Grants:   map[string][]string{OpSubmit: {"Registration Manager Agents"}},
	})

	a := NewAuthorizer(acls, reg)
	token := &AuthToken{UserID: "ra-1"}

	granted := a.Authorize(context.Background(), token, "checkSubmit", "certServer.ca.connector", OpSubmit)
	require.NotNil(t, granted)
	assert.Equal(t, "ra-1", granted.UserID)
	assert.Equal(t, OpSubmit, granted.Operation)
}

func TestAuthorize_DeniedCases(t *testing.T) {
	reg := NewMemoryRegistry()
	require.NoError(t, reg.Register(&Agent{UserID: "ra-1", Groups: []string{"Other"}}))

	acls := NewMemoryACLStore()
	acls.Put(&ACL{
		Resource: "certServer.ca.connector",
		Grants:   map[string][]string{OpSubmit: {"Registration Manager Agents"}},
	})
	a := NewAuthorizer(acls, reg)

	tests := []struct {
		name     string
		token    *AuthToken
		resource string
		op       string
	}{
		{"wrong group", &AuthToken{UserID: "ra-1"}, "certServer.ca.connector", OpSubmit},
		{"unknown resource", &AuthToken{UserID: "ra-1"}, "certServer.kra.connector", OpSubmit},
		{"unknown operation", &AuthToken{UserID: "ra-1"}, "certServer.ca.connector", "approve"},
		{"nil token", nil, "certServer.ca.connector", OpSubmit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, a.Authorize(context.Background(), tt.token, "checkSubmit", tt.resource, tt.op))
		})
	}
}

type panickyACLStore struct{}

func (panickyACLStore) ACL(string) (*ACL, bool) { panic("policy evaluation blew up") }

func TestAuthorize_FailsClosedOnPanic(t *testing.T) {
	a := NewAuthorizer(panickyACLStore{}, NewMemoryRegistry())

	assert.NotPanics(t, func() {
		tok := a.Authorize(context.Background(), &AuthToken{UserID: "ra-1"}, "checkSubmit", "r", OpSubmit)
		assert.Nil(t, tok)
	})
}

func TestBoltRegistry_RoundTrip(t *testing.T) {
	reg, err := NewBoltRegistryFromFile(filepath.Join(t.TempDir(), "agents.db"), nil)
	require.NoError(t, err)
	defer reg.Close()

	cert := newTestCert(t, "CloneCA1")
	agent := &Agent{
		UserID:      "clone-1",
		SubjectDN:   cert.Subject.String(),
		Fingerprint: Fingerprint(cert),
		Groups:      []string{"Trusted Managers"},
	}
	require.NoError(t, reg.Register(agent))
	assert.NotEmpty(t, agent.ID)

	got, err := reg.LookupByFingerprint(Fingerprint(cert))
	require.NoError(t, err)
	assert.Equal(t, "clone-1", got.UserID)

	groups, err := reg.Groups("clone-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Trusted Managers"}, groups)

	_, err = reg.LookupByFingerprint("deadbeef")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestBoltACLStore_SharesDatabaseWithRegistry(t *testing.T) {
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "auth.db"), 0o600, nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = NewBoltRegistry(db)
	require.NoError(t, err)
	acls, err := NewBoltACLStore(db)
	require.NoError(t, err)

	_, ok := acls.ACL("certServer.ca.connector")
	assert.False(t, ok)

	require.NoError(t, acls.Put(&ACL{
		Resource: "certServer.ca.connector",
		Grants:   map[string][]string{OpSubmit: {"Registration Manager Agents"}},
	}))

	got, ok := acls.ACL("certServer.ca.connector")
	require.True(t, ok)
	assert.Equal(t, []string{"Registration Manager Agents"}, got.Grants[OpSubmit])
}
