package profile

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogtagpki/pki-sub041/request"
)

func testPublicKeyB64(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(der)
}

func templateJSON(t *testing.T, tpl Template) string {
	t.Helper()
	data, err := json.Marshal(tpl)
	require.NoError(t, err)
	return string(data)
}

func TestNormalize_SkipsWithoutProfileID(t *testing.T) {
	n := NewNormalizer(NewMemorySubsystem())
	req := &request.Request{ExtData: request.ExtData{
		ExtCertTemplate: templateJSON(t, Template{Subject: "CN=server"}),
	}}

	require.NoError(t, n.Normalize(context.Background(), req))
	assert.NotContains(t, req.ExtData, request.ExtCertSubject)
}

func TestNormalize_ReencodesFields(t *testing.T) {
	profiles := NewMemorySubsystem()
	profiles.Put(&Profile{
		ID: "caServerCert",
		Defaults: map[string]string{
			request.ExtSigningAlg: "SHA256withEC",
		},
	})
	n := NewNormalizer(profiles)

	pubKey := testPublicKeyB64(t)
	req := &request.Request{
		ID: "1",
		ExtData: request.ExtData{
			request.ExtProfileID: "caServerCert",
			ExtCertTemplate: templateJSON(t, Template{
				Subject:   "  CN = server.example.com ,O=Example PKI ",
				PublicKey: pubKey,
				NotBefore: "2026-01-01T00:00:00Z",
				NotAfter:  "2027-01-01T00:00:00Z",
			}),
		},
	}

	require.NoError(t, n.Normalize(context.Background(), req))
	assert.Equal(t, "CN=server.example.com, O=Example PKI", req.ExtData[request.ExtCertSubject])
	assert.Equal(t, pubKey, req.ExtData[request.ExtCertPublicKey])
	assert.Equal(t, "2026-01-01T00:00:00Z", req.ExtData[request.ExtCertNotBefore])
	assert.Equal(t, "2027-01-01T00:00:00Z", req.ExtData[request.ExtCertNotAfter])
	// Default supplied by the profile.
	assert.Equal(t, "SHA256withEC", req.ExtData[request.ExtSigningAlg])
}

func TestNormalize_BadFieldsOmittedNotFatal(t *testing.T) {
	profiles := NewMemorySubsystem()
	profiles.Put(&Profile{ID: "caServerCert"})
	n := NewNormalizer(profiles)

	req := &request.Request{
		ID: "2",
		ExtData: request.ExtData{
			request.ExtProfileID: "caServerCert",
			ExtCertTemplate: templateJSON(t, Template{
				Subject:    "CN=ok",
				PublicKey:  "!!! not base64",
				NotBefore:  "yesterday",
				NotAfter:   "2027-01-01T00:00:00Z",
				SigningAlg: "ROT13withMD5",
			}),
		},
	}

	require.NoError(t, n.Normalize(context.Background(), req))
	assert.Equal(t, "CN=ok", req.ExtData[request.ExtCertSubject])
	assert.NotContains(t, req.ExtData, request.ExtCertPublicKey)
	assert.NotContains(t, req.ExtData, request.ExtCertNotBefore)
	assert.NotContains(t, req.ExtData, request.ExtSigningAlg)
}

func TestNormalize_UnknownProfileIsNoOp(t *testing.T) {
	n := NewNormalizer(NewMemorySubsystem())

	req := &request.Request{
		ID: "3",
		ExtData: request.ExtData{
			request.ExtProfileID: "caServerCert",
			ExtCertTemplate:      templateJSON(t, Template{Subject: "CN=raw"}),
		},
	}

	require.NoError(t, n.Normalize(context.Background(), req))
	// Template fields are still normalized; only the defaults step is skipped.
	assert.Equal(t, "CN=raw", req.ExtData[request.ExtCertSubject])
}

func TestSetDefaultCertInfo_ExistingAttributesWin(t *testing.T) {
	p := &Profile{ID: "p", Defaults: map[string]string{
		request.ExtSigningAlg:   "SHA256withEC",
		request.ExtCertNotAfter: "2030-01-01T00:00:00Z",
	}}
	req := &request.Request{ExtData: request.ExtData{
		request.ExtSigningAlg: "SHA384withEC",
	}}

	p.SetDefaultCertInfo(req)
	assert.Equal(t, "SHA384withEC", req.ExtData[request.ExtSigningAlg])
	assert.Equal(t, "2030-01-01T00:00:00Z", req.ExtData[request.ExtCertNotAfter])
}
