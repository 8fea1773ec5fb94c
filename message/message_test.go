package message

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogtagpki/pki-sub041/request"
)

func TestDecode_Valid(t *testing.T) {
	body := `{"reqType":"enrollment","reqId":"42","extData":{"profileId":"caServerCert"}}`
	m, err := Decode(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "enrollment", m.ReqType)
	assert.Equal(t, "42", m.ReqID)
	assert.Equal(t, "caServerCert", m.ExtData["profileId"])
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<<<%%%"},
		{"empty body", ""},
		{"missing reqType", `{"reqId":"42"}`},
		{"missing reqId", `{"reqType":"enrollment"}`},
		{"unknown reqType", `{"reqType":"decrypt-everything","reqId":"42"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.body))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestFromRequest(t *testing.T) {
	m := &Message{ReqType: "enrollment", ReqID: "42"}
	req := &request.Request{
		ID:     "7",
		Status: request.StatusComplete,
		ExtData: request.ExtData{
			request.ExtSerialNumber: "0a",
			request.ExtIssuedCert:   "Y2VydA==",
		},
	}

	rep := FromRequest(m, req)
	assert.Equal(t, "enrollment", rep.ReqType)
	assert.Equal(t, "42", rep.ReqID)
	assert.Equal(t, "7", rep.RequestID)
	assert.Equal(t, "complete", rep.Status)
	assert.Equal(t, "0a", rep.ExtData[request.ExtSerialNumber])

	// The reply carries a copy, not the live map.
	rep.ExtData["injected"] = "x"
	assert.NotContains(t, req.ExtData, "injected")
}

func TestReply_Encode(t *testing.T) {
	rep := &Reply{ReqType: "revocation", ReqID: "9", RequestID: "3", Status: "complete"}
	var buf bytes.Buffer
	require.NoError(t, rep.Encode(&buf))

	var decoded Reply
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, *rep, decoded)
}
