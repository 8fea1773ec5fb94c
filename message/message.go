// Package message defines the wire envelope exchanged between a remote
// authority and the connector, and the reply built from a queue record.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dogtagpki/pki-sub041/request"
)

// ErrMalformed indicates the request body could not be decoded into a valid
// envelope.
var ErrMalformed = errors.New("malformed PKI message")

// maxBodySize bounds how much of a request body the decoder will read.
const maxBodySize = 1 << 20

// Message is the inbound PKI message envelope. ReqID is the submitting
// node's locally assigned request identifier, not ours.
type Message struct {
	ReqType string            `json:"reqType"`
	ReqID   string            `json:"reqId"`
	ExtData map[string]string `json:"extData,omitempty"`
}

// Decode reads and validates an envelope from r. All failures wrap
// ErrMalformed so the caller can map them to a single status code.
func Decode(r io.Reader) (*Message, error) {
	var m Message
	dec := json.NewDecoder(io.LimitReader(r, maxBodySize))
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.ReqType == "" {
		return nil, fmt.Errorf("%w: missing reqType", ErrMalformed)
	}
	if m.ReqID == "" {
		return nil, fmt.Errorf("%w: missing reqId", ErrMalformed)
	}
	if !request.KnownType(request.Type(m.ReqType)) {
		return nil, fmt.Errorf("%w: unknown reqType %q", ErrMalformed, m.ReqType)
	}
	return &m, nil
}

// Reply is the outbound envelope. It mirrors the inbound identifiers and
// carries the request's current state, so a replayed reply is
// indistinguishable from a first-time one.
type Reply struct {
	ReqType   string            `json:"reqType"`
	ReqID     string            `json:"reqId"`
	RequestID string            `json:"requestId"`
	Status    string            `json:"status"`
	ExtData   map[string]string `json:"extData,omitempty"`
}

// FromRequest builds the reply envelope from the request's current state.
func FromRequest(m *Message, req *request.Request) *Reply {
	return &Reply{
		ReqType:   m.ReqType,
		ReqID:     m.ReqID,
		RequestID: req.ID,
		Status:    string(req.Status),
		ExtData:   map[string]string(req.ExtData.Clone()),
	}
}

// Encode writes the reply envelope to w.
func (rep *Reply) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(rep)
}
