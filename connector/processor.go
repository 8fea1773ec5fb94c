package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dogtagpki/pki-sub041/request"
)

// ErrNoProcessor is returned when no processor is registered for a request type.
var ErrNoProcessor = errors.New("no processor registered for request type")

// Processor drives a newly created request to a terminal status. The
// processor owns the request's final status: on an internal failure it
// records the error status itself before returning, so the connector never
// forces a status of its own.
type Processor interface {
	Process(ctx context.Context, sctx *SessionContext, req *request.Request) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, sctx *SessionContext, req *request.Request) error

func (f ProcessorFunc) Process(ctx context.Context, sctx *SessionContext, req *request.Request) error {
	return f(ctx, sctx, req)
}

// ProcessorRegistry maps request types to their processors.
type ProcessorRegistry struct {
	mu         sync.RWMutex
	processors map[request.Type]Processor
}

// NewProcessorRegistry creates an empty registry.
func NewProcessorRegistry() *ProcessorRegistry {
	return &ProcessorRegistry{processors: make(map[request.Type]Processor)}
}

// Register installs the processor for a request type.
func (r *ProcessorRegistry) Register(typ request.Type, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[typ] = p
}

// Lookup returns the processor for a request type.
func (r *ProcessorRegistry) Lookup(typ request.Type) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[typ]
	if !ok {
		return nil, fmt.Errorf("%s: %w", typ, ErrNoProcessor)
	}
	return p, nil
}
