// Package handlers holds the business computations whose results the enclave
// signs. Handlers never see the signing key: they return a Payload and the
// HTTP boundary hands it to shared.ResponseBuilder under the handler's scope.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
)

// ErrInvalidRequest marks caller mistakes (bad JSON, schema violations).
var ErrInvalidRequest = errors.New("invalid request payload")

// Payload is a handler result. MarshalBCS yields the bytes that get signed;
// the JSON encoding is an unsigned view returned alongside for convenience.
type Payload interface {
	shared.PayloadMarshaler
}

type Handler interface {
	Scope() shared.IntentScope
	Compute(ctx context.Context, raw json.RawMessage) (Payload, error)
}

// Registry maps each scope to exactly one handler.
type Registry struct {
	handlers map[shared.IntentScope]Handler
}

func NewRegistry(hs ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[shared.IntentScope]Handler, len(hs))}
	for _, h := range hs {
		scope := h.Scope()
		if !scope.Valid() {
			return nil, fmt.Errorf("%w: handler %T", shared.ErrUnknownScope, h)
		}
		if _, dup := r.handlers[scope]; dup {
			return nil, fmt.Errorf("duplicate handler for scope %s", scope)
		}
		r.handlers[scope] = h
	}
	return r, nil
}

func (r *Registry) Get(scope shared.IntentScope) (Handler, bool) {
	h, ok := r.handlers[scope]
	return h, ok
}

// Scopes lists registered scopes in tag order.
func (r *Registry) Scopes() []shared.IntentScope {
	out := make([]shared.IntentScope, 0, len(r.handlers))
	for s := range r.handlers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func computationFailed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", shared.ErrHandlerComputation, fmt.Sprintf(format, args...))
}
