package upstream

import (
	"context"
	"encoding/json"
)

// Fake is an in-memory Client for tests: Handlers maps a method name to a
// function producing its result payload, letting tests exercise the
// router/store without a live upstream service.
type Fake struct {
	Handlers map[string]func(params any) (any, error)
	Calls    []Request
}

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{Handlers: map[string]func(params any) (any, error){}}
}

// On registers a handler for method.
func (f *Fake) On(method string, handler func(params any) (any, error)) *Fake {
	f.Handlers[method] = handler
	return f
}

func (f *Fake) Call(ctx context.Context, req Request) (Response, error) {
	f.Calls = append(f.Calls, req)
	h, ok := f.Handlers[req.Method]
	if !ok {
		return Response{}, &unsupportedMethod{method: req.Method}
	}
	result, err := h(req.Params)
	if err != nil {
		return Response{}, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, err
	}
	return Response{Result: raw}, nil
}

type unsupportedMethod struct{ method string }

func (e *unsupportedMethod) Error() string { return "upstream fake: no handler for " + e.method }
