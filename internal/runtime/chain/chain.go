// Package chain composes middlewares around a terminal handler, onion style.
package chain

import (
	"context"
	"fmt"
	"maps"

	errspkg "github.com/drblury/flotilla/internal/runtime/errors"
)

// Kwargs are extra named values threaded down the chain to the handler.
type Kwargs map[string]any

// Invocation is what every link and the terminal handler receive.
type Invocation struct {
	// Handler names the terminal handler, for logs and dedup keys.
	Handler string
	// Service is the owning service handle.
	Service any
	// Message is the parsed envelope for message handlers, nil for schedules.
	Message any
	// Kwargs are the values accumulated so far.
	Kwargs Kwargs
}

// Value returns a keyword argument.
func (inv *Invocation) Value(key string) (any, bool) {
	v, ok := inv.Kwargs[key]
	return v, ok
}

// Handler is the terminal call.
type Handler func(ctx context.Context, inv *Invocation) error

// Next invokes the rest of the chain, merging extra into the kwargs the
// following links see.
type Next func(ctx context.Context, extra Kwargs) error

// Middleware is the full-arity link.
type Middleware interface {
	Handle(ctx context.Context, next Next, inv *Invocation, kwargs Kwargs) error
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(ctx context.Context, next Next, inv *Invocation, kwargs Kwargs) error

func (f MiddlewareFunc) Handle(ctx context.Context, next Next, inv *Invocation, kwargs Kwargs) error {
	return f(ctx, next, inv, kwargs)
}

// Adapt accepts the supported middleware shapes and returns a Middleware.
// Functions may take (ctx, next), (ctx, next, inv) or (ctx, next, inv, kwargs).
func Adapt(m any) (Middleware, error) {
	switch fn := m.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", errspkg.ErrInvalidMiddleware)
	case Middleware:
		return fn, nil
	case func(context.Context, Next, *Invocation, Kwargs) error:
		return MiddlewareFunc(fn), nil
	case func(context.Context, Next, *Invocation) error:
		return MiddlewareFunc(func(ctx context.Context, next Next, inv *Invocation, _ Kwargs) error {
			return fn(ctx, next, inv)
		}), nil
	case func(context.Context, Next) error:
		return MiddlewareFunc(func(ctx context.Context, next Next, _ *Invocation, _ Kwargs) error {
			return fn(ctx, next)
		}), nil
	default:
		return nil, fmt.Errorf("%w: %T", errspkg.ErrInvalidMiddleware, m)
	}
}

// AdaptAll adapts every entry, failing on the first unsupported one.
func AdaptAll(ms ...any) ([]Middleware, error) {
	out := make([]Middleware, 0, len(ms))
	for i, m := range ms {
		adapted, err := Adapt(m)
		if err != nil {
			return nil, fmt.Errorf("middleware %d: %w", i, err)
		}
		out = append(out, adapted)
	}
	return out, nil
}

// Compose wraps handler so middlewares[0] runs first and the handler last.
func Compose(handler Handler, middlewares ...Middleware) Handler {
	links := append([]Middleware(nil), middlewares...)
	return func(ctx context.Context, inv *Invocation) error {
		return run(ctx, links, 0, handler, inv)
	}
}

func run(ctx context.Context, links []Middleware, i int, handler Handler, inv *Invocation) error {
	if i == len(links) {
		return handler(ctx, inv)
	}
	next := func(ctx context.Context, extra Kwargs) error {
		nextInv := inv
		if len(extra) > 0 {
			copied := *inv
			copied.Kwargs = make(Kwargs, len(inv.Kwargs)+len(extra))
			maps.Copy(copied.Kwargs, inv.Kwargs)
			maps.Copy(copied.Kwargs, extra)
			nextInv = &copied
		}
		return run(ctx, links, i+1, handler, nextInv)
	}
	return links[i].Handle(ctx, next, inv, inv.Kwargs)
}
