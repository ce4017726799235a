package chain

import (
	"context"
	"errors"
	"reflect"
	"testing"

	errspkg "github.com/drblury/flotilla/internal/runtime/errors"
)

func TestComposePreservesRegistrationOrder(t *testing.T) {
	appendName := func(name string) func(context.Context, Next, *Invocation, Kwargs) error {
		return func(ctx context.Context, next Next, inv *Invocation, kwargs Kwargs) error {
			called, _ := kwargs["middlewares_called"].([]string)
			called = append(append([]string(nil), called...), name)
			return next(ctx, Kwargs{"middlewares_called": called})
		}
	}

	middlewares, err := AdaptAll(appendName("first"), appendName("second"), appendName("third"))
	if err != nil {
		t.Fatalf("AdaptAll: %v", err)
	}

	var seen []string
	calls := 0
	handler := Compose(func(ctx context.Context, inv *Invocation) error {
		calls++
		seen, _ = inv.Kwargs["middlewares_called"].([]string)
		return nil
	}, middlewares...)

	if err := handler(context.Background(), &Invocation{Handler: "h"}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if calls != 1 {
		t.Fatalf("handler called %d times", calls)
	}
	if want := []string{"first", "second", "third"}; !reflect.DeepEqual(seen, want) {
		t.Fatalf("middlewares_called = %v, want %v", seen, want)
	}
}

func TestAdaptArities(t *testing.T) {
	var order []string
	short := func(ctx context.Context, next Next) error {
		order = append(order, "ctx-next")
		return next(ctx, nil)
	}
	withInv := func(ctx context.Context, next Next, inv *Invocation) error {
		order = append(order, "inv:"+inv.Handler)
		return next(ctx, Kwargs{"extra": 1})
	}
	full := MiddlewareFunc(func(ctx context.Context, next Next, inv *Invocation, kwargs Kwargs) error {
		order = append(order, "full")
		if kwargs["extra"] != 1 {
			t.Errorf("kwargs not threaded: %v", kwargs)
		}
		return next(ctx, nil)
	})

	middlewares, err := AdaptAll(short, withInv, full)
	if err != nil {
		t.Fatalf("AdaptAll: %v", err)
	}
	err = Compose(func(ctx context.Context, inv *Invocation) error {
		order = append(order, "handler")
		return nil
	}, middlewares...)(context.Background(), &Invocation{Handler: "job"})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if want := []string{"ctx-next", "inv:job", "full", "handler"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestAdaptRejectsUnsupported(t *testing.T) {
	for _, m := range []any{nil, 42, func() {}, func(ctx context.Context) error { return nil }} {
		if _, err := Adapt(m); !errors.Is(err, errspkg.ErrInvalidMiddleware) {
			t.Fatalf("Adapt(%T) error = %v", m, err)
		}
	}
	if _, err := AdaptAll(func(ctx context.Context, next Next) error { return nil }, "nope"); err == nil {
		t.Fatal("expected AdaptAll to fail")
	}
}

func TestShortCircuitAndPostProcessing(t *testing.T) {
	var after []string
	blocked := errors.New("blocked")

	outer := func(ctx context.Context, next Next) error {
		err := next(ctx, nil)
		after = append(after, "outer-after")
		return err
	}
	gate := func(ctx context.Context, next Next) error {
		return blocked
	}

	middlewares, _ := AdaptAll(outer, gate)
	called := false
	err := Compose(func(ctx context.Context, inv *Invocation) error {
		called = true
		return nil
	}, middlewares...)(context.Background(), &Invocation{})

	if !errors.Is(err, blocked) {
		t.Fatalf("expected blocked error, got %v", err)
	}
	if called {
		t.Fatal("handler ran despite short circuit")
	}
	if len(after) != 1 {
		t.Fatalf("post-processing did not run: %v", after)
	}
}

func TestKwargsDoNotLeakUpstream(t *testing.T) {
	var outerView Kwargs
	outer := func(ctx context.Context, next Next, inv *Invocation, kwargs Kwargs) error {
		err := next(ctx, nil)
		outerView = inv.Kwargs
		return err
	}
	inner := func(ctx context.Context, next Next, inv *Invocation, kwargs Kwargs) error {
		return next(ctx, Kwargs{"inner": true})
	}
	middlewares, _ := AdaptAll(outer, inner)

	var handlerView Kwargs
	_ = Compose(func(ctx context.Context, inv *Invocation) error {
		handlerView = inv.Kwargs
		return nil
	}, middlewares...)(context.Background(), &Invocation{Kwargs: Kwargs{"base": 1}})

	if _, ok := outerView["inner"]; ok {
		t.Fatal("downstream kwargs leaked into the outer invocation")
	}
	if handlerView["base"] != 1 || handlerView["inner"] != true {
		t.Fatalf("handler kwargs = %v", handlerView)
	}
	inv := &Invocation{Kwargs: handlerView}
	if v, ok := inv.Value("inner"); !ok || v != true {
		t.Fatal("Value lookup failed")
	}
}

func TestNoMiddlewares(t *testing.T) {
	called := false
	err := Compose(func(ctx context.Context, inv *Invocation) error {
		called = true
		return nil
	})(context.Background(), &Invocation{})
	if err != nil || !called {
		t.Fatalf("bare handler not invoked: %v", err)
	}
}
