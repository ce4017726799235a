package runtime

import (
	"context"
	"time"

	"github.com/drblury/flotilla/internal/runtime/chain"
	loggingpkg "github.com/drblury/flotilla/internal/runtime/logging"
)

// JobContext describes one handler invocation to hooks.
type JobContext struct {
	// HandlerName is the subscription or schedule name.
	HandlerName string
	// Topic is empty for scheduled invocations.
	Topic string
	// MessageUUID is empty for scheduled invocations.
	MessageUUID string
	// FiredAt is set for scheduled invocations only.
	FiredAt time.Time
	Kwargs  chain.Kwargs
	Context context.Context
	// StartedAt is when the invocation began.
	StartedAt time.Time
	// Duration is set in OnJobDone and OnJobError.
	Duration time.Duration
	// ReceiveCount is how many times the broker delivered the message.
	ReceiveCount int
}

// JobHooks defines callbacks for invocation lifecycle events. Nil hooks are
// not called.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	// OnJobError receives the error the rest of the chain returned.
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks calling h first, then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around the rest of the chain.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) chain.Middleware {
	return chain.MiddlewareFunc(func(ctx context.Context, next chain.Next, inv *chain.Invocation, kwargs chain.Kwargs) error {
		call := newCall(inv)
		jobCtx := JobContext{
			HandlerName: inv.Handler,
			Topic:       call.Topic,
			FiredAt:     call.FiredAt,
			Kwargs:      kwargs,
			Context:     ctx,
			StartedAt:   time.Now(),
		}
		if call.Message != nil {
			jobCtx.MessageUUID = call.Message.UUID
		}
		if call.Delivery != nil {
			jobCtx.ReceiveCount = call.Delivery.ReceiveCount
		}

		if hooks.OnJobStart != nil {
			hooks.OnJobStart(jobCtx)
		}

		err := next(ctx, nil)
		jobCtx.Duration = time.Since(jobCtx.StartedAt)

		if err != nil {
			if hooks.OnJobError != nil {
				hooks.OnJobError(jobCtx, err)
			}
		} else if hooks.OnJobDone != nil {
			hooks.OnJobDone(jobCtx)
		}
		return err
	})
}

// LoggingHooks logs invocation lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		f := loggingpkg.LogFields{"handler": ctx.HandlerName}
		if ctx.MessageUUID != "" {
			f["message_uuid"] = ctx.MessageUUID
			f["topic"] = ctx.Topic
			f["receive_count"] = ctx.ReceiveCount
		}
		if !ctx.FiredAt.IsZero() {
			f["fired_at"] = ctx.FiredAt
		}
		return f
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Job completed", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Job failed", err, f)
		},
	}
}

// MetricsHooks forwards lifecycle events to plain counters.
func MetricsHooks(onStart, onDone, onError func(handlerName, topic string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.HandlerName, ctx.Topic)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.HandlerName, ctx.Topic)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.HandlerName, ctx.Topic)
			}
		},
	}
}

// AlertingHooks calls alertFunc on every failed invocation.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
