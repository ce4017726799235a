package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flotilla/internal/runtime/chain"
	"github.com/drblury/flotilla/internal/runtime/envelope"
	errspkg "github.com/drblury/flotilla/internal/runtime/errors"
	idspkg "github.com/drblury/flotilla/internal/runtime/ids"
	loggingpkg "github.com/drblury/flotilla/internal/runtime/logging"
)

const tracerName = "github.com/drblury/flotilla"

// ErrHandlerPanic wraps a recovered handler panic.
var ErrHandlerPanic = errors.New("flotilla: handler panicked")

// MiddlewareBuilder constructs a middleware from the service. A nil
// middleware with a nil error skips the registration.
type MiddlewareBuilder func(*Service) (chain.Middleware, error)

// MiddlewareRegistration names a middleware. Middleware accepts any shape
// chain.Adapt understands; Builder is used when Middleware is nil.
type MiddlewareRegistration struct {
	Name       string
	Middleware any
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the in-process retry middleware.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return cfg
}

// DefaultMiddlewares is the chain every handler gets unless
// ServiceDependencies.DisableDefaultMiddlewares is set. The first entry runs
// outermost.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

type correlationKey struct{}

// CorrelationID returns the correlation id attached by CorrelationIDMiddleware.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// CorrelationIDMiddleware reuses the delivery's correlation_id attribute or
// creates a ULID, and exposes it as a kwarg and through CorrelationID.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(ctx context.Context, next chain.Next, inv *chain.Invocation) error {
			id := CorrelationID(ctx)
			if call := newCall(inv); id == "" && call.Delivery != nil {
				id = call.Delivery.Attributes[KwargCorrelationID].StringValue
			}
			if id == "" {
				id = idspkg.CreateULID()
			}
			ctx = context.WithValue(ctx, correlationKey{}, id)
			return next(ctx, chain.Kwargs{KwargCorrelationID: id})
		},
	}
}

// LogMessagesMiddleware logs every invocation at debug level. A nil logger
// uses the service logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (chain.Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errspkg.ErrLoggerRequired
			}
			return chain.MiddlewareFunc(func(ctx context.Context, next chain.Next, inv *chain.Invocation, kwargs chain.Kwargs) error {
				fields := invocationFields(inv)
				l.Debug("Invoking handler", fields)
				start := time.Now()
				err := next(ctx, nil)
				fields["duration_ms"] = time.Since(start).Milliseconds()
				if err != nil {
					fields["error"] = err.Error()
				}
				l.Debug("Handler returned", fields)
				return err
			}), nil
		},
	}
}

func invocationFields(inv *chain.Invocation) loggingpkg.LogFields {
	fields := loggingpkg.LogFields{"handler": inv.Handler}
	if msg, ok := inv.Message.(*envelope.Message); ok && msg != nil {
		fields["message_uuid"] = msg.UUID
		fields["topic"] = msg.Topic
	}
	if firedAt, ok := inv.Kwargs[KwargFiredAt].(time.Time); ok {
		fields["fired_at"] = firedAt
	}
	if n, ok := inv.Kwargs[KwargReceiveCount].(int); ok {
		fields["receive_count"] = n
	}
	return fields
}

// TracerMiddleware wraps each invocation in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(ctx context.Context, next chain.Next, inv *chain.Invocation) error {
			attrs := []attribute.KeyValue{attribute.String("flotilla.handler", inv.Handler)}
			kind := trace.SpanKindInternal
			if msg, ok := inv.Message.(*envelope.Message); ok && msg != nil {
				kind = trace.SpanKindConsumer
				attrs = append(attrs,
					attribute.String("messaging.message.id", msg.UUID),
					attribute.String("messaging.destination.name", msg.Topic),
				)
			}
			ctx, span := otel.Tracer(tracerName).Start(ctx, inv.Handler,
				trace.WithSpanKind(kind),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			err := next(ctx, nil)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		},
	}
}

// MetricsMiddleware records handler duration and in-flight gauges. It is
// skipped when metrics are disabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (chain.Middleware, error) {
			if s.metrics == nil {
				return nil, nil
			}
			return chain.MiddlewareFunc(func(ctx context.Context, next chain.Next, inv *chain.Invocation, _ chain.Kwargs) error {
				done := s.metrics.Track(inv.Handler)
				defer done()
				return next(ctx, nil)
			}), nil
		},
	}
}

// RecovererMiddleware turns a handler panic into an error wrapping
// ErrHandlerPanic. The message is then deleted like any failed message.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Builder: func(s *Service) (chain.Middleware, error) {
			return chain.MiddlewareFunc(func(ctx context.Context, next chain.Next, inv *chain.Invocation, _ chain.Kwargs) (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, inv.Handler, r)
						s.Logger.Error("Handler panicked", err, loggingpkg.LogFields{
							"handler": inv.Handler,
							"stack":   string(debug.Stack()),
						})
					}
				}()
				return next(ctx, nil)
			}), nil
		},
	}
}

// RetryMiddleware retries a failing handler in-process with exponential
// backoff before the error reaches the consumption loop. Retryable errors
// that exhaust the budget still ask for broker redelivery.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Middleware: func(ctx context.Context, next chain.Next) error {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = normalized.InitialInterval
			bo.MaxInterval = normalized.MaxInterval
			bo.MaxElapsedTime = 0

			var last error
			op := func() error {
				last = next(ctx, nil)
				if last == nil {
					return nil
				}
				if normalized.RetryIf != nil && !normalized.RetryIf(last) {
					return backoff.Permanent(last)
				}
				return last
			}
			policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(normalized.MaxRetries)), ctx)
			if err := backoff.Retry(op, policy); err != nil {
				return last
			}
			return nil
		},
	}
}

// PoisonTopicMiddleware republishes the payload of messages whose handler
// failed with an error accepted by filter to topic, then reports success so
// the original is deleted. A nil filter accepts every non-retryable error.
func PoisonTopicMiddleware(topic string, filter func(error) bool) MiddlewareRegistration {
	if filter == nil {
		filter = func(err error) bool { return !errspkg.IsRetryable(err) }
	}
	return MiddlewareRegistration{
		Name: "poison_topic",
		Builder: func(s *Service) (chain.Middleware, error) {
			if topic == "" {
				return nil, errspkg.ErrTopicRequired
			}
			return chain.MiddlewareFunc(func(ctx context.Context, next chain.Next, inv *chain.Invocation, _ chain.Kwargs) error {
				err := next(ctx, nil)
				msg, ok := inv.Message.(*envelope.Message)
				if err == nil || !ok || msg == nil || !filter(err) {
					return err
				}
				poison := PoisonMessage{
					Handler:     inv.Handler,
					MessageUUID: msg.UUID,
					Topic:       msg.Topic,
					Error:       err.Error(),
					Data:        msg.Data,
				}
				if perr := s.Publish(ctx, topic, poison); perr != nil {
					s.Logger.Error("Failed to publish poison message", perr, loggingpkg.LogFields{
						"handler":      inv.Handler,
						"message_uuid": msg.UUID,
						"poison_topic": topic,
					})
					return err
				}
				s.Logger.Warn("Message moved to poison topic", loggingpkg.LogFields{
					"handler":      inv.Handler,
					"message_uuid": msg.UUID,
					"poison_topic": topic,
					"error":        err.Error(),
				})
				return nil
			}), nil
		},
	}
}

// PoisonMessage is the payload PoisonTopicMiddleware publishes.
type PoisonMessage struct {
	Handler     string `json:"handler"`
	MessageUUID string `json:"message_uuid"`
	Topic       string `json:"topic"`
	Error       string `json:"error"`
	Data        []byte `json:"data"`
}

func (s *Service) buildMiddlewares(regs []MiddlewareRegistration) ([]chain.Middleware, error) {
	out := make([]chain.Middleware, 0, len(regs))
	for _, reg := range regs {
		name := reg.Name
		if name == "" {
			name = "anonymous_middleware"
		}
		var (
			mw  chain.Middleware
			err error
		)
		switch {
		case reg.Middleware != nil:
			mw, err = chain.Adapt(reg.Middleware)
		case reg.Builder != nil:
			mw, err = reg.Builder(s)
		default:
			err = fmt.Errorf("%w: registration needs Middleware or Builder", errspkg.ErrInvalidMiddleware)
		}
		if err != nil {
			return nil, registrationError("middleware", name, err)
		}
		if mw != nil {
			out = append(out, mw)
		}
	}
	return out, nil
}
