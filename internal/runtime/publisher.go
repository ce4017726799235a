package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/flotilla/internal/runtime/envelope"
	errspkg "github.com/drblury/flotilla/internal/runtime/errors"
	loggingpkg "github.com/drblury/flotilla/internal/runtime/logging"
	"github.com/drblury/flotilla/internal/runtime/naming"
	"github.com/drblury/flotilla/transport"
)

// ErrWildcardPublish rejects publishing to a topic pattern.
var ErrWildcardPublish = errors.New("flotilla: cannot publish to a wildcard topic")

// Publisher emits messages onto the configured broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, data any, opts ...PublishOption) error
}

type publishOptions struct {
	envelope   envelope.Envelope
	attributes map[string]transport.AttributeValue
}

// PublishOption customises a single Publish call.
type PublishOption func(*publishOptions)

// WithEnvelope builds the message with env instead of the service envelope.
func WithEnvelope(env envelope.Envelope) PublishOption {
	return func(o *publishOptions) { o.envelope = env }
}

// WithAttributes adds string message attributes.
func WithAttributes(attrs map[string]string) PublishOption {
	return func(o *publishOptions) {
		if o.attributes == nil {
			o.attributes = make(map[string]transport.AttributeValue, len(attrs))
		}
		for k, v := range attrs {
			o.attributes[k] = transport.StringAttribute(v)
		}
	}
}

var _ Publisher = (*Service)(nil)

// Publish wraps data in the envelope and publishes it to topic. Topic
// prefixing happens in the broker. The broker is connected on first use, so
// Publish also works before Start.
func (s *Service) Publish(ctx context.Context, topic string, data any, opts ...PublishOption) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if naming.IsWildcard(topic) {
		return fmt.Errorf("%w: %s", ErrWildcardPublish, topic)
	}

	o := publishOptions{envelope: s.envelope}
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := o.envelope.Build(ctx, s.identity, topic, data)
	if err != nil {
		return fmt.Errorf("build message for %s: %w", topic, err)
	}

	broker, err := s.connect(ctx)
	if err != nil {
		return err
	}
	if err := broker.Publish(ctx, topic, []byte(payload), o.attributes); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	s.Logger.Debug("Published message", loggingpkg.LogFields{"topic": topic, "size": len(payload)})
	return nil
}
