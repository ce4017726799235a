// Package wmqueue turns a Watermill publisher and per-queue subscribers into
// a transport.Broker. Delete acks and Release nacks the underlying message.
package wmqueue

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flotilla/internal/runtime/connection"
	"github.com/drblury/flotilla/internal/runtime/logging"
	"github.com/drblury/flotilla/transport"
)

const (
	publisherAlias = "publisher"

	// metadataTopic carries the logical topic, since subjects and routing
	// keys may be prefixed or rewritten.
	metadataTopic = "flotilla_topic"
	// metadataTypePrefix records non-string attribute types.
	metadataTypePrefix = "flotilla_type."
)

// DefaultVisibilityTimeout is how long a left delivery stays in flight when
// Options.VisibilityTimeout is unset.
const DefaultVisibilityTimeout = 30 * time.Second

// MetadataReceiveCount lets backends that track redeliveries report the
// delivery attempt. Absent means first delivery.
const MetadataReceiveCount = "flotilla_receive_count"

// ErrWildcardsUnsupported is returned when binding a wildcard topic on a
// broker that cannot route by pattern.
var ErrWildcardsUnsupported = errors.New("wmqueue: broker does not support wildcard topics")

// Options wires a Watermill backend into a Broker.
type Options struct {
	Capabilities transport.Capabilities
	// NewPublisher creates the shared publisher.
	NewPublisher func(ctx context.Context) (message.Publisher, error)
	// NewSubscriber creates the subscriber for one queue. Competing bindings
	// must map QueueName to the backend's shared-consumer concept (consumer
	// group, queue group, durable queue).
	NewSubscriber func(ctx context.Context, b transport.Binding) (message.Subscriber, error)
	// TopicPrefix is prepended to every topic.
	TopicPrefix string
	// Wildcard translates `*`/`#` patterns into the backend syntax. Nil
	// means wildcard bindings are rejected.
	Wildcard func(pattern string) string
	Logger   watermill.LoggerAdapter
	// VisibilityTimeout delays the nack of a left delivery. Zero means
	// DefaultVisibilityTimeout.
	VisibilityTimeout time.Duration
	// CloseGrace is waited on non-fast Close.
	CloseGrace time.Duration
	// OnClose releases shared resources (connections) after the publisher
	// and subscribers are closed.
	OnClose func(ctx context.Context) error
}

// Broker adapts Watermill to transport.Broker.
type Broker struct {
	opts        Options
	logger      watermill.LoggerAdapter
	publishers  *connection.Manager[message.Publisher]
	subscribers *connection.Manager[message.Subscriber]

	mu       sync.Mutex
	bindings map[string]transport.Binding
	queues   map[string]*Queue
	closed   bool
}

var _ transport.Broker = (*Broker)(nil)

// New creates a Broker. Publisher and subscribers connect on first use.
func New(opts Options) (*Broker, error) {
	if opts.NewPublisher == nil || opts.NewSubscriber == nil {
		return nil, errors.New("wmqueue: publisher and subscriber factories are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	serviceLogger := logging.NewWatermillServiceLogger(logger)

	b := &Broker{
		opts:     opts,
		logger:   logger,
		bindings: make(map[string]transport.Binding),
		queues:   make(map[string]*Queue),
	}
	b.publishers = connection.New[message.Publisher](
		func(ctx context.Context, _ string) (message.Publisher, error) { return opts.NewPublisher(ctx) },
		connection.WithCloser[message.Publisher](func(_ context.Context, p message.Publisher) error { return p.Close() }),
		connection.WithLogger[message.Publisher](serviceLogger),
		connection.WithCloseGrace[message.Publisher](0),
	)
	b.subscribers = connection.New[message.Subscriber](
		b.newSubscriber,
		connection.WithCloser[message.Subscriber](func(_ context.Context, s message.Subscriber) error { return s.Close() }),
		connection.WithLogger[message.Subscriber](serviceLogger),
		connection.WithCloseGrace[message.Subscriber](opts.CloseGrace),
	)
	return b, nil
}

func (b *Broker) newSubscriber(ctx context.Context, queue string) (message.Subscriber, error) {
	b.mu.Lock()
	binding, ok := b.bindings[queue]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wmqueue: no binding for queue %s", queue)
	}
	return b.opts.NewSubscriber(ctx, binding)
}

// Capabilities reports the backend capabilities.
func (b *Broker) Capabilities() transport.Capabilities {
	return b.opts.Capabilities
}

func (b *Broker) topicName(topic string) string {
	return b.opts.TopicPrefix + topic
}

// Publish sends body as one Watermill message.
func (b *Broker) Publish(ctx context.Context, topic string, body []byte, attrs map[string]transport.AttributeValue) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.SetContext(ctx)
	for k, v := range attrs {
		switch v.DataType {
		case transport.AttributeBinary:
			msg.Metadata.Set(k, base64.StdEncoding.EncodeToString(v.BinaryValue))
			msg.Metadata.Set(metadataTypePrefix+k, v.DataType)
		case transport.AttributeNumber:
			msg.Metadata.Set(k, v.StringValue)
			msg.Metadata.Set(metadataTypePrefix+k, v.DataType)
		default:
			msg.Metadata.Set(k, v.StringValue)
		}
	}
	msg.Metadata.Set(metadataTopic, topic)

	err := b.publishers.Do(ctx, publisherAlias, func(_ context.Context, p message.Publisher) error {
		return p.Publish(b.topicName(topic), msg)
	})
	if err != nil {
		return mapError(fmt.Errorf("publish to %s: %w", topic, err))
	}
	return nil
}

// Bind subscribes a queue. Binding the same queue name again returns the
// existing Queue so a shared queue is consumed once per process.
func (b *Broker) Bind(ctx context.Context, binding transport.Binding) (transport.Queue, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	subject := b.topicName(binding.Topic)
	if strings.ContainsAny(binding.Topic, "*#") {
		if b.opts.Wildcard == nil {
			return nil, fmt.Errorf("%w: %s", ErrWildcardsUnsupported, binding.Topic)
		}
		subject = b.opts.Wildcard(subject)
	}

	b.mu.Lock()
	if q, ok := b.queues[binding.QueueName]; ok {
		b.mu.Unlock()
		return q, nil
	}
	b.bindings[binding.QueueName] = binding
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q := &Queue{
		broker:  b,
		binding: binding,
		subject: subject,
		ctx:     subCtx,
		cancel:  cancel,
		pending: make(map[string]*message.Message),
	}
	b.queues[binding.QueueName] = q
	b.mu.Unlock()

	// Subscribe now: non-persistent backends drop messages published before
	// the first subscription.
	if _, err := q.channel(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Close stops every subscription, then closes subscribers and publisher.
func (b *Broker) Close(ctx context.Context, fast bool) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queues := make([]*Queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, q := range queues {
		q.cancel()
	}
	errs := []error{
		b.subscribers.Close(ctx, fast),
		b.publishers.Close(ctx, fast),
	}
	if b.opts.OnClose != nil {
		errs = append(errs, b.opts.OnClose(ctx))
	}
	return errors.Join(errs...)
}

func (b *Broker) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	return nil
}

func mapError(err error) error {
	if err == nil || errors.Is(err, transport.ErrDisconnected) || errors.Is(err, transport.ErrClosed) {
		return err
	}
	if connection.IsReconnectable(err) {
		return fmt.Errorf("%w: %w", transport.ErrDisconnected, err)
	}
	return err
}
