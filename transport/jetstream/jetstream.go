// Package jetstream provides a NATS JetStream broker. Every topic lives in one
// stream; each queue is a durable pull consumer, so queues survive restarts
// and unacked messages are redelivered up to MaxDeliver times.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/flotilla/internal/runtime/ids"
	"github.com/drblury/flotilla/transport"
	"github.com/drblury/flotilla/transport/wmqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is used when nats_jetstream.stream is empty.
	DefaultStreamName = "FLOTILLA"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// fetchBatch bounds one pull request.
	fetchBatch = 10
	// fetchWait is how long one pull request waits for messages.
	fetchWait = time.Second
)

// Connect allows overriding the connection creation for testing.
var Connect = func(cfg Config, logger watermill.LoggerAdapter) (*Conn, error) {
	return Dial(cfg, logger)
}

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a JetStream broker. The connection is opened on first use.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	if cfg == nil || cfg.GetNATSURL() == "" {
		return nil, errors.New("nats-jetstream: url is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	config := ConfigFrom(cfg)
	shared := &sharedConn{config: config, logger: logger}

	return wmqueue.New(wmqueue.Options{
		Capabilities: transport.NATSJetStreamCapabilities,
		NewPublisher: func(context.Context) (message.Publisher, error) {
			c, err := shared.get()
			if err != nil {
				return nil, err
			}
			return publisher{c}, nil
		},
		NewSubscriber: func(_ context.Context, b transport.Binding) (message.Subscriber, error) {
			c, err := shared.get()
			if err != nil {
				return nil, err
			}
			return c.Subscriber(b.QueueName), nil
		},
		TopicPrefix:       transport.TopicPrefix(cfg),
		VisibilityTimeout: transport.VisibilityTimeout(cfg),
		Wildcard:          func(pattern string) string { return strings.ReplaceAll(pattern, "#", ">") },
		Logger:            logger,
		CloseGrace:        cfg.GetCloseGrace(),
		OnClose:           func(context.Context) error { return shared.close() },
	})
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// Name identifies the client connection.
	Name string

	// StreamName is the name of the JetStream stream to use.
	StreamName string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string

	// MaxAge bounds how long the stream keeps messages.
	MaxAge time.Duration
}

// ConfigFrom maps the shared transport config onto JetStream settings. The
// visibility timeout becomes the ack wait and the max receive count becomes
// MaxDeliver.
func ConfigFrom(cfg transport.Config) Config {
	return Config{
		URL:             cfg.GetNATSURL(),
		Name:            cfg.GetServiceName(),
		StreamName:      cfg.LookupString("nats_jetstream.stream"),
		MaxDeliver:      cfg.GetMaxReceiveCount(),
		AckWait:         cfg.GetVisibilityTimeout(),
		RetentionPolicy: cfg.LookupString("nats_jetstream.retention"),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	return c
}

func (c Config) streamConfig() *nats.StreamConfig {
	sc := &nats.StreamConfig{
		Name:     c.StreamName,
		Subjects: []string{c.StreamName + ".>"},
		MaxAge:   c.MaxAge,
		Replicas: c.Replicas,
	}
	switch c.RetentionPolicy {
	case "interest":
		sc.Retention = nats.InterestPolicy
	case "workqueue":
		sc.Retention = nats.WorkQueuePolicy
	default:
		sc.Retention = nats.LimitsPolicy
	}
	return sc
}

func (c Config) consumerConfig(durable, subject string) *nats.ConsumerConfig {
	return &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    c.MaxDeliver,
		AckWait:       c.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
}

func (c Config) subject(topic string) string {
	return c.StreamName + "." + topic
}

// durableName strips the characters JetStream forbids in consumer names.
func durableName(queue string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, queue)
}

// Conn is one JetStream connection shared by the publisher and every queue.
type Conn struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter
}

// Dial connects and makes sure the stream exists. The connection reconnects
// on its own for as long as it lives.
func Dial(cfg Config, logger watermill.LoggerAdapter) (*Conn, error) {
	cfg = cfg.withDefaults()
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to NATS: %w", transport.ErrDisconnected, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c := &Conn{nc: nc, js: js, config: cfg, logger: logger}
	if err := c.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) ensureStream() error {
	sc := c.config.streamConfig()
	if _, err := c.js.AddStream(sc); err != nil {
		if _, uerr := c.js.UpdateStream(sc); uerr != nil {
			return fmt.Errorf("ensure stream %s: %w", sc.Name, errors.Join(err, uerr))
		}
	}
	return nil
}

// Publish publishes messages to the stream. The message UUID doubles as the
// JetStream dedup ID.
func (c *Conn) Publish(topic string, messages ...*message.Message) error {
	subject := c.config.subject(topic)
	for _, msg := range messages {
		natsMsg := watermillToNATS(subject, msg)
		var opts []nats.PubOpt
		if ctx := msg.Context(); ctx != nil {
			opts = append(opts, nats.Context(ctx))
		}
		if _, err := c.js.PublishMsg(natsMsg, opts...); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.nc.Close()
	return nil
}

// Subscriber returns a subscriber consuming through the durable consumer
// named after queue.
func (c *Conn) Subscriber(queue string) message.Subscriber {
	return &subscriber{conn: c, durable: durableName(queue)}
}

// publisher shares the connection without owning it.
type publisher struct{ *Conn }

func (publisher) Close() error { return nil }

type subscriber struct {
	conn    *Conn
	durable string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Subscribe creates (or updates) the durable consumer and pulls from it
// until ctx is cancelled or the subscriber is closed.
func (s *subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	cfg := s.conn.config
	subject := cfg.subject(topic)
	consumerCfg := cfg.consumerConfig(s.durable, subject)

	if _, err := s.conn.js.AddConsumer(cfg.StreamName, consumerCfg); err != nil {
		if _, err = s.conn.js.UpdateConsumer(cfg.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer %s: %w", s.durable, err)
		}
	}

	sub, err := s.conn.js.PullSubscribe(subject, s.durable, nats.BindStream(cfg.StreamName))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	output := make(chan *message.Message)
	go s.fetch(ctx, sub, output)
	return output, nil
}

func (s *subscriber) fetch(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message) {
	defer close(output)
	fields := watermill.LogFields{"consumer": s.durable, "subject": sub.Subject}

	for ctx.Err() == nil {
		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		switch {
		case err == nil:
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			continue
		case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
			// Closing output makes the queue resubscribe.
			return
		default:
			s.conn.logger.Error("Failed to fetch messages", err, fields)
			select {
			case <-time.After(fetchWait):
			case <-ctx.Done():
			}
			continue
		}

		for _, natsMsg := range msgs {
			msg := natsToWatermill(natsMsg)
			select {
			case output <- msg:
				go s.settle(ctx, natsMsg, msg, fields)
			case <-ctx.Done():
				return
			}
		}
	}
}

// settle mirrors the Watermill ack or nack onto JetStream. Unsettled messages
// come back after AckWait.
func (s *subscriber) settle(ctx context.Context, natsMsg *nats.Msg, msg *message.Message, fields watermill.LogFields) {
	select {
	case <-msg.Acked():
		if err := natsMsg.Ack(); err != nil {
			s.conn.logger.Error("Failed to ack", err, fields)
		}
	case <-msg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			s.conn.logger.Error("Failed to nak", err, fields)
		}
	case <-ctx.Done():
	}
}

// Close drops the pull subscriptions. Durable consumers stay on the server.
func (s *subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	s.subs = nil
	return errors.Join(errs...)
}

func watermillToNATS(subject string, msg *message.Message) *nats.Msg {
	headers := nats.Header{}
	for k, v := range msg.Metadata {
		headers.Set(k, v)
	}
	headers.Set(nats.MsgIdHdr, msg.UUID)
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: headers}
}

func natsToWatermill(natsMsg *nats.Msg) *message.Message {
	msgID := natsMsg.Header.Get(nats.MsgIdHdr)
	if msgID == "" {
		msgID = ids.NewUUID()
	}

	msg := message.NewMessage(msgID, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	if meta, err := natsMsg.Metadata(); err == nil && meta.NumDelivered > 0 {
		msg.Metadata.Set(wmqueue.MetadataReceiveCount, fmt.Sprint(meta.NumDelivered))
	}
	return msg
}

type sharedConn struct {
	config Config
	logger watermill.LoggerAdapter

	mu   sync.Mutex
	conn *Conn
}

func (s *sharedConn) get() (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	c, err := Connect(s.config, s.logger)
	if err != nil {
		return nil, err
	}
	s.conn = c
	return c, nil
}

func (s *sharedConn) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
