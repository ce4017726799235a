// Package rabbitmq provides a RabbitMQ/AMQP broker. All topics are routing
// keys on one topic exchange, so `*` and `#` patterns bind natively.
package rabbitmq

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/flotilla/transport"
	"github.com/drblury/flotilla/transport/wmqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// DefaultExchangeName is used when amqp.exchange_name is empty.
const DefaultExchangeName = "flotilla.topic"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// CloseConnection allows overriding the connection teardown for testing.
var CloseConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a RabbitMQ broker. The AMQP connection is opened on first
// use and shared by the publisher and every queue.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	if cfg == nil || cfg.GetAMQPURL() == "" {
		return nil, errors.New("rabbitmq: amqp.url is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	conn := &sharedConnection{cfg: cfg, logger: logger}

	return wmqueue.New(wmqueue.Options{
		Capabilities: transport.RabbitMQCapabilities,
		NewPublisher: func(context.Context) (message.Publisher, error) {
			c, err := conn.get()
			if err != nil {
				return nil, err
			}
			return PublisherFactory(amqpConfig(cfg, transport.Binding{}), logger, c)
		},
		NewSubscriber: func(_ context.Context, b transport.Binding) (message.Subscriber, error) {
			c, err := conn.get()
			if err != nil {
				return nil, err
			}
			return SubscriberFactory(amqpConfig(cfg, b), logger, c)
		},
		TopicPrefix:       transport.TopicPrefix(cfg),
		VisibilityTimeout: transport.VisibilityTimeout(cfg),
		// Topic exchanges use the same `*` and `#` semantics.
		Wildcard:   func(pattern string) string { return pattern },
		Logger:     logger,
		CloseGrace: cfg.GetCloseGrace(),
		OnClose:    func(context.Context) error { return conn.close() },
	})
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// amqpConfig routes every topic through one durable topic exchange. The
// queue is named after the binding so competing consumers share it.
func amqpConfig(cfg transport.Config, b transport.Binding) amqp.Config {
	exchange := cfg.GetAMQPExchangeName()
	if exchange == "" {
		exchange = DefaultExchangeName
	}
	queueName := b.QueueName

	c := amqp.NewDurablePubSubConfig(cfg.GetAMQPURL(), func(topic string) string {
		if queueName == "" {
			return topic
		}
		return queueName
	})
	c.Exchange.GenerateName = func(string) string { return exchange }
	c.Exchange.Type = "topic"
	c.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }
	c.Publish.GenerateRoutingKey = func(topic string) string { return topic }

	// Unused queues expire instead of piling up after instances go away.
	if ttl := cfg.GetAMQPQueueTTL(); ttl > 0 {
		c.Queue.Arguments = amqp091.Table{"x-expires": ttl.Milliseconds()}
	}
	if prefetch := cfg.GetAMQPPrefetch(); prefetch > 0 {
		c.Consume.Qos.PrefetchCount = prefetch
	}
	return c
}

type sharedConnection struct {
	cfg    transport.Config
	logger watermill.LoggerAdapter

	mu   sync.Mutex
	conn *amqp.ConnectionWrapper
}

func (s *sharedConnection) get() (*amqp.ConnectionWrapper, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   s.cfg.GetAMQPURL(),
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, s.logger)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *sharedConnection) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := CloseConnection(s.conn)
	s.conn = nil
	return err
}
