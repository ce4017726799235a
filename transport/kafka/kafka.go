// Package kafka provides a Kafka broker. Each queue is a consumer group, so
// competing consumers share partitions and fan-out queues each see every
// message.
package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flotilla/transport"
	"github.com/drblury/flotilla/transport/wmqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a Kafka broker. Kafka has no pattern subscriptions here, so
// wildcard bindings are rejected.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	if cfg == nil || len(cfg.GetKafkaBrokers()) == 0 {
		return nil, errors.New("kafka: at least one broker address is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	brokers := cfg.GetKafkaBrokers()
	clientID := cfg.GetKafkaClientID()
	if clientID == "" {
		clientID = cfg.GetServiceName()
	}

	return wmqueue.New(wmqueue.Options{
		Capabilities: transport.KafkaCapabilities,
		NewPublisher: func(context.Context) (message.Publisher, error) {
			return PublisherFactory(kafka.PublisherConfig{
				Brokers:               brokers,
				Marshaler:             kafka.DefaultMarshaler{},
				OverwriteSaramaConfig: publisherSaramaConfig(clientID),
			}, logger)
		},
		NewSubscriber: func(_ context.Context, b transport.Binding) (message.Subscriber, error) {
			return SubscriberFactory(kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           kafka.DefaultMarshaler{},
				ConsumerGroup:         b.QueueName,
				OverwriteSaramaConfig: subscriberSaramaConfig(clientID),
			}, logger)
		},
		TopicPrefix:       transport.TopicPrefix(cfg),
		VisibilityTimeout: transport.VisibilityTimeout(cfg),
		Logger:            logger,
		CloseGrace:        cfg.GetCloseGrace(),
	})
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

func publisherSaramaConfig(clientID string) *sarama.Config {
	c := kafka.DefaultSaramaSyncPublisherConfig()
	if clientID != "" {
		c.ClientID = clientID
	}
	return c
}

// New consumer groups start at the oldest offset so a queue bound before the
// first publish does not miss it.
func subscriberSaramaConfig(clientID string) *sarama.Config {
	c := kafka.DefaultSaramaSubscriberConfig()
	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	if clientID != "" {
		c.ClientID = clientID
	}
	return c
}
