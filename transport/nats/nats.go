// Package nats provides a NATS Core broker. Competing queues map onto NATS
// queue groups. Core NATS has no acknowledgement, so Release cannot lead to
// redelivery.
package nats

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/flotilla/transport"
	"github.com/drblury/flotilla/transport/wmqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// ReconnectWait is the pause between reconnect attempts.
const ReconnectWait = 2 * time.Second

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a NATS Core broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	if cfg == nil || cfg.GetNATSURL() == "" {
		return nil, errors.New("nats: url is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}
	options := connectOptions(cfg.GetServiceName())

	return wmqueue.New(wmqueue.Options{
		Capabilities: transport.NATSCapabilities,
		NewPublisher: func(context.Context) (message.Publisher, error) {
			return PublisherFactory(nats.PublisherConfig{
				URL:         url,
				NatsOptions: options,
				Marshaler:   marshaler,
				JetStream:   nats.JetStreamConfig{Disabled: true},
			}, logger)
		},
		NewSubscriber: func(_ context.Context, b transport.Binding) (message.Subscriber, error) {
			sc := nats.SubscriberConfig{
				URL:         url,
				NatsOptions: options,
				Unmarshaler: marshaler,
				JetStream:   nats.JetStreamConfig{Disabled: true},
			}
			if b.Competing {
				sc.QueueGroupPrefix = b.QueueName
			}
			return SubscriberFactory(sc, logger)
		},
		TopicPrefix:       transport.TopicPrefix(cfg),
		VisibilityTimeout: transport.VisibilityTimeout(cfg),
		Wildcard:          Subject,
		Logger:            logger,
		CloseGrace:        cfg.GetCloseGrace(),
	})
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// Subject translates a `*`/`#` topic pattern into a NATS subject. `*` is the
// same token wildcard; `#` becomes the tail wildcard `>`.
func Subject(pattern string) string {
	return strings.ReplaceAll(pattern, "#", ">")
}

func connectOptions(name string) []nc.Option {
	opts := []nc.Option{
		nc.MaxReconnects(-1),
		nc.ReconnectWait(ReconnectWait),
		nc.RetryOnFailedConnect(true),
	}
	if name != "" {
		opts = append(opts, nc.Name(name))
	}
	return opts
}
