// Package channel provides an in-memory broker on Watermill's gochannel.
// Useful for tests and local development; messages live only as long as the
// process.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/flotilla/transport"
	"github.com/drblury/flotilla/transport/wmqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// sharedSubscriber lets every queue use the one gochannel without closing
// it when a single queue reconnects. The publisher owns the gochannel.
type sharedSubscriber struct {
	message.Subscriber
}

func (sharedSubscriber) Close() error { return nil }

// Build creates an in-memory broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return wmqueue.New(wmqueue.Options{
		Capabilities: transport.ChannelCapabilities,
		NewPublisher: func(context.Context) (message.Publisher, error) { return pub, nil },
		NewSubscriber: func(context.Context, transport.Binding) (message.Subscriber, error) {
			return sharedSubscriber{sub}, nil
		},
		TopicPrefix:       transport.TopicPrefix(cfg),
		VisibilityTimeout: transport.VisibilityTimeout(cfg),
		Logger:            logger,
	})
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
