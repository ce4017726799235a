package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{name: "ack and nack", caps: Capabilities{SupportsAck: true, SupportsNack: true}, want: true},
		{name: "ack only", caps: Capabilities{SupportsAck: true}, want: false},
		{name: "nack only", caps: Capabilities{SupportsNack: true}, want: false},
		{name: "neither", caps: Capabilities{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestPredefinedCapabilities(t *testing.T) {
	tests := []struct {
		caps          Capabilities
		name          string
		reliable      bool
		wildcards     bool
		maxMessageLen int64
	}{
		{caps: AWSCapabilities, name: "aws", reliable: true, wildcards: true, maxMessageLen: 262144},
		{caps: RabbitMQCapabilities, name: "rabbitmq", reliable: true, wildcards: true},
		{caps: KafkaCapabilities, name: "kafka", reliable: true, maxMessageLen: 1048576},
		{caps: NATSCapabilities, name: "nats", reliable: false, wildcards: true, maxMessageLen: 1048576},
		{caps: NATSJetStreamCapabilities, name: "nats-jetstream", reliable: true, maxMessageLen: 1048576},
		{caps: ChannelCapabilities, name: "channel", reliable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.caps.Name)
			assert.Equal(t, tt.reliable, tt.caps.SupportsReliableDelivery())
			assert.Equal(t, tt.wildcards, tt.caps.SupportsWildcards)
			assert.Equal(t, tt.maxMessageLen, tt.caps.MaxMessageSize)
		})
	}
}
