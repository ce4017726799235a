package jetstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flotilla/transport"
	"github.com/drblury/flotilla/transport/transporttest"
	"github.com/drblury/flotilla/transport/wmqueue"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsReliableDelivery())
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.NATSJetStreamCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, DefaultStreamName, result.StreamName)
		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, 1, result.Replicas)
		assert.Equal(t, 7*24*time.Hour, result.MaxAge)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			URL:             "nats://localhost:4222",
			StreamName:      "CUSTOM",
			MaxDeliver:      5,
			AckWait:         time.Minute,
			Replicas:        3,
			RetentionPolicy: "workqueue",
		}
		result := cfg.withDefaults()

		assert.Equal(t, "CUSTOM", result.StreamName)
		assert.Equal(t, 5, result.MaxDeliver)
		assert.Equal(t, time.Minute, result.AckWait)
		assert.Equal(t, 3, result.Replicas)
	})

	t.Run("negative values get defaults", func(t *testing.T) {
		result := Config{MaxDeliver: -1, AckWait: -1, Replicas: -1}.withDefaults()

		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, 1, result.Replicas)
	})
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(&transporttest.Config{
		NATSURL:           "nats://n:4222",
		ServiceName:       "billing",
		VisibilityTimeout: 45 * time.Second,
		MaxReceiveCount:   7,
		Settings: map[string]string{
			"nats_jetstream.stream":    "EVENTS",
			"nats_jetstream.retention": "interest",
		},
	})

	assert.Equal(t, "nats://n:4222", cfg.URL)
	assert.Equal(t, "billing", cfg.Name)
	assert.Equal(t, "EVENTS", cfg.StreamName)
	assert.Equal(t, 7, cfg.MaxDeliver)
	assert.Equal(t, 45*time.Second, cfg.AckWait)
	assert.Equal(t, nats.InterestPolicy, cfg.streamConfig().Retention)
	assert.Equal(t, []string{"EVENTS.>"}, cfg.streamConfig().Subjects)
}

func TestRetentionPolicies(t *testing.T) {
	tests := map[string]nats.RetentionPolicy{
		"":          nats.LimitsPolicy,
		"limits":    nats.LimitsPolicy,
		"interest":  nats.InterestPolicy,
		"workqueue": nats.WorkQueuePolicy,
	}
	for policy, want := range tests {
		got := Config{RetentionPolicy: policy}.withDefaults().streamConfig().Retention
		assert.Equal(t, want, got, policy)
	}
}

func TestConsumerConfig(t *testing.T) {
	cfg := Config{MaxDeliver: 4, AckWait: 10 * time.Second}.withDefaults()
	cc := cfg.consumerConfig("billing-orders", cfg.subject("orders.*"))

	assert.Equal(t, "billing-orders", cc.Durable)
	assert.Equal(t, "FLOTILLA.orders.*", cc.FilterSubject)
	assert.Equal(t, nats.AckExplicitPolicy, cc.AckPolicy)
	assert.Equal(t, 4, cc.MaxDeliver)
	assert.Equal(t, 10*time.Second, cc.AckWait)
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "billing-orders_created", durableName("billing-orders.created"))
	assert.Equal(t, "a___b", durableName("a.*>b"))
}

func TestMessageConversion(t *testing.T) {
	msg := message.NewMessage("msg-1", []byte("payload"))
	msg.Metadata.Set("kind", "order")

	natsMsg := watermillToNATS("FLOTILLA.orders", msg)
	assert.Equal(t, "FLOTILLA.orders", natsMsg.Subject)
	assert.Equal(t, "msg-1", natsMsg.Header.Get(nats.MsgIdHdr))

	back := natsToWatermill(natsMsg)
	assert.Equal(t, "msg-1", back.UUID)
	assert.Equal(t, "payload", string(back.Payload))
	assert.Equal(t, "order", back.Metadata.Get("kind"))
	assert.Empty(t, back.Metadata.Get(nats.MsgIdHdr))
	assert.Empty(t, back.Metadata.Get(wmqueue.MetadataReceiveCount), "no ack reply subject, no delivery count")
}

func TestMessageWithoutIDGetsOne(t *testing.T) {
	back := natsToWatermill(&nats.Msg{Data: []byte("x"), Header: nats.Header{}})
	assert.NotEmpty(t, back.UUID)
}

func TestBuild(t *testing.T) {
	t.Run("requires url", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.Error(t, err)
	})

	t.Run("connects lazily", func(t *testing.T) {
		original := Connect
		t.Cleanup(func() { Connect = original })
		var calls int
		Connect = func(cfg Config, _ watermill.LoggerAdapter) (*Conn, error) {
			calls++
			assert.Equal(t, "nats://n:4222", cfg.URL)
			return nil, errors.New("nats: no servers available for connection")
		}

		ctx := context.Background()
		broker, err := Build(ctx, &transporttest.Config{NATSURL: "nats://n:4222"}, watermill.NopLogger{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = broker.Close(ctx, true) })
		assert.Zero(t, calls)

		err = broker.Publish(ctx, "orders", []byte("x"), nil)
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
