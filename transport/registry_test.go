package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	transport string
	settings  map[string]string
}

func (m *mockConfig) GetTransport() string                { return m.transport }
func (m *mockConfig) GetServiceName() string              { return "test-service" }
func (m *mockConfig) GetAWSRegion() string                { return "" }
func (m *mockConfig) GetAWSAccountID() string             { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string           { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string       { return "" }
func (m *mockConfig) GetAWSEndpoint() string              { return "" }
func (m *mockConfig) GetVisibilityTimeout() time.Duration { return 0 }
func (m *mockConfig) GetDeadLetterQueueName() string      { return "" }
func (m *mockConfig) GetMaxReceiveCount() int             { return 0 }
func (m *mockConfig) GetCloseGrace() time.Duration        { return 0 }
func (m *mockConfig) LookupString(key string) string      { return m.settings[key] }
func (m *mockConfig) GetAMQPURL() string                  { return "" }
func (m *mockConfig) GetAMQPExchangeName() string         { return "" }
func (m *mockConfig) GetAMQPQueueTTL() time.Duration      { return 0 }
func (m *mockConfig) GetAMQPPrefetch() int                { return 0 }
func (m *mockConfig) GetKafkaBrokers() []string           { return nil }
func (m *mockConfig) GetKafkaClientID() string            { return "" }
func (m *mockConfig) GetNATSURL() string                  { return "" }

type mockBroker struct {
	closed bool
}

func (m *mockBroker) Publish(ctx context.Context, topic string, body []byte, attrs map[string]AttributeValue) error {
	return nil
}

func (m *mockBroker) Bind(ctx context.Context, b Binding) (Queue, error) {
	return nil, errors.New("not implemented")
}

func (m *mockBroker) Close(ctx context.Context, fast bool) error {
	m.closed = true
	return nil
}

func mockBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error) {
	return &mockBroker{}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NotNil(t, reg)
	assert.Empty(t, reg.Names())
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-transport", mockBuilder)

	assert.True(t, reg.Has("test-transport"))
	assert.Equal(t, []string{"test-transport"}, reg.Names())
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()
	caps := Capabilities{Name: "test", SupportsAck: true, SupportsNack: true}
	reg.RegisterWithCapabilities("test", mockBuilder, caps)

	got := reg.GetCapabilities("test")
	assert.Equal(t, caps, got)
	assert.True(t, got.SupportsReliableDelivery())
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	reg := NewRegistry()
	caps := reg.GetCapabilities("nope")
	assert.Equal(t, "nope", caps.Name)
	assert.False(t, caps.SupportsAck)
}

func TestRegistry_LookupCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("known", mockBuilder, ChannelCapabilities)
	reg.Register("bare", mockBuilder)

	caps, ok := reg.LookupCapabilities("known")
	assert.True(t, ok)
	assert.Equal(t, ChannelCapabilities, caps)

	_, ok = reg.LookupCapabilities("bare")
	assert.False(t, ok)
	_, ok = reg.LookupCapabilities("nope")
	assert.False(t, ok)
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.Register("mock", mockBuilder)

	broker, err := reg.Build(context.Background(), &mockConfig{transport: "mock"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.IsType(t, &mockBroker{}, broker)
}

func TestRegistry_Build_Errors(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("boom")
	reg.Register("failing", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error) {
		return nil, boom
	})
	reg.Register("mock", mockBuilder)

	t.Run("nil config", func(t *testing.T) {
		_, err := reg.Build(context.Background(), nil, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config is required")
	})

	t.Run("unknown transport", func(t *testing.T) {
		_, err := reg.Build(context.Background(), &mockConfig{transport: "missing"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown transport: "missing"`)
		assert.Contains(t, err.Error(), "failing")
	})

	t.Run("builder error", func(t *testing.T) {
		_, err := reg.Build(context.Background(), &mockConfig{transport: "failing"}, watermill.NopLogger{})
		assert.ErrorIs(t, err, boom)
	})
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"nats", "aws", "kafka"} {
		reg.Register(name, mockBuilder)
	}
	assert.Equal(t, []string{"aws", "kafka", "nats"}, reg.Names())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.RegisterWithCapabilities("mock", mockBuilder, ChannelCapabilities)
		}()
		go func() {
			defer wg.Done()
			_ = reg.Has("mock")
			_ = reg.Names()
			_ = reg.GetCapabilities("mock")
		}()
	}
	wg.Wait()
	assert.True(t, reg.Has("mock"))
}

func TestPackageLevelRegistry(t *testing.T) {
	original := DefaultRegistry
	t.Cleanup(func() { DefaultRegistry = original })
	DefaultRegistry = NewRegistry()

	RegisterWithCapabilities("mock", mockBuilder, AWSCapabilities)
	Register("plain", mockBuilder)

	assert.Equal(t, AWSCapabilities, GetCapabilities("mock"))
	broker, err := Build(context.Background(), &mockConfig{transport: "plain"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, broker)
}
