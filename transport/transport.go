// Package transport defines the broker contracts the flotilla runtime consumes.
// Each broker implementation (aws, rabbitmq, kafka, ...) lives in its own
// sub-package and registers a Builder with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Attribute data types understood by every broker.
const (
	AttributeString = "String"
	AttributeNumber = "Number"
	AttributeBinary = "Binary"
)

// AttributeValue is a typed message attribute.
type AttributeValue struct {
	DataType    string
	StringValue string
	BinaryValue []byte
}

func StringAttribute(v string) AttributeValue {
	return AttributeValue{DataType: AttributeString, StringValue: v}
}

// NumberAttribute carries a number in its decimal string form.
func NumberAttribute(v string) AttributeValue {
	return AttributeValue{DataType: AttributeNumber, StringValue: v}
}

func BinaryAttribute(v []byte) AttributeValue {
	return AttributeValue{DataType: AttributeBinary, BinaryValue: v}
}

// Delivery is one received message. It stays valid until it is deleted or
// released through the Queue that produced it.
type Delivery struct {
	ID            string
	Topic         string
	Body          []byte
	Attributes    map[string]AttributeValue
	ReceiptHandle string
	QueueURL      string
	ReceiveCount  int
}

// Binding describes the queue a subscription consumes from.
type Binding struct {
	// Topic is the logical topic name. It may contain the wildcards `*`
	// (one dot-separated word) and `#` (anything).
	Topic string
	// QueueName is the physical queue name, already derived by the runtime.
	QueueName string
	// Competing marks a queue shared by several consumers.
	Competing bool
}

// Broker is the pub/sub + queue surface a transport exposes to the runtime.
// Topics passed to Publish and Bind are logical; prefixing and encoding are
// the broker's concern.
type Broker interface {
	Publish(ctx context.Context, topic string, body []byte, attrs map[string]AttributeValue) error
	// Bind creates (or reuses) the queue described by b and connects it to
	// every topic the binding matches. Binding the same queue twice returns
	// the existing Queue.
	Bind(ctx context.Context, b Binding) (Queue, error)
	// Close releases broker clients. Unless fast is set, it waits a short grace
	// period for in-flight connection teardown.
	Close(ctx context.Context, fast bool) error
}

// Queue is one physical queue. Receive is never called concurrently for the
// same queue; Delete and Release may run concurrently with Receive.
type Queue interface {
	Name() string
	URL() string
	// Topics lists the logical topics delivering into this queue.
	Topics() []string
	// Receive waits up to wait for at most max messages.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)
	// Delete acknowledges the delivery so it is never redelivered.
	Delete(ctx context.Context, d Delivery) error
	// Release gives the delivery back to the broker for redelivery.
	Release(ctx context.Context, d Delivery) error
}

// Leaver is implemented by queues whose unsettled deliveries never return to
// the queue on their own. Leave hands the delivery back once the visibility
// timeout has passed. Queues with broker-side visibility timeouts (SQS, SQL)
// need no such call and do not implement it.
type Leaver interface {
	Leave(ctx context.Context, d Delivery) error
}

// Builder creates a broker from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error)

// Config provides the configuration values needed by transports. Brokers
// read only the getters relevant to them.
type Config interface {
	GetTransport() string
	GetServiceName() string

	// AWS SNS/SQS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
	GetVisibilityTimeout() time.Duration
	GetDeadLetterQueueName() string
	GetMaxReceiveCount() int
	GetCloseGrace() time.Duration

	// Prefixes are resolved by dotted key.
	LookupString(key string) string

	// AMQP
	GetAMQPURL() string
	GetAMQPExchangeName() string
	GetAMQPQueueTTL() time.Duration
	GetAMQPPrefetch() int

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string

	// NATS
	GetNATSURL() string
}

// CapabilitiesProvider is implemented by brokers that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// TopicPrefix returns the configured topic prefix.
func TopicPrefix(cfg Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.LookupString("aws_sns_sqs.topic_prefix")
}

// VisibilityTimeout returns the configured visibility timeout, zero when cfg
// is nil.
func VisibilityTimeout(cfg Config) time.Duration {
	if cfg == nil {
		return 0
	}
	return cfg.GetVisibilityTimeout()
}
