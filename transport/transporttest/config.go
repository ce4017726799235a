// Package transporttest provides helpers for testing broker implementations.
package transporttest

import (
	"time"

	"github.com/drblury/flotilla/transport"
)

var _ transport.Config = (*Config)(nil)

// Config is a settable transport.Config.
type Config struct {
	Transport   string
	ServiceName string

	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
	VisibilityTimeout  time.Duration
	DeadLetterQueue    string
	MaxReceiveCount    int
	CloseGrace         time.Duration

	AMQPURL          string
	AMQPExchangeName string
	AMQPQueueTTL     time.Duration
	AMQPPrefetch     int

	KafkaBrokers  []string
	KafkaClientID string

	NATSURL string

	// Settings backs LookupString.
	Settings map[string]string
}

func (c *Config) GetTransport() string                { return c.Transport }
func (c *Config) GetServiceName() string              { return c.ServiceName }
func (c *Config) GetAWSRegion() string                { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string             { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string           { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string       { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string              { return c.AWSEndpoint }
func (c *Config) GetVisibilityTimeout() time.Duration { return c.VisibilityTimeout }
func (c *Config) GetDeadLetterQueueName() string      { return c.DeadLetterQueue }
func (c *Config) GetMaxReceiveCount() int             { return c.MaxReceiveCount }
func (c *Config) GetCloseGrace() time.Duration        { return c.CloseGrace }
func (c *Config) LookupString(key string) string      { return c.Settings[key] }
func (c *Config) GetAMQPURL() string                  { return c.AMQPURL }
func (c *Config) GetAMQPExchangeName() string         { return c.AMQPExchangeName }
func (c *Config) GetAMQPQueueTTL() time.Duration      { return c.AMQPQueueTTL }
func (c *Config) GetAMQPPrefetch() int                { return c.AMQPPrefetch }
func (c *Config) GetKafkaBrokers() []string           { return c.KafkaBrokers }
func (c *Config) GetKafkaClientID() string            { return c.KafkaClientID }
func (c *Config) GetNATSURL() string                  { return c.NATSURL }
