package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	errspkg "github.com/drblury/flotilla/internal/runtime/errors"
)

// EnvPrefix prefixes environment overrides, e.g. FLOTILLA_AWS_SNS_SQS_REGION.
const EnvPrefix = "FLOTILLA"

// Load reads a YAML (or JSON/TOML, by extension) config file, applies
// environment overrides and defaults, and validates the result. An empty path
// loads from the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	registerKeys(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	return &cfg, nil
}

// registerKeys makes every option known to viper so AutomaticEnv can
// override keys that are absent from the file.
func registerKeys(v *viper.Viper) {
	defaults := Config{}.WithDefaults()
	v.SetDefault("service.name", "")
	v.SetDefault("service.uuid", "")
	v.SetDefault("transport", "")
	v.SetDefault("envelope", defaults.Envelope)

	v.SetDefault("aws_sns_sqs.region", "")
	v.SetDefault("aws_sns_sqs.account_id", "")
	v.SetDefault("aws_sns_sqs.access_key_id", "")
	v.SetDefault("aws_sns_sqs.secret_access_key", "")
	v.SetDefault("aws_sns_sqs.endpoint", "")
	v.SetDefault("aws_sns_sqs.topic_prefix", "")
	v.SetDefault("aws_sns_sqs.queue_name_prefix", "")
	v.SetDefault("aws_sns_sqs.visibility_timeout", defaults.AWSSNSSQS.VisibilityTimeout)
	v.SetDefault("aws_sns_sqs.wait_time", defaults.AWSSNSSQS.WaitTime)
	v.SetDefault("aws_sns_sqs.max_messages", defaults.AWSSNSSQS.MaxMessages)
	v.SetDefault("aws_sns_sqs.dead_letter_queue_name", "")
	v.SetDefault("aws_sns_sqs.max_receive_count", 0)
	v.SetDefault("aws_sns_sqs.close_grace", defaults.AWSSNSSQS.CloseGrace)

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange_name", "")
	v.SetDefault("amqp.queue_ttl", 0)
	v.SetDefault("amqp.prefetch", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats_jetstream.stream", "")
	v.SetDefault("nats_jetstream.retention", "")
	v.SetDefault("sql.dsn", "")
	v.SetDefault("sql.table_prefix", "")

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.host", "")
	v.SetDefault("http.port", defaults.HTTP.Port)

	v.SetDefault("scheduler.max_concurrent_invocations", defaults.Scheduler.MaxConcurrentInvocations)
	v.SetDefault("drain.timeout", defaults.Drain.Timeout)
	v.SetDefault("drain.messages", defaults.Drain.Messages)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.path", defaults.Metrics.Path)
}
