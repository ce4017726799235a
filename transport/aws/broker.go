package aws

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/drblury/flotilla/internal/runtime/connection"
	"github.com/drblury/flotilla/internal/runtime/jsoncodec"
	"github.com/drblury/flotilla/internal/runtime/logging"
	"github.com/drblury/flotilla/internal/runtime/naming"
	"github.com/drblury/flotilla/transport"
)

const (
	snsAlias = "sns"
	sqsAlias = "sqs"

	defaultVisibilityTimeout = 30 * time.Second
	defaultMaxReceiveCount   = 3
)

var errBindingIncomplete = errors.New("aws: binding needs a topic and a queue name")

type brokerOptions struct {
	config   transport.Config
	logger   watermill.LoggerAdapter
	resolver sns.TopicResolver
	newSNS   connection.Factory[SNSAPI]
	newSQS   connection.Factory[SQSAPI]
}

// Broker publishes to SNS topics and consumes from SQS queues subscribed
// to them.
type Broker struct {
	sns      *connection.Manager[SNSAPI]
	sqs      *connection.Manager[SQSAPI]
	resolver sns.TopicResolver
	logger   watermill.LoggerAdapter

	topicPrefix       string
	visibilityTimeout time.Duration
	deadLetterQueue   string
	maxReceiveCount   int

	mu     sync.Mutex
	topics map[string]string // broker topic name -> ARN
	queues map[string]*Queue
	closed bool
}

var _ transport.Broker = (*Broker)(nil)

func newBroker(opts brokerOptions) *Broker {
	cfg := opts.config
	logger := opts.logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	serviceLogger := logging.NewWatermillServiceLogger(logger)

	grace := connection.DefaultCloseGrace
	b := &Broker{
		resolver:          opts.resolver,
		logger:            logger,
		visibilityTimeout: defaultVisibilityTimeout,
		maxReceiveCount:   defaultMaxReceiveCount,
		topics:            make(map[string]string),
		queues:            make(map[string]*Queue),
	}
	if cfg != nil {
		b.topicPrefix = transport.TopicPrefix(cfg)
		if v := cfg.GetVisibilityTimeout(); v > 0 {
			b.visibilityTimeout = v
		}
		if n := cfg.GetMaxReceiveCount(); n > 0 {
			b.maxReceiveCount = n
		}
		b.deadLetterQueue = cfg.GetDeadLetterQueueName()
		if g := cfg.GetCloseGrace(); g > 0 {
			grace = g
		}
	}

	b.sns = connection.New(opts.newSNS,
		connection.WithLogger[SNSAPI](serviceLogger),
		connection.WithCloseGrace[SNSAPI](0),
	)
	b.sqs = connection.New(opts.newSQS,
		connection.WithLogger[SQSAPI](serviceLogger),
		connection.WithCloseGrace[SQSAPI](grace),
	)
	return b
}

// Publish sends body to the SNS topic for the logical topic.
func (b *Broker) Publish(ctx context.Context, topic string, body []byte, attrs map[string]transport.AttributeValue) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	name := b.brokerTopic(topic)
	arn, known, err := b.publishARN(ctx, name)
	if err != nil {
		return err
	}

	input := &amazonsns.PublishInput{
		TopicArn:          aws.String(arn),
		Message:           aws.String(string(body)),
		MessageAttributes: toSNSAttributes(attrs),
	}
	publish := func(ctx context.Context, c SNSAPI) error {
		_, err := c.Publish(ctx, input)
		return err
	}
	err = b.sns.Do(ctx, snsAlias, publish)

	var notFound *snstypes.NotFoundException
	if err != nil && !known && errors.As(err, &notFound) {
		// The resolver guessed an ARN for a topic nobody created yet.
		if arn, err = b.ensureTopic(ctx, name); err != nil {
			return err
		}
		input.TopicArn = aws.String(arn)
		err = b.sns.Do(ctx, snsAlias, publish)
	}
	if err != nil {
		return mapError(fmt.Errorf("publish to %s: %w", name, err))
	}
	return nil
}

// brokerTopic is the prefixed, encoded SNS name for a logical topic.
func (b *Broker) brokerTopic(topic string) string {
	return naming.Encode(naming.TopicName(topic, b.topicPrefix))
}

// publishARN returns the topic ARN and whether it was confirmed to exist.
func (b *Broker) publishARN(ctx context.Context, name string) (string, bool, error) {
	b.mu.Lock()
	arn, ok := b.topics[name]
	b.mu.Unlock()
	if ok {
		return arn, true, nil
	}
	if b.resolver != nil {
		resolved, err := b.resolver.ResolveTopic(ctx, name)
		if err == nil {
			return string(resolved), false, nil
		}
		b.logger.Debug("Topic ARN resolution failed, creating topic", watermill.LogFields{"topic": name, "err": err.Error()})
	}
	arn, err := b.ensureTopic(ctx, name)
	return arn, true, err
}

// ensureTopic creates the topic (idempotent in SNS) and caches its ARN.
func (b *Broker) ensureTopic(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	arn, ok := b.topics[name]
	b.mu.Unlock()
	if ok {
		return arn, nil
	}

	err := b.sns.Do(ctx, snsAlias, func(ctx context.Context, c SNSAPI) error {
		out, err := c.CreateTopic(ctx, &amazonsns.CreateTopicInput{Name: aws.String(name)})
		if err != nil {
			return err
		}
		arn = aws.ToString(out.TopicArn)
		return nil
	})
	if err != nil {
		return "", mapError(fmt.Errorf("create topic %s: %w", name, err))
	}

	b.mu.Lock()
	b.topics[name] = arn
	b.mu.Unlock()
	return arn, nil
}

// discoverTopics lists existing topics matching a wildcard pattern. Topics
// created later are not picked up.
func (b *Broker) discoverTopics(ctx context.Context, pattern string) (map[string]string, error) {
	matcher := naming.NewWildcardMatcher(pattern, b.topicPrefix)
	found := make(map[string]string)

	err := b.sns.Do(ctx, snsAlias, func(ctx context.Context, c SNSAPI) error {
		pages := amazonsns.NewListTopicsPaginator(c, &amazonsns.ListTopicsInput{})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, t := range page.Topics {
				arn := aws.ToString(t.TopicArn)
				name := arn[strings.LastIndex(arn, ":")+1:]
				if topic, ok := matcher.MatchBrokerName(name); ok {
					found[topic] = arn
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapError(fmt.Errorf("list topics: %w", err))
	}

	b.mu.Lock()
	for topic, arn := range found {
		b.topics[b.brokerTopic(topic)] = arn
	}
	b.mu.Unlock()
	return found, nil
}

// Bind creates the queue, grants the matched topics access to it and
// subscribes it to them. A queue that vanished is recreated in place.
func (b *Broker) Bind(ctx context.Context, binding transport.Binding) (transport.Queue, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if binding.Topic == "" || binding.QueueName == "" {
		return nil, errBindingIncomplete
	}

	b.mu.Lock()
	q, ok := b.queues[binding.QueueName]
	if !ok {
		q = &Queue{broker: b, name: binding.QueueName}
		b.queues[binding.QueueName] = q
	}
	b.mu.Unlock()

	q.bindMu.Lock()
	defer q.bindMu.Unlock()
	if q.boundTo(binding.Topic) {
		return q, nil
	}
	if err := b.bind(ctx, q, q.bindState(binding.Topic), binding.Competing); err != nil {
		return nil, err
	}
	return q, nil
}

// resolveTopics maps every pattern to the topic ARNs it covers. Plain topics
// are created; wildcards match only topics that already exist.
func (b *Broker) resolveTopics(ctx context.Context, q *Queue, patterns []string) (map[string]string, error) {
	topics := map[string]string{}
	for _, pattern := range patterns {
		if !naming.IsWildcard(pattern) {
			arn, err := b.ensureTopic(ctx, b.brokerTopic(pattern))
			if err != nil {
				return nil, err
			}
			topics[pattern] = arn
			continue
		}
		found, err := b.discoverTopics(ctx, pattern)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			b.logger.Info("No existing topics match wildcard subscription", watermill.LogFields{
				"pattern": pattern,
				"queue":   q.name,
			})
		}
		for topic, arn := range found {
			topics[topic] = arn
		}
	}
	return topics, nil
}

func (b *Broker) bind(ctx context.Context, q *Queue, patterns []string, competing bool) error {
	topics, err := b.resolveTopics(ctx, q, patterns)
	if err != nil {
		return err
	}

	attrs := map[string]string{
		string(sqstypes.QueueAttributeNameVisibilityTimeout): strconv.Itoa(int(b.visibilityTimeout / time.Second)),
	}
	if b.deadLetterQueue != "" {
		redrive, err := b.redrivePolicy(ctx)
		if err != nil {
			return err
		}
		attrs[string(sqstypes.QueueAttributeNameRedrivePolicy)] = redrive
	}

	url, queueARN, err := b.createQueue(ctx, q.name, attrs)
	if err != nil {
		return err
	}

	arns := make([]string, 0, len(topics))
	for _, arn := range topics {
		arns = append(arns, arn)
	}
	if len(arns) > 0 {
		policy, err := naming.QueuePolicy(queueARN, arns)
		if err != nil {
			return err
		}
		err = b.sqs.Do(ctx, sqsAlias, func(ctx context.Context, c SQSAPI) error {
			_, err := c.SetQueueAttributes(ctx, &amazonsqs.SetQueueAttributesInput{
				QueueUrl:   aws.String(url),
				Attributes: map[string]string{string(sqstypes.QueueAttributeNamePolicy): policy},
			})
			return err
		})
		if err != nil {
			return mapError(fmt.Errorf("set policy on %s: %w", q.name, err))
		}
	}

	// SNS returns the existing subscription for an identical endpoint, so
	// re-binding never doubles deliveries.
	for topic, arn := range topics {
		err := b.sns.Do(ctx, snsAlias, func(ctx context.Context, c SNSAPI) error {
			_, err := c.Subscribe(ctx, &amazonsns.SubscribeInput{
				TopicArn:   aws.String(arn),
				Protocol:   aws.String("sqs"),
				Endpoint:   aws.String(queueARN),
				Attributes: map[string]string{"RawMessageDelivery": "true"},
			})
			return err
		})
		if err != nil {
			return mapError(fmt.Errorf("subscribe %s to %s: %w", q.name, topic, err))
		}
	}

	q.setBound(url, queueARN, patterns, topics)
	b.logger.Info("Bound queue", watermill.LogFields{
		"queue":     q.name,
		"topics":    len(topics),
		"competing": competing,
	})
	return nil
}

func (b *Broker) createQueue(ctx context.Context, name string, attrs map[string]string) (string, string, error) {
	var url, arn string
	err := b.sqs.Do(ctx, sqsAlias, func(ctx context.Context, c SQSAPI) error {
		out, err := c.CreateQueue(ctx, &amazonsqs.CreateQueueInput{
			QueueName:  aws.String(name),
			Attributes: attrs,
		})
		if err != nil {
			return err
		}
		url = aws.ToString(out.QueueUrl)

		got, err := c.GetQueueAttributes(ctx, &amazonsqs.GetQueueAttributesInput{
			QueueUrl:       aws.String(url),
			AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
		})
		if err != nil {
			return err
		}
		arn = got.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]
		return nil
	})
	if err != nil {
		return "", "", mapError(fmt.Errorf("create queue %s: %w", name, err))
	}
	return url, arn, nil
}

type redrivePolicy struct {
	DeadLetterTargetArn string `json:"deadLetterTargetArn"`
	MaxReceiveCount     string `json:"maxReceiveCount"`
}

func (b *Broker) redrivePolicy(ctx context.Context) (string, error) {
	_, dlqARN, err := b.createQueue(ctx, b.deadLetterQueue, nil)
	if err != nil {
		return "", err
	}
	return jsoncodec.MarshalString(redrivePolicy{
		DeadLetterTargetArn: dlqARN,
		MaxReceiveCount:     strconv.Itoa(b.maxReceiveCount),
	})
}

// Close stops all queues and releases the clients.
func (b *Broker) Close(ctx context.Context, fast bool) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	return errors.Join(b.sqs.Close(ctx, fast), b.sns.Close(ctx, fast))
}

func (b *Broker) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	return nil
}

// mapError wraps client errors in the transport error classes.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var missing *sqstypes.QueueDoesNotExist
	if errors.As(err, &missing) || strings.Contains(err.Error(), "NonExistentQueue") {
		return fmt.Errorf("%w: %w", transport.ErrQueueDoesNotExist, err)
	}
	if connection.IsReconnectable(err) {
		return fmt.Errorf("%w: %w", transport.ErrDisconnected, err)
	}
	return err
}

func toSNSAttributes(attrs map[string]transport.AttributeValue) map[string]snstypes.MessageAttributeValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]snstypes.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		av := snstypes.MessageAttributeValue{DataType: aws.String(v.DataType)}
		if v.DataType == transport.AttributeBinary {
			av.BinaryValue = v.BinaryValue
		} else {
			av.StringValue = aws.String(v.StringValue)
		}
		out[k] = av
	}
	return out
}

func fromSQSAttributes(attrs map[string]sqstypes.MessageAttributeValue) map[string]transport.AttributeValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]transport.AttributeValue, len(attrs))
	for k, v := range attrs {
		out[k] = transport.AttributeValue{
			DataType:    aws.ToString(v.DataType),
			StringValue: aws.ToString(v.StringValue),
			BinaryValue: v.BinaryValue,
		}
	}
	return out
}
