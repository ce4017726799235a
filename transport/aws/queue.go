package aws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/drblury/flotilla/transport"
)

// SQS request limits.
const (
	maxReceiveBatch = 10
	maxWaitTime     = 20 * time.Second
)

// Queue is an SQS queue subscribed to one or more SNS topics.
type Queue struct {
	broker *Broker
	name   string

	// bindMu serialises (re)binding.
	bindMu sync.Mutex

	mu       sync.RWMutex
	url      string
	arn      string
	patterns []string          // bound topics, wildcards unexpanded
	topics   map[string]string // logical topic -> topic ARN
	stale    bool
}

var _ transport.Queue = (*Queue)(nil)

func (q *Queue) Name() string { return q.name }

func (q *Queue) URL() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.url
}

// ARN returns the queue ARN.
func (q *Queue) ARN() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.arn
}

func (q *Queue) Topics() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.topics))
	for topic := range q.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// boundTo reports whether the queue is live and already bound to pattern.
func (q *Queue) boundTo(pattern string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.url == "" || q.stale {
		return false
	}
	for _, p := range q.patterns {
		if p == pattern {
			return true
		}
	}
	return false
}

// bindState returns the patterns to bind, adding pattern when it is new.
func (q *Queue) bindState(pattern string) []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	patterns := append([]string(nil), q.patterns...)
	for _, p := range patterns {
		if p == pattern {
			return patterns
		}
	}
	return append(patterns, pattern)
}

func (q *Queue) setBound(url, arn string, patterns []string, topics map[string]string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.url, q.arn, q.patterns, q.topics, q.stale = url, arn, patterns, topics, false
}

func (q *Queue) markStale() {
	q.mu.Lock()
	q.stale = true
	q.mu.Unlock()
}

// Receive long-polls for up to max messages.
func (q *Queue) Receive(ctx context.Context, limit int, wait time.Duration) ([]transport.Delivery, error) {
	if err := q.broker.checkOpen(); err != nil {
		return nil, err
	}
	limit = min(max(limit, 1), maxReceiveBatch)
	wait = min(max(wait, 0), maxWaitTime)

	url := q.URL()
	var msgs []sqstypes.Message
	err := q.broker.sqs.Do(ctx, sqsAlias, func(ctx context.Context, c SQSAPI) error {
		out, err := c.ReceiveMessage(ctx, &amazonsqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(url),
			MaxNumberOfMessages:         int32(limit),
			WaitTimeSeconds:             int32(wait / time.Second),
			MessageAttributeNames:       []string{"All"},
			MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			return err
		}
		msgs = out.Messages
		return nil
	})
	if err != nil {
		err = mapError(fmt.Errorf("receive from %s: %w", q.name, err))
		if errors.Is(err, transport.ErrQueueDoesNotExist) {
			q.markStale()
		}
		return nil, err
	}

	topic := ""
	if topics := q.Topics(); len(topics) == 1 {
		topic = topics[0]
	}
	deliveries := make([]transport.Delivery, 0, len(msgs))
	for _, m := range msgs {
		count, _ := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
		deliveries = append(deliveries, transport.Delivery{
			ID:            aws.ToString(m.MessageId),
			Topic:         topic,
			Body:          []byte(aws.ToString(m.Body)),
			Attributes:    fromSQSAttributes(m.MessageAttributes),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			QueueURL:      url,
			ReceiveCount:  count,
		})
	}
	return deliveries, nil
}

// Delete removes the message from the queue.
func (q *Queue) Delete(ctx context.Context, d transport.Delivery) error {
	if d.ReceiptHandle == "" {
		return transport.ErrUnknownDelivery
	}
	url := d.QueueURL
	if url == "" {
		url = q.URL()
	}
	err := q.broker.sqs.Do(ctx, sqsAlias, func(ctx context.Context, c SQSAPI) error {
		_, err := c.DeleteMessage(ctx, &amazonsqs.DeleteMessageInput{
			QueueUrl:      aws.String(url),
			ReceiptHandle: aws.String(d.ReceiptHandle),
		})
		return err
	})
	if err != nil {
		return mapError(fmt.Errorf("delete from %s: %w", q.name, err))
	}
	return nil
}

// Release leaves the message in flight. SQS redelivers it once the
// visibility timeout lapses and moves it to the dead-letter queue after the
// maximum receive count.
func (q *Queue) Release(_ context.Context, d transport.Delivery) error {
	if d.ReceiptHandle == "" {
		return transport.ErrUnknownDelivery
	}
	return nil
}
