package wmqueue

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flotilla/transport"
)

// Queue is one Watermill subscription.
type Queue struct {
	broker  *Broker
	binding transport.Binding
	subject string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ch      <-chan *message.Message
	pending map[string]*message.Message
	seq     atomic.Uint64
}

var _ transport.Queue = (*Queue)(nil)

func (q *Queue) Name() string { return q.binding.QueueName }

// URL returns the subscribed subject.
func (q *Queue) URL() string { return q.subject }

func (q *Queue) Topics() []string { return []string{q.binding.Topic} }

func (q *Queue) channel(ctx context.Context) (<-chan *message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		return q.ch, nil
	}
	sub, err := q.broker.subscribers.Get(ctx, q.binding.QueueName)
	if err != nil {
		return nil, mapError(err)
	}
	ch, err := sub.Subscribe(q.ctx, q.subject)
	if err != nil {
		q.broker.subscribers.Invalidate(ctx, q.binding.QueueName)
		return nil, mapError(fmt.Errorf("subscribe %s: %w", q.subject, err))
	}
	q.ch = ch
	return ch, nil
}

// resubscribe drops a subscription whose channel was closed.
func (q *Queue) resubscribe(ctx context.Context) {
	q.mu.Lock()
	q.ch = nil
	q.mu.Unlock()
	q.broker.subscribers.Invalidate(ctx, q.binding.QueueName)
}

// Receive waits up to wait for the first message, then takes whatever else
// is already buffered, up to limit.
func (q *Queue) Receive(ctx context.Context, limit int, wait time.Duration) ([]transport.Delivery, error) {
	if err := q.broker.checkOpen(); err != nil {
		return nil, err
	}
	ch, err := q.channel(ctx)
	if err != nil {
		return nil, err
	}
	limit = max(limit, 1)

	timer := time.NewTimer(max(wait, time.Millisecond))
	defer timer.Stop()

	var out []transport.Delivery
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, q.closedChannel(ctx)
		}
		out = append(out, q.track(msg))
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(out) < limit {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out, nil
			}
			out = append(out, q.track(msg))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (q *Queue) closedChannel(ctx context.Context) error {
	if err := q.broker.checkOpen(); err != nil {
		return err
	}
	q.resubscribe(ctx)
	return fmt.Errorf("%w: subscription to %s closed", transport.ErrDisconnected, q.subject)
}

func (q *Queue) track(msg *message.Message) transport.Delivery {
	handle := msg.UUID + "#" + strconv.FormatUint(q.seq.Add(1), 10)
	q.mu.Lock()
	q.pending[handle] = msg
	q.mu.Unlock()

	topic := msg.Metadata.Get(metadataTopic)
	if topic == "" {
		topic = q.binding.Topic
	}
	attrs := make(map[string]transport.AttributeValue, len(msg.Metadata))
	for k, v := range msg.Metadata {
		if k == metadataTopic || k == MetadataReceiveCount || strings.HasPrefix(k, metadataTypePrefix) {
			continue
		}
		switch msg.Metadata.Get(metadataTypePrefix + k) {
		case transport.AttributeBinary:
			raw, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				attrs[k] = transport.StringAttribute(v)
				continue
			}
			attrs[k] = transport.BinaryAttribute(raw)
		case transport.AttributeNumber:
			attrs[k] = transport.NumberAttribute(v)
		default:
			attrs[k] = transport.StringAttribute(v)
		}
	}

	receiveCount := 1
	if n, err := strconv.Atoi(msg.Metadata.Get(MetadataReceiveCount)); err == nil && n > 0 {
		receiveCount = n
	}

	return transport.Delivery{
		ID:            msg.UUID,
		Topic:         topic,
		Body:          msg.Payload,
		Attributes:    attrs,
		ReceiptHandle: handle,
		QueueURL:      q.subject,
		ReceiveCount:  receiveCount,
	}
}

func (q *Queue) take(d transport.Delivery) (*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.pending[d.ReceiptHandle]
	if !ok {
		return nil, transport.ErrUnknownDelivery
	}
	delete(q.pending, d.ReceiptHandle)
	return msg, nil
}

// Delete acks the message.
func (q *Queue) Delete(_ context.Context, d transport.Delivery) error {
	msg, err := q.take(d)
	if err != nil {
		return err
	}
	msg.Ack()
	return nil
}

// Release nacks the message so the backend redelivers it.
func (q *Queue) Release(_ context.Context, d transport.Delivery) error {
	msg, err := q.take(d)
	if err != nil {
		return err
	}
	msg.Nack()
	return nil
}

var _ transport.Leaver = (*Queue)(nil)

// Leave keeps the message in flight and nacks it once the visibility timeout
// has passed, or when the queue shuts down.
func (q *Queue) Leave(_ context.Context, d transport.Delivery) error {
	msg, err := q.take(d)
	if err != nil {
		return err
	}
	delay := q.broker.opts.VisibilityTimeout
	if delay <= 0 {
		delay = DefaultVisibilityTimeout
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-q.ctx.Done():
		}
		msg.Nack()
	}()
	return nil
}
