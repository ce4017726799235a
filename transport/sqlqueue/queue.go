package sqlqueue

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"

	"github.com/drblury/flotilla/transport"
)

// Queue is the set of rows stored under one queue name.
type Queue struct {
	broker *Broker
	name   string

	mu     sync.RWMutex
	topics []string
}

var _ transport.Queue = (*Queue)(nil)

func (q *Queue) Name() string { return q.name }

func (q *Queue) URL() string {
	return q.broker.opts.Dialect.Name + ":" + q.broker.opts.TablePrefix + "messages/" + q.name
}

func (q *Queue) Topics() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return slices.Clone(q.topics)
}

func (q *Queue) addTopic(topic string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !slices.Contains(q.topics, topic) {
		q.topics = append(q.topics, topic)
		sort.Strings(q.topics)
	}
}

// Receive polls until rows are visible or wait expires. An empty poll on a
// queue without bindings reports transport.ErrQueueDoesNotExist.
func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]transport.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(q.broker.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := q.broker.checkOpen(); err != nil {
			return nil, err
		}
		deliveries, err := q.claim(ctx, max)
		if err != nil || len(deliveries) > 0 {
			return deliveries, err
		}
		if !time.Now().Before(deadline) {
			return nil, q.checkBound(ctx)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) checkBound(ctx context.Context) error {
	var n int
	b := q.broker
	if err := b.db.QueryRowContext(ctx, b.q.countBound, b.opts.TopicPrefix, q.name).Scan(&n); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("sqlqueue: check queue %s: %w", q.name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", transport.ErrQueueDoesNotExist, q.name)
	}
	return nil
}

func (q *Queue) claim(ctx context.Context, max int) ([]transport.Delivery, error) {
	b := q.broker
	now := b.now()
	if b.opts.DeadLetterQueue != "" {
		if err := q.expire(ctx, now); err != nil {
			return nil, err
		}
	}

	receipt := uuid.NewString()
	visibleAt := now + b.opts.VisibilityTimeout.Milliseconds()
	rows, err := b.db.QueryContext(ctx, b.q.claim, visibleAt, receipt, b.opts.TopicPrefix, q.name, now, max)
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: receive from %s: %w", q.name, err)
	}
	defer rows.Close()

	type claimed struct {
		id int64
		d  transport.Delivery
	}
	var got []claimed
	for rows.Next() {
		var (
			c     claimed
			attrs string
		)
		if err := rows.Scan(&c.id, &c.d.Topic, &c.d.Body, &attrs, &c.d.ReceiveCount); err != nil {
			return nil, fmt.Errorf("sqlqueue: scan message: %w", err)
		}
		if c.d.Attributes, err = decodeAttributes(attrs); err != nil {
			return nil, err
		}
		c.d.ID = strconv.FormatInt(c.id, 10)
		c.d.ReceiptHandle = receipt
		c.d.QueueURL = q.URL()
		got = append(got, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlqueue: receive from %s: %w", q.name, err)
	}

	sort.Slice(got, func(i, j int) bool { return got[i].id < got[j].id })
	deliveries := make([]transport.Delivery, len(got))
	for i, c := range got {
		deliveries[i] = c.d
	}
	return deliveries, nil
}

// expire moves visible rows that reached MaxReceiveCount to the dead letter
// table.
func (q *Queue) expire(ctx context.Context, now int64) error {
	b := q.broker
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlqueue: begin dead lettering: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, b.q.expire, b.opts.TopicPrefix, q.name, now, b.opts.MaxReceiveCount)
	if err != nil {
		return fmt.Errorf("sqlqueue: expire messages in %s: %w", q.name, err)
	}
	type expired struct {
		topic, attrs string
		body         []byte
		count        int
	}
	var moved []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.topic, &e.body, &e.attrs, &e.count); err != nil {
			rows.Close()
			return fmt.Errorf("sqlqueue: scan expired message: %w", err)
		}
		moved = append(moved, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlqueue: expire messages in %s: %w", q.name, err)
	}
	if len(moved) == 0 {
		return nil
	}

	for _, e := range moved {
		if _, err := tx.ExecContext(ctx, b.q.deadLetter, b.opts.TopicPrefix, b.opts.DeadLetterQueue, q.name, e.topic, e.body, e.attrs, e.count, now); err != nil {
			return fmt.Errorf("sqlqueue: dead letter message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlqueue: commit dead lettering: %w", err)
	}
	b.opts.Logger.Info("Moved messages to dead letter queue", watermill.LogFields{
		"queue":             q.name,
		"dead_letter_queue": b.opts.DeadLetterQueue,
		"count":             len(moved),
	})
	return nil
}

// Delete removes the row. A delivery whose visibility expired and that was
// received again in the meantime reports transport.ErrUnknownDelivery.
func (q *Queue) Delete(ctx context.Context, d transport.Delivery) error {
	return q.settle(ctx, d, q.broker.q.deleteOne)
}

// Release makes the row visible again immediately.
func (q *Queue) Release(ctx context.Context, d transport.Delivery) error {
	return q.settle(ctx, d, q.broker.q.releaseOne, q.broker.now())
}

func (q *Queue) settle(ctx context.Context, d transport.Delivery, query string, leading ...any) error {
	if err := q.broker.checkOpen(); err != nil {
		return err
	}
	id, err := strconv.ParseInt(d.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", transport.ErrUnknownDelivery, d.ID)
	}
	args := append(leading, id, d.ReceiptHandle)
	res, err := q.broker.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlqueue: settle %s in %s: %w", d.ID, q.name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", transport.ErrUnknownDelivery, d.ID)
	}
	return nil
}
