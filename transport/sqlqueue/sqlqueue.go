// Package sqlqueue implements transport.Broker on plain database tables.
// Every bound queue receives its own row per published message, claimed rows
// stay invisible for the visibility timeout, and rows received too often move
// to a dead letter table. The postgres and sqlite packages register it.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/flotilla/internal/runtime/jsoncodec"
	"github.com/drblury/flotilla/internal/runtime/naming"
	"github.com/drblury/flotilla/transport"
)

const (
	DefaultTablePrefix       = "flotilla_"
	DefaultPollInterval      = 250 * time.Millisecond
	DefaultVisibilityTimeout = 30 * time.Second
)

var tablePrefixPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Options configures a Broker.
type Options struct {
	DB      *sql.DB
	Dialect Dialect
	// CloseDB closes DB when the broker closes.
	CloseDB bool

	TablePrefix string
	// TopicPrefix namespaces bindings and messages, so environments can share
	// a database.
	TopicPrefix       string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	// DeadLetterQueue enables dead lettering after MaxReceiveCount receives.
	DeadLetterQueue string
	MaxReceiveCount int

	Capabilities transport.Capabilities
	Logger       watermill.LoggerAdapter
	// Now replaces time.Now, for tests.
	Now func() time.Time
}

// Broker is a table-backed transport.Broker.
type Broker struct {
	opts Options
	db   *sql.DB
	q    queries

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

var _ transport.Broker = (*Broker)(nil)

// New creates the tables when missing and returns the broker.
func New(ctx context.Context, opts Options) (*Broker, error) {
	if opts.DB == nil {
		return nil, errors.New("sqlqueue: database handle is required")
	}
	if opts.TablePrefix == "" {
		opts.TablePrefix = DefaultTablePrefix
	}
	if !tablePrefixPattern.MatchString(opts.TablePrefix) {
		return nil, fmt.Errorf("sqlqueue: invalid table prefix %q", opts.TablePrefix)
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DeadLetterQueue != "" && opts.MaxReceiveCount <= 0 {
		return nil, errors.New("sqlqueue: max receive count is required with a dead letter queue")
	}
	if opts.Logger == nil {
		opts.Logger = watermill.NopLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b := &Broker{
		opts:   opts,
		db:     opts.DB,
		q:      buildQueries(opts.Dialect, opts.TablePrefix),
		queues: make(map[string]*Queue),
	}
	for _, stmt := range b.q.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("sqlqueue: create schema: %w", err)
		}
	}
	return b, nil
}

func (b *Broker) Capabilities() transport.Capabilities {
	return b.opts.Capabilities
}

func (b *Broker) now() int64 {
	return b.opts.Now().UnixMilli()
}

func (b *Broker) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	return nil
}

// Publish stores one row per queue bound to topic. Publishing to a topic no
// queue is bound to succeeds and stores nothing.
func (b *Broker) Publish(ctx context.Context, topic string, body []byte, attrs map[string]transport.AttributeValue) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	encoded, err := encodeAttributes(attrs)
	if err != nil {
		return err
	}
	queues, err := b.route(ctx, topic)
	if err != nil {
		return err
	}
	if len(queues) == 0 {
		return nil
	}
	if body == nil {
		body = []byte{}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlqueue: begin publish: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := b.now()
	for _, queue := range queues {
		if _, err := tx.ExecContext(ctx, b.q.insert, b.opts.TopicPrefix, queue, topic, body, encoded, now, now); err != nil {
			return fmt.Errorf("sqlqueue: publish to %s: %w", queue, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlqueue: commit publish: %w", err)
	}
	return nil
}

// route returns the queues with a binding matching topic, each once.
func (b *Broker) route(ctx context.Context, topic string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, b.q.bindings, b.opts.TopicPrefix)
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: load bindings: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var queues []string
	for rows.Next() {
		var queue, pattern string
		if err := rows.Scan(&queue, &pattern); err != nil {
			return nil, fmt.Errorf("sqlqueue: scan binding: %w", err)
		}
		if _, ok := seen[queue]; ok {
			continue
		}
		if pattern == topic || (naming.IsWildcard(pattern) && naming.NewWildcardMatcher(pattern, "").MatchTopic(topic)) {
			seen[queue] = struct{}{}
			queues = append(queues, queue)
		}
	}
	return queues, rows.Err()
}

// Bind records the binding. Messages published before the binding existed
// are not delivered to the queue.
func (b *Broker) Bind(ctx context.Context, binding transport.Binding) (transport.Queue, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if binding.Topic == "" || binding.QueueName == "" {
		return nil, errors.New("sqlqueue: binding needs a topic and a queue name")
	}
	if _, err := b.db.ExecContext(ctx, b.q.bind, b.opts.TopicPrefix, binding.QueueName, binding.Topic, b.now()); err != nil {
		return nil, fmt.Errorf("sqlqueue: bind %s to %s: %w", binding.Topic, binding.QueueName, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[binding.QueueName]
	if !ok {
		q = &Queue{broker: b, name: binding.QueueName}
		b.queues[binding.QueueName] = q
	}
	q.addTopic(binding.Topic)
	return q, nil
}

// Unbind removes every binding of queue. Pending rows stay until received.
func (b *Broker) Unbind(ctx context.Context, queue string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, b.q.unbind, b.opts.TopicPrefix, queue); err != nil {
		return fmt.Errorf("sqlqueue: unbind %s: %w", queue, err)
	}
	return nil
}

// DeadLetterCount returns how many rows the dead letter queue holds.
func (b *Broker) DeadLetterCount(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, b.q.deadLetters, b.opts.TopicPrefix, b.opts.DeadLetterQueue).Scan(&n)
	return n, err
}

// ReplayDeadLetters moves every dead letter back to the queue it came from
// with a fresh receive count and returns how many were moved.
func (b *Broker) ReplayDeadLetters(ctx context.Context) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlqueue: begin replay: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, b.q.replay, b.opts.TopicPrefix, b.opts.DeadLetterQueue)
	if err != nil {
		return 0, fmt.Errorf("sqlqueue: replay dead letters: %w", err)
	}
	type letter struct {
		queue, topic, attrs string
		body                []byte
	}
	var letters []letter
	for rows.Next() {
		var l letter
		if err := rows.Scan(&l.queue, &l.topic, &l.body, &l.attrs); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlqueue: scan dead letter: %w", err)
		}
		letters = append(letters, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("sqlqueue: replay dead letters: %w", err)
	}

	now := b.now()
	for _, l := range letters {
		if _, err := tx.ExecContext(ctx, b.q.insert, b.opts.TopicPrefix, l.queue, l.topic, l.body, l.attrs, now, now); err != nil {
			return 0, fmt.Errorf("sqlqueue: replay to %s: %w", l.queue, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlqueue: commit replay: %w", err)
	}
	return len(letters), nil
}

// PurgeDeadLetters drops every dead letter and returns how many were dropped.
func (b *Broker) PurgeDeadLetters(ctx context.Context) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	res, err := b.db.ExecContext(ctx, b.q.purge, b.opts.TopicPrefix, b.opts.DeadLetterQueue)
	if err != nil {
		return 0, fmt.Errorf("sqlqueue: purge dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close stops the broker. The database is closed only when the broker owns it.
func (b *Broker) Close(ctx context.Context, fast bool) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	if b.opts.CloseDB {
		return b.db.Close()
	}
	return nil
}

func encodeAttributes(attrs map[string]transport.AttributeValue) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	raw, err := jsoncodec.MarshalString(attrs)
	if err != nil {
		return "", fmt.Errorf("sqlqueue: encode attributes: %w", err)
	}
	return raw, nil
}

func decodeAttributes(raw string) (map[string]transport.AttributeValue, error) {
	attrs := make(map[string]transport.AttributeValue)
	if raw == "" || raw == "{}" {
		return attrs, nil
	}
	if err := jsoncodec.UnmarshalString(raw, &attrs); err != nil {
		return nil, fmt.Errorf("sqlqueue: decode attributes: %w", err)
	}
	return attrs, nil
}
