// Package connection keeps one live broker client per logical alias and
// recreates it when the broker reports a reconnectable failure.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/smithy-go"

	"github.com/drblury/flotilla/internal/runtime/logging"
	"github.com/drblury/flotilla/transport"
)

// DefaultCloseGrace is waited before closing clients unless Close is fast.
const DefaultCloseGrace = 250 * time.Millisecond

// Factory creates the client for an alias.
type Factory[T any] func(ctx context.Context, alias string) (T, error)

// Closer releases a client. Nil closers are allowed for clients that hold
// no resources.
type Closer[T any] func(ctx context.Context, client T) error

// Option configures a Manager.
type Option[T any] func(*Manager[T])

// WithCloser sets how clients are released.
func WithCloser[T any](c Closer[T]) Option[T] {
	return func(m *Manager[T]) { m.closer = c }
}

// WithCloseGrace sets the non-fast close delay.
func WithCloseGrace[T any](d time.Duration) Option[T] {
	return func(m *Manager[T]) {
		if d >= 0 {
			m.grace = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger[T any](l logging.ServiceLogger) Option[T] {
	return func(m *Manager[T]) { m.logger = l }
}

// Manager holds at most one client per alias.
type Manager[T any] struct {
	factory Factory[T]
	closer  Closer[T]
	grace   time.Duration
	logger  logging.ServiceLogger

	mu      sync.Mutex
	entries map[string]*entry[T]
	closing bool
	// closed is closed once the first Close has released every client.
	closed chan struct{}
	// closeErr is the first Close result, readable after closed.
	closeErr error
}

type handle[T any] struct {
	client     T
	generation uint64
}

type entry[T any] struct {
	mu         sync.Mutex
	current    atomic.Pointer[handle[T]]
	generation uint64
}

// New creates a Manager around factory.
func New[T any](factory Factory[T], opts ...Option[T]) *Manager[T] {
	m := &Manager[T]{
		factory: factory,
		grace:   DefaultCloseGrace,
		entries: make(map[string]*entry[T]),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager[T]) entry(alias string) (*entry[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return nil, transport.ErrClosed
	}
	e, ok := m.entries[alias]
	if !ok {
		e = &entry[T]{}
		m.entries[alias] = e
	}
	return e, nil
}

// Get returns the live client for alias, creating it on first use.
func (m *Manager[T]) Get(ctx context.Context, alias string) (T, error) {
	h, err := m.get(ctx, alias)
	if err != nil {
		var zero T
		return zero, err
	}
	return h.client, nil
}

func (m *Manager[T]) get(ctx context.Context, alias string) (*handle[T], error) {
	e, err := m.entry(alias)
	if err != nil {
		return nil, err
	}
	if h := e.current.Load(); h != nil {
		return h, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if h := e.current.Load(); h != nil {
		return h, nil
	}
	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()
	if closing {
		return nil, transport.ErrClosed
	}

	client, err := m.factory(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", alias, err)
	}
	e.generation++
	h := &handle[T]{client: client, generation: e.generation}
	e.current.Store(h)
	if m.logger != nil {
		m.logger.Debug("Broker client created", logging.LogFields{"alias": alias, "generation": h.generation})
	}
	return h, nil
}

// Do runs fn with the alias client. A reconnectable failure replaces the
// client and retries fn once with the new one.
func (m *Manager[T]) Do(ctx context.Context, alias string, fn func(context.Context, T) error) error {
	h, err := m.get(ctx, alias)
	if err != nil {
		return err
	}
	err = fn(ctx, h.client)
	if err == nil || !IsReconnectable(err) {
		return err
	}
	if m.logger != nil {
		m.logger.Warn("Broker client failed, reconnecting", logging.LogFields{"alias": alias, "error": err.Error()})
	}
	m.invalidate(ctx, alias, h.generation)

	h, err = m.get(ctx, alias)
	if err != nil {
		return err
	}
	return fn(ctx, h.client)
}

// Invalidate drops the current alias client so the next use recreates it.
func (m *Manager[T]) Invalidate(ctx context.Context, alias string) {
	m.invalidate(ctx, alias, 0)
}

// invalidate drops the client when it still has the given generation. Zero
// drops whatever is current.
func (m *Manager[T]) invalidate(ctx context.Context, alias string, generation uint64) {
	e, err := m.entry(alias)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.current.Load()
	if h == nil || (generation != 0 && h.generation != generation) {
		return
	}
	e.current.Store(nil)
	m.release(ctx, alias, h.client)
}

// Close releases every client. Unless fast is set it first waits the grace
// period so in-flight calls can finish their teardown. Later calls fail
// with transport.ErrClosed. Concurrent Close calls wait for the first one
// (or ctx) and return its result.
func (m *Manager[T]) Close(ctx context.Context, fast bool) (err error) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		select {
		case <-m.closed:
			return m.closeErr
		default:
		}
		select {
		case <-m.closed:
			return m.closeErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.closing = true
	entries := make(map[string]*entry[T], len(m.entries))
	for alias, e := range m.entries {
		entries[alias] = e
	}
	m.mu.Unlock()
	defer func() {
		m.closeErr = err
		close(m.closed)
	}()

	if !fast && m.grace > 0 {
		timer := time.NewTimer(m.grace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	var errs []error
	for alias, e := range entries {
		// Waits for any in-progress creation on this alias.
		e.mu.Lock()
		h := e.current.Swap(nil)
		e.mu.Unlock()
		if h == nil {
			continue
		}
		if err := m.release(ctx, alias, h.client); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager[T]) release(ctx context.Context, alias string, client T) error {
	if m.closer == nil {
		return nil
	}
	if err := m.closer(ctx, client); err != nil {
		if m.logger != nil {
			m.logger.Error("Closing broker client failed", err, logging.LogFields{"alias": alias})
		}
		return fmt.Errorf("close %s: %w", alias, err)
	}
	return nil
}

var reconnectableCodes = map[string]bool{
	"ExpiredToken":            true,
	"ExpiredTokenException":   true,
	"InvalidClientTokenId":    true,
	"InvalidToken":            true,
	"RequestExpired":          true,
	"RequestTimeout":          true,
	"RequestTimeoutException": true,
	"ServiceUnavailable":      true,
	"InternalFailure":         true,
}

// IsReconnectable reports whether err means the client should be replaced:
// dropped connections, timeouts and expired or invalid credential tokens.
// Bad arguments and other programming errors are not reconnectable.
func IsReconnectable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, transport.ErrDisconnected) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return reconnectableCodes[apiErr.ErrorCode()]
	}
	return false
}
