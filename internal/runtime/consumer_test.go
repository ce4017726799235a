package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/drblury/flotilla/internal/runtime/envelope"
	errspkg "github.com/drblury/flotilla/internal/runtime/errors"
	loggingpkg "github.com/drblury/flotilla/internal/runtime/logging"
	"github.com/drblury/flotilla/internal/runtime/naming"
	"github.com/drblury/flotilla/transport"
)

// fakeBroker fans every publish out to every bound queue. Like an SQS queue
// subscribed to several topics, its deliveries carry no topic.
type fakeBroker struct {
	mu      sync.Mutex
	queues  map[string]*fakeQueue
	binds   int
	bindErr error
	// receiveErrs are returned by Receive, one per call, before any delivery.
	receiveErrs []error
	seq         int
	closed      bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queues: make(map[string]*fakeQueue)}
}

func (b *fakeBroker) Publish(_ context.Context, _ string, body []byte, attrs map[string]transport.AttributeValue) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	for _, q := range b.queues {
		b.seq++
		q.ready <- transport.Delivery{
			ID:           fmt.Sprintf("d-%d", b.seq),
			Body:         append([]byte(nil), body...),
			Attributes:   attrs,
			QueueURL:     "fake://" + q.name,
			ReceiveCount: 1,
		}
	}
	return nil
}

func (b *fakeBroker) Bind(_ context.Context, binding transport.Binding) (transport.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.binds++
	if b.bindErr != nil {
		return nil, b.bindErr
	}
	q, ok := b.queues[binding.QueueName]
	if !ok {
		q = &fakeQueue{broker: b, name: binding.QueueName, ready: make(chan transport.Delivery, 64)}
		b.queues[binding.QueueName] = q
	}
	q.mu.Lock()
	q.topics = append(q.topics, binding.Topic)
	q.mu.Unlock()
	return q, nil
}

func (b *fakeBroker) Close(context.Context, bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBroker) queue(name string) *fakeQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[name]
}

func (b *fakeBroker) bindCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binds
}

func (b *fakeBroker) nextReceiveErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	if len(b.receiveErrs) == 0 {
		return nil
	}
	err := b.receiveErrs[0]
	b.receiveErrs = b.receiveErrs[1:]
	return err
}

// reportingBroker adds fixed capabilities to a fakeBroker.
type reportingBroker struct {
	*fakeBroker
	caps transport.Capabilities
}

func (b reportingBroker) Capabilities() transport.Capabilities { return b.caps }

type fakeQueue struct {
	broker *fakeBroker
	name   string
	ready  chan transport.Delivery

	mu       sync.Mutex
	topics   []string
	deleted  []string
	released []string
}

func (q *fakeQueue) Name() string { return q.name }
func (q *fakeQueue) URL() string  { return "fake://" + q.name }

func (q *fakeQueue) Topics() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.topics...)
}

func (q *fakeQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]transport.Delivery, error) {
	if err := q.broker.nextReceiveErr(); err != nil {
		return nil, err
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	var out []transport.Delivery
	select {
	case d := <-q.ready:
		out = append(out, d)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	for len(out) < max {
		select {
		case d := <-q.ready:
			out = append(out, d)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (q *fakeQueue) Delete(_ context.Context, d transport.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, d.ID)
	return nil
}

func (q *fakeQueue) Release(_ context.Context, d transport.Delivery) error {
	q.mu.Lock()
	q.released = append(q.released, d.ID)
	q.mu.Unlock()
	d.ReceiveCount++
	q.ready <- d
	return nil
}

func (q *fakeQueue) settled() (deleted, released int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deleted), len(q.released)
}

func newFakeService(t *testing.T, broker transport.Broker, logger loggingpkg.ServiceLogger) *Service {
	t.Helper()
	cfg := testConfig()
	cfg.Transport = ""
	if logger == nil {
		logger = discardLogger()
	}
	svc, err := NewService(cfg, logger, ServiceDependencies{Broker: broker, Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func recordingLogger() (loggingpkg.ServiceLogger, *observer.ObservedLogs) {
	core, recorded := observer.New(zapcore.DebugLevel)
	return loggingpkg.NewZapServiceLogger(zap.New(core)), recorded
}

// foreignEnvelope builds a JSON envelope stamped with a protocol version no
// envelope accepts.
func foreignEnvelope(t *testing.T, svc *Service, topic string) []byte {
	t.Helper()
	payload, err := envelope.NewJSONEnvelope().Build(context.Background(), svc.Identity(), topic, order{ID: "o-9"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return []byte(strings.ReplaceAll(payload, envelope.JSONProtocolVersion, "other-json--9.0.0"))
}

func TestSharedQueueRoutesByEnvelopeTopic(t *testing.T) {
	broker := newFakeBroker()
	svc := newFakeService(t, broker, nil)

	var created, deleted atomic.Int32
	subscribe := func(name, topic string, calls *atomic.Int32) *SubscriptionHandle {
		h, err := svc.Subscribe(SubscriptionRegistration{
			Name:      name,
			Topic:     topic,
			QueueName: "jobs",
			Competing: true,
			Handler: func(ctx context.Context, call *Call) error {
				if call.Topic != topic {
					t.Errorf("%s got topic %q", name, call.Topic)
				}
				calls.Add(1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Subscribe %s: %v", name, err)
		}
		return h
	}
	onCreated := subscribe("on_created", "orders.created", &created)
	onDeleted := subscribe("on_deleted", "orders.deleted", &deleted)
	startService(t, svc)

	if err := svc.Publish(context.Background(), "orders.created", order{ID: "o-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	eventually(t, "created handler", func() bool { return onCreated.Stats().Handled == 1 })
	eventually(t, "delete", func() bool { n, _ := broker.queue("jobs").settled(); return n == 1 })
	if n := deleted.Load(); n != 0 {
		t.Fatalf("orders.deleted handler ran %d times for orders.created", n)
	}
	if st := onDeleted.Stats(); st.Received != 0 {
		t.Fatalf("orders.deleted handler saw the delivery: %+v", st)
	}

	if err := svc.Publish(context.Background(), "orders.deleted", order{ID: "o-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	eventually(t, "deleted handler", func() bool { return onDeleted.Stats().Handled == 1 })
	if n := created.Load(); n != 1 {
		t.Fatalf("orders.created handler ran %d times, want 1", n)
	}
}

func TestIncompatibleProtocolIsNotSettled(t *testing.T) {
	broker := newFakeBroker()
	svc := newFakeService(t, broker, nil)

	var calls atomic.Int32
	handle, err := svc.Subscribe(SubscriptionRegistration{
		Name:    "legacy",
		Topic:   "orders.created",
		Handler: func(context.Context, *Call) error { calls.Add(1); return nil },
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	startService(t, svc)

	if err := broker.Publish(context.Background(), "orders.created", foreignEnvelope(t, svc, "orders.created"), nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	eventually(t, "left outcome", func() bool { return handle.Stats().Left == 1 })
	time.Sleep(200 * time.Millisecond)

	deleted, released := broker.queue(handle.QueueName).settled()
	if deleted != 0 || released != 0 {
		t.Fatalf("left message was settled: %d deleted, %d released", deleted, released)
	}
	if st := handle.Stats(); st.Received != 1 || st.Left != 1 {
		t.Fatalf("left message came back: %+v", st)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("handler ran %d times for an incompatible message", n)
	}
}

func TestIncompatibleProtocolDoesNotSpinOnWatermillQueues(t *testing.T) {
	svc := newTestService(t, nil)
	handle, err := svc.Subscribe(SubscriptionRegistration{
		Name:    "legacy",
		Topic:   "orders.created",
		Handler: func(context.Context, *Call) error { return nil },
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	startService(t, svc)

	ctx := context.Background()
	broker, err := svc.connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := broker.Publish(ctx, "orders.created", foreignEnvelope(t, svc, "orders.created"), nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	eventually(t, "left outcome", func() bool { return handle.Stats().Left == 1 })
	time.Sleep(300 * time.Millisecond)
	if st := handle.Stats(); st.Received > 2 {
		t.Fatalf("message redelivered before its visibility timeout: %+v", st)
	}
}

func TestSentinelTopics(t *testing.T) {
	broker := newFakeBroker()
	q, _ := broker.Bind(context.Background(), transport.Binding{Topic: "orders.created", QueueName: "q"})
	_, _ = broker.Bind(context.Background(), transport.Binding{Topic: "billing.paid", QueueName: "q"})

	exact := &SubscriptionHandle{Topic: "orders.created"}
	if got := sentinelTopics(exact); len(got) != 1 || got[0] != "orders.created" {
		t.Fatalf("exact topic: %v", got)
	}

	bound := &SubscriptionHandle{Topic: "orders.*", queue: q}
	bound.matcher = naming.NewWildcardMatcher(bound.Topic, "")
	if got := sentinelTopics(bound); len(got) != 1 || got[0] != "orders.created" {
		t.Fatalf("wildcard with bound topics: %v", got)
	}

	pattern := &SubscriptionHandle{Topic: "orders.#"}
	pattern.matcher = naming.NewWildcardMatcher(pattern.Topic, "")
	got := sentinelTopics(pattern)
	if len(got) != 1 || got[0] != "orders."+drainWord || !pattern.matches(got[0]) {
		t.Fatalf("wildcard without bound topics: %v", got)
	}
}

func TestReceiveOutageIsLoggedOnceAndQueueRebound(t *testing.T) {
	initial, maxInterval := receiveBackoffInitial, receiveBackoffMax
	receiveBackoffInitial, receiveBackoffMax = time.Millisecond, 5*time.Millisecond
	t.Cleanup(func() { receiveBackoffInitial, receiveBackoffMax = initial, maxInterval })

	broker := newFakeBroker()
	broker.receiveErrs = []error{
		transport.ErrDisconnected,
		transport.ErrDisconnected,
		transport.ErrDisconnected,
		fmt.Errorf("%w: jobs", transport.ErrQueueDoesNotExist),
	}
	logger, recorded := recordingLogger()
	svc := newFakeService(t, broker, logger)

	handle, err := svc.Subscribe(SubscriptionRegistration{
		Name:    "resilient",
		Topic:   "orders.created",
		Handler: func(context.Context, *Call) error { return nil },
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	startService(t, svc)

	eventually(t, "recovery", func() bool {
		return recorded.FilterMessage("Receiving messages recovered").Len() == 1
	})
	if n := broker.bindCount(); n != 2 {
		t.Fatalf("expected the vanished queue to be bound again, got %d binds", n)
	}
	if n := recorded.FilterMessage("Receiving messages failed, retrying").Len(); n != 1 {
		t.Fatalf("outage logged %d times, want once", n)
	}
	if n := recorded.FilterMessage("Queue bound again").Len(); n != 1 {
		t.Fatalf("rebind logged %d times, want once", n)
	}

	if err := svc.Publish(context.Background(), "orders.created", order{ID: "o-6"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	eventually(t, "handled after recovery", func() bool { return handle.Stats().Handled == 1 })
}

func TestBindFailureIsFatal(t *testing.T) {
	broker := newFakeBroker()
	broker.bindErr = transport.ErrDisconnected
	svc := newFakeService(t, broker, nil)
	if _, err := svc.Subscribe(SubscriptionRegistration{
		Name:    "unbindable",
		Topic:   "orders.created",
		Handler: func(context.Context, *Call) error { return nil },
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	err := svc.Start(context.Background())
	if !errors.Is(err, transport.ErrDisconnected) {
		t.Fatalf("expected bind error, got %v", err)
	}
	if svc.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", svc.State())
	}
}

func TestWildcardSubscriptionNeedsWildcardTransport(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.Subscribe(SubscriptionRegistration{
		Name:    "everything",
		Topic:   "orders.#",
		Handler: func(context.Context, *Call) error { return nil },
	})
	if !errors.Is(err, errspkg.ErrWildcardUnsupported) {
		t.Fatalf("expected wildcard rejection, got %v", err)
	}
	var regErr *errspkg.RegistrationError
	if !errors.As(err, &regErr) || regErr.Name != "everything" {
		t.Fatalf("expected a registration error for the handler, got %v", err)
	}

	broker := newFakeBroker()
	unknown := newFakeService(t, broker, nil)
	if _, err := unknown.Subscribe(SubscriptionRegistration{
		Name:    "everything",
		Topic:   "orders.#",
		Handler: func(context.Context, *Call) error { return nil },
	}); err != nil {
		t.Fatalf("brokers without capabilities accept wildcards, got %v", err)
	}
}

func TestRetryOnUnreliableBrokerWarns(t *testing.T) {
	for name, tc := range map[string]struct {
		broker transport.Broker
		warned int
	}{
		"unreliable": {broker: reportingBroker{fakeBroker: newFakeBroker(), caps: transport.Capabilities{Name: "lossy"}}, warned: 1},
		"reliable":   {broker: reportingBroker{fakeBroker: newFakeBroker(), caps: transport.ChannelCapabilities}, warned: 0},
		"unknown":    {broker: newFakeBroker(), warned: 0},
	} {
		t.Run(name, func(t *testing.T) {
			logger, recorded := recordingLogger()
			svc := newFakeService(t, tc.broker, logger)
			var calls atomic.Int32
			handle, err := svc.Subscribe(SubscriptionRegistration{
				Name:  "flaky",
				Topic: "orders.created",
				Handler: func(context.Context, *Call) error {
					if calls.Add(1) == 1 {
						return errspkg.Retry(errors.New("database busy"))
					}
					return nil
				},
			})
			if err != nil {
				t.Fatalf("Subscribe: %v", err)
			}
			startService(t, svc)

			if err := svc.Publish(context.Background(), "orders.created", order{ID: "o-7"}); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			eventually(t, "redelivery", func() bool { return handle.Stats().Handled == 1 })
			if n := recorded.FilterMessage("Broker does not guarantee redelivery, the retried message may be lost").Len(); n != tc.warned {
				t.Fatalf("warned %d times, want %d", n, tc.warned)
			}
		})
	}
}
