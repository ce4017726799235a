package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drblury/flotilla/internal/runtime/chain"
	"github.com/drblury/flotilla/internal/runtime/envelope"
	errspkg "github.com/drblury/flotilla/internal/runtime/errors"
	loggingpkg "github.com/drblury/flotilla/internal/runtime/logging"
	"github.com/drblury/flotilla/internal/runtime/naming"
	"github.com/drblury/flotilla/transport"
)

// Drain sentinels wake consumers blocked in a long poll during shutdown.
// Every instance deletes them without invoking handlers.
const (
	DrainAttribute = "flotilla_drain"
	drainBody      = "__flotilla_drain__"
)

// Receive failures back off exponentially between these bounds.
var (
	receiveBackoffInitial = 500 * time.Millisecond
	receiveBackoffMax     = 30 * time.Second
)

func isDrainSentinel(d transport.Delivery) bool {
	if _, ok := d.Attributes[DrainAttribute]; ok {
		return true
	}
	return string(d.Body) == drainBody
}

// consumer polls one physical queue. Several subscriptions share a consumer
// when they name the same queue.
type consumer struct {
	svc      *Service
	broker   transport.Broker
	name     string
	log      loggingpkg.ServiceLogger
	bindings []transport.Binding
	handlers []*SubscriptionHandle
	// reliable is false when the broker may drop released messages.
	reliable bool

	mu    sync.Mutex
	queue transport.Queue
}

// bindAll composes every subscription chain and binds its queue. The first
// failure aborts startup.
func (s *Service) bindAll(ctx context.Context, broker transport.Broker, subs []*SubscriptionHandle) ([]*consumer, error) {
	s.mu.Lock()
	links := append(append([]chain.Middleware(nil), s.baseMiddlewares...), s.messageMiddlewares...)
	s.mu.Unlock()

	caps, known := s.capabilities()
	reliable := !known || caps.SupportsReliableDelivery()

	byQueue := make(map[string]*consumer, len(subs))
	consumers := make([]*consumer, 0, len(subs))
	for _, h := range subs {
		h.composed = chain.Compose(terminal(h.handler), append(append([]chain.Middleware(nil), links...), h.middlewares...)...)

		binding := transport.Binding{Topic: h.Topic, QueueName: h.QueueName, Competing: h.Competing}
		q, err := broker.Bind(ctx, binding)
		if err != nil {
			return nil, fmt.Errorf("bind %q to queue %s: %w", h.Topic, h.QueueName, err)
		}
		h.setQueue(q)
		s.Logger.Info("Subscribed", loggingpkg.LogFields{
			"handler":   h.Name,
			"topic":     h.Topic,
			"queue":     h.QueueName,
			"queue_url": q.URL(),
			"competing": h.Competing,
		})

		c, ok := byQueue[h.QueueName]
		if !ok {
			c = &consumer{
				svc:      s,
				broker:   broker,
				name:     h.QueueName,
				log:      s.Logger.With(loggingpkg.LogFields{"queue": h.QueueName}),
				queue:    q,
				reliable: reliable,
			}
			byQueue[h.QueueName] = c
			consumers = append(consumers, c)
		}
		c.bindings = append(c.bindings, binding)
		c.handlers = append(c.handlers, h)
	}
	return consumers, nil
}

func (c *consumer) currentQueue() transport.Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// run receives until polling is cancelled or the service drains. Each
// delivery is handled on its own goroutine under handlerCtx.
func (c *consumer) run(pollCtx, handlerCtx context.Context) {
	cfg := c.svc.Conf.AWSSNSSQS
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = receiveBackoffInitial
	bo.MaxInterval = receiveBackoffMax
	bo.MaxElapsedTime = 0

	outage := false
	for !c.svc.isDraining() && pollCtx.Err() == nil {
		deliveries, err := c.currentQueue().Receive(pollCtx, cfg.MaxMessages, cfg.WaitTime)
		if err != nil {
			if pollCtx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			if c.svc.metrics != nil {
				c.svc.metrics.ReceiveError(c.name)
			}
			if errors.Is(err, transport.ErrQueueDoesNotExist) {
				c.log.Warn("Queue no longer exists, binding it again", loggingpkg.LogFields{"error": err.Error()})
				if err = c.rebind(pollCtx); err == nil {
					continue
				}
			}
			if !outage {
				outage = true
				c.log.Error("Receiving messages failed, retrying", err, nil)
			}
			if !sleepContext(pollCtx, bo.NextBackOff()) {
				return
			}
			continue
		}
		if outage {
			outage = false
			bo.Reset()
			c.log.Info("Receiving messages recovered", nil)
		}

		for _, d := range deliveries {
			c.svc.inflight.Add(1)
			go func() {
				defer c.svc.inflight.Done()
				c.handle(handlerCtx, d)
			}()
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// rebind recreates the queue and its subscriptions after it vanished.
func (c *consumer) rebind(ctx context.Context) error {
	var first transport.Queue
	for i, b := range c.bindings {
		q, err := c.broker.Bind(ctx, b)
		if err != nil {
			return fmt.Errorf("rebind queue %s: %w", b.QueueName, err)
		}
		c.handlers[i].setQueue(q)
		if first == nil {
			first = q
		}
	}
	c.mu.Lock()
	c.queue = first
	c.mu.Unlock()
	if c.svc.metrics != nil {
		c.svc.metrics.Rebound(c.name)
	}
	c.log.Info("Queue bound again", loggingpkg.LogFields{"queue_url": first.URL()})
	return nil
}

// disposition is what happens to a delivery once its handlers ran. When
// several handlers share a queue the largest value wins.
type disposition int

const (
	dispositionDelete disposition = iota
	// dispositionLeave keeps the delivery in flight until its visibility
	// timeout expires, so another instance may pick it up.
	dispositionLeave
	dispositionRelease
)

// handle dispatches one delivery to the handlers whose topic it carries and
// settles it.
func (c *consumer) handle(ctx context.Context, d transport.Delivery) {
	if c.svc.metrics != nil {
		c.svc.metrics.Received(c.name)
	}
	if isDrainSentinel(d) {
		c.settle(ctx, d, dispositionDelete)
		return
	}

	result := dispositionDelete
	matched := 0
	for _, h := range c.handlers {
		msg, err := h.envelope.Parse(ctx, string(d.Body))
		topic := deliveryTopic(msg, d)
		if len(c.handlers) > 1 && topic != "" && !h.matches(topic) {
			continue
		}
		matched++
		result = max(result, c.invoke(ctx, h, d, msg, err, topic))
	}
	if matched == 0 {
		c.log.Warn("No handler for topic, deleting message", loggingpkg.LogFields{
			"topic":       d.Topic,
			"delivery_id": d.ID,
		})
	}
	c.settle(ctx, d, result)
}

// deliveryTopic prefers the topic recorded in the envelope; queues bound to
// several topics may not report one per delivery.
func deliveryTopic(msg *envelope.Message, d transport.Delivery) string {
	if msg != nil && msg.Topic != "" {
		return msg.Topic
	}
	return d.Topic
}

// invoke runs one handler on the parsed message.
func (c *consumer) invoke(ctx context.Context, h *SubscriptionHandle, d transport.Delivery, msg *envelope.Message, parseErr error, topic string) disposition {
	finish := h.stats.start(d.ReceiveCount)
	log := c.log.With(loggingpkg.LogFields{"handler": h.Name, "delivery_id": d.ID})
	outcome := func(name string, err error) {
		finish(name, err)
		if c.svc.metrics != nil {
			c.svc.metrics.Outcome(h.Name, name)
		}
	}

	switch {
	case errors.Is(parseErr, envelope.ErrIncompatibleProtocol):
		fields := loggingpkg.LogFields{"error": parseErr.Error()}
		if msg != nil {
			fields["message_uuid"] = msg.UUID
		}
		log.Warn("Incompatible protocol version, leaving message on the queue", fields)
		outcome(OutcomeLeft, parseErr)
		return dispositionLeave
	case parseErr != nil:
		log.Error("Discarding malformed message", parseErr, nil)
		outcome(OutcomeDiscarded, parseErr)
		return dispositionDelete
	}

	if !c.svc.ledger.Claim(msg.UUID, h.Name) {
		log.Debug("Duplicate delivery, skipping", loggingpkg.LogFields{"message_uuid": msg.UUID})
		outcome(OutcomeDuplicate, nil)
		return dispositionDelete
	}

	err := h.composed(ctx, &chain.Invocation{
		Handler: h.Name,
		Service: c.svc,
		Message: msg,
		Kwargs: chain.Kwargs{
			KwargTopic:        topic,
			KwargQueueURL:     d.QueueURL,
			KwargDelivery:     &d,
			KwargReceiveCount: d.ReceiveCount,
		},
	})
	switch {
	case err == nil:
		outcome(OutcomeHandled, nil)
		return dispositionDelete
	case errspkg.IsRetryable(err):
		c.svc.ledger.Forget(msg.UUID, h.Name)
		log.Warn("Handler asked for redelivery", loggingpkg.LogFields{
			"message_uuid":  msg.UUID,
			"receive_count": d.ReceiveCount,
			"error":         err.Error(),
		})
		if !c.reliable {
			log.Warn("Broker does not guarantee redelivery, the retried message may be lost", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
			})
		}
		outcome(OutcomeRetried, err)
		return dispositionRelease
	default:
		log.Error("Handler failed, deleting message", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		outcome(OutcomeFailed, err)
		return dispositionDelete
	}
}

// settle deletes or releases the delivery. Left deliveries are untouched
// unless the queue needs an explicit hand-back.
func (c *consumer) settle(ctx context.Context, d transport.Delivery, disp disposition) {
	ctx = context.WithoutCancel(ctx)
	q := c.currentQueue()
	var err error
	switch disp {
	case dispositionRelease:
		err = q.Release(ctx, d)
	case dispositionLeave:
		leaver, ok := q.(transport.Leaver)
		if !ok {
			return
		}
		err = leaver.Leave(ctx, d)
	default:
		err = q.Delete(ctx, d)
	}
	if err != nil {
		c.log.Warn("Failed to settle message", loggingpkg.LogFields{
			"delivery_id": d.ID,
			"disposition": disp.String(),
			"error":       err.Error(),
		})
	}
}

func (d disposition) String() string {
	switch d {
	case dispositionLeave:
		return "leave"
	case dispositionRelease:
		return "release"
	default:
		return "delete"
	}
}

// drainWord stands in for wildcard segments when no concrete topic is known
// for a pattern subscription.
const drainWord = "flotilla-drain"

// publishSentinels publishes Drain.Messages sentinels to every topic the
// service consumes.
func (s *Service) publishSentinels(ctx context.Context, broker transport.Broker, subs []*SubscriptionHandle) {
	seen := make(map[string]struct{}, len(subs))
	attrs := map[string]transport.AttributeValue{DrainAttribute: transport.StringAttribute("1")}
	for _, h := range subs {
		for _, topic := range sentinelTopics(h) {
			if _, ok := seen[topic]; ok {
				continue
			}
			seen[topic] = struct{}{}
			for range s.Conf.Drain.Messages {
				if err := broker.Publish(ctx, topic, []byte(drainBody), attrs); err != nil {
					s.Logger.Warn("Failed to publish drain message", loggingpkg.LogFields{
						"topic": topic,
						"error": err.Error(),
					})
					break
				}
			}
		}
	}
}

// sentinelTopics lists the concrete topics that reach h's queue. Wildcard
// subscriptions use the topics found at bind time, or a topic built from the
// pattern when the broker matches patterns at publish time.
func sentinelTopics(h *SubscriptionHandle) []string {
	if !naming.IsWildcard(h.Topic) {
		return []string{h.Topic}
	}
	var topics []string
	if q := h.currentQueue(); q != nil {
		for _, topic := range q.Topics() {
			if !naming.IsWildcard(topic) && h.matches(topic) {
				topics = append(topics, topic)
			}
		}
	}
	if len(topics) == 0 {
		topics = append(topics, strings.NewReplacer("*", drainWord, "#", drainWord).Replace(h.Topic))
	}
	return topics
}
