package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/flotilla/internal/runtime/chain"
	"github.com/drblury/flotilla/internal/runtime/envelope"
	errspkg "github.com/drblury/flotilla/internal/runtime/errors"
	"github.com/drblury/flotilla/internal/runtime/httpapi"
	"github.com/drblury/flotilla/internal/runtime/naming"
	"github.com/drblury/flotilla/internal/runtime/schedule"
	"github.com/drblury/flotilla/transport"
)

// Keyword arguments the runtime passes down every chain.
const (
	KwargTopic         = "topic"
	KwargQueueURL      = "queue_url"
	KwargDelivery      = "delivery"
	KwargReceiveCount  = "receive_count"
	KwargFiredAt       = "fired_at"
	KwargCorrelationID = "correlation_id"
)

// ErrNoMessage is returned by Call.Decode on scheduled invocations.
var ErrNoMessage = errors.New("flotilla: invocation carries no message")

// HandlerFunc is the signature of message and scheduled handlers.
type HandlerFunc func(ctx context.Context, call *Call) error

// Call is what a handler receives. Message and Delivery are nil for
// scheduled invocations; FiredAt is zero for message handlers.
type Call struct {
	Handler  string
	Service  *Service
	Message  *envelope.Message
	Delivery *transport.Delivery
	Topic    string
	QueueURL string
	FiredAt  time.Time
	Kwargs   chain.Kwargs
}

// Decode unmarshals the message payload into v.
func (c *Call) Decode(v any) error {
	if c.Message == nil {
		return ErrNoMessage
	}
	return c.Message.Decode(v)
}

func (c *Call) DecodeProto(m proto.Message) error {
	if c.Message == nil {
		return ErrNoMessage
	}
	return c.Message.DecodeProto(m)
}

func newCall(inv *chain.Invocation) *Call {
	call := &Call{Handler: inv.Handler, Kwargs: inv.Kwargs}
	call.Service, _ = inv.Service.(*Service)
	call.Message, _ = inv.Message.(*envelope.Message)
	call.Delivery, _ = inv.Kwargs[KwargDelivery].(*transport.Delivery)
	call.Topic, _ = inv.Kwargs[KwargTopic].(string)
	call.QueueURL, _ = inv.Kwargs[KwargQueueURL].(string)
	call.FiredAt, _ = inv.Kwargs[KwargFiredAt].(time.Time)
	return call
}

func terminal(h HandlerFunc) chain.Handler {
	return func(ctx context.Context, inv *chain.Invocation) error {
		return h(ctx, newCall(inv))
	}
}

// SubscriptionRegistration binds a handler to a topic.
type SubscriptionRegistration struct {
	Name    string
	Topic   string
	Handler HandlerFunc
	// QueueName pins the physical queue. It requires Competing.
	QueueName string
	// Competing shares one queue between every instance of the service.
	Competing bool
	// Envelope overrides the service envelope for this subscription.
	Envelope envelope.Envelope
	// Middlewares run after the service message middlewares, in order.
	Middlewares []any
}

// SubscriptionHandle describes a registered subscription.
type SubscriptionHandle struct {
	Name      string
	Topic     string
	QueueName string
	Competing bool

	handler     HandlerFunc
	envelope    envelope.Envelope
	middlewares []chain.Middleware
	matcher     *naming.WildcardMatcher
	composed    chain.Handler
	stats       *SubscriptionStats

	mu    sync.Mutex
	queue transport.Queue
}

// QueueURL is empty until the service has bound the queue.
func (h *SubscriptionHandle) QueueURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.queue == nil {
		return ""
	}
	return h.queue.URL()
}

func (h *SubscriptionHandle) Stats() StatsSnapshot {
	return h.stats.Snapshot()
}

func (h *SubscriptionHandle) matches(topic string) bool {
	if h.matcher != nil {
		return h.matcher.MatchTopic(topic)
	}
	return h.Topic == topic
}

func (h *SubscriptionHandle) currentQueue() transport.Queue {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queue
}

func (h *SubscriptionHandle) setQueue(q transport.Queue) {
	h.mu.Lock()
	h.queue = q
	h.mu.Unlock()
}

// ScheduleRegistration runs a handler on a schedule.
type ScheduleRegistration struct {
	Name        string
	Spec        schedule.Spec
	Handler     HandlerFunc
	Middlewares []any
}

// ScheduleHandle describes a registered schedule.
type ScheduleHandle struct {
	Name string
	Spec schedule.Spec

	svc         *Service
	trigger     schedule.Trigger
	handler     HandlerFunc
	middlewares []chain.Middleware
}

// State reports the job loop; it is zero until the service starts.
func (h *ScheduleHandle) State() schedule.JobState {
	for _, st := range h.svc.scheduler.Jobs() {
		if st.Name == h.Name {
			return st
		}
	}
	return schedule.JobState{Name: h.Name, State: schedule.StateIdle}
}

func registrationError(kind, name string, err error) error {
	return &errspkg.RegistrationError{Kind: kind, Name: name, Err: err}
}

// Subscribe registers a message handler. Registrations close when the
// service starts.
func (s *Service) Subscribe(reg SubscriptionRegistration) (*SubscriptionHandle, error) {
	switch {
	case reg.Name == "":
		return nil, registrationError("subscription", reg.Topic, errspkg.ErrHandlerNameRequired)
	case reg.Handler == nil:
		return nil, registrationError("subscription", reg.Name, errspkg.ErrHandlerRequired)
	case reg.Topic == "":
		return nil, registrationError("subscription", reg.Name, errspkg.ErrTopicRequired)
	case reg.QueueName != "" && !reg.Competing:
		return nil, registrationError("subscription", reg.Name, errspkg.ErrNamedQueueRequiresCompeting)
	case s.deps.Broker == nil && s.Conf.Transport == "":
		return nil, registrationError("subscription", reg.Name, errspkg.ErrBrokerRequired)
	}
	if caps, known := s.capabilities(); known && naming.IsWildcard(reg.Topic) && !caps.SupportsWildcards {
		return nil, registrationError("subscription", reg.Name, fmt.Errorf("%w: %s", errspkg.ErrWildcardUnsupported, caps.Name))
	}

	middlewares, err := chain.AdaptAll(reg.Middlewares...)
	if err != nil {
		return nil, registrationError("subscription", reg.Name, err)
	}

	env := reg.Envelope
	if env == nil {
		env = s.envelope
	}

	prefix := s.Conf.AWSSNSSQS.QueueNamePrefix
	queueName := naming.QueueName(reg.Topic, reg.Name, s.identity.UUID, reg.Competing, prefix)
	if reg.QueueName != "" {
		queueName = prefix + reg.QueueName
	}

	handle := &SubscriptionHandle{
		Name:        reg.Name,
		Topic:       reg.Topic,
		QueueName:   queueName,
		Competing:   reg.Competing,
		handler:     reg.Handler,
		envelope:    env,
		middlewares: middlewares,
		stats:       newSubscriptionStats(),
	}
	if naming.IsWildcard(reg.Topic) {
		handle.matcher = naming.NewWildcardMatcher(reg.Topic, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, registrationError("subscription", reg.Name, errspkg.ErrAlreadyStarted)
	}
	if s.handlerNameTaken(reg.Name) {
		return nil, registrationError("subscription", reg.Name, errspkg.ErrDuplicateHandler)
	}
	s.subscriptions = append(s.subscriptions, handle)
	return handle, nil
}

// Schedule registers a scheduled handler. The schedule must yield a fire
// time at registration.
func (s *Service) Schedule(reg ScheduleRegistration) (*ScheduleHandle, error) {
	if reg.Name == "" {
		return nil, registrationError("schedule", "", errspkg.ErrHandlerNameRequired)
	}
	if reg.Handler == nil {
		return nil, registrationError("schedule", reg.Name, errspkg.ErrHandlerRequired)
	}
	trigger, err := reg.Spec.Compile()
	if err != nil {
		if !errors.Is(err, errspkg.ErrInvalidSchedule) {
			err = fmt.Errorf("%w: %w", errspkg.ErrInvalidSchedule, err)
		}
		return nil, registrationError("schedule", reg.Name, err)
	}
	middlewares, err := chain.AdaptAll(reg.Middlewares...)
	if err != nil {
		return nil, registrationError("schedule", reg.Name, err)
	}

	handle := &ScheduleHandle{
		Name:        reg.Name,
		Spec:        reg.Spec,
		svc:         s,
		trigger:     trigger,
		handler:     reg.Handler,
		middlewares: middlewares,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, registrationError("schedule", reg.Name, errspkg.ErrAlreadyStarted)
	}
	if s.handlerNameTaken(reg.Name) {
		return nil, registrationError("schedule", reg.Name, errspkg.ErrDuplicateHandler)
	}
	s.schedules = append(s.schedules, handle)
	return handle, nil
}

func (s *Service) handlerNameTaken(name string) bool {
	for _, h := range s.subscriptions {
		if h.Name == name {
			return true
		}
	}
	for _, h := range s.schedules {
		if h.Name == name {
			return true
		}
	}
	return false
}

// Route registers an HTTP handler. Patterns use chi syntax.
func (s *Service) Route(method, pattern string, handler httpapi.Handler) error {
	if err := s.http.RegisterRoute(method, pattern, handler); err != nil {
		return registrationError("route", method+" "+pattern, fmt.Errorf("%w: %w", errspkg.ErrRouteRequired, err))
	}
	return nil
}

// ErrorHandler renders responses with the given status.
func (s *Service) ErrorHandler(status int, handler httpapi.ErrorHandler) error {
	if err := s.http.RegisterErrorHandler(status, handler); err != nil {
		return registrationError("error handler", fmt.Sprint(status), err)
	}
	return nil
}

// Use appends message middlewares. They run for every subscription, after
// the built-in middlewares and before per-subscription ones.
func (s *Service) Use(middlewares ...any) error {
	adapted, err := chain.AdaptAll(middlewares...)
	if err != nil {
		return registrationError("middleware", "", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return registrationError("middleware", "", errspkg.ErrAlreadyStarted)
	}
	s.messageMiddlewares = append(s.messageMiddlewares, adapted...)
	return nil
}

// Subscriptions lists the registered subscriptions.
func (s *Service) Subscriptions() []*SubscriptionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*SubscriptionHandle(nil), s.subscriptions...)
}

// Schedules lists the registered schedules.
func (s *Service) Schedules() []*ScheduleHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ScheduleHandle(nil), s.schedules...)
}
