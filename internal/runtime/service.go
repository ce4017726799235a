package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/flotilla/internal/runtime/chain"
	configpkg "github.com/drblury/flotilla/internal/runtime/config"
	"github.com/drblury/flotilla/internal/runtime/dedup"
	"github.com/drblury/flotilla/internal/runtime/envelope"
	errspkg "github.com/drblury/flotilla/internal/runtime/errors"
	"github.com/drblury/flotilla/internal/runtime/httpapi"
	idspkg "github.com/drblury/flotilla/internal/runtime/ids"
	loggingpkg "github.com/drblury/flotilla/internal/runtime/logging"
	"github.com/drblury/flotilla/internal/runtime/schedule"
	"github.com/drblury/flotilla/transport"
)

// Service states reported by State.
const (
	StateCreated  = "created"
	StateStarting = "starting"
	StateRunning  = "running"
	StateDraining = "draining"
	StateStopped  = "stopped"
)

// LifecycleHook runs at a service lifecycle transition.
type LifecycleHook func(ctx context.Context, svc *Service) error

// ServiceDependencies holds the optional collaborators of a Service. Leave
// fields nil for the defaults.
type ServiceDependencies struct {
	// Broker is used as is instead of building one from Registry.
	Broker transport.Broker
	// Registry resolves Config.Transport. Defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	// Envelope overrides the envelope named by Config.Envelope.
	Envelope envelope.Envelope
	// Registerer receives the Prometheus collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Ledger deduplicates deliveries. Defaults to dedup.New().
	Ledger *dedup.Ledger

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips the default middleware chain when true.
}

// Service owns subscriptions, schedules and HTTP routes, and runs them
// between Start and Stop.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	deps      ServiceDependencies
	identity  envelope.Service
	envelope  envelope.Envelope
	ledger    *dedup.Ledger
	scheduler *schedule.Scheduler
	http      *httpapi.Server
	metrics   *Metrics

	mu                 sync.Mutex
	started            bool
	state              string
	subscriptions      []*SubscriptionHandle
	schedules          []*ScheduleHandle
	baseMiddlewares    []chain.Middleware // defaults and ServiceDependencies.Middlewares
	messageMiddlewares []chain.Middleware // added through Use
	onStart            []LifecycleHook
	onStarted          []LifecycleHook
	onStop             []LifecycleHook

	brokerMu     sync.Mutex
	broker       transport.Broker
	brokerClosed bool

	draining   chan struct{}
	drainOnce  sync.Once
	stopCh     chan struct{}
	stopOnce   sync.Once
	onStopOnce sync.Once
	ready      chan struct{}
	done       chan struct{}
	inflight   sync.WaitGroup
}

// NewService validates cfg and prepares a Service. Register handlers on the
// returned Service before calling Start.
func NewService(cfg *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	conf := cfg.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if conf.Service.UUID == "" {
		conf.Service.UUID = idspkg.NewUUID()
	}

	env := deps.Envelope
	if env == nil {
		var err error
		if env, err = envelope.ByName(conf.Envelope); err != nil {
			return nil, errspkg.NewConfigValidationError(err)
		}
	}

	s := &Service{
		Conf:     &conf,
		Logger:   log.With(loggingpkg.LogFields{"service": conf.Service.Name, "service_uuid": conf.Service.UUID}),
		deps:     deps,
		identity: envelope.Service{Name: conf.Service.Name, UUID: conf.Service.UUID},
		envelope: env,
		ledger:   deps.Ledger,
		state:    StateCreated,
		draining: make(chan struct{}),
		stopCh:   make(chan struct{}),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.ledger == nil {
		s.ledger = dedup.New()
	}
	s.http = httpapi.New(s.Logger)

	schedOpts := []schedule.Option{schedule.WithMaxConcurrent(int64(conf.Scheduler.MaxConcurrentInvocations))}
	if conf.Metrics.Enabled {
		s.metrics = NewMetrics(deps.Registerer)
		schedOpts = append(schedOpts, schedule.WithObserver(s.metrics))
	}
	s.scheduler = schedule.New(s.Logger, schedOpts...)

	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	mws, err := s.buildMiddlewares(append(defaults, deps.Middlewares...))
	if err != nil {
		return nil, err
	}
	s.baseMiddlewares = mws

	s.Logger.Info("Creating service", loggingpkg.LogFields{
		"transport": conf.Transport,
		"config":    conf.String(),
	})
	return s, nil
}

// Identity returns the name and instance UUID stamped on published messages.
func (s *Service) Identity() envelope.Service { return s.identity }

// OnStart runs before queues are bound. An error aborts Start.
func (s *Service) OnStart(hook LifecycleHook) { s.addHook(&s.onStart, hook) }

// OnStarted runs once every consumer, schedule and the HTTP server are up.
func (s *Service) OnStarted(hook LifecycleHook) { s.addHook(&s.onStarted, hook) }

// OnStop runs exactly once after draining, before brokers are closed.
func (s *Service) OnStop(hook LifecycleHook) { s.addHook(&s.onStop, hook) }

func (s *Service) addHook(list *[]LifecycleHook, hook LifecycleHook) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	*list = append(*list, hook)
}

// State reports the lifecycle position.
func (s *Service) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Ready is closed once Start has brought everything up.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Done is closed when Start returns.
func (s *Service) Done() <-chan struct{} { return s.done }

// Start runs the service until ctx is done or Stop is called, then drains.
// Failing to reach the broker or bind a queue is fatal.
func (s *Service) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errspkg.ErrAlreadyStarted
	}
	s.started = true
	s.state = StateStarting
	subs := append([]*SubscriptionHandle(nil), s.subscriptions...)
	scheds := append([]*ScheduleHandle(nil), s.schedules...)
	s.mu.Unlock()
	defer close(s.done)

	// Handlers keep running through the drain; they are cancelled only when
	// the drain times out.
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()
	pollCtx, cancelPolls := context.WithCancel(handlerCtx)
	defer cancelPolls()
	httpCtx, cancelHTTP := context.WithCancel(handlerCtx)
	defer cancelHTTP()

	var broker transport.Broker
	if len(subs) > 0 || s.deps.Broker != nil || s.Conf.Transport != "" {
		if broker, err = s.connect(ctx); err != nil {
			s.setState(StateStopped)
			return err
		}
	}

	if err := s.runHooks(ctx, "on_start", s.hooks(&s.onStart)); err != nil {
		s.closeBroker(ctx)
		s.setState(StateStopped)
		return err
	}

	consumers, err := s.bindAll(ctx, broker, subs)
	if err != nil {
		s.closeBroker(ctx)
		s.setState(StateStopped)
		return err
	}

	for _, h := range scheds {
		job := s.scheduleJob(h)
		if err := s.scheduler.Add(handlerCtx, job); err != nil {
			s.closeBroker(ctx)
			s.setState(StateStopped)
			return registrationError("schedule", h.Name, err)
		}
	}

	g, gctx := errgroup.WithContext(httpCtx)
	if err := s.startHTTP(g, httpCtx); err != nil {
		s.closeBroker(ctx)
		s.setState(StateStopped)
		return err
	}

	var loops sync.WaitGroup
	for _, c := range consumers {
		loops.Add(1)
		go func() {
			defer loops.Done()
			c.run(pollCtx, handlerCtx)
		}()
	}
	if err := s.scheduler.Start(handlerCtx); err != nil {
		s.Logger.Error("Scheduler did not start", err, nil)
	}

	s.setState(StateRunning)
	close(s.ready)
	if err := s.runHooks(ctx, "on_started", s.hooks(&s.onStarted)); err != nil {
		s.Logger.Error("on_started hook failed, stopping", err, nil)
		s.signalStop()
	}
	s.Logger.Info("Service started", loggingpkg.LogFields{
		"subscriptions": len(subs),
		"schedules":     len(scheds),
	})

	var cause error
	select {
	case <-ctx.Done():
	case <-s.stopCh:
	case <-gctx.Done():
		cause = context.Cause(gctx)
	}

	s.drain(handlerCtx, broker, subs, &loops, cancelPolls)
	cancelHandlers()
	cancelHTTP()
	if herr := g.Wait(); herr != nil && !errors.Is(herr, context.Canceled) {
		cause = herr
	}
	s.setState(StateStopped)
	s.Logger.Info("Service stopped", nil)
	if cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// Stop asks a running service to drain and waits until Start returns or
// ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return errspkg.ErrNotStarted
	}
	s.signalStop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) signalStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Service) isDraining() bool {
	select {
	case <-s.draining:
		return true
	default:
		return false
	}
}

// drain stops polling, wakes blocked receives with sentinel messages, waits
// for loops and in-flight handlers up to Drain.Timeout, then runs OnStop
// and closes the broker.
func (s *Service) drain(ctx context.Context, broker transport.Broker, subs []*SubscriptionHandle, loops *sync.WaitGroup, cancelPolls context.CancelFunc) {
	s.setState(StateDraining)
	s.drainOnce.Do(func() { close(s.draining) })
	s.Logger.Info("Draining service", loggingpkg.LogFields{"timeout": s.Conf.Drain.Timeout.String()})

	deadline := time.Now().Add(s.Conf.Drain.Timeout)
	drainCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if broker != nil {
		s.publishSentinels(drainCtx, broker, subs)
	}

	if !waitTimeout(loops, time.Until(deadline)) {
		s.Logger.Warn("Consumers still polling at drain deadline, cancelling receives", nil)
	}
	cancelPolls()
	loops.Wait()

	if err := s.scheduler.Stop(drainCtx); err != nil {
		s.Logger.Warn("Scheduled handlers still running at drain deadline", loggingpkg.LogFields{"error": err.Error()})
	}
	if !waitTimeout(&s.inflight, time.Until(deadline)) {
		s.Logger.Warn("Message handlers still running at drain deadline", nil)
	}

	s.onStopOnce.Do(func() {
		if err := s.runHooks(context.WithoutCancel(ctx), "on_stop", s.hooks(&s.onStop)); err != nil {
			s.Logger.Error("on_stop hook failed", err, nil)
		}
	})
	s.closeBroker(ctx)
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	if d <= 0 {
		d = time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

func (s *Service) hooks(list *[]LifecycleHook) []LifecycleHook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LifecycleHook(nil), (*list)...)
}

func (s *Service) runHooks(ctx context.Context, name string, hooks []LifecycleHook) error {
	for i, hook := range hooks {
		if err := hook(ctx, s); err != nil {
			return fmt.Errorf("%s hook %d: %w", name, i, err)
		}
	}
	return nil
}

// capabilities describes the configured broker. known is false for brokers
// that report nothing about themselves.
func (s *Service) capabilities() (caps transport.Capabilities, known bool) {
	if s.deps.Broker != nil {
		provider, ok := s.deps.Broker.(transport.CapabilitiesProvider)
		if !ok {
			return transport.Capabilities{}, false
		}
		return provider.Capabilities(), true
	}
	registry := s.deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	return registry.LookupCapabilities(s.Conf.Transport)
}

// connect builds the broker once. Publish uses it too, so publishing works
// before Start.
func (s *Service) connect(ctx context.Context) (transport.Broker, error) {
	s.brokerMu.Lock()
	defer s.brokerMu.Unlock()
	if s.brokerClosed {
		return nil, transport.ErrClosed
	}
	if s.broker != nil {
		return s.broker, nil
	}
	if s.deps.Broker != nil {
		s.broker = s.deps.Broker
		return s.broker, nil
	}
	if s.Conf.Transport == "" {
		return nil, errspkg.ErrBrokerRequired
	}
	registry := s.deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	broker, err := registry.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return nil, fmt.Errorf("connect %s broker: %w", s.Conf.Transport, err)
	}
	s.broker = broker
	return broker, nil
}

func (s *Service) closeBroker(ctx context.Context) {
	s.brokerMu.Lock()
	broker := s.broker
	s.broker = nil
	s.brokerClosed = true
	s.brokerMu.Unlock()
	if broker == nil {
		return
	}
	if err := broker.Close(context.WithoutCancel(ctx), false); err != nil {
		s.Logger.Error("Failed to close broker", err, nil)
	}
}

func (s *Service) startHTTP(g *errgroup.Group, ctx context.Context) error {
	if !s.Conf.HTTP.Enabled {
		if !s.http.Empty() {
			s.Logger.Warn("HTTP routes registered but http.enabled is false", nil)
		}
		return nil
	}
	if s.metrics != nil {
		if err := s.metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		s.http.Mount(s.Conf.Metrics.Path, s.metricsHandler())
	}
	s.registerIntrospection()

	addr := net.JoinHostPort(s.Conf.HTTP.Host, strconv.Itoa(s.Conf.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	g.Go(func() error {
		return s.http.ServeListener(ctx, ln)
	})
	return nil
}

func (s *Service) metricsHandler() http.Handler {
	if gatherer, ok := s.deps.Registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Service) scheduleJob(h *ScheduleHandle) schedule.Job {
	links := append(append([]chain.Middleware(nil), s.baseMiddlewares...), h.middlewares...)
	composed := chain.Compose(terminal(h.handler), links...)
	return schedule.Job{
		Name:        h.Name,
		Trigger:     h.trigger,
		Immediately: h.Spec.Immediately,
		Run: func(ctx context.Context, firedAt time.Time) error {
			return composed(ctx, &chain.Invocation{
				Handler: h.Name,
				Service: s,
				Kwargs:  chain.Kwargs{KwargFiredAt: firedAt},
			})
		},
	}
}
