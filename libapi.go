package flotilla

import (
	"context"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/flotilla/internal/runtime"
	"github.com/drblury/flotilla/internal/runtime/chain"
	configpkg "github.com/drblury/flotilla/internal/runtime/config"
	"github.com/drblury/flotilla/internal/runtime/dedup"
	"github.com/drblury/flotilla/internal/runtime/envelope"
	errspkg "github.com/drblury/flotilla/internal/runtime/errors"
	"github.com/drblury/flotilla/internal/runtime/httpapi"
	idspkg "github.com/drblury/flotilla/internal/runtime/ids"
	"github.com/drblury/flotilla/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flotilla/internal/runtime/logging"
	"github.com/drblury/flotilla/internal/runtime/schedule"
	"github.com/drblury/flotilla/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	LifecycleHook       = runtimepkg.LifecycleHook
	Publisher           = runtimepkg.Publisher
	PublishOption       = runtimepkg.PublishOption

	HandlerFunc              = runtimepkg.HandlerFunc
	Call                     = runtimepkg.Call
	SubscriptionRegistration = runtimepkg.SubscriptionRegistration
	SubscriptionHandle       = runtimepkg.SubscriptionHandle
	ScheduleRegistration     = runtimepkg.ScheduleRegistration
	ScheduleHandle           = runtimepkg.ScheduleHandle
	ScheduleSpec             = schedule.Spec
	JobState                 = schedule.JobState
	DedupLedger              = dedup.Ledger

	RouteHandler      = httpapi.Handler
	RouteErrorHandler = httpapi.ErrorHandler

	// Chain middlewares passed to Use or SubscriptionRegistration.Middlewares.
	Middleware     = chain.Middleware
	MiddlewareFunc = chain.MiddlewareFunc
	Next           = chain.Next
	Invocation     = chain.Invocation
	Kwargs         = chain.Kwargs

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig
	PoisonMessage          = runtimepkg.PoisonMessage

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	Envelope            = envelope.Envelope
	Message             = envelope.Message
	ServiceIdentity     = envelope.Service
	JSONEnvelope        = envelope.JSONEnvelope
	ProtoEnvelope       = envelope.ProtoEnvelope
	CloudEventsEnvelope = envelope.CloudEventsEnvelope

	ServiceInfo      = runtimepkg.ServiceInfo
	SubscriptionInfo = runtimepkg.SubscriptionInfo
	ScheduleInfo     = runtimepkg.ScheduleInfo
	StatsSnapshot    = runtimepkg.StatsSnapshot
	Metrics          = runtimepkg.Metrics

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigValidationError = errspkg.ConfigValidationError
	RegistrationError     = errspkg.RegistrationError
	RetryableError        = errspkg.RetryableError

	Broker                = transport.Broker
	Queue                 = transport.Queue
	Delivery              = transport.Delivery
	Binding               = transport.Binding
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	WithEnvelope   = runtimepkg.WithEnvelope
	WithAttributes = runtimepkg.WithAttributes

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonTopicMiddleware   = runtimepkg.PoisonTopicMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	CorrelationID           = runtimepkg.CorrelationID

	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewJSONEnvelope        = envelope.NewJSONEnvelope
	NewProtoEnvelope       = envelope.NewProtoEnvelope
	NewCloudEventsEnvelope = envelope.NewCloudEventsEnvelope
	EnvelopeByName         = envelope.ByName

	// HTTPError sets the status code a route handler error is served with.
	HTTPError = httpapi.Error

	Retry       = errspkg.Retry
	IsRetryable = errspkg.IsRetryable

	ErrServiceRequired             = errspkg.ErrServiceRequired
	ErrHandlerRequired             = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired         = errspkg.ErrHandlerNameRequired
	ErrDuplicateHandler            = errspkg.ErrDuplicateHandler
	ErrTopicRequired               = errspkg.ErrTopicRequired
	ErrConfigRequired              = errspkg.ErrConfigRequired
	ErrLoggerRequired              = errspkg.ErrLoggerRequired
	ErrBrokerRequired              = errspkg.ErrBrokerRequired
	ErrScheduleRequired            = errspkg.ErrScheduleRequired
	ErrRouteRequired               = errspkg.ErrRouteRequired
	ErrAlreadyStarted              = errspkg.ErrAlreadyStarted
	ErrNotStarted                  = errspkg.ErrNotStarted
	ErrInvalidSchedule             = errspkg.ErrInvalidSchedule
	ErrInvalidMiddleware           = errspkg.ErrInvalidMiddleware
	ErrNamedQueueRequiresCompeting = errspkg.ErrNamedQueueRequiresCompeting
	ErrRetry                       = errspkg.ErrRetry
	ErrWildcardPublish             = runtimepkg.ErrWildcardPublish
	ErrWildcardUnsupported         = errspkg.ErrWildcardUnsupported
	ErrHandlerPanic                = runtimepkg.ErrHandlerPanic
	ErrNoMessage                   = runtimepkg.ErrNoMessage
	ErrUndecodablePayload          = runtimepkg.ErrUndecodablePayload
	ErrIncompatibleProtocol        = envelope.ErrIncompatibleProtocol
	ErrMalformedEnvelope           = envelope.ErrMalformedEnvelope

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger       = loggingpkg.NewZapServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	CreateULID = idspkg.CreateULID
	NewUUID    = idspkg.NewUUID

	NewDedupLedger = dedup.New
	DedupTTL       = dedup.WithTTL
	DedupMaxItems  = dedup.WithMaxEntries

	// Brokers register themselves on import, for example
	// _ "github.com/drblury/flotilla/transport/kafka", or all of them through
	// _ "github.com/drblury/flotilla/transport/transports".
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities
)

// Handler outcomes recorded in statistics and metrics.
const (
	OutcomeHandled   = runtimepkg.OutcomeHandled
	OutcomeRetried   = runtimepkg.OutcomeRetried
	OutcomeFailed    = runtimepkg.OutcomeFailed
	OutcomeDuplicate = runtimepkg.OutcomeDuplicate
	OutcomeDiscarded = runtimepkg.OutcomeDiscarded
	OutcomeLeft      = runtimepkg.OutcomeLeft
)

// Service states reported by Service.State.
const (
	StateCreated  = runtimepkg.StateCreated
	StateStarting = runtimepkg.StateStarting
	StateRunning  = runtimepkg.StateRunning
	StateDraining = runtimepkg.StateDraining
	StateStopped  = runtimepkg.StateStopped
)

// Keys of the Kwargs every message invocation carries.
const (
	KwargTopic         = runtimepkg.KwargTopic
	KwargQueueURL      = runtimepkg.KwargQueueURL
	KwargDelivery      = runtimepkg.KwargDelivery
	KwargReceiveCount  = runtimepkg.KwargReceiveCount
	KwargFiredAt       = runtimepkg.KwargFiredAt
	KwargCorrelationID = runtimepkg.KwargCorrelationID
)

const IntrospectionPath = runtimepkg.IntrospectionPath

// JSONHandler decodes the payload into T before calling fn.
func JSONHandler[T any](fn func(ctx context.Context, call *Call, data T) error) HandlerFunc {
	return runtimepkg.JSONHandler(fn)
}

// ProtoHandler decodes the payload into a fresh T before calling fn.
func ProtoHandler[T proto.Message](fn func(ctx context.Context, call *Call, msg T) error) HandlerFunc {
	return runtimepkg.ProtoHandler(fn)
}

func NewProtoMessage[T proto.Message]() (T, error) {
	return runtimepkg.NewProtoMessage[T]()
}

func MustProtoMessage[T proto.Message]() T {
	return runtimepkg.MustProtoMessage[T]()
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
