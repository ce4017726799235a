package runtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/flotilla/internal/runtime/config"
	errspkg "github.com/drblury/flotilla/internal/runtime/errors"
	"github.com/drblury/flotilla/internal/runtime/schedule"
)

func noop(context.Context, *Call) error { return nil }

func TestSubscribeValidation(t *testing.T) {
	svc := newTestService(t, nil)

	cases := []struct {
		name string
		reg  SubscriptionRegistration
		want error
	}{
		{"missing name", SubscriptionRegistration{Topic: "t", Handler: noop}, errspkg.ErrHandlerNameRequired},
		{"missing handler", SubscriptionRegistration{Name: "h", Topic: "t"}, errspkg.ErrHandlerRequired},
		{"missing topic", SubscriptionRegistration{Name: "h", Handler: noop}, errspkg.ErrTopicRequired},
		{"named queue without competing", SubscriptionRegistration{Name: "h", Topic: "t", Handler: noop, QueueName: "audit"}, errspkg.ErrNamedQueueRequiresCompeting},
		{"bad middleware", SubscriptionRegistration{Name: "h", Topic: "t", Handler: noop, Middlewares: []any{42}}, errspkg.ErrInvalidMiddleware},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Subscribe(tc.reg)
			require.ErrorIs(t, err, tc.want)
			var regErr *errspkg.RegistrationError
			require.ErrorAs(t, err, &regErr)
			assert.Equal(t, "subscription", regErr.Kind)
		})
	}
}

func TestSubscribeRequiresTransport(t *testing.T) {
	svc := newTestService(t, func(cfg *configpkg.Config, _ *ServiceDependencies) {
		cfg.Transport = ""
	})
	_, err := svc.Subscribe(SubscriptionRegistration{Name: "h", Topic: "t", Handler: noop})
	require.ErrorIs(t, err, errspkg.ErrBrokerRequired)
}

func TestSubscribeQueueNames(t *testing.T) {
	svc := newTestService(t, func(cfg *configpkg.Config, _ *ServiceDependencies) {
		cfg.AWSSNSSQS.QueueNamePrefix = "prod-"
	})

	own, err := svc.Subscribe(SubscriptionRegistration{Name: "a", Topic: "orders.created", Handler: noop})
	require.NoError(t, err)
	other, err := svc.Subscribe(SubscriptionRegistration{Name: "b", Topic: "orders.created", Handler: noop})
	require.NoError(t, err)
	shared, err := svc.Subscribe(SubscriptionRegistration{Name: "c", Topic: "orders.created", Handler: noop, Competing: true})
	require.NoError(t, err)
	named, err := svc.Subscribe(SubscriptionRegistration{Name: "d", Topic: "orders.created", Handler: noop, Competing: true, QueueName: "audit"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(own.QueueName, "prod-"))
	assert.NotEqual(t, own.QueueName, other.QueueName, "non-competing handlers get their own queue")
	assert.NotEqual(t, own.QueueName, shared.QueueName)
	assert.Equal(t, "prod-audit", named.QueueName)
	assert.Len(t, svc.Subscriptions(), 4)
}

func TestDuplicateHandlerNames(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.Subscribe(SubscriptionRegistration{Name: "h", Topic: "t", Handler: noop})
	require.NoError(t, err)

	_, err = svc.Subscribe(SubscriptionRegistration{Name: "h", Topic: "u", Handler: noop})
	require.ErrorIs(t, err, errspkg.ErrDuplicateHandler)
	_, err = svc.Schedule(ScheduleRegistration{Name: "h", Spec: schedule.Spec{Interval: "hourly"}, Handler: noop})
	require.ErrorIs(t, err, errspkg.ErrDuplicateHandler)
}

func TestScheduleValidation(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.Schedule(ScheduleRegistration{Name: "impossible", Spec: schedule.Spec{Interval: "* * 30 2 *"}, Handler: noop})
	require.ErrorIs(t, err, errspkg.ErrInvalidSchedule)

	_, err = svc.Schedule(ScheduleRegistration{Name: "nothing", Handler: noop})
	require.ErrorIs(t, err, errspkg.ErrInvalidSchedule)

	_, err = svc.Schedule(ScheduleRegistration{Spec: schedule.Spec{Interval: "hourly"}, Handler: noop})
	require.ErrorIs(t, err, errspkg.ErrHandlerNameRequired)

	handle, err := svc.Schedule(ScheduleRegistration{Name: "report", Spec: schedule.Spec{Interval: "monday", Timezone: "Europe/Berlin"}, Handler: noop})
	require.NoError(t, err)
	assert.Equal(t, schedule.StateIdle, handle.State().State)
	assert.Len(t, svc.Schedules(), 1)
}

func TestRouteAndErrorHandlerValidation(t *testing.T) {
	svc := newTestService(t, nil)

	err := svc.Route("", "/x", nil)
	require.ErrorIs(t, err, errspkg.ErrRouteRequired)
	require.NoError(t, svc.Route("GET", "/orders/{id}", func(*http.Request) (any, error) { return "ok", nil }))

	var regErr *errspkg.RegistrationError
	require.ErrorAs(t, svc.ErrorHandler(200, func(*http.Request, int, error) (any, error) { return nil, nil }), &regErr)
}

func TestUseRejectsUnsupportedShapes(t *testing.T) {
	svc := newTestService(t, nil)
	err := svc.Use(func() {})
	require.True(t, errors.Is(err, errspkg.ErrInvalidMiddleware))
}
