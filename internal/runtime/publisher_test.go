package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flotilla/internal/runtime/envelope"
	errspkg "github.com/drblury/flotilla/internal/runtime/errors"
	"github.com/drblury/flotilla/transport"
)

func TestPublishValidation(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	require.ErrorIs(t, svc.Publish(ctx, "", order{}), errspkg.ErrTopicRequired)
	require.ErrorIs(t, svc.Publish(ctx, "orders.*", order{}), ErrWildcardPublish)
	require.ErrorIs(t, svc.Publish(ctx, "orders.#", order{}), ErrWildcardPublish)

	var nilSvc *Service
	require.ErrorIs(t, nilSvc.Publish(ctx, "orders.created", order{}), errspkg.ErrServiceRequired)
}

func TestPublishBeforeStartUsesLazyBroker(t *testing.T) {
	svc := newTestService(t, nil)
	require.NoError(t, svc.Publish(context.Background(), "orders.created", order{ID: "early"}))
}

func TestPublishOptions(t *testing.T) {
	svc := newTestService(t, nil)

	got := make(chan *Call, 1)
	_, err := svc.Subscribe(SubscriptionRegistration{
		Name:     "inspect",
		Topic:    "orders.created",
		Envelope: envelope.NewProtoEnvelope(),
		Handler: func(_ context.Context, call *Call) error {
			got <- call
			return nil
		},
	})
	require.NoError(t, err)
	startService(t, svc)

	err = svc.Publish(context.Background(), "orders.created", []byte("raw-bytes"),
		WithEnvelope(envelope.NewProtoEnvelope()),
		WithAttributes(map[string]string{"tenant": "acme"}),
	)
	require.NoError(t, err)

	select {
	case call := <-got:
		assert.Equal(t, []byte("raw-bytes"), call.Message.Data)
		assert.Equal(t, "orders", call.Message.Service.Name)
		require.NotNil(t, call.Delivery)
		assert.Equal(t, transport.StringAttribute("acme"), call.Delivery.Attributes["tenant"])
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}
