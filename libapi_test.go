package flotilla

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/flotilla/transport"
	"github.com/drblury/flotilla/transport/channel"
)

func TestNewServiceExportValidates(t *testing.T) {
	if _, err := NewService(nil, NewZapServiceLogger(zap.NewNop()), ServiceDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}
}

func TestPublishAndSubscribeThroughExports(t *testing.T) {
	registry := transport.NewRegistry()
	registry.RegisterWithCapabilities(channel.TransportName, channel.Build, transport.ChannelCapabilities)

	cfg := &Config{Transport: channel.TransportName}
	cfg.Service.Name = "billing"
	cfg.AWSSNSSQS.WaitTime = 50 * time.Millisecond
	cfg.AWSSNSSQS.MaxMessages = 10
	cfg.Drain.Timeout = time.Second

	svc, err := NewService(cfg, NewZapServiceLogger(zap.NewNop()), ServiceDependencies{
		Registry:   registry,
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	type invoice struct {
		ID string `json:"id"`
	}
	got := make(chan string, 1)
	_, err = svc.Subscribe(SubscriptionRegistration{
		Name:  "invoices",
		Topic: "invoices.created",
		Handler: JSONHandler(func(_ context.Context, call *Call, inv invoice) error {
			if call.Topic != "invoices.created" {
				t.Errorf("unexpected topic %q", call.Topic)
			}
			got <- inv.ID
			return nil
		}),
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	select {
	case <-svc.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("service did not become ready")
	}

	if err := svc.Publish(ctx, "invoices.created", invoice{ID: "inv-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case id := <-got:
		if id != "inv-1" {
			t.Fatalf("expected inv-1, got %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestProtoMessageHelpers(t *testing.T) {
	msg, err := NewProtoMessage[*structpb.Struct]()
	if err != nil {
		t.Fatalf("unexpected error creating proto: %v", err)
	}
	if msg == nil {
		t.Fatal("expected proto message instance")
	}
	if MustProtoMessage[*structpb.Struct]() == nil {
		t.Fatal("expected must helper to return instance")
	}
}

func TestLoggerExports(t *testing.T) {
	logger := NewEntryServiceLogger(&stubEntry{})
	logger.Info("boot", LogFields{"component": "test"})
	logger.With(LogFields{"a": 1}).Warn("careful", nil)
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestEnvelopeExports(t *testing.T) {
	for _, name := range []string{"json", "proto", "cloudevents"} {
		if _, err := EnvelopeByName(name); err != nil {
			t.Fatalf("EnvelopeByName(%q): %v", name, err)
		}
	}
	if _, err := EnvelopeByName("xml"); err == nil {
		t.Fatal("expected unknown envelope to fail")
	}
}

func TestRetryExport(t *testing.T) {
	err := Retry(errors.New("downstream busy"))
	if !IsRetryable(err) {
		t.Fatal("expected retryable error")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatal("plain errors must not be retryable")
	}
}

type stubEntry struct {
	fields LogFields
	err    error
}

func (s *stubEntry) Error(args ...any) {}
func (s *stubEntry) Warn(args ...any)  {}
func (s *stubEntry) Info(args ...any)  {}
func (s *stubEntry) Debug(args ...any) {}
func (s *stubEntry) Trace(args ...any) {}

func (s *stubEntry) WithError(err error) *stubEntry {
	clone := *s
	clone.err = err
	return &clone
}

func (s *stubEntry) WithField(key string, value any) *stubEntry {
	clone := *s
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return &clone
}
