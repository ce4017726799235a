package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/flotilla/internal/runtime"
	"github.com/drblury/flotilla/internal/runtime/jsoncodec"
	"github.com/drblury/flotilla/transport"
)

// tailLine is printed once per received message.
type tailLine struct {
	Topic        string               `json:"topic"`
	MessageUUID  string               `json:"message_uuid"`
	Sender       string               `json:"sender"`
	Encoding     string               `json:"encoding"`
	ReceiveCount int                  `json:"receive_count"`
	Attributes   map[string]string    `json:"attributes,omitempty"`
	Data         jsoncodec.RawMessage `json:"data,omitempty"`
	Raw          []byte               `json:"raw,omitempty"`
}

func newTailCommand(g *globals) *cobra.Command {
	var (
		count     int
		queue     string
		competing bool
	)
	cmd := &cobra.Command{
		Use:   "tail TOPIC...",
		Short: "Subscribe to topics and print every message as a JSON line",
		Long: "Subscribe to topics and print every message as a JSON line.\n" +
			"Topics may use * and # wildcards. Each tail owns its queues unless --competing is set.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Service.Name == "" {
				cfg.Service.Name = "flotilla-tail"
			}
			log, sync, err := g.logger()
			if err != nil {
				return err
			}
			defer sync()

			svc, err := g.newService(cfg, log, nil)
			if err != nil {
				return err
			}

			printer := &linePrinter{w: cmd.OutOrStdout()}
			var seen atomic.Int64
			handler := func(_ context.Context, call *runtimepkg.Call) error {
				if err := printer.print(call); err != nil {
					return err
				}
				if count > 0 && seen.Add(1) >= int64(count) {
					cancel()
				}
				return nil
			}
			for i, topic := range args {
				reg := runtimepkg.SubscriptionRegistration{
					Name:      fmt.Sprintf("tail-%d-%s", i, strings.NewReplacer("*", "star", "#", "hash").Replace(topic)),
					Topic:     topic,
					Handler:   handler,
					Competing: competing,
				}
				if queue != "" {
					reg.QueueName = queue
					reg.Competing = true
				}
				if _, err := svc.Subscribe(reg); err != nil {
					return err
				}
			}
			return svc.Start(ctx)
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many messages; 0 tails until interrupted")
	cmd.Flags().StringVar(&queue, "queue", "", "Consume from this shared queue (implies --competing)")
	cmd.Flags().BoolVar(&competing, "competing", false, "Share the queues with other tails of the same service name")
	return cmd
}

type linePrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *linePrinter) print(call *runtimepkg.Call) error {
	line := tailLine{Topic: call.Topic}
	if call.Delivery != nil {
		line.ReceiveCount = call.Delivery.ReceiveCount
		for k, v := range call.Delivery.Attributes {
			if line.Attributes == nil {
				line.Attributes = make(map[string]string, len(call.Delivery.Attributes))
			}
			if v.DataType == transport.AttributeBinary {
				line.Attributes[k] = fmt.Sprintf("%x", v.BinaryValue)
				continue
			}
			line.Attributes[k] = v.StringValue
		}
	}
	if msg := call.Message; msg != nil {
		line.MessageUUID = msg.UUID
		line.Sender = msg.Service.Name
		line.Encoding = msg.Encoding
		if jsoncodec.Valid(msg.Data) {
			line.Data = msg.Data
		} else {
			line.Raw = msg.Data
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return jsoncodec.Encode(p.w, line)
}
