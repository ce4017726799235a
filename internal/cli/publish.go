package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/flotilla/internal/runtime"
	"github.com/drblury/flotilla/internal/runtime/envelope"
	"github.com/drblury/flotilla/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flotilla/internal/runtime/logging"
)

const closeTimeout = 10 * time.Second

func newPublishCommand(g *globals) *cobra.Command {
	var (
		attrs    map[string]string
		envName  string
		repeat   int
		asString bool
	)
	cmd := &cobra.Command{
		Use:   "publish TOPIC PAYLOAD",
		Short: "Publish one message; PAYLOAD is sent as JSON when it parses as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			log, sync, err := g.logger()
			if err != nil {
				return err
			}
			defer sync()

			broker, err := g.connect(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
				defer cancel()
				if err := broker.Close(closeCtx, false); err != nil {
					log.Warn("Failed to close broker", loggingpkg.LogFields{"error": err.Error()})
				}
			}()

			svc, err := g.newService(cfg, log, broker)
			if err != nil {
				return err
			}

			opts := []runtimepkg.PublishOption{runtimepkg.WithAttributes(attrs)}
			if envName != "" {
				env, err := envelope.ByName(envName)
				if err != nil {
					return err
				}
				opts = append(opts, runtimepkg.WithEnvelope(env))
			}

			topic := args[0]
			payload := payloadFor(args[1], asString)
			for range max(repeat, 1) {
				if err := svc.Publish(ctx, topic, payload, opts...); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "published %d message(s) to %s\n", max(repeat, 1), topic)
			return err
		},
	}
	cmd.Flags().StringToStringVar(&attrs, "attr", nil, "Message attribute key=value, repeatable")
	cmd.Flags().StringVar(&envName, "envelope", "", "Envelope override: json|proto|cloudevents")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "Number of copies to publish")
	cmd.Flags().BoolVar(&asString, "string", false, "Send PAYLOAD as a JSON string even when it is valid JSON")
	return cmd
}

func payloadFor(raw string, asString bool) any {
	if !asString && jsoncodec.Valid([]byte(raw)) {
		return jsoncodec.RawMessage(raw)
	}
	return raw
}
