package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/flotilla/internal/runtime/config"
	loggingpkg "github.com/drblury/flotilla/internal/runtime/logging"
)

// deadLetterStore is implemented by brokers that keep dead letters
// themselves, such as the postgres and sqlite brokers.
type deadLetterStore interface {
	DeadLetterCount(ctx context.Context) (int, error)
	ReplayDeadLetters(ctx context.Context) (int, error)
	PurgeDeadLetters(ctx context.Context) (int, error)
}

func newDLQCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and maintain the dead letter queue of table-backed brokers",
	}
	cmd.AddCommand(
		dlqSubcommand(g, "count", "Print how many dead letters are stored", "dead letters", deadLetterStore.DeadLetterCount),
		dlqSubcommand(g, "replay", "Move every dead letter back to its source queue", "replayed", deadLetterStore.ReplayDeadLetters),
		dlqSubcommand(g, "purge", "Drop every dead letter", "purged", deadLetterStore.PurgeDeadLetters),
	)
	return cmd
}

func dlqSubcommand(g *globals, use, short, label string, op func(deadLetterStore, context.Context) (int, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			n, err := g.withDeadLetters(cmd.Context(), cfg, func(store deadLetterStore) (int, error) {
				return op(store, cmd.Context())
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", label, n)
			return err
		},
	}
}

func (g *globals) withDeadLetters(ctx context.Context, cfg *configpkg.Config, fn func(deadLetterStore) (int, error)) (int, error) {
	if cfg.AWSSNSSQS.DeadLetterQueueName == "" {
		return 0, fmt.Errorf("aws_sns_sqs.dead_letter_queue_name is not configured")
	}
	if caps, ok := g.registry().LookupCapabilities(cfg.Transport); ok && !caps.SupportsNativeDLQ {
		return 0, fmt.Errorf("transport %q has no dead letter queue", cfg.Transport)
	}
	log, sync, err := g.logger()
	if err != nil {
		return 0, err
	}
	defer sync()

	broker, err := g.connect(ctx, cfg, log)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := broker.Close(context.WithoutCancel(ctx), true); err != nil {
			log.Warn("Failed to close broker", loggingpkg.LogFields{"error": err.Error()})
		}
	}()

	store, ok := broker.(deadLetterStore)
	if !ok {
		return 0, fmt.Errorf("transport %q does not manage dead letters itself; use the broker's own tooling", cfg.Transport)
	}
	return fn(store)
}
