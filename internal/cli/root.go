// Package cli implements the flotilla command: config inspection, one-off
// publishing, tailing topics and dead letter maintenance.
package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	runtimepkg "github.com/drblury/flotilla/internal/runtime"
	configpkg "github.com/drblury/flotilla/internal/runtime/config"
	loggingpkg "github.com/drblury/flotilla/internal/runtime/logging"
	"github.com/drblury/flotilla/transport"
)

// Options holds what the commands share. Zero fields select the process
// defaults.
type Options struct {
	// Registry resolves the configured transport. Defaults to
	// transport.DefaultRegistry.
	Registry *transport.Registry
	// Registerer receives service metrics. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Logger replaces the zap logger built from --log-level.
	Logger loggingpkg.ServiceLogger
}

type globals struct {
	opts       Options
	configFile string
	logLevel   string
}

// NewRoot constructs the root command with every subcommand registered.
func NewRoot(opts Options) *cobra.Command {
	g := &globals{opts: opts}
	root := &cobra.Command{
		Use:           "flotilla",
		Short:         "Flotilla service runtime tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configFile, "config", "", "Path to the config file; FLOTILLA_* environment variables override it")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level: debug|info|warn|error")

	root.AddCommand(newConfigCommand(g))
	root.AddCommand(newPublishCommand(g))
	root.AddCommand(newTailCommand(g))
	root.AddCommand(newDLQCommand(g))
	return root
}

func (g *globals) loadConfig() (*configpkg.Config, error) {
	return configpkg.Load(g.configFile)
}

func (g *globals) logger() (loggingpkg.ServiceLogger, func(), error) {
	if g.opts.Logger != nil {
		return g.opts.Logger, func() {}, nil
	}
	level, err := zap.ParseAtomicLevel(g.logLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	zl, err := zc.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return loggingpkg.NewZapServiceLogger(zl), func() { _ = zl.Sync() }, nil
}

func (g *globals) registry() *transport.Registry {
	if g.opts.Registry != nil {
		return g.opts.Registry
	}
	return transport.DefaultRegistry
}

// connect builds the configured broker outside of a service so the caller
// controls when it closes.
func (g *globals) connect(ctx context.Context, cfg *configpkg.Config, log loggingpkg.ServiceLogger) (transport.Broker, error) {
	if cfg.Transport == "" {
		return nil, fmt.Errorf("no transport configured")
	}
	return g.registry().Build(ctx, cfg, loggingpkg.NewWatermillAdapter(log))
}

func (g *globals) newService(cfg *configpkg.Config, log loggingpkg.ServiceLogger, broker transport.Broker) (*runtimepkg.Service, error) {
	return runtimepkg.NewService(cfg, log, runtimepkg.ServiceDependencies{
		Broker:     broker,
		Registry:   g.opts.Registry,
		Registerer: g.opts.Registerer,
	})
}
