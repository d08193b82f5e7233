// Package cli provides the cobra commands that run consumers and declare
// topology from a configuration file. Programs register their handlers,
// middleware and checkers as runtime options and reuse these commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-amqp"
	"github.com/glimte/mmate-amqp/config"
	"github.com/glimte/mmate-amqp/interceptors"
)

type app struct {
	options []mmate.RuntimeOption
	env     config.Env
	logger  *slog.Logger

	configFile string
	debug      bool
}

// NewRootCommand returns the root command. options are applied to every
// runtime the commands build.
func NewRootCommand(version string, options ...mmate.RuntimeOption) *cobra.Command {
	a := &app{options: options}

	root := &cobra.Command{
		Use:           "mmate-amqp",
		Short:         "Run AMQP consumers and declare topology",
		Long:          "mmate-amqp runs the consumers of a TOML configuration and declares its exchanges and queues.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "configuration file (default $MMATE_CONFIG or mmate.toml)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "debug mode (default $MMATE_DEBUG)")

	root.AddCommand(a.consumerCommand(), a.topologyCommand())
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	if a.configFile == "" {
		a.configFile = env.ConfigFile
	}
	if !cmd.Flags().Changed("debug") {
		a.debug = env.Debug
	}

	logger, err := env.Logger()
	if err != nil {
		return err
	}

	a.env = env
	a.logger = logger
	return nil
}

func (a *app) consumerCommand() *cobra.Command {
	consumerCmd := &cobra.Command{
		Use:   "consumer",
		Short: "Run and list consumers",
	}

	var (
		messages    int
		readTimeout float64
	)
	runCmd := &cobra.Command{
		Use:   "run KEY",
		Short: "Run one consumer",
		Long:  "Run one consumer in its configured mode. With --messages it stops after that many messages or once a read times out.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, true, func(ctx context.Context, rt *mmate.Runtime) error {
				return rt.RunConsumer(ctx, args[0], messages, time.Duration(readTimeout*float64(time.Second)))
			})
		},
	}
	runCmd.Flags().IntVarP(&messages, "messages", "m", 0, "stop after this many messages, 0 runs until interrupted")
	runCmd.Flags().Float64Var(&readTimeout, "read-timeout", 0, "seconds to wait for a message when --messages is set, 0 waits forever")

	roundRobinCmd := &cobra.Command{
		Use:   "round-robin [KEY...]",
		Short: "Run consumers in turn",
		Long:  "Run the given consumers, or all of them, one after the other with the round_robin budget.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, true, func(ctx context.Context, rt *mmate.Runtime) error {
				return rt.RunRoundRobin(ctx, args...)
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List consumer keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, false, func(_ context.Context, rt *mmate.Runtime) error {
				for _, key := range rt.ListConsumers() {
					fmt.Fprintln(cmd.OutOrStdout(), key)
				}
				return nil
			})
		},
	}

	consumerCmd.AddCommand(runCmd, roundRobinCmd, listCmd)
	return consumerCmd
}

func (a *app) topologyCommand() *cobra.Command {
	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Declare exchanges and queues",
	}

	exchangesCmd := &cobra.Command{
		Use:   "init-exchanges",
		Short: "Declare every configured exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, false, func(ctx context.Context, rt *mmate.Runtime) error {
				if err := rt.InitExchanges(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "declared %d exchanges\n", len(rt.ExchangeKeys()))
				return nil
			})
		},
	}

	queuesCmd := &cobra.Command{
		Use:   "init-queues",
		Short: "Declare every configured queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, false, func(ctx context.Context, rt *mmate.Runtime) error {
				if err := rt.InitQueues(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "declared %d queues\n", len(rt.QueueKeys()))
				return nil
			})
		},
	}

	topologyCmd.AddCommand(exchangesCmd, queuesCmd)
	return topologyCmd
}

// withRuntime builds a runtime, runs fn until it returns or the process is
// interrupted, then closes the runtime. serve starts the metrics endpoint.
func (a *app) withRuntime(cmd *cobra.Command, serve bool, fn func(ctx context.Context, rt *mmate.Runtime) error) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}

	options := append([]mmate.RuntimeOption{
		mmate.WithLogger(a.logger),
		mmate.WithDebug(a.debug),
	}, a.options...)

	if serve && a.env.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics, err := interceptors.NewMetrics(reg)
		if err != nil {
			return err
		}
		options = append(options, mmate.WithMetrics(metrics))

		stop := a.serveMetrics(reg)
		defer stop()
	}

	rt, err := mmate.New(cfg, options...)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			a.logger.Warn("failed to close runtime", "error", err)
		}
	}()

	return fn(ctx, rt)
}

func (a *app) serveMetrics(reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              a.env.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("serving metrics", "addr", a.env.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
