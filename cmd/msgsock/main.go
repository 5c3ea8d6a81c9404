package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/msgsock"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "msgsock",
		Short:         "Length-prefixed message server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")

	root.AddCommand(
		serveCmd(&configPath),
		callCmd(&configPath),
		versionCmd(),
	)
	return root
}

func serveCmd(configPath *string) *cobra.Command {
	var addr string
	var acceptTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept connections and answer remote calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if acceptTimeout > 0 {
				cfg.AcceptTimeout = acceptTimeout
			}
			return runServe(cmd.Context(), cfg, newLogger(cfg.Log, os.Stderr))
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "address to listen on")
	cmd.Flags().DurationVar(&acceptTimeout, "accept-timeout", 0, "bound on each accept attempt")
	return cmd
}

func runServe(ctx context.Context, cfg config, logger msgsock.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := msgsock.NewMetrics(reg, cfg.Metrics.Namespace)

	server, err := msgsock.Listen(cfg.Addr,
		msgsock.ServerLoggerOption(logger),
		msgsock.ServerAcceptTimeoutOption(cfg.AcceptTimeout),
		msgsock.ServerMetricsOption(metrics),
		msgsock.ServerConnOptions(cfg.connOptions(logger)...),
	)
	if err != nil {
		return err
	}
	defer server.Close()

	procs := demoProcedures(logger)
	logger.Info("serving procedures", "addr", server.Addr(), "procedures", fmt.Sprint(procs.Names()))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCanceled(server.Serve(ctx))
	})
	group.Go(func() error {
		return ignoreCanceled(server.Dispatch(ctx, procs.Handler(server, logger)))
	})

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return group.Wait()
}

func callCmd(configPath *string) *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <func> [args...]",
		Short: "Invoke a procedure on a running server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			logger := newLogger(cfg.Log, os.Stderr)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := msgsock.Dial(ctx, cfg.Addr, cfg.connOptions(logger)...)
			if err != nil {
				return err
			}
			defer client.Close()

			callArgs := make([]any, 0, len(args)-1)
			for _, a := range args[1:] {
				callArgs = append(callArgs, parseArg(a))
			}

			out, err := client.Call(ctx, args[0], callArgs...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "call timeout")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "msgsock %s (%s)\n", version, commit)
		},
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, msgsock.ErrServerClosed) {
		return nil
	}
	return err
}
