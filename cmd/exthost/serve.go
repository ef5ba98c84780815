package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/host"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/config"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/server"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/exthost/internal/supervisor"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the supervisor, brokers and HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.Server.Port = port
			}
			if addr, _ := cmd.Flags().GetString("host"); addr != "" {
				cfg.Server.Host = addr
			}
			return serve(cfg)
		},
	}
	cmd.Flags().String("port", "", "Gateway port (overrides EXTHOST_PORT)")
	cmd.Flags().String("host", "", "Gateway bind address (overrides EXTHOST_HOST)")
	return cmd
}

func serve(cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("exthost", logger.Logger)
	defer tracer.Close()

	command, args, err := runtimeInvocation(cfg)
	if err != nil {
		return err
	}
	sup := supervisor.New(supervisor.Config{
		Command:           command,
		Args:              args,
		RequestTimeout:    cfg.Supervisor.RequestTimeout,
		HeartbeatInterval: cfg.Supervisor.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Supervisor.HeartbeatTimeout,
		ShutdownTimeout:   cfg.Supervisor.ShutdownTimeout,
		MaxMessageBytes:   cfg.Broker.MaxMessageBytes,
	}, logger, metrics)

	h, err := host.Assemble(cfg, sup, logger, metrics, tracer)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := h.Start(ctx); err != nil {
		return err
	}
	srv := server.NewServer(cfg, h, logger, metrics, tracer)

	errChan := make(chan error, 1)
	go func() { errChan <- srv.Run() }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully")
	case runErr = <-errChan:
		if runErr != nil {
			logger.Error("Server error", zap.Error(runErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Supervisor.ShutdownTimeout+cfg.Broker.StopGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown failed", zap.Error(err))
	}
	if err := h.Close(shutdownCtx); err != nil {
		logger.Warn("Host shutdown failed", zap.Error(err))
	}
	return runErr
}

// runtimeInvocation returns the command line of the sandbox child. The
// child gets a sanitized environment, so its settings are passed as flags.
func runtimeInvocation(cfg *config.Config) (string, []string, error) {
	command := cfg.Supervisor.RuntimeCommand
	var args []string
	if command == "" {
		self, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		command = self
		args = append(args, "runtime")
	}
	args = append(args,
		"--log-level", cfg.Logging.Level,
		"--activate-timeout", cfg.Sandbox.ActivateTimeout.String(),
		"--deactivate-timeout", cfg.Sandbox.DeactivateTimeout.String(),
		"--request-timeout", cfg.Supervisor.RequestTimeout.String(),
		"--max-message-bytes", strconv.Itoa(cfg.Broker.MaxMessageBytes),
	)
	overrides := cfg.PolicyOverrides()
	ids := make([]string, 0, len(overrides))
	for id := range overrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		args = append(args, "--allow", id+"="+strings.Join(overrides[id], ","))
	}
	return command, args, nil
}
