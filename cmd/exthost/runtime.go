package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/policy"
	"github.com/GriffinCanCode/exthost/internal/sandbox"
)

func runtimeCmd() *cobra.Command {
	var (
		activateTimeout   time.Duration
		deactivateTimeout time.Duration
		requestTimeout    time.Duration
		maxMessageBytes   int
		allow             []string
	)
	cmd := &cobra.Command{
		Use:    "runtime",
		Short:  "Run the extension sandbox on stdin/stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			logger, err := logging.New(logging.RuntimeConfig(level))
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync()

			overrides, err := parseOverrides(allow)
			if err != nil {
				return err
			}

			rt := sandbox.New(sandbox.Options{
				Policy:            policy.Default().WithOverrides(overrides),
				Logger:            logger,
				ActivateTimeout:   activateTimeout,
				DeactivateTimeout: deactivateTimeout,
				RequestTimeout:    requestTimeout,
				MaxMessageBytes:   maxMessageBytes,
			})

			// The supervisor ends the child with a shutdown request or by
			// closing stdin; signals only cover a manual run.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Runtime serving", zap.Int("pid", os.Getpid()))
			if err := rt.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&activateTimeout, "activate-timeout", 30*time.Second, "Activation budget per extension")
	cmd.Flags().DurationVar(&deactivateTimeout, "deactivate-timeout", 2*time.Second, "Budget for deactivate()")
	cmd.Flags().DurationVar(&requestTimeout, "request-timeout", 10*time.Second, "Timeout for requests to the supervisor")
	cmd.Flags().IntVar(&maxMessageBytes, "max-message-bytes", 0, "Largest accepted IPC message")
	cmd.Flags().StringArrayVar(&allow, "allow", nil, "Capability override as publisher.name=cap1,cap2 (repeatable)")
	return cmd
}

func parseOverrides(flags []string) (map[string][]string, error) {
	out := make(map[string][]string, len(flags))
	for _, f := range flags {
		id, caps, ok := strings.Cut(f, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid --allow value %q", f)
		}
		for _, c := range strings.Split(caps, ",") {
			if c = strings.TrimSpace(c); c != "" {
				out[id] = append(out[id], c)
			}
		}
	}
	return out, nil
}
