// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// The sandbox runtime child uses RuntimeConfig, which writes to stderr;
// the supervisor forwards those lines into its own logger.
//
// Example Usage:
//
//	logger := logging.NewDefault().Named("supervisor")
//	logger.Info("Runtime started", zap.Int("pid", pid))
//	logger.ForExtension(win, ext).Warn("Activation failed", zap.Error(err))
package logging
