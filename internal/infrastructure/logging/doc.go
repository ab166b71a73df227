// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Runtime components take a *Logger and accept nil, falling back to a no-op
// logger via OrNop. Child loggers carry the component name and the extension
// ID so every line of a bridge call can be correlated.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Extension activated", zap.String("extension_id", id))
//	logger.Error("Broadcast failed", zap.Error(err))
package logging
