// Package logging provides structured logging for Gatewarden.
//
// The Logger wraps log/slog so the rest of the codebase depends on one
// small surface (Debug/Info/Warn/Error/With) and the output level and
// format are controlled from configuration in one place.
//
// # Usage
//
//	logger, err := logging.New(logging.Config{
//		Level:  "info",
//		Format: "json",
//	})
//	if err != nil {
//		return err
//	}
//	logger.Info("engine started", "store", "sqlite")
//
// Components that accept a *Logger treat nil as logging.NewNop().
package logging
