// Package log provides a simple, leveled logging interface for checkpoint stores and backends.
//
// # Log Levels
//
// The package supports five log levels, in order of increasing severity:
//
//   - LogLevelDebug: every put, staged write batch and thread deletion
//   - LogLevelInfo: backend lifecycle (schema setup, connections)
//   - LogLevelWarn: recoverable oddities, such as records skipped during a listing
//   - LogLevelError: failures that are also returned to the caller
//   - LogLevelNone: disables all logging output
//
// Level names can be parsed from configuration with ParseLevel.
//
// # Example Usage
//
//	logger := log.NewDefaultLogger(log.LogLevelDebug)
//
//	store := checkpoint.New(backend, checkpoint.WithLogger(logger))
//
// ## Custom Output
//
//	file, err := os.OpenFile("checkpoint.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
//	if err != nil {
//		return err
//	}
//	defer file.Close()
//
//	logger := log.NewCustomLogger(file, log.LogLevelInfo)
//
// # golog Integration
//
// For users who prefer github.com/kataras/golog:
//
//	glogger := golog.New()
//	glogger.SetPrefix("[MyApp] ")
//
//	logger := log.NewGologLogger(glogger)
//	logger.SetLevel(log.LogLevelDebug)
//
// NewGologLoggerWithLevel builds a golog instance with the package prefix in one call.
//
// # Package-Level Logger
//
// Stores created without WithLogger use the package-level logger, which defaults to a
// DefaultLogger at info level. Replace it with SetDefaultLogger or SetLogLevel.
//
// # Thread Safety
//
// DefaultLogger and GologLogger are safe for concurrent use, and the package-level
// logger can be swapped at any time. A Store captures the package-level logger when it
// is created, so a later SetDefaultLogger only affects stores created afterwards.
package log
