// Package logging provides structured logging for rulehive built on Go's
// standard slog package.
//
// Every log entry carries a subsystem attribute identifying the component
// that emitted it (Orchestrator, Manager, Store, Dispatcher, ...), which
// keeps interleaved worker output filterable.
//
// # Usage
//
//	logging.Init(logging.LevelInfo, os.Stderr)
//
//	logging.Info("Orchestrator", "Worker pool %s running", pool)
//	logging.Debug("Store", "Opened database at %s", path)
//	logging.Error("Engine", err, "Starting container for %s failed", ref)
//
// Init must be called once at process startup before any component logs.
// Messages below the configured level are dropped at the handler without
// formatting.
package logging
