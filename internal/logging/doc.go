// Package logging provides structured logging with per-module log levels.
//
// Records go to stdout when a terminal, pipe or file is attached, and to the
// systemd journal when journald is reachable. With both available they are
// fanned out through a MultiHandler.
//
// Initialize once at startup, then fetch module loggers:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"supervisor": "debug",
//			"api":        "warn",
//		},
//	})
//
//	logger := logging.GetLogger("supervisor").With("worker_id", id)
//	logger.Info("Worker online", "pid", pid)
//
// Loggers fetched before Initialize keep working; their levels are updated
// in place. SetModuleLevel changes a module level at runtime.
//
// Journal entries are tagged with SyslogIdentifier and carry every attribute
// as an uppercase field:
//
//	journalctl -t clusterd -f
//	journalctl -t clusterd MODULE=supervisor WORKER_ID=3
//
// TOML configuration:
//
//	[logging]
//	level = "info"
//	format = "json"
//
//	[logging.modules]
//	process = "debug"
package logging
