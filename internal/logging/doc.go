// Package logging provides slog loggers with per-module levels.
//
// Records go to stdout (text or json) when stdout is attached, to the
// systemd journal when running under systemd, and to an in-memory ring
// buffer served by the admin API.
//
// Initialize once at startup, then ask for a module logger:
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "text",
//		Modules: map[string]string{"redis": "debug"},
//	})
//	logger := logging.GetLogger("redis")
//
// Module levels override the global level and can be changed at runtime
// with SetLevel. In config.toml every key of [logging] other than level and
// format is a module level:
//
//	[logging]
//	level = "info"
//	redis = "debug"
//	relay = "warn"
//
// Journal entries carry SYSLOG_IDENTIFIER=observer and the attributes as
// upper-cased fields:
//
//	journalctl -t observer MODULE=relay
package logging
