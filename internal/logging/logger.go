package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// DefaultBufferSize is the number of recent entries kept in memory.
const DefaultBufferSize = 500

// Config is the [logging] section: a global level and format plus
// per-module level overrides.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

var (
	mutex         sync.RWMutex
	config        = Config{Level: "info", Format: "text"}
	initialized   bool
	output        io.Writer = os.Stdout
	buffer                  = NewRingBuffer(DefaultBufferSize)
	loggers                 = make(map[string]*slog.Logger)
	levels                  = make(map[string]*slog.LevelVar)
	defaultLevels           = &slog.LevelVar{}
)

// Initialize applies cfg. Loggers handed out before Initialize are rebuilt
// in place, so modules can grab their logger at package init.
func Initialize(cfg Config) {
	mutex.Lock()
	defer mutex.Unlock()

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	config = cfg
	initialized = true

	defaultLevels.Set(levelOrDefault(cfg.Level, slog.LevelInfo))

	for module, levelVar := range levels {
		levelVar.Set(moduleLevel(module))
		loggers[module] = slog.New(newHandler(cfg.Format, levelVar)).With("module", module)
	}

	slog.SetDefault(slog.New(newHandler(cfg.Format, defaultLevels)))
}

// GetLogger returns the logger of module, creating it on first use.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	logger, ok := loggers[module]
	mutex.RUnlock()
	if ok {
		return logger
	}

	mutex.Lock()
	defer mutex.Unlock()
	if logger, ok = loggers[module]; ok {
		return logger
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(moduleLevel(module))
	logger = slog.New(newHandler(config.Format, levelVar)).With("module", module)
	loggers[module] = logger
	levels[module] = levelVar
	return logger
}

// SetLevel changes the level of module at runtime. Unknown modules are
// created so the level applies once they log.
func SetLevel(module, level string) error {
	parsed, ok := ParseLevel(level)
	if !ok {
		return fmt.Errorf("unknown log level %q", level)
	}
	GetLogger(module)

	mutex.Lock()
	defer mutex.Unlock()
	levels[module].Set(parsed)
	if config.Modules == nil {
		config.Modules = make(map[string]string)
	}
	config.Modules[module] = level
	return nil
}

// Levels returns the effective level of every known module.
func Levels() map[string]string {
	mutex.RLock()
	defer mutex.RUnlock()

	out := make(map[string]string, len(levels))
	for module, levelVar := range levels {
		out[module] = levelToString(levelVar.Level())
	}
	return out
}

// Buffer returns the ring buffer of recent entries.
func Buffer() *RingBuffer {
	return buffer
}

// moduleLevel must be called with mutex held.
func moduleLevel(module string) slog.Level {
	global := levelOrDefault(config.Level, slog.LevelInfo)
	if !initialized {
		return global
	}
	return levelOrDefault(config.Modules[module], global)
}

// newHandler routes records to stdout (when attached), the systemd journal
// (when running under systemd) and the in-memory buffer.
func newHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if output != os.Stdout || isStdoutAvailable() {
		if format == "json" {
			handlers = append(handlers, slog.NewJSONHandler(output, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(output, opts))
		}
	}
	if IsJournalAvailable() {
		handlers = append(handlers, NewJournalHandler(level))
	}
	handlers = append(handlers, NewBufferHandler(buffer, level))

	if len(handlers) == 1 {
		return handlers[0]
	}
	return NewMultiHandler(handlers...)
}

// isStdoutAvailable reports whether stdout is a terminal, pipe, socket or file.
func isStdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return mode&(os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0 || mode.IsRegular()
}

// ParseLevel converts debug, info, warn (warning) and error to a slog.Level.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

func levelOrDefault(level string, fallback slog.Level) slog.Level {
	if parsed, ok := ParseLevel(level); ok {
		return parsed
	}
	return fallback
}

func levelToString(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
