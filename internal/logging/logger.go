package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Module names used across clusterd.
const (
	ModuleMain       = "main"
	ModuleSupervisor = "supervisor"
	ModuleProcess    = "process"
	ModuleWorker     = "worker"
	ModuleAPI        = "api"
	ModuleHTTP       = "http"
	ModuleConfig     = "config"
	ModuleSystemd    = "systemd"
)

var (
	moduleLoggers   = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	globalConfig    Config
	globalLevelVar  = &slog.LevelVar{}
	isInitialized   bool
	history         *History
	mutex           sync.RWMutex
)

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
	// History is the number of records kept for GetHistory, 0 disables it.
	History int `toml:"history"`
}

// Override sets the level of module when level is not empty.
func (c *Config) Override(module, level string) {
	if level == "" {
		return
	}
	if c.Modules == nil {
		c.Modules = make(map[string]string)
	}
	c.Modules[module] = level
}

// levelFor resolves the effective level of module. Callers hold mutex.
func levelFor(module string) slog.Level {
	if !isInitialized {
		return slog.LevelInfo
	}
	if parsed := parseLevel(globalConfig.Modules[module]); parsed != nil {
		return *parsed
	}
	if parsed := parseLevel(globalConfig.Level); parsed != nil {
		return *parsed
	}
	return slog.LevelInfo
}

// newModuleLogger builds the logger of module around levelVar. Callers hold mutex.
func newModuleLogger(module string, levelVar *slog.LevelVar) *slog.Logger {
	return slog.New(createHandler(globalConfig.Format, levelVar)).With("module", module)
}

// Initialize sets up the logging system. Loggers handed out earlier get
// their level and format updated.
func Initialize(config Config) {
	mutex.Lock()
	defer mutex.Unlock()

	globalConfig = config
	isInitialized = true

	history = nil
	if config.History > 0 {
		history = NewHistory(config.History)
	}

	globalLevel := slog.LevelInfo
	if parsed := parseLevel(config.Level); parsed != nil {
		globalLevel = *parsed
	}
	globalLevelVar.Set(globalLevel)

	for module, levelVar := range moduleLevelVars {
		levelVar.Set(levelFor(module))
		moduleLoggers[module] = newModuleLogger(module, levelVar)
	}

	slog.SetDefault(slog.New(createHandler(config.Format, globalLevelVar)))
}

// GetLogger returns a logger for the specified module, creating it if needed.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	logger, exists := moduleLoggers[module]
	mutex.RUnlock()
	if exists {
		return logger
	}

	mutex.Lock()
	defer mutex.Unlock()

	if logger, exists := moduleLoggers[module]; exists {
		return logger
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(levelFor(module))

	logger = newModuleLogger(module, levelVar)
	moduleLoggers[module] = logger
	moduleLevelVars[module] = levelVar
	return logger
}

// GetHistory returns the in-memory log history, nil when disabled.
func GetHistory() *History {
	mutex.RLock()
	defer mutex.RUnlock()
	return history
}

// SetModuleLevel changes the level of a module logger at runtime.
func SetModuleLevel(module, level string) error {
	parsed := parseLevel(level)
	if parsed == nil {
		return fmt.Errorf("invalid log level %q", level)
	}

	GetLogger(module)

	mutex.Lock()
	defer mutex.Unlock()
	moduleLevelVars[module].Set(*parsed)
	return nil
}

// createHandler creates the output handler for format ("json" or text).
// Records go to stdout and to the journal, whichever are available, and to
// the history when enabled. Callers hold mutex.
func createHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	var stdoutHandler slog.Handler
	if format == "json" {
		stdoutHandler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		stdoutHandler = slog.NewTextHandler(os.Stdout, opts)
	}

	var handlers []slog.Handler
	if isStdoutAvailable() {
		handlers = append(handlers, stdoutHandler)
	}
	if IsJournalAvailable() {
		handlers = append(handlers, NewJournalHandler(level))
	}
	if history != nil {
		handlers = append(handlers, newHistoryHandler(history, level))
	}

	switch len(handlers) {
	case 0:
		return stdoutHandler
	case 1:
		return handlers[0]
	default:
		return NewMultiHandler(handlers...)
	}
}

// isStdoutAvailable reports whether stdout is open for writing.
func isStdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return mode&os.ModeCharDevice != 0 || mode&os.ModeNamedPipe != 0 || mode&os.ModeSocket != 0 || mode.IsRegular()
}

// parseLevel converts a level name to slog.Level, nil when unknown.
func parseLevel(level string) *slog.Level {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error", "fatal":
		l = slog.LevelError
	default:
		return nil
	}
	return &l
}
