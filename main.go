package main

import (
	"log/slog"
	"os"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/clusterd/cmd"
	"github.com/smazurov/clusterd/internal/config"
	"github.com/smazurov/clusterd/internal/logging"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"clusterd.toml"`

	// Worker settings
	Exec        string `help:"Worker command line; empty re-executes clusterd with --worker-args" short:"e" toml:"worker.exec" env:"EXEC"`
	WorkerArgs  string `help:"Arguments for re-executing clusterd as a worker" default:"echo-worker" toml:"worker.args" env:"WORKER_ARGS"`
	StopSignal  string `help:"How to ask a worker to stop: disconnect, or a signal such as SIGTERM" default:"disconnect" toml:"worker.stop_signal" env:"STOP_SIGNAL"`
	NotifyReady bool   `help:"Wait for workers to report readiness before counting them online" toml:"worker.notify_ready" env:"NOTIFY_READY"`
	Silent      bool   `help:"Discard worker stdout and stderr" toml:"worker.silent" env:"SILENT"`
	LogOutput   bool   `help:"Log worker output line by line instead of passing it through" toml:"worker.log_output" env:"LOG_OUTPUT"`
	Listen      string `help:"Address of a listener shared by all workers (host:port or unix:/path)" short:"l" toml:"worker.listen" env:"LISTEN"`

	// Pool settings
	PoolSize            int    `help:"Number of workers, 0 for one per CPU" short:"n" toml:"pool.size" env:"POOL_SIZE"`
	StartDelay          string `help:"Delay between initial worker launches" default:"0s" toml:"pool.start_delay" env:"START_DELAY"`
	RestartDelay        string `help:"Delay between worker replacements in a rolling restart" default:"0s" toml:"pool.restart_delay" env:"RESTART_DELAY"`
	GracePeriod         string `help:"Time a worker gets to stop before it is killed" default:"60s" toml:"pool.grace_period" env:"GRACE_PERIOD"`
	RestartConcurrently bool   `help:"Stop every worker at once on a rolling restart" toml:"pool.restart_concurrently" env:"RESTART_CONCURRENTLY"`

	// Reload settings
	Watch string `help:"Comma-separated files or directories whose changes trigger a rolling restart" short:"w" toml:"reload.watch" env:"WATCH"`

	// Server settings
	ServerAddr   string `help:"Address of the status API, empty disables it" toml:"server.addr" env:"SERVER_ADDR"`
	AuthUsername string `help:"Basic auth username for the status API" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password for the status API" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel      string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat     string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingHistory    int    `help:"Log records kept for /api/logs (0 disables)" default:"1000" toml:"logging.history" env:"LOGGING_HISTORY"`
	LoggingSupervisor string `help:"Supervisor logging level" toml:"logging.modules.supervisor" env:"LOGGING_SUPERVISOR"`
	LoggingProcess    string `help:"Process launcher logging level" toml:"logging.modules.process" env:"LOGGING_PROCESS"`
	LoggingWorker     string `help:"Worker output logging level" toml:"logging.modules.worker" env:"LOGGING_WORKER"`
	LoggingAPI        string `help:"API logging level" toml:"logging.modules.api" env:"LOGGING_API"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Error("Failed to load config", "error", loadErr)
			os.Exit(1)
		}

		loggingConfig := config.LoadLoggingConfig(opts.Config)
		loggingConfig.Level = opts.LoggingLevel
		loggingConfig.Format = opts.LoggingFormat
		loggingConfig.History = opts.LoggingHistory
		loggingConfig.Override(logging.ModuleSupervisor, opts.LoggingSupervisor)
		loggingConfig.Override(logging.ModuleProcess, opts.LoggingProcess)
		loggingConfig.Override(logging.ModuleWorker, opts.LoggingWorker)
		loggingConfig.Override(logging.ModuleAPI, opts.LoggingAPI)
		logging.Initialize(loggingConfig)

		a := newApp(opts, logging.GetLogger(logging.ModuleMain))

		hooks.OnStart(func() {
			if err := a.run(); err != nil {
				a.logger.Error("Supervisor failed", "error", err)
				os.Exit(1)
			}
		})

		hooks.OnStop(a.stop)
	})

	cli.Root().AddCommand(
		cmd.CreateVersionCmd(),
		cmd.CreateStatusCmd(),
		cmd.CreateRestartCmd(),
		cmd.CreateShutdownCmd(),
		cmd.CreateLogsCmd(),
		cmd.CreateEchoWorkerCmd(),
	)

	cli.Run()
}
