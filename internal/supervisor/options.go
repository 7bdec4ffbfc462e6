package supervisor

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/smazurov/clusterd/internal/events"
)

// Defaults applied by New.
const (
	DefaultGracePeriod      = 60 * time.Second
	DefaultLaunchRetryDelay = time.Second
)

// StateChangeCallback is called on the supervisor loop for every worker
// state transition. oldState is empty for a new worker.
type StateChangeCallback func(id int, oldState, newState State)

// Options configures a Supervisor.
type Options struct {
	// Spawner starts workers (required).
	Spawner Spawner

	// Stopper asks workers to stop. Defaults to DisconnectStopper.
	Stopper Stopper

	// PoolSize is the number of workers to keep. Defaults to runtime.NumCPU().
	PoolSize int

	// StartDelay spaces the initial launches. Zero launches all at once.
	StartDelay time.Duration

	// RestartDelay spaces the kills of a rolling restart.
	RestartDelay time.Duration

	// GracePeriod bounds a graceful kill before the worker is force-killed.
	GracePeriod time.Duration

	// LaunchRetryDelay is the wait after a failed launch, and before
	// replacing a worker that died without coming online.
	LaunchRetryDelay time.Duration

	// RestartConcurrently stops every worker at once on a rolling restart.
	RestartConcurrently bool

	// EventBus receives lifecycle events (optional).
	EventBus *events.Bus

	// Logger for supervisor operations. Defaults to slog.Default().
	Logger *slog.Logger

	// OnStateChange is called for every worker state transition (optional).
	// It runs on the supervisor loop and must not block.
	OnStateChange StateChangeCallback
}

func (o *Options) applyDefaults() {
	if o.Stopper == nil {
		o.Stopper = DisconnectStopper{}
	}
	if o.PoolSize <= 0 {
		o.PoolSize = runtime.NumCPU()
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.LaunchRetryDelay <= 0 {
		o.LaunchRetryDelay = DefaultLaunchRetryDelay
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
