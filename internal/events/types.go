package events

// Event type constants for kelindar/event.
const (
	TypeWorkerStateChanged uint32 = iota + 1
	TypeWorkerExited
	TypeWorkerForceKilled
	TypeWorkerLaunchFailed
	TypePhaseChanged
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// WorkerStateChangedEvent is published on every worker state transition.
// NewState is "exited" once the worker has been removed from the pool.
type WorkerStateChangedEvent struct {
	WorkerID  int    `json:"worker_id" example:"3" doc:"Worker identifier"`
	PID       int    `json:"pid" example:"4242" doc:"OS process id"`
	OldState  string `json:"old_state" example:"starting" doc:"Previous state"`
	NewState  string `json:"new_state" example:"online" doc:"New state"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for WorkerStateChangedEvent.
func (e WorkerStateChangedEvent) Type() uint32 { return TypeWorkerStateChanged }

// WorkerExitedEvent is published when a worker process has been reaped.
type WorkerExitedEvent struct {
	WorkerID  int    `json:"worker_id" example:"3" doc:"Worker identifier"`
	PID       int    `json:"pid" example:"4242" doc:"OS process id"`
	Code      int    `json:"code" example:"1" doc:"Exit code, -1 when killed by a signal"`
	Signal    string `json:"signal,omitempty" example:"killed" doc:"Terminating signal"`
	Expected  bool   `json:"expected" doc:"Whether the supervisor requested the exit"`
	Respawn   bool   `json:"respawn" doc:"Whether a replacement is launched"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for WorkerExitedEvent.
func (e WorkerExitedEvent) Type() uint32 { return TypeWorkerExited }

// WorkerForceKilledEvent is published when a worker missed its grace period.
type WorkerForceKilledEvent struct {
	WorkerID    int    `json:"worker_id" example:"3" doc:"Worker identifier"`
	PID         int    `json:"pid" example:"4242" doc:"OS process id"`
	GracePeriod string `json:"grace_period" example:"1m0s" doc:"Grace period that expired"`
	Timestamp   string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for WorkerForceKilledEvent.
func (e WorkerForceKilledEvent) Type() uint32 { return TypeWorkerForceKilled }

// WorkerLaunchFailedEvent is published when a worker process could not be started.
type WorkerLaunchFailedEvent struct {
	WorkerID  int    `json:"worker_id" example:"7" doc:"Identifier the worker would have had"`
	Error     string `json:"error" example:"exec: \"srv\": executable file not found in $PATH" doc:"Launch error"`
	RetryIn   string `json:"retry_in,omitempty" example:"1s" doc:"Delay before the next attempt, empty when not retried"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for WorkerLaunchFailedEvent.
func (e WorkerLaunchFailedEvent) Type() uint32 { return TypeWorkerLaunchFailed }

// PhaseChangedEvent is published when the supervisor changes phase.
// OperationID correlates the logs of one rolling restart or shutdown.
type PhaseChangedEvent struct {
	OperationID string `json:"operation_id,omitempty" example:"9b2f0c1e-5d7a-4a8e-9a55-1d8e7f0c2b11" doc:"Rollout or shutdown id"`
	OldPhase    string `json:"old_phase" example:"steady" doc:"Previous phase"`
	NewPhase    string `json:"new_phase" example:"rolling_restart" doc:"New phase"`
	Generation  int    `json:"generation" example:"2" doc:"Rolling restart generation"`
	Timestamp   string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for PhaseChangedEvent.
func (e PhaseChangedEvent) Type() uint32 { return TypePhaseChanged }
