package supervisor

// State is the lifecycle state of one worker.
type State string

const (
	StateStarting         State = "starting"
	StateOnline           State = "online"
	StateKillRequested    State = "kill_requested"
	StateRespawnRequested State = "respawn_requested"

	// StateExited is only reported to observers; exited workers are no
	// longer in the pool.
	StateExited State = "exited"
)

// Phase is the lifecycle phase of the supervisor.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseFilling        Phase = "filling"
	PhaseSteady         Phase = "steady"
	PhaseRollingRestart Phase = "rolling_restart"
	PhaseShuttingDown   Phase = "shutting_down"
	PhaseTerminated     Phase = "terminated"
)

// Intent records why the supervisor asked a worker to stop.
type Intent int

const (
	// IntentNone means the supervisor did not ask the worker to stop.
	// Its exit is unsolicited and it is replaced.
	IntentNone Intent = iota
	// IntentKill stops the worker for good.
	IntentKill
	// IntentRespawn stops the worker and launches a replacement.
	IntentRespawn
)

func (i Intent) String() string {
	switch i {
	case IntentKill:
		return "kill"
	case IntentRespawn:
		return "respawn"
	default:
		return "none"
	}
}

// state returns the worker state that carries the intent.
func (i Intent) state() State {
	if i == IntentRespawn {
		return StateRespawnRequested
	}
	return StateKillRequested
}
