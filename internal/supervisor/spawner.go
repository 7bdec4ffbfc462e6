package supervisor

import (
	"os"

	"github.com/smazurov/clusterd/internal/process"
)

// Worker is a running worker process as seen by the supervisor.
type Worker interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	Disconnect() error
}

// Observer receives the lifecycle events of spawned workers.
// Methods may be called from any goroutine. For each worker Disconnected
// and Exited are called exactly once, Exited last.
type Observer interface {
	Online(id int)
	Disconnected(id int)
	Exited(id int, status process.ExitStatus)
}

// Spawner starts worker processes. A nil error is the fork event.
type Spawner interface {
	Spawn(id int, obs Observer) (Worker, error)
}

// ProcessSpawner spawns OS processes through a process.Launcher.
type ProcessSpawner struct {
	launcher *process.Launcher
}

// NewProcessSpawner creates a spawner backed by launcher.
func NewProcessSpawner(launcher *process.Launcher) *ProcessSpawner {
	return &ProcessSpawner{launcher: launcher}
}

func (p *ProcessSpawner) Spawn(id int, obs Observer) (Worker, error) {
	child, err := p.launcher.Launch(id, process.Hooks{
		OnOnline:     func() { obs.Online(id) },
		OnDisconnect: func() { obs.Disconnected(id) },
		OnExit:       func(st process.ExitStatus) { obs.Exited(id, st) },
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}
