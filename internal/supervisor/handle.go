package supervisor

import "time"

// handle is the supervisor's reference to one worker process.
// Fields are written only through registry methods.
type handle struct {
	id         int
	pid        int
	worker     Worker
	state      State
	intent     Intent
	startedAt  time.Time
	onlineAt   time.Time
	generation int

	// killTimer is the scheduler sequence of the armed kill timer, 0 when none.
	killTimer uint64
	forced    bool
}

func (h *handle) info() Info {
	return Info{
		ID:         h.id,
		PID:        h.pid,
		State:      h.state,
		StartedAt:  h.startedAt,
		Generation: h.generation,
	}
}

// Info is a point-in-time copy of a worker handle.
type Info struct {
	ID         int       `json:"id"`
	PID        int       `json:"pid"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	Generation int       `json:"generation"`
}
