package supervisor

import (
	"github.com/google/uuid"
)

// rollout is one rolling restart in flight.
type rollout struct {
	id     string
	queue  []int
	target int

	// step is the pending RestartDelay timer. gate is the GracePeriod timer
	// bounding the wait for a launched replacement to come online; a worker
	// still draining is bounded by its own kill timer instead.
	step      uint64
	gate      uint64
	forceNext bool
}

type rolloutStep struct{ r *rollout }
type rolloutGate struct{ r *rollout }

// restart begins a rolling restart over a snapshot of the current workers.
// A restart in flight is superseded.
func (s *Supervisor) restart() error {
	if !s.accepting() {
		s.logger.Warn("Ignoring restart request during shutdown")
		return ErrShuttingDown
	}

	target := min(s.opts.PoolSize, s.registry.CountOnline())
	if prev := s.rollout; prev != nil {
		s.logger.Info("Superseding rolling restart", "operation_id", prev.id, "remaining", len(prev.queue))
		target = min(s.opts.PoolSize, max(target, prev.target))
		s.stopRollout()
	}

	var ids []int
	for _, id := range s.registry.IDs() {
		if h, ok := s.registry.Get(id); ok && h.intent == IntentNone {
			ids = append(ids, id)
		}
	}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	r := &rollout{id: uuid.NewString(), queue: ids, target: target}
	s.rollout = r
	s.setPhase(PhaseRollingRestart, r.id)
	s.logger.Info("Starting rolling restart",
		"operation_id", r.id, "generation", gen, "workers", len(ids), "min_online", target)

	if s.opts.RestartConcurrently {
		s.logger.Warn("Restarting all workers at once, capacity drops until replacements are online",
			"operation_id", r.id)
		for _, id := range r.queue {
			if h, ok := s.registry.Get(id); ok {
				s.gracefulKill(h, IntentRespawn)
			}
		}
		r.queue = nil
	}

	s.advanceRollout()
	return nil
}

// advanceRollout stops the next worker of the rollout once enough workers
// are online. It finishes the rollout when every worker has been stopped.
func (s *Supervisor) advanceRollout() {
	r := s.rollout
	if r == nil || r.step != 0 {
		return
	}

	for len(r.queue) > 0 {
		if h, ok := s.registry.Get(r.queue[0]); ok && h.intent == IntentNone {
			break
		}
		r.queue = r.queue[1:]
	}
	if len(r.queue) == 0 {
		s.finishRollout()
		return
	}

	if s.registry.CountOnline() < r.target && !r.forceNext {
		if r.gate == 0 && !s.draining() {
			r.gate = s.schedule(s.opts.GracePeriod, rolloutGate{r})
		}
		return
	}

	if r.gate != 0 {
		s.cancel(r.gate)
		r.gate = 0
	}
	r.forceNext = false

	id := r.queue[0]
	r.queue = r.queue[1:]
	h, _ := s.registry.Get(id)
	s.logger.Info("Restarting worker", "operation_id", r.id, "worker_id", id, "remaining", len(r.queue))
	s.gracefulKill(h, IntentRespawn)

	if s.opts.RestartDelay > 0 && len(r.queue) > 0 {
		r.step = s.schedule(s.opts.RestartDelay, rolloutStep{r})
		return
	}
	s.advanceRollout()
}

// armRolloutGate starts the replacement wait of the rollout in flight
// once a new worker has been launched.
func (s *Supervisor) armRolloutGate() {
	if r := s.rollout; r != nil && r.gate == 0 {
		r.gate = s.schedule(s.opts.GracePeriod, rolloutGate{r})
	}
}

// draining reports whether a stopped worker has not exited yet.
func (s *Supervisor) draining() bool {
	for _, id := range s.registry.IDs() {
		if h, ok := s.registry.Get(id); ok && h.intent != IntentNone {
			return true
		}
	}
	return false
}

func (s *Supervisor) onRolloutStep(ev rolloutStep) {
	if s.rollout != ev.r {
		return
	}
	ev.r.step = 0
	s.advanceRollout()
}

func (s *Supervisor) onRolloutGate(ev rolloutGate) {
	if s.rollout != ev.r {
		return
	}
	ev.r.gate = 0
	ev.r.forceNext = true
	s.logger.Warn("Replacement not online within grace period, continuing rolling restart",
		"operation_id", ev.r.id, "online", s.registry.CountOnline(), "min_online", ev.r.target)
	s.advanceRollout()
}

// finishRollout ends the rollout once every stop has been issued.
func (s *Supervisor) finishRollout() {
	r := s.rollout
	s.stopRollout()
	s.logger.Info("Rolling restart issued", "operation_id", r.id)

	if s.registry.CountOnline() >= s.opts.PoolSize {
		s.setPhase(PhaseSteady, "")
	} else {
		s.setPhase(PhaseFilling, "")
	}
}

func (s *Supervisor) stopRollout() {
	r := s.rollout
	if r == nil {
		return
	}
	s.cancel(r.step)
	s.cancel(r.gate)
	s.rollout = nil
}
