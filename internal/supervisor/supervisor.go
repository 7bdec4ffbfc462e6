package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/clusterd/internal/events"
	"github.com/smazurov/clusterd/internal/process"
)

var (
	// ErrNotRunning is returned by commands issued before Run or after it returned.
	ErrNotRunning = errors.New("supervisor is not running")
	// ErrShuttingDown is returned by Restart once shutdown has begun.
	ErrShuttingDown = errors.New("supervisor is shutting down")
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("supervisor already started")
)

const eventQueueSize = 256

// Loop events.
type (
	onlineEvent     struct{ id int }
	disconnectEvent struct{ id int }
	exitEvent       struct {
		id     int
		status process.ExitStatus
	}
	timerEvent struct {
		seq     uint64
		payload any
	}
	launchTick struct{}
	command    struct {
		kind  commandKind
		reply chan error
	}
)

type commandKind int

const (
	cmdRestart commandKind = iota
	cmdShutdown
)

// Status is a point-in-time summary of the supervisor.
type Status struct {
	Phase       Phase  `json:"phase"`
	OperationID string `json:"operation_id,omitempty"`
	Generation  int    `json:"generation"`
	PoolSize    int    `json:"pool_size"`
	Workers     int    `json:"workers"`
	Online      int    `json:"online"`
}

// Supervisor keeps a pool of worker processes alive, replaces workers that
// die unexpectedly and drives rolling restarts and shutdown.
//
// All bookkeeping happens on the goroutine running Run. Other methods are
// safe for concurrent use.
type Supervisor struct {
	opts     Options
	stopper  Stopper
	logger   *slog.Logger
	registry *registry
	observer Observer

	events    chan any
	started   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu          sync.RWMutex
	phase       Phase
	generation  int
	operationID string

	// Owned by the loop.
	nextID   int
	timerSeq uint64
	timers   map[uint64]*time.Timer
	rollout  *rollout
}

// New creates a supervisor. It panics if opts.Spawner is nil.
func New(opts Options) *Supervisor {
	if opts.Spawner == nil {
		panic("supervisor: Spawner is required")
	}
	opts.applyDefaults()

	s := &Supervisor{
		opts:     opts,
		stopper:  opts.Stopper,
		logger:   opts.Logger,
		registry: newRegistry(),
		events:   make(chan any, eventQueueSize),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		phase:    PhaseIdle,
		timers:   make(map[uint64]*time.Timer),
	}
	s.observer = loopObserver{s}
	return s
}

// Run fills the pool and supervises it until shutdown completes.
// Cancelling ctx starts a graceful shutdown. Run returns nil once every
// worker has exited.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(s.done)

	s.logger.Info("Starting supervisor",
		"pool_size", s.opts.PoolSize,
		"grace_period", s.opts.GracePeriod,
		"start_delay", s.opts.StartDelay,
		"restart_delay", s.opts.RestartDelay)

	s.setPhase(PhaseFilling, "")
	s.fill()

	ctxDone := ctx.Done()
	for s.Phase() != PhaseTerminated {
		select {
		case <-ctxDone:
			ctxDone = nil
			s.logger.Info("Context cancelled, shutting down")
			s.shutdown()
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}

	s.logger.Info("Supervisor stopped")
	return nil
}

// Restart starts a rolling restart of every current worker.
// It returns once the restart has been accepted.
func (s *Supervisor) Restart() error {
	return s.command(cmdRestart)
}

// Shutdown stops every worker without replacement. Run returns once they
// have exited. A second call force-kills the remaining workers.
func (s *Supervisor) Shutdown() error {
	return s.command(cmdShutdown)
}

// Ready is closed once the pool first reaches full strength.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when Run returns.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Phase returns the current phase.
func (s *Supervisor) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Status returns a summary of the pool.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	st := Status{
		Phase:       s.phase,
		OperationID: s.operationID,
		Generation:  s.generation,
		PoolSize:    s.opts.PoolSize,
	}
	s.mu.RUnlock()

	st.Workers = s.registry.Len()
	st.Online = s.registry.CountOnline()
	return st
}

// Workers returns a snapshot of every worker ordered by id.
func (s *Supervisor) Workers() []Info {
	return s.registry.Snapshot()
}

func (s *Supervisor) command(kind commandKind) error {
	if !s.started.Load() {
		return ErrNotRunning
	}

	reply := make(chan error, 1)
	select {
	case s.events <- command{kind: kind, reply: reply}:
	case <-s.done:
		return ErrNotRunning
	}

	select {
	case err := <-reply:
		return err
	case <-s.done:
		// The loop replies before it finishes.
		select {
		case err := <-reply:
			return err
		default:
			return ErrNotRunning
		}
	}
}

// post delivers an event to the loop. Events posted after Run returned are dropped.
func (s *Supervisor) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Supervisor) dispatch(ev any) {
	switch e := ev.(type) {
	case onlineEvent:
		s.onOnline(e.id)
	case disconnectEvent:
		s.confirmDisconnect(e.id)
	case exitEvent:
		s.onExit(e.id, e.status)
	case timerEvent:
		s.onTimer(e)
	case command:
		switch e.kind {
		case cmdRestart:
			e.reply <- s.restart()
		case cmdShutdown:
			s.shutdown()
			e.reply <- nil
		}
	}
}

// fill launches the initial pool.
func (s *Supervisor) fill() {
	for i := range s.opts.PoolSize {
		if i == 0 || s.opts.StartDelay <= 0 {
			s.launch()
			continue
		}
		s.schedule(time.Duration(i)*s.opts.StartDelay, launchTick{})
	}
}

// launch starts one worker under a fresh id.
func (s *Supervisor) launch() {
	s.nextID++
	id := s.nextID

	w, err := s.opts.Spawner.Spawn(id, s.observer)
	if err != nil {
		s.logger.Error("Failed to launch worker", "worker_id", id, "error", err)
		ev := events.WorkerLaunchFailedEvent{
			WorkerID:  id,
			Error:     err.Error(),
			Timestamp: timestamp(),
		}
		if s.accepting() {
			ev.RetryIn = s.opts.LaunchRetryDelay.String()
			s.schedule(s.opts.LaunchRetryDelay, launchTick{})
		}
		s.publish(ev)
		return
	}

	h := &handle{
		pid:        w.PID(),
		worker:     w,
		state:      StateStarting,
		startedAt:  time.Now(),
		generation: s.currentGeneration(),
	}
	s.registry.Register(id, h)
	s.logger.Info("Worker forked", "worker_id", id, "pid", h.pid, "generation", h.generation)
	s.notifyState(h, "", StateStarting)
	s.armRolloutGate()
}

func (s *Supervisor) onOnline(id int) {
	h, ok := s.registry.Get(id)
	if !ok || !s.registry.MarkOnline(id) {
		return
	}
	s.logger.Info("Worker online", "worker_id", id, "pid", h.pid)
	s.notifyState(h, StateStarting, StateOnline)

	switch s.Phase() {
	case PhaseFilling:
		if s.registry.CountOnline() >= s.opts.PoolSize {
			s.setPhase(PhaseSteady, "")
		}
	case PhaseRollingRestart:
		s.advanceRollout()
	}
}

func (s *Supervisor) onExit(id int, st process.ExitStatus) {
	h, ok := s.registry.Get(id)
	if !ok {
		s.logger.Debug("Ignoring exit of unknown worker", "worker_id", id)
		return
	}
	if seq, armed := s.registry.TakeTimer(id); armed {
		s.cancel(seq)
	}
	intent, _ := s.registry.Remove(id)

	respawn := s.accepting() && intent != IntentKill
	logger := s.logger.With("worker_id", id, "pid", h.pid, "code", st.Code, "signal", st.Signal)
	if intent == IntentNone && s.accepting() {
		logger.Warn("Worker died unexpectedly")
	} else {
		logger.Info("Worker exited", "intent", intent, "respawn", respawn)
	}

	s.notifyState(h, h.state, StateExited)
	s.publish(events.WorkerExitedEvent{
		WorkerID:  id,
		PID:       h.pid,
		Code:      st.Code,
		Signal:    st.Signal,
		Expected:  intent != IntentNone,
		Respawn:   respawn,
		Timestamp: timestamp(),
	})

	switch {
	case respawn && intent == IntentNone && h.onlineAt.IsZero():
		logger.Warn("Worker exited before coming online, delaying replacement",
			"delay", s.opts.LaunchRetryDelay)
		s.schedule(s.opts.LaunchRetryDelay, launchTick{})
	case respawn:
		s.launch()
	}

	if s.Phase() == PhaseShuttingDown && s.registry.Len() == 0 {
		s.terminate()
	}
}

func (s *Supervisor) shutdown() {
	switch s.Phase() {
	case PhaseShuttingDown:
		s.logger.Warn("Repeated shutdown request, killing remaining workers", "workers", s.registry.Len())
		for _, id := range s.registry.IDs() {
			if h, ok := s.registry.Get(id); ok {
				s.forceKill(h)
			}
		}
		return
	case PhaseTerminated:
		return
	}

	s.stopRollout()
	op := uuid.NewString()
	s.setPhase(PhaseShuttingDown, op)
	s.logger.Info("Shutting down workers", "operation_id", op, "workers", s.registry.Len())

	if s.registry.Len() == 0 {
		s.terminate()
		return
	}

	for _, id := range s.registry.IDs() {
		h, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		switch h.intent {
		case IntentNone:
			s.gracefulKill(h, IntentKill)
		case IntentRespawn:
			// Already stopping, only cancel its replacement.
			old, _ := s.registry.MarkKillIntent(id, IntentKill)
			s.notifyState(h, old, h.state)
		}
	}
}

func (s *Supervisor) terminate() {
	for seq, t := range s.timers {
		t.Stop()
		delete(s.timers, seq)
	}
	s.setPhase(PhaseTerminated, "")
}

// accepting reports whether exited workers may still be replaced.
func (s *Supervisor) accepting() bool {
	p := s.Phase()
	return p != PhaseShuttingDown && p != PhaseTerminated
}

func (s *Supervisor) currentGeneration() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

func (s *Supervisor) setPhase(p Phase, operationID string) {
	s.mu.Lock()
	old := s.phase
	s.phase = p
	if operationID != "" {
		s.operationID = operationID
	}
	op, gen := s.operationID, s.generation
	s.mu.Unlock()

	if old == p {
		return
	}
	if p == PhaseSteady {
		s.readyOnce.Do(func() { close(s.ready) })
	}

	s.logger.Debug("Phase changed", "old_phase", old, "new_phase", p, "operation_id", op)
	s.publish(events.PhaseChangedEvent{
		OperationID: op,
		OldPhase:    string(old),
		NewPhase:    string(p),
		Generation:  gen,
		Timestamp:   timestamp(),
	})
}

func (s *Supervisor) notifyState(h *handle, oldState, newState State) {
	if oldState == newState {
		return
	}
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(h.id, oldState, newState)
	}
	s.publish(events.WorkerStateChangedEvent{
		WorkerID:  h.id,
		PID:       h.pid,
		OldState:  string(oldState),
		NewState:  string(newState),
		Timestamp: timestamp(),
	})
}

func (s *Supervisor) publish(ev events.Event) {
	if s.opts.EventBus != nil {
		s.opts.EventBus.Publish(ev)
	}
}

// schedule posts payload to the loop after d and returns the timer's sequence.
func (s *Supervisor) schedule(d time.Duration, payload any) uint64 {
	s.timerSeq++
	seq := s.timerSeq
	s.timers[seq] = time.AfterFunc(d, func() {
		s.post(timerEvent{seq: seq, payload: payload})
	})
	return seq
}

// cancel stops a scheduled timer. Cancelling a fired timer is a no-op.
func (s *Supervisor) cancel(seq uint64) {
	if t, ok := s.timers[seq]; ok {
		t.Stop()
		delete(s.timers, seq)
	}
}

func (s *Supervisor) onTimer(ev timerEvent) {
	if _, ok := s.timers[ev.seq]; !ok {
		// Cancelled after it fired.
		return
	}
	delete(s.timers, ev.seq)

	switch p := ev.payload.(type) {
	case launchTick:
		if s.accepting() {
			s.launch()
		}
	case killTimeout:
		s.onKillTimeout(p)
	case rolloutStep:
		s.onRolloutStep(p)
	case rolloutGate:
		s.onRolloutGate(p)
	}
}

// loopObserver forwards worker lifecycle events to the supervisor loop.
type loopObserver struct {
	s *Supervisor
}

func (o loopObserver) Online(id int)       { o.s.post(onlineEvent{id}) }
func (o loopObserver) Disconnected(id int) { o.s.post(disconnectEvent{id}) }
func (o loopObserver) Exited(id int, st process.ExitStatus) {
	o.s.post(exitEvent{id: id, status: st})
}
