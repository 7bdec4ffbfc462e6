package supervisor

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/smazurov/clusterd/internal/events"
)

// Stopper asks a worker to stop gracefully.
type Stopper interface {
	Stop(w Worker) error
}

// StopperFunc adapts a function to Stopper.
type StopperFunc func(w Worker) error

func (f StopperFunc) Stop(w Worker) error {
	return f(w)
}

// DisconnectStopper closes the worker's control channel.
type DisconnectStopper struct{}

func (DisconnectStopper) Stop(w Worker) error {
	return w.Disconnect()
}

// SignalStopper sends a signal to the worker. Zero Signal means SIGINT.
type SignalStopper struct {
	Signal os.Signal
}

func (s SignalStopper) Stop(w Worker) error {
	sig := s.Signal
	if sig == nil {
		sig = syscall.SIGINT
	}
	return w.Signal(sig)
}

var stopSignals = map[string]syscall.Signal{
	"INT":  syscall.SIGINT,
	"TERM": syscall.SIGTERM,
	"QUIT": syscall.SIGQUIT,
	"HUP":  syscall.SIGHUP,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
}

// ParseStopper maps a stop procedure name to a Stopper. "disconnect" or an
// empty name closes the control channel; a signal name such as "SIGTERM"
// or "term" sends that signal.
func ParseStopper(name string) (Stopper, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if upper == "" || upper == "DISCONNECT" {
		return DisconnectStopper{}, nil
	}
	if sig, ok := stopSignals[strings.TrimPrefix(upper, "SIG")]; ok {
		return SignalStopper{Signal: sig}, nil
	}
	return nil, fmt.Errorf("unknown stop procedure %q", name)
}

// killTimeout fires when a worker did not confirm its disconnect in time.
type killTimeout struct {
	id int
}

// gracefulKill records intent, arms the kill timer and asks the worker to stop.
func (s *Supervisor) gracefulKill(h *handle, intent Intent) {
	old, ok := s.registry.MarkKillIntent(h.id, intent)
	if !ok {
		return
	}
	s.notifyState(h, old, h.state)

	s.registry.SetTimer(h.id, s.schedule(s.opts.GracePeriod, killTimeout{id: h.id}))

	logger := s.logger.With("worker_id", h.id, "pid", h.pid)
	logger.Debug("Stopping worker", "intent", intent, "grace_period", s.opts.GracePeriod)
	if err := s.stopper.Stop(h.worker); err != nil {
		logger.Warn("Stop request failed, waiting for kill timer", "error", err)
	}
}

// confirmDisconnect cancels the kill timer of a worker that disconnected.
func (s *Supervisor) confirmDisconnect(id int) {
	h, ok := s.registry.Get(id)
	if !ok {
		return
	}
	if seq, armed := s.registry.TakeTimer(id); armed {
		s.cancel(seq)
		s.logger.Debug("Worker confirmed disconnect", "worker_id", id, "pid", h.pid)
		return
	}
	if h.intent == IntentNone {
		s.logger.Info("Worker disconnected on its own", "worker_id", id, "pid", h.pid)
	}
}

// onKillTimeout force-terminates a worker whose grace period expired.
func (s *Supervisor) onKillTimeout(ev killTimeout) {
	h, ok := s.registry.Get(ev.id)
	if !ok {
		return
	}
	s.registry.TakeTimer(ev.id)
	s.logger.Warn("Worker did not stop within grace period, killing",
		"worker_id", h.id, "pid", h.pid, "grace_period", s.opts.GracePeriod)
	s.forceKill(h)
}

// forceKill terminates a worker once; later calls for the same worker are no-ops.
func (s *Supervisor) forceKill(h *handle) {
	if h.forced {
		return
	}
	if seq, armed := s.registry.TakeTimer(h.id); armed {
		s.cancel(seq)
	}
	s.registry.MarkForced(h.id)

	if err := h.worker.Kill(); err != nil {
		s.logger.Warn("Failed to kill worker", "worker_id", h.id, "pid", h.pid, "error", err)
	}
	s.publish(events.WorkerForceKilledEvent{
		WorkerID:    h.id,
		PID:         h.pid,
		GracePeriod: s.opts.GracePeriod.String(),
		Timestamp:   timestamp(),
	})
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
