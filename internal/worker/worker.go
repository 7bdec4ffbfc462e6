// Package worker is the child side of the supervisor control channel.
//
// A worker reports readiness, learns about disconnect requests and picks
// up the shared listening socket through the descriptors the launcher
// passes in. Run wraps the usual lifecycle:
//
//	func main() {
//		if worker.IsWorker() {
//			err := worker.Run(context.Background(), serve)
//			...
//		}
//	}
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/smazurov/clusterd/internal/logging"
	"github.com/smazurov/clusterd/internal/process"
)

var (
	// ErrNotWorker is returned when the process was not started by a supervisor.
	ErrNotWorker = errors.New("not running as a supervised worker")
	// ErrNoListener is returned when no shared listener was passed in.
	ErrNoListener = errors.New("no shared listener")
)

// IsWorker reports whether the current process was started by a supervisor.
func IsWorker() bool {
	return os.Getenv(process.EnvWorker) == "1"
}

// Func is the payload run inside a worker. ctx is cancelled when the
// supervisor requests a disconnect or the process receives SIGINT/SIGTERM.
type Func func(ctx context.Context, w *Worker) error

// Worker is an open control channel.
type Worker struct {
	id           int
	control      *os.File
	status       *os.File
	disconnected chan struct{}
	logger       *slog.Logger

	mu        sync.Mutex
	closed    bool
	listener  net.Listener
	closeOnce sync.Once
}

// Open attaches to the control channel inherited from the supervisor.
func Open() (*Worker, error) {
	if !IsWorker() {
		return nil, ErrNotWorker
	}

	id, err := strconv.Atoi(os.Getenv(process.EnvWorkerID))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", process.EnvWorkerID, err)
	}

	w := &Worker{
		id:           id,
		control:      os.NewFile(process.ControlFD, "control"),
		status:       os.NewFile(process.StatusFD, "status"),
		disconnected: make(chan struct{}),
		logger:       logging.GetLogger(logging.ModuleWorker).With("worker_id", id),
	}
	if _, err := w.control.Stat(); err != nil {
		return nil, fmt.Errorf("control channel unavailable: %w", err)
	}

	go w.watchControl()
	return w, nil
}

// ID returns the supervisor-assigned worker id.
func (w *Worker) ID() int {
	return w.id
}

// Ready tells the supervisor the worker is online.
func (w *Worker) Ready() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if _, err := io.WriteString(w.status, process.ReadyMessage+"\n"); err != nil {
		return fmt.Errorf("failed to report readiness: %w", err)
	}
	return nil
}

// Disconnected is closed when the supervisor requests a disconnect.
func (w *Worker) Disconnected() <-chan struct{} {
	return w.disconnected
}

// Listener returns the listening socket shared by every worker.
func (w *Worker) Listener() (net.Listener, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener != nil {
		return w.listener, nil
	}

	if os.Getenv(process.EnvListenFD) == "" {
		return nil, ErrNoListener
	}
	f := os.NewFile(process.ListenFD, "listener")
	if f == nil {
		return nil, ErrNoListener
	}
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open shared listener: %w", err)
	}
	w.listener = ln
	return ln, nil
}

// Close confirms the disconnect to the supervisor. The process should
// exit soon after.
func (w *Worker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		err = errors.Join(w.status.Close(), w.control.Close())
	})
	return err
}

// watchControl waits for the supervisor to close the control pipe.
func (w *Worker) watchControl() {
	defer close(w.disconnected)
	buf := make([]byte, 64)
	for {
		if _, err := w.control.Read(buf); err != nil {
			if errors.Is(err, io.EOF) {
				w.logger.Debug("Disconnect requested")
			}
			return
		}
	}
}

// Run opens the control channel, runs fn and confirms the disconnect
// once fn returns.
func Run(ctx context.Context, fn Func) error {
	w, err := Open()
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.Disconnected():
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := fn(ctx, w); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error("Worker failed", "error", err)
		return err
	}
	return nil
}
