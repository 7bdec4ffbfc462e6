package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Environment variables set for every worker.
const (
	EnvWorker   = "CLUSTERD_WORKER"
	EnvWorkerID = "CLUSTERD_WORKER_ID"
	EnvListenFD = "CLUSTERD_LISTEN_FD"
)

// Control channel descriptors as numbered inside the worker.
const (
	ControlFD = 3
	StatusFD  = 4
	ListenFD  = 5
)

// ReadyMessage is the status line a worker writes once it can serve.
const ReadyMessage = "online"

// pipeDrainTimeout bounds how long the status and output pipes may stay open
// after the child exited. A grandchild can hold inherited copies of them.
const pipeDrainTimeout = time.Second

// LogParser parses a log line and returns the log level and message.
// Used to extract structured log info from worker output.
type LogParser func(line string) (level, msg string)

// Hooks receive the lifecycle events of one child.
// They are called from the child's own goroutines and must not block for long.
type Hooks struct {
	OnOnline     func()
	OnDisconnect func()
	OnExit       func(ExitStatus)
}

// LauncherOptions configures a new Launcher.
type LauncherOptions struct {
	// Command is the worker command line. Empty re-executes the current
	// binary with WorkerArgs.
	Command string

	// WorkerArgs are passed to the re-executed binary when Command is empty.
	WorkerArgs []string

	// Env is appended to the supervisor's environment.
	Env []string

	// Dir is the working directory of workers (optional).
	Dir string

	// NotifyReady waits for the worker to report ReadyMessage before it is
	// considered online. Otherwise a worker is online once started.
	NotifyReady bool

	// Silent discards worker stdout/stderr instead of inheriting it.
	Silent bool

	// LogOutput streams worker output through OutputLogger line by line.
	LogOutput bool

	// LogParser extracts levels from worker output lines (optional).
	LogParser LogParser

	// ListenerFile is a listening socket handed to every worker as ListenFD.
	ListenerFile *os.File

	// Logger for launcher operations. If nil, uses slog.Default().
	Logger *slog.Logger

	// OutputLogger receives worker output when LogOutput is set. If nil, uses Logger.
	OutputLogger *slog.Logger
}

// Launcher starts worker processes.
type Launcher struct {
	opts   LauncherOptions
	logger *slog.Logger
}

// NewLauncher creates a new launcher.
func NewLauncher(opts *LauncherOptions) *Launcher {
	if opts == nil {
		opts = &LauncherOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Launcher{
		opts:   *opts,
		logger: logger,
	}
}

// resolve returns the executable and arguments for a worker.
func (l *Launcher) resolve() (string, []string, error) {
	if l.opts.Command == "" {
		self, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("failed to resolve own executable: %w", err)
		}
		return self, l.opts.WorkerArgs, nil
	}

	args, err := parseCommand(l.opts.Command)
	if err != nil {
		return "", nil, err
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}
	return args[0], args[1:], nil
}

// outputStream is the parent end of one captured stdout/stderr pipe.
type outputStream struct {
	file   *os.File
	source string
}

func closeOutputs(outputs []outputStream) {
	for _, out := range outputs {
		out.file.Close()
	}
}

// Launch starts one worker with the given id and returns once the process
// exists. Lifecycle events for it are delivered through hooks.
func (l *Launcher) Launch(id int, hooks Hooks) (*Child, error) {
	path, args, err := l.resolve()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = l.opts.Dir
	cmd.Env = append(os.Environ(), l.opts.Env...)
	cmd.Env = append(cmd.Env, EnvWorker+"=1", fmt.Sprintf("%s=%d", EnvWorkerID, id))

	controlR, controlW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create control pipe: %w", err)
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		controlR.Close()
		controlW.Close()
		return nil, fmt.Errorf("failed to create status pipe: %w", err)
	}
	// Child-side ends are owned by the child once it started.
	defer controlR.Close()
	defer statusW.Close()

	cmd.ExtraFiles = []*os.File{controlR, statusW}
	if l.opts.ListenerFile != nil {
		cmd.ExtraFiles = append(cmd.ExtraFiles, l.opts.ListenerFile)
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", EnvListenFD, ListenFD))
	}

	var outputs []outputStream
	switch {
	case l.opts.LogOutput:
		for _, source := range []string{"stdout", "stderr"} {
			r, w, pipeErr := os.Pipe()
			if pipeErr != nil {
				closeOutputs(outputs)
				controlW.Close()
				statusR.Close()
				return nil, fmt.Errorf("failed to create %s pipe: %w", source, pipeErr)
			}
			defer w.Close()
			if source == "stdout" {
				cmd.Stdout = w
			} else {
				cmd.Stderr = w
			}
			outputs = append(outputs, outputStream{r, source})
		}
	case l.opts.Silent:
		// nil Stdout/Stderr are connected to the null device
	default:
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		closeOutputs(outputs)
		controlW.Close()
		statusR.Close()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	pid := cmd.Process.Pid
	c := &Child{
		id:      id,
		cmd:     cmd,
		control: controlW,
		status:  statusR,
		done:    make(chan struct{}),
		logger:  l.logger.With("worker_id", id, "pid", pid),
	}

	l.logger.Info("Worker started", "worker_id", id, "pid", pid, "command", path)

	// Readers own the parent ends of the status and output pipes.
	c.readers.Add(1 + len(outputs))
	c.pipes = append(c.pipes, statusR)
	go func() {
		defer c.readers.Done()
		c.readStatus(hooks, l.opts.NotifyReady)
	}()
	for _, out := range outputs {
		c.pipes = append(c.pipes, out.file)
		go func() {
			defer c.readers.Done()
			defer out.file.Close()
			l.streamOutput(out.file, out.source, pid)
		}()
	}

	go c.watch(hooks)

	return c, nil
}

// Child is a running worker process.
type Child struct {
	id      int
	cmd     *exec.Cmd
	control *os.File
	status  *os.File
	done    chan struct{}
	reaped  atomic.Bool
	logger  *slog.Logger
	readers sync.WaitGroup
	pipes   []*os.File

	disconnectOnce sync.Once
	disconnectErr  error
}

// ID returns the supervisor-assigned worker id.
func (c *Child) ID() int {
	return c.id
}

// PID returns the OS process id.
func (c *Child) PID() int {
	return c.cmd.Process.Pid
}

// Done is closed once the child has been reaped and its pipes drained.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Exited reports whether the child has been reaped. It turns true before
// Done is closed when the pipes are still draining.
func (c *Child) Exited() bool {
	return c.reaped.Load()
}

// Disconnect closes the control pipe, asking the worker to stop.
// Only the first call has an effect.
func (c *Child) Disconnect() error {
	c.disconnectOnce.Do(func() {
		c.disconnectErr = c.control.Close()
	})
	return c.disconnectErr
}

// Signal sends sig to the worker process.
func (c *Child) Signal(sig os.Signal) error {
	if c.Exited() {
		return os.ErrProcessDone
	}
	return c.cmd.Process.Signal(sig)
}

// Kill force-terminates the worker and every process in its group.
func (c *Child) Kill() error {
	if c.Exited() {
		return os.ErrProcessDone
	}
	pid := c.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		c.logger.Debug("Process group kill failed, killing process", "error", err)
		return c.cmd.Process.Kill()
	}
	return nil
}

// watch waits for the child and emits the exit event once every pipe
// reader, including the disconnect notification, has finished.
func (c *Child) watch(hooks Hooks) {
	waitErr := c.cmd.Wait()
	c.reaped.Store(true)

	drained := make(chan struct{})
	go func() {
		c.readers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(pipeDrainTimeout):
		c.logger.Warn("Worker pipes still open after exit, closing")
		for _, f := range c.pipes {
			_ = f.Close()
		}
		<-drained
	}

	_ = c.Disconnect()

	st := exitStatusFrom(c.cmd.ProcessState, waitErr)
	if st.Err != nil {
		c.logger.Error("Worker wait failed", "error", st.Err)
	}
	close(c.done)

	if hooks.OnExit != nil {
		hooks.OnExit(st)
	}
}

// readStatus reads the status pipe until EOF, which confirms the disconnect.
func (c *Child) readStatus(hooks Hooks, notifyReady bool) {
	online := !notifyReady
	if online && hooks.OnOnline != nil {
		hooks.OnOnline()
	}

	scanner := bufio.NewScanner(c.status)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == ReadyMessage && !online {
			online = true
			if hooks.OnOnline != nil {
				hooks.OnOnline()
			}
			continue
		}
		c.logger.Debug("Worker status message", "message", line)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		c.logger.Warn("Error reading status pipe", "error", err)
	}
	_ = c.status.Close()

	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect()
	}
}

// streamOutput streams worker output through the output logger.
// Uses the configured LogParser to extract log levels from worker output.
func (l *Launcher) streamOutput(reader io.Reader, source string, pid int) {
	scanner := bufio.NewScanner(reader)

	logger := l.opts.OutputLogger
	if logger == nil {
		logger = l.logger
	}
	logger = logger.With("pid", pid, "source", source)

	for scanner.Scan() {
		line := scanner.Text()

		level, msg := "info", line
		if l.opts.LogParser != nil {
			level, msg = l.opts.LogParser(line)
		}

		switch level {
		case "fatal", "error":
			logger.Error(msg)
		case "warning", "warn":
			logger.Warn(msg)
		case "debug", "trace":
			logger.Debug(msg)
		default:
			logger.Info(msg)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		l.logger.Warn("Error reading output", "source", source, "pid", pid, "error", err)
	}
}

// parseCommand parses a command string into arguments
// Handles quoted strings and basic escaping.
func parseCommand(command string) ([]string, error) {
	var args []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)

	command = strings.TrimSpace(command)
	runes := []rune(command)

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			switch {
			case !inQuote:
				inQuote = true
				quoteChar = r
			case r == quoteChar:
				inQuote = false
				quoteChar = 0
			default:
				current.WriteRune(r)
			}
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		case r == '\\' && i+1 < len(runes):
			i++
			current.WriteRune(runes[i])
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		args = append(args, current.String())
	}

	if inQuote {
		return nil, fmt.Errorf("unclosed quote in command")
	}

	return args, nil
}
