package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// ExitStatus describes how a child terminated.
type ExitStatus struct {
	Code   int    // exit code, -1 when terminated by a signal
	Signal string // terminating signal name, empty for a normal exit
	Err    error  // wait error other than a non-zero exit
}

// Signaled reports whether the child was terminated by a signal.
func (s ExitStatus) Signaled() bool {
	return s.Signal != ""
}

func (s ExitStatus) String() string {
	if s.Signaled() {
		return fmt.Sprintf("signal %s", s.Signal)
	}
	return fmt.Sprintf("code %d", s.Code)
}

// exitStatusFrom builds an ExitStatus from the result of exec.Cmd.Wait.
func exitStatusFrom(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: exitCodeFromError(waitErr), Err: waitErr}
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal().String()}
	}

	st := ExitStatus{Code: state.ExitCode()}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		st.Err = waitErr
	}
	return st
}

// exitCodeFromError extracts exit code from process error.
// Returns 0 for nil error, the exit code for ExitError, or 1 for other errors.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
