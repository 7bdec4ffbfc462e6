// Package process launches worker subprocesses and reports their lifecycle.
//
// A Launcher starts one child per Launch call and wires a small control
// channel into it through inherited file descriptors:
//
//	fd 3  control pipe, supervisor -> worker; closing it requests a disconnect
//	fd 4  status pipe, worker -> supervisor; "online" marks readiness, EOF confirms disconnect
//	fd 5  optional listening socket shared by every worker
//
// Lifecycle events are delivered through Hooks in a fixed order for each
// child: OnOnline (at most once), OnDisconnect (exactly once), OnExit
// (exactly once, always last). A successful Launch return is the fork event.
//
// Children run in their own process group so terminal signals reach only
// the supervising process. Kill terminates the whole group.
//
// Example usage:
//
//	l := process.NewLauncher(&process.LauncherOptions{
//	    Command: "myserver --port 8080",
//	    Silent:  true,
//	})
//	child, err := l.Launch(1, process.Hooks{
//	    OnExit: func(st process.ExitStatus) { log.Printf("exited: %s", st) },
//	})
package process
