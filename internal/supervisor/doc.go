// Package supervisor maintains a pool of worker processes.
//
// A Supervisor launches PoolSize workers through a Spawner, replaces
// workers that exit without being asked to, and implements two operator
// transitions:
//
//   - Restart: a rolling restart. Workers are stopped one at a time, each
//     replaced as it exits; the next one is stopped only once the pool is
//     back at the online count it had when the restart began.
//   - Shutdown: every worker is stopped without replacement and Run
//     returns once all of them have exited.
//
// Stopping a worker is a graceful kill: the intent (kill or respawn) is
// recorded, a kill timer is armed for GracePeriod and the Stopper is asked
// to stop the worker. A worker that confirms its disconnect before the
// timer fires is never force-killed; otherwise it is killed exactly once.
//
// Every state change happens on the goroutine running Run. Spawner
// callbacks, timers and operator commands only post events to it.
//
//	sup := supervisor.New(supervisor.Options{
//		Spawner:  supervisor.NewProcessSpawner(launcher),
//		PoolSize: 4,
//	})
//	go sup.Run(ctx)
//	<-sup.Ready()
//	_ = sup.Restart()
package supervisor
