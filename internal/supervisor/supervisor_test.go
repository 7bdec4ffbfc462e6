package supervisor

import (
	"context"
	"errors"
	"slices"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/smazurov/clusterd/internal/events"
	"github.com/smazurov/clusterd/internal/process"
)

func TestFillPool(t *testing.T) {
	h := startHarness(t, Options{PoolSize: 4})
	h.waitReady()

	st := h.sup.Status()
	if st.Phase != PhaseSteady || st.Workers != 4 || st.Online != 4 || st.PoolSize != 4 {
		t.Errorf("unexpected status after fill: %+v", st)
	}
	for _, info := range h.sup.Workers() {
		if info.State != StateOnline {
			t.Errorf("worker %d in state %s, want online", info.ID, info.State)
		}
		if info.PID != 1000+info.ID {
			t.Errorf("worker %d pid = %d", info.ID, info.PID)
		}
	}
	if got := h.ids(); !slices.Equal(got, []int{1, 2, 3, 4}) {
		t.Errorf("ids = %v, want [1 2 3 4]", got)
	}
}

func TestPoolScenario(t *testing.T) {
	h := startHarness(t, Options{PoolSize: 4, GracePeriod: time.Second})
	h.waitReady()

	// Crash #2: replaced by a new id
	h.spawner.crash(2)
	waitFor(t, "replacement of worker 2", func() bool {
		ids := h.ids()
		return !slices.Contains(ids, 2) && len(ids) == 4 && h.sup.Status().Online == 4
	})
	if got := h.ids(); !slices.Equal(got, []int{1, 3, 4, 5}) {
		t.Fatalf("ids after crash = %v, want [1 3 4 5]", got)
	}

	// Rolling restart replaces everyone, one at a time
	before := h.ids()
	h.track()
	if err := h.sup.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	waitFor(t, "rolling restart", func() bool {
		ids := h.ids()
		return len(ids) == 4 && !containsAny(ids, before...) &&
			h.sup.Status().Online == 4 && h.sup.Phase() == PhaseSteady
	})
	if got := h.min(); got < 3 {
		t.Errorf("online count dropped to %d during rolling restart, want >= 3", got)
	}
	if gen := h.sup.Status().Generation; gen != 1 {
		t.Errorf("generation = %d, want 1", gen)
	}
	for _, info := range h.sup.Workers() {
		if info.Generation != 1 {
			t.Errorf("worker %d generation = %d, want 1", info.ID, info.Generation)
		}
	}

	// Shutdown drains the pool
	if err := h.sup.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := h.waitRun(); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
	if n := len(h.sup.Workers()); n != 0 {
		t.Errorf("%d workers left after shutdown", n)
	}
	if p := h.sup.Phase(); p != PhaseTerminated {
		t.Errorf("phase = %s, want terminated", p)
	}

	// Only the crash was unsolicited; every worker was stopped at most once
	for _, w := range h.spawner.all() {
		stops, kills := w.counts()
		if stops > 1 || kills != 0 {
			t.Errorf("worker %d: stops=%d kills=%d", w.id, stops, kills)
		}
	}
	if n := h.spawner.spawned(); n != 9 {
		t.Errorf("spawned %d workers, want 9", n)
	}
}

func TestCrashBeforeOnlineDelaysReplacement(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.noOnline = true
	h := startHarness(t, Options{Spawner: spawner, PoolSize: 1, LaunchRetryDelay: 100 * time.Millisecond})

	waitFor(t, "first worker", func() bool { return spawner.spawned() == 1 })
	start := time.Now()
	spawner.crash(1)

	waitFor(t, "replacement", func() bool { return spawner.spawned() == 2 })
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("replacement launched after %v, want it delayed", elapsed)
	}
	if h.sup.Phase() != PhaseFilling {
		t.Errorf("phase = %s, want filling", h.sup.Phase())
	}
}

func TestLaunchFailureRetries(t *testing.T) {
	bus := events.New()
	defer bus.Close()
	failures := make(chan events.WorkerLaunchFailedEvent, 4)
	unsub := bus.Subscribe(func(e events.WorkerLaunchFailedEvent) { failures <- e })
	defer unsub()

	spawner := newFakeSpawner()
	spawner.failures = 2
	h := startHarness(t, Options{
		Spawner:          spawner,
		PoolSize:         1,
		LaunchRetryDelay: 20 * time.Millisecond,
		EventBus:         bus,
	})
	h.waitReady()

	if got := h.ids(); !slices.Equal(got, []int{3}) {
		t.Errorf("ids = %v, want [3]", got)
	}
	for i := range 2 {
		select {
		case ev := <-failures:
			if ev.RetryIn != "20ms" || ev.Error == "" {
				t.Errorf("failure %d: %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("launch failure event %d not published", i)
		}
	}

	// Stop publishing before the bus closes
	if err := h.sup.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestGracefulKillCooperative(t *testing.T) {
	h := startHarness(t, Options{PoolSize: 2, GracePeriod: time.Second})
	h.waitReady()

	start := time.Now()
	if err := h.sup.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("cooperative shutdown took %v", elapsed)
	}

	for _, w := range h.spawner.all() {
		if stops, kills := w.counts(); stops != 1 || kills != 0 {
			t.Errorf("worker %d: stops=%d kills=%d, want 1 and 0", w.id, stops, kills)
		}
	}
}

func TestGracefulKillForced(t *testing.T) {
	bus := events.New()
	defer bus.Close()
	forced := make(chan events.WorkerForceKilledEvent, 4)
	unsub := bus.Subscribe(func(e events.WorkerForceKilledEvent) { forced <- e })
	defer unsub()

	spawner := newFakeSpawner()
	spawner.hang = true
	h := startHarness(t, Options{
		Spawner:     spawner,
		PoolSize:    2,
		GracePeriod: 50 * time.Millisecond,
		EventBus:    bus,
	})
	h.waitReady()

	start := time.Now()
	if err := h.sup.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("workers killed after %v, before the grace period", elapsed)
	}

	for _, w := range h.spawner.all() {
		if stops, kills := w.counts(); stops != 1 || kills != 1 {
			t.Errorf("worker %d: stops=%d kills=%d, want 1 and 1", w.id, stops, kills)
		}
	}
	for range 2 {
		select {
		case ev := <-forced:
			if ev.GracePeriod != "50ms" {
				t.Errorf("grace period = %q", ev.GracePeriod)
			}
		case <-time.After(time.Second):
			t.Fatal("force kill event not published")
		}
	}
}

func TestSecondShutdownForcesKill(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.hang = true
	h := startHarness(t, Options{Spawner: spawner, PoolSize: 3, GracePeriod: time.Minute})
	h.waitReady()

	if err := h.sup.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := h.sup.Restart(); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Restart during shutdown = %v, want ErrShuttingDown", err)
	}
	if h.sup.Status().Workers != 3 {
		t.Fatalf("workers stopped before grace period: %+v", h.sup.Status())
	}

	if err := h.sup.Shutdown(); err != nil {
		t.Fatalf("second Shutdown failed: %v", err)
	}
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	for _, w := range h.spawner.all() {
		if _, kills := w.counts(); kills != 1 {
			t.Errorf("worker %d killed %d times, want 1", w.id, kills)
		}
	}
	if n := h.spawner.spawned(); n != 3 {
		t.Errorf("spawned %d workers, want 3", n)
	}
}

func TestCommandsOutsideRun(t *testing.T) {
	sup := New(Options{Spawner: newFakeSpawner(), PoolSize: 1, Logger: testLogger()})
	if err := sup.Restart(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Restart before Run = %v, want ErrNotRunning", err)
	}
	if err := sup.Shutdown(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Shutdown before Run = %v, want ErrNotRunning", err)
	}
	if p := sup.Phase(); p != PhaseIdle {
		t.Errorf("phase before Run = %s, want idle", p)
	}

	errc := make(chan error, 1)
	go func() { errc <- sup.Run(context.Background()) }()
	<-sup.Ready()

	if err := sup.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Run = %v, want ErrAlreadyStarted", err)
	}

	if err := sup.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if err := sup.Restart(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Restart after Run = %v, want ErrNotRunning", err)
	}
}

func TestNewRequiresSpawner(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic without a spawner")
		}
	}()
	New(Options{})
}

func TestDefaults(t *testing.T) {
	sup := New(Options{Spawner: newFakeSpawner()})
	if sup.opts.PoolSize <= 0 {
		t.Errorf("PoolSize default = %d", sup.opts.PoolSize)
	}
	if sup.opts.GracePeriod != DefaultGracePeriod {
		t.Errorf("GracePeriod default = %v", sup.opts.GracePeriod)
	}
	if sup.opts.LaunchRetryDelay != DefaultLaunchRetryDelay {
		t.Errorf("LaunchRetryDelay default = %v", sup.opts.LaunchRetryDelay)
	}
	if _, ok := sup.stopper.(DisconnectStopper); !ok {
		t.Errorf("default stopper = %T", sup.stopper)
	}
}

func TestContextCancelShutsDown(t *testing.T) {
	h := startHarness(t, Options{PoolSize: 3})
	h.waitReady()

	h.cancel()
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if n := h.spawner.spawned(); n != 3 {
		t.Errorf("spawned %d workers, want 3", n)
	}
	for _, w := range h.spawner.all() {
		if stops, _ := w.counts(); stops != 1 {
			t.Errorf("worker %d stopped %d times", w.id, stops)
		}
	}
}

func TestExitOfUnknownWorkerIgnored(t *testing.T) {
	h := startHarness(t, Options{PoolSize: 2})
	h.waitReady()

	h.sup.observer.Exited(99, process.ExitStatus{Code: 1})
	h.sup.observer.Online(98)
	h.sup.observer.Disconnected(97)

	// Commands are processed after the bogus events
	if err := h.sup.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	waitFor(t, "rolling restart", func() bool {
		ids := h.ids()
		return len(ids) == 2 && !containsAny(ids, 1, 2) && h.sup.Phase() == PhaseSteady
	})
}

func TestRestartConcurrently(t *testing.T) {
	h := startHarness(t, Options{PoolSize: 3, RestartConcurrently: true})
	h.waitReady()

	if err := h.sup.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	waitFor(t, "replacements", func() bool {
		ids := h.ids()
		return len(ids) == 3 && !containsAny(ids, 1, 2, 3) && h.sup.Phase() == PhaseSteady
	})

	var stopped []time.Time
	for id := 1; id <= 3; id++ {
		w := h.spawner.worker(id)
		w.mu.Lock()
		stopped = append(stopped, w.stopped)
		w.mu.Unlock()
	}
	slices.SortFunc(stopped, func(a, b time.Time) int { return a.Compare(b) })
	if spread := stopped[2].Sub(stopped[0]); spread > 50*time.Millisecond {
		t.Errorf("concurrent restart spread stops over %v", spread)
	}
}

func TestRestartDelaySpacing(t *testing.T) {
	h := startHarness(t, Options{PoolSize: 3, RestartDelay: 40 * time.Millisecond})
	h.waitReady()

	if err := h.sup.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	waitFor(t, "rolling restart", func() bool {
		ids := h.ids()
		return len(ids) == 3 && !containsAny(ids, 1, 2, 3) && h.sup.Phase() == PhaseSteady
	})

	var prev time.Time
	for id := 1; id <= 3; id++ {
		w := h.spawner.worker(id)
		w.mu.Lock()
		stopped := w.stopped
		w.mu.Unlock()
		if id > 1 && stopped.Sub(prev) < 35*time.Millisecond {
			t.Errorf("worker %d stopped %v after worker %d", id, stopped.Sub(prev), id-1)
		}
		prev = stopped
	}
}

func TestRolloutKeepsCapacityWithSlowDrain(t *testing.T) {
	spawner := newFakeSpawner()
	h := startHarness(t, Options{
		Spawner:      spawner,
		PoolSize:     3,
		GracePeriod:  200 * time.Millisecond,
		RestartDelay: 10 * time.Millisecond,
	})
	h.waitReady()

	// Stopped workers take most of the grace period to exit, replacements
	// need a while to boot.
	for _, w := range spawner.all() {
		w.setDrain(150 * time.Millisecond)
	}
	spawner.set(func(f *fakeSpawner) {
		f.drain = 150 * time.Millisecond
		f.boot = 100 * time.Millisecond
	})

	h.track()
	if err := h.sup.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	waitFor(t, "rolling restart", func() bool {
		ids := h.ids()
		return len(ids) == 3 && !containsAny(ids, 1, 2, 3) && h.sup.Phase() == PhaseSteady
	})

	if got := h.min(); got < 2 {
		t.Errorf("online dropped to %d during rolling restart, want at least 2", got)
	}
	for id := 1; id <= 3; id++ {
		if _, kills := spawner.worker(id).counts(); kills != 0 {
			t.Errorf("worker %d was force-killed", id)
		}
	}
}

func TestHarnessRejectsForeignSpawner(t *testing.T) {
	if _, err := harnessSpawner(NewProcessSpawner(nil)); err == nil {
		t.Error("expected an error for a non-fake spawner")
	}
	f, err := harnessSpawner(nil)
	if err != nil || f == nil {
		t.Errorf("harnessSpawner(nil) = %v, %v", f, err)
	}
}

func TestRolloutWaitsForReplacement(t *testing.T) {
	spawner := newFakeSpawner()
	h := startHarness(t, Options{Spawner: spawner, PoolSize: 3, GracePeriod: time.Minute})
	h.waitReady()

	// Replacements stay starting until released
	spawner.set(func(f *fakeSpawner) { f.noOnline = true })
	if err := h.sup.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	waitFor(t, "first replacement", func() bool { return spawner.spawned() == 4 })

	time.Sleep(50 * time.Millisecond)
	for id := 2; id <= 3; id++ {
		if stops, _ := spawner.worker(id).counts(); stops != 0 {
			t.Errorf("worker %d stopped before replacement was online", id)
		}
	}
	if h.sup.Phase() != PhaseRollingRestart {
		t.Errorf("phase = %s, want rolling_restart", h.sup.Phase())
	}

	spawner.set(func(f *fakeSpawner) { f.noOnline = false })
	spawner.markOnline(4)
	waitFor(t, "rolling restart", func() bool {
		ids := h.ids()
		return len(ids) == 3 && !containsAny(ids, 1, 2, 3) && h.sup.Phase() == PhaseSteady
	})
}

func TestRolloutGateTimeout(t *testing.T) {
	spawner := newFakeSpawner()
	h := startHarness(t, Options{Spawner: spawner, PoolSize: 2, GracePeriod: 50 * time.Millisecond})
	h.waitReady()

	spawner.set(func(f *fakeSpawner) { f.noOnline = true })
	if err := h.sup.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}

	// Worker 2 is stopped once the grace period passes without worker 3 online
	waitFor(t, "second stop", func() bool {
		stops, _ := spawner.worker(2).counts()
		return stops == 1
	})
	waitFor(t, "rollout finished", func() bool {
		return h.sup.Phase() == PhaseFilling && spawner.spawned() == 4
	})

	spawner.markOnline(3)
	spawner.markOnline(4)
	waitFor(t, "steady", func() bool { return h.sup.Phase() == PhaseSteady })
}

func TestSecondRestartSupersedes(t *testing.T) {
	spawner := newFakeSpawner()
	h := startHarness(t, Options{Spawner: spawner, PoolSize: 3, GracePeriod: time.Minute})
	h.waitReady()

	spawner.set(func(f *fakeSpawner) { f.noOnline = true })
	if err := h.sup.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	waitFor(t, "first replacement", func() bool { return spawner.spawned() == 4 })

	if err := h.sup.Restart(); err != nil {
		t.Fatalf("second Restart failed: %v", err)
	}
	if gen := h.sup.Status().Generation; gen != 2 {
		t.Errorf("generation = %d, want 2", gen)
	}

	spawner.set(func(f *fakeSpawner) { f.noOnline = false })
	spawner.markOnline(4)

	// Worker 4 joined the second snapshot and is replaced as well
	waitFor(t, "second rollout", func() bool {
		ids := h.ids()
		return len(ids) == 3 && !containsAny(ids, 1, 2, 3, 4) && h.sup.Phase() == PhaseSteady
	})
	for _, w := range spawner.all() {
		if stops, kills := w.counts(); stops > 1 || kills != 0 {
			t.Errorf("worker %d: stops=%d kills=%d", w.id, stops, kills)
		}
	}
}

func TestShutdownDuringRollout(t *testing.T) {
	spawner := newFakeSpawner()
	h := startHarness(t, Options{Spawner: spawner, PoolSize: 3, GracePeriod: time.Minute})
	h.waitReady()

	spawner.set(func(f *fakeSpawner) { f.noOnline = true })
	if err := h.sup.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	waitFor(t, "first replacement", func() bool { return spawner.spawned() == 4 })

	if err := h.sup.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if n := spawner.spawned(); n != 4 {
		t.Errorf("spawned %d workers, want no replacements during shutdown", n)
	}
}

func TestStateTransitionsReported(t *testing.T) {
	var mu sync.Mutex
	var got []State

	spawner := newFakeSpawner()
	sup := New(Options{
		Spawner:  spawner,
		PoolSize: 1,
		Logger:   testLogger(),
		OnStateChange: func(_ int, _, newState State) {
			mu.Lock()
			got = append(got, newState)
			mu.Unlock()
		},
	})
	errc := make(chan error, 1)
	go func() { errc <- sup.Run(context.Background()) }()
	<-sup.Ready()

	if err := sup.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateStarting, StateOnline, StateKillRequested, StateExited}
	if !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestStoppers(t *testing.T) {
	tests := []struct {
		name        string
		stopper     Stopper
		wantSignals int
	}{
		{"disconnect", DisconnectStopper{}, 0},
		{"default signal", SignalStopper{}, 1},
		{"sigterm", SignalStopper{Signal: syscall.SIGTERM}, 1},
		{"func", StopperFunc(func(w Worker) error { return w.Disconnect() }), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWorker{id: 1, obs: discardObserver{}}
			if err := tt.stopper.Stop(w); err != nil {
				t.Fatalf("Stop failed: %v", err)
			}
			stops, _ := w.counts()
			if stops != 1 {
				t.Errorf("stops = %d, want 1", stops)
			}
			if len(w.signals) != tt.wantSignals {
				t.Errorf("signals = %v", w.signals)
			}
		})
	}

	w := &fakeWorker{id: 1, obs: discardObserver{}}
	_ = SignalStopper{}.Stop(w)
	if w.signals[0] != syscall.SIGINT {
		t.Errorf("default signal = %v, want SIGINT", w.signals[0])
	}
}

type discardObserver struct{}

func (discardObserver) Online(int)                     {}
func (discardObserver) Disconnected(int)               {}
func (discardObserver) Exited(int, process.ExitStatus) {}

func TestParseStopper(t *testing.T) {
	tests := []struct {
		name    string
		want    Stopper
		wantErr bool
	}{
		{"", DisconnectStopper{}, false},
		{"disconnect", DisconnectStopper{}, false},
		{"SIGTERM", SignalStopper{Signal: syscall.SIGTERM}, false},
		{"term", SignalStopper{Signal: syscall.SIGTERM}, false},
		{" sigquit ", SignalStopper{Signal: syscall.SIGQUIT}, false},
		{"SIGKILL", nil, true},
		{"pause", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStopper(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseStopper(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseStopper(%q) = %#v, want %#v", tt.name, got, tt.want)
			}
		})
	}
}
