package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/clusterd/internal/process"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWorker is an in-memory worker. Cooperative workers disconnect and
// exit once drain has passed after they are asked to stop.
type fakeWorker struct {
	id          int
	obs         Observer
	cooperative bool
	drain       time.Duration

	mu       sync.Mutex
	stops    int
	kills    int
	signals  []os.Signal
	stopped  time.Time
	exited   bool
	exitCode int
}

func (w *fakeWorker) PID() int { return 1000 + w.id }

func (w *fakeWorker) Disconnect() error {
	w.mu.Lock()
	w.stops++
	w.stopped = time.Now()
	coop := w.cooperative
	drain := w.drain
	w.mu.Unlock()

	switch {
	case !coop:
	case drain > 0:
		time.AfterFunc(drain, func() { w.exit(process.ExitStatus{}) })
	default:
		w.exit(process.ExitStatus{})
	}
	return nil
}

func (w *fakeWorker) setDrain(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drain = d
}

func (w *fakeWorker) Signal(sig os.Signal) error {
	w.mu.Lock()
	w.signals = append(w.signals, sig)
	w.mu.Unlock()
	return w.Disconnect()
}

func (w *fakeWorker) Kill() error {
	w.mu.Lock()
	w.kills++
	w.mu.Unlock()
	w.exit(process.ExitStatus{Code: -1, Signal: "killed"})
	return nil
}

// exit reports disconnect and exit once, in that order.
func (w *fakeWorker) exit(st process.ExitStatus) {
	w.mu.Lock()
	if w.exited {
		w.mu.Unlock()
		return
	}
	w.exited = true
	w.exitCode = st.Code
	w.mu.Unlock()

	go func() {
		w.obs.Disconnected(w.id)
		w.obs.Exited(w.id, st)
	}()
}

func (w *fakeWorker) counts() (stops, kills int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stops, w.kills
}

type fakeSpawner struct {
	mu       sync.Mutex
	workers  map[int]*fakeWorker
	failures int
	hang     bool
	noOnline bool
	drain    time.Duration // stop-to-exit time of new workers
	boot     time.Duration // spawn-to-online time of new workers
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{workers: make(map[int]*fakeWorker)}
}

func (f *fakeSpawner) Spawn(id int, obs Observer) (Worker, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("spawn failed")
	}
	w := &fakeWorker{id: id, obs: obs, cooperative: !f.hang, drain: f.drain}
	f.workers[id] = w
	online := !f.noOnline
	boot := f.boot
	f.mu.Unlock()

	switch {
	case !online:
	case boot > 0:
		time.AfterFunc(boot, func() { obs.Online(id) })
	default:
		go obs.Online(id)
	}
	return w, nil
}

func (f *fakeSpawner) worker(id int) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[id]
}

func (f *fakeSpawner) all() []*fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws := make([]*fakeWorker, 0, len(f.workers))
	for _, w := range f.workers {
		ws = append(ws, w)
	}
	return ws
}

func (f *fakeSpawner) spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

func (f *fakeSpawner) set(fn func(f *fakeSpawner)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// crash makes a worker die on its own.
func (f *fakeSpawner) crash(id int) {
	f.worker(id).exit(process.ExitStatus{Code: 1})
}

// markOnline reports a worker online as its readiness message would.
func (f *fakeSpawner) markOnline(id int) {
	w := f.worker(id)
	go w.obs.Online(id)
}

// harness runs a supervisor over a fake spawner and tracks online counts.
type harness struct {
	t       *testing.T
	sup     *Supervisor
	spawner *fakeSpawner
	errc    chan error
	cancel  context.CancelFunc

	mu        sync.Mutex
	online    int
	minOnline int
	tracking  bool
}

func startHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{t: t, errc: make(chan error, 1)}

	spawner, err := harnessSpawner(opts.Spawner)
	if err != nil {
		t.Fatalf("startHarness: %v", err)
	}
	opts.Spawner = spawner
	h.spawner = spawner
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	opts.OnStateChange = h.onStateChange

	h.sup = New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.sup.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.sup.Done():
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
	return h
}

// harnessSpawner returns the fake spawner a harness drives, creating one
// when none is given.
func harnessSpawner(s Spawner) (*fakeSpawner, error) {
	if s == nil {
		return newFakeSpawner(), nil
	}
	f, ok := s.(*fakeSpawner)
	if !ok {
		return nil, fmt.Errorf("harness needs a *fakeSpawner, got %T", s)
	}
	return f, nil
}

func (h *harness) onStateChange(_ int, oldState, newState State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if newState == StateOnline {
		h.online++
	}
	if oldState == StateOnline {
		h.online--
	}
	if h.tracking && h.online < h.minOnline {
		h.minOnline = h.online
	}
}

// track starts recording the minimum online count.
func (h *harness) track() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracking = true
	h.minOnline = h.online
}

func (h *harness) min() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.minOnline
}

func (h *harness) waitReady() {
	h.t.Helper()
	select {
	case <-h.sup.Ready():
	case <-time.After(5 * time.Second):
		h.t.Fatalf("pool not ready, status %+v", h.sup.Status())
	}
}

func (h *harness) waitRun() error {
	h.t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatalf("Run did not return, status %+v", h.sup.Status())
		return nil
	}
}

func (h *harness) ids() []int {
	var ids []int
	for _, info := range h.sup.Workers() {
		ids = append(ids, info.ID)
	}
	return ids
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func containsAny(ids []int, old ...int) bool {
	for _, id := range old {
		if slices.Contains(ids, id) {
			return true
		}
	}
	return false
}
