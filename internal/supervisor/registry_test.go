package supervisor

import (
	"testing"
)

func TestRegistryRemoveIntent(t *testing.T) {
	tests := []struct {
		name   string
		intent Intent
		mark   bool
		want   Intent
		state  State
	}{
		{"unsolicited", IntentNone, false, IntentNone, StateOnline},
		{"kill", IntentKill, true, IntentKill, StateKillRequested},
		{"respawn", IntentRespawn, true, IntentRespawn, StateRespawnRequested},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRegistry()
			r.Register(1, &handle{state: StateStarting})
			r.MarkOnline(1)
			if tt.mark {
				old, ok := r.MarkKillIntent(1, tt.intent)
				if !ok || old != StateOnline {
					t.Fatalf("MarkKillIntent = %s, %v", old, ok)
				}
			}

			h, _ := r.Get(1)
			if h.state != tt.state {
				t.Errorf("state = %s, want %s", h.state, tt.state)
			}

			got, ok := r.Remove(1)
			if !ok || got != tt.want {
				t.Errorf("Remove = %s, %v, want %s, true", got, ok, tt.want)
			}
			if _, ok := r.Remove(1); ok {
				t.Error("second Remove should report unknown id")
			}
		})
	}
}

func TestRegistryMarkOnline(t *testing.T) {
	r := newRegistry()
	r.Register(1, &handle{state: StateStarting})
	r.Register(2, &handle{state: StateStarting})

	if !r.MarkOnline(1) {
		t.Error("MarkOnline on a starting worker should succeed")
	}
	if r.MarkOnline(1) {
		t.Error("MarkOnline twice should report no change")
	}
	if r.MarkOnline(3) {
		t.Error("MarkOnline on unknown id should fail")
	}

	// A worker asked to stop before it came online stays stopping
	r.MarkKillIntent(2, IntentKill)
	if r.MarkOnline(2) {
		t.Error("MarkOnline should not revive a stopping worker")
	}
	if n := r.CountOnline(); n != 1 {
		t.Errorf("CountOnline = %d, want 1", n)
	}
}

func TestRegistryTimer(t *testing.T) {
	r := newRegistry()
	r.Register(1, &handle{state: StateStarting})

	if _, ok := r.TakeTimer(1); ok {
		t.Error("no timer armed yet")
	}
	r.SetTimer(1, 42)
	if seq, ok := r.TakeTimer(1); !ok || seq != 42 {
		t.Errorf("TakeTimer = %d, %v, want 42, true", seq, ok)
	}
	if _, ok := r.TakeTimer(1); ok {
		t.Error("timer should be taken once")
	}
	if _, ok := r.TakeTimer(7); ok {
		t.Error("unknown id has no timer")
	}
}

func TestRegistrySnapshotOrdered(t *testing.T) {
	r := newRegistry()
	for _, id := range []int{5, 2, 9, 1} {
		r.Register(id, &handle{pid: id * 10, state: StateStarting, generation: 1})
	}

	ids := r.IDs()
	want := []int{1, 2, 5, 9}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("IDs = %v, want %v", ids, want)
		}
	}

	snap := r.Snapshot()
	if len(snap) != 4 || r.Len() != 4 {
		t.Fatalf("snapshot has %d entries, registry %d", len(snap), r.Len())
	}
	for i, info := range snap {
		if info.ID != want[i] || info.PID != want[i]*10 || info.Generation != 1 {
			t.Errorf("snapshot[%d] = %+v", i, info)
		}
	}

	// Snapshots are copies
	snap[0].State = StateOnline
	if h, _ := r.Get(1); h.state != StateStarting {
		t.Error("snapshot aliases registry state")
	}
}

func TestIntentString(t *testing.T) {
	for intent, want := range map[Intent]string{
		IntentNone:    "none",
		IntentKill:    "kill",
		IntentRespawn: "respawn",
	} {
		if got := intent.String(); got != want {
			t.Errorf("Intent(%d).String() = %q, want %q", intent, got, want)
		}
	}
}
