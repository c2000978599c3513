package registry

import (
	"testing"

	"modeld/internal/supervisor"
	"modeld/pkg/types"
)

func cfg(name string, port int, path string) types.ModelConfig {
	return types.ModelConfig{Name: name, Port: port, ModelPath: path, Priority: 5}
}

func TestRegistryListAndGet(t *testing.T) {
	r := New(map[string]types.ModelConfig{
		"m1": cfg("m1", 19001, "/a"),
		"m2": cfg("m2", 19002, "/b"),
	})
	if r.Get("m1") == nil {
		t.Fatalf("expected m1 entry")
	}
	if r.Get("missing") != nil {
		t.Fatalf("expected nil for unknown model")
	}
	if len(r.List()) != 2 {
		t.Fatalf("expected 2 entries")
	}
	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names")
	}
}

func TestEntryStateAndActivity(t *testing.T) {
	e := newEntry(cfg("m1", 19001, "/a"))
	if e.State() != types.StateStopped {
		t.Fatalf("expected initial state STOPPED")
	}
	e.SetState(types.StateStarting)
	if e.State() != types.StateStarting {
		t.Fatalf("expected STARTING")
	}
	e.MarkHandle(&supervisor.Handle{Pid: 123, Port: 19001})
	e.SetState(types.StateReady)
	e.Touch()
	snap := e.Snapshot()
	if snap.RequestCount != 1 {
		t.Fatalf("expected request count 1, got %d", snap.RequestCount)
	}
	if snap.Pid != 123 {
		t.Fatalf("expected pid 123, got %d", snap.Pid)
	}
	e.MarkStopped()
	if e.State() != types.StateStopped {
		t.Fatalf("expected STOPPED after MarkStopped")
	}
	if e.Snapshot().Pid != 0 {
		t.Fatalf("expected pid cleared on stop")
	}
}

func TestMarkActivityDoesNotCountAsRequest(t *testing.T) {
	e := newEntry(cfg("m1", 19001, "/a"))
	e.SetState(types.StateStarting)
	e.MarkHandle(&supervisor.Handle{Pid: 123, Port: 19001})
	e.SetState(types.StateReady)
	e.MarkActivity() // the READY transition's own activity bump
	if got := e.Snapshot().RequestCount; got != 0 {
		t.Fatalf("expected request count 0 after MarkActivity, got %d", got)
	}
	if e.LastActivity().IsZero() {
		t.Fatalf("expected last_activity_ts to be set by MarkActivity")
	}
	e.Touch()
	if got := e.Snapshot().RequestCount; got != 1 {
		t.Fatalf("expected request count 1 after a forwarded Touch, got %d", got)
	}
}

func TestEntryFailureStreak(t *testing.T) {
	e := newEntry(cfg("m1", 19001, "/a"))
	if n := e.RecordFailure(); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	if n := e.RecordFailure(); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	e.ResetFailures()
	if n := e.RecordFailure(); n != 1 {
		t.Fatalf("expected reset then 1, got %d", n)
	}
}

func TestReconcileAddedRemovedChanged(t *testing.T) {
	r := New(map[string]types.ModelConfig{
		"m1": cfg("m1", 19001, "/a"),
		"m2": cfg("m2", 19002, "/b"),
	})
	newModels := map[string]types.ModelConfig{
		"m1": cfg("m1", 19099, "/a"), // port changed
		"m3": cfg("m3", 19003, "/c"), // added
	}
	d := r.Reconcile(newModels)
	if len(d.Added) != 1 || d.Added[0] != "m3" {
		t.Fatalf("expected m3 added, got %v", d.Added)
	}
	if len(d.Removed) != 1 || d.Removed[0] != "m2" {
		t.Fatalf("expected m2 removed, got %v", d.Removed)
	}
	if len(d.Changed) != 1 || d.Changed[0] != "m1" {
		t.Fatalf("expected m1 changed, got %v", d.Changed)
	}
}

func TestReconcileNoDiffIsNoOp(t *testing.T) {
	models := map[string]types.ModelConfig{"m1": cfg("m1", 19001, "/a")}
	r := New(models)
	d := r.Reconcile(models)
	if len(d.Added) != 0 || len(d.Removed) != 0 || len(d.Changed) != 0 {
		t.Fatalf("expected empty diff, got %+v", d)
	}
}
