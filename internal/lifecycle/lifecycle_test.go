package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"modeld/internal/apierr"
	"modeld/internal/events"
	"modeld/internal/registry"
	"modeld/internal/supervisor"
	"modeld/pkg/types"
)

// fakeSpawner stands in for the Process Supervisor: it "spawns" instantly
// (optionally with a delay or forced failure) and tracks which models are
// currently "running" so tests can assert port/process uniqueness.
type fakeSpawner struct {
	mu       sync.Mutex
	running  map[int]string // port -> model name
	nextPid  int32
	failing  map[string]bool
	delay    map[string]time.Duration
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{running: map[int]string{}, failing: map[string]bool{}, delay: map[string]time.Duration{}}
}

func (f *fakeSpawner) setFail(name string, fail bool) {
	f.mu.Lock()
	f.failing[name] = fail
	f.mu.Unlock()
}

func (f *fakeSpawner) setDelay(name string, d time.Duration) {
	f.mu.Lock()
	f.delay[name] = d
	f.mu.Unlock()
}

func (f *fakeSpawner) Start(ctx context.Context, mc types.ModelConfig) (*supervisor.Handle, error) {
	f.mu.Lock()
	delay := f.delay[mc.Name]
	fail := f.failing[mc.Name]
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, apierr.New(apierr.KindStartFailure, "model %q: simulated failure", mc.Name)
	}
	f.mu.Lock()
	if owner, ok := f.running[mc.Port]; ok && owner != mc.Name {
		f.mu.Unlock()
		return nil, fmt.Errorf("port %d already held by %q", mc.Port, owner)
	}
	f.running[mc.Port] = mc.Name
	pid := atomic.AddInt32(&f.nextPid, 1)
	f.mu.Unlock()
	return &supervisor.Handle{Pid: int(pid), Port: mc.Port}, nil
}

func (f *fakeSpawner) Stop(mc types.ModelConfig, h *supervisor.Handle) {
	f.mu.Lock()
	delete(f.running, mc.Port)
	f.mu.Unlock()
}

func newTestController(t *testing.T, models map[string]types.ModelConfig, maxConcurrent int) (*Controller, *fakeSpawner, *registry.Registry) {
	t.Helper()
	reg := registry.New(models)
	sp := newFakeSpawner()
	ctrl := New(reg, sp, Options{
		MaxConcurrentModels: maxConcurrent,
		DefaultQueueSize:    10,
		DefaultRequestTTL:   time.Second,
		Publisher:           events.NoopPublisher{},
	})
	return ctrl, sp, reg
}

func mustModel(name string, port, priority int, preload bool) types.ModelConfig {
	return types.ModelConfig{Name: name, Port: port, ModelPath: "/unused", Priority: priority, Preload: preload, MaxQueueSize: 10}
}

func TestColdStartTransitionsToReady(t *testing.T) {
	models := map[string]types.ModelConfig{"m1": mustModel("m1", 19001, 5, false)}
	ctrl, _, reg := newTestController(t, models, 2)

	err := ctrl.RequestStart(context.Background(), "m1")
	if err != nil {
		t.Fatalf("RequestStart: %v", err)
	}
	if reg.Get("m1").State() != types.StateReady {
		t.Fatalf("expected READY, got %s", reg.Get("m1").State())
	}
}

func TestConcurrentStartsJoinSameFuture(t *testing.T) {
	models := map[string]types.ModelConfig{"m1": mustModel("m1", 19001, 5, false)}
	ctrl, sp, _ := newTestController(t, models, 2)
	sp.setDelay("m1", 100*time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ctrl.RequestStart(context.Background(), "m1")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
}

func TestStartFailureResolvesFailedAndResetsOnRetry(t *testing.T) {
	models := map[string]types.ModelConfig{"m4": mustModel("m4", 19004, 5, false)}
	ctrl, sp, reg := newTestController(t, models, 2)
	sp.setFail("m4", true)

	err := ctrl.RequestStart(context.Background(), "m4")
	if err == nil {
		t.Fatalf("expected start failure")
	}
	if reg.Get("m4").State() != types.StateFailed {
		t.Fatalf("expected FAILED, got %s", reg.Get("m4").State())
	}

	sp.setFail("m4", false)
	if err := ctrl.RequestStart(context.Background(), "m4"); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if reg.Get("m4").State() != types.StateReady {
		t.Fatalf("expected READY after retry, got %s", reg.Get("m4").State())
	}
}

func TestQueuedRequestsFailOnStartFailure(t *testing.T) {
	models := map[string]types.ModelConfig{"m4": mustModel("m4", 19004, 5, false)}
	ctrl, sp, _ := newTestController(t, models, 2)
	sp.setFail("m4", true)
	sp.setDelay("m4", 50*time.Millisecond)

	errCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { errCh <- ctrl.Admit(context.Background(), "m4") }()
	}
	for i := 0; i < 3; i++ {
		select {
		case err := <-errCh:
			if !apierr.IsStartFailure(err) {
				t.Fatalf("expected start_failed, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for queued request to resolve")
		}
	}
}

// TestAdmitNeverOrphansARequestAcrossConcurrentDrains is a regression test
// for the enqueue-after-drain race: a ticket admitted by one Admit call in
// the narrow window between another caller's READY-check and its own
// Enqueue must still be drained, never left to time out. Run many
// concurrent Admit calls against a fast (zero-delay) fake backend across
// many trials so the race window is exercised repeatedly.
func TestAdmitNeverOrphansARequestAcrossConcurrentDrains(t *testing.T) {
	for trial := 0; trial < 50; trial++ {
		models := map[string]types.ModelConfig{"m1": mustModel("m1", 19001, 5, false)}
		ctrl, _, _ := newTestController(t, models, 2)

		const callers = 8
		var wg sync.WaitGroup
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				errs[i] = ctrl.Admit(ctx, "m1")
			}(i)
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Fatalf("trial %d, caller %d: Admit orphaned: %v", trial, i, err)
			}
		}
	}
}

func TestEvictionOnAdmissionCap(t *testing.T) {
	models := map[string]types.ModelConfig{
		"m1": mustModel("m1", 19001, 3, false),
		"m2": mustModel("m2", 19002, 7, false),
	}
	ctrl, _, reg := newTestController(t, models, 1)

	if err := ctrl.RequestStart(context.Background(), "m1"); err != nil {
		t.Fatalf("start m1: %v", err)
	}
	if err := ctrl.RequestStart(context.Background(), "m2"); err != nil {
		t.Fatalf("start m2: %v", err)
	}
	if reg.Get("m1").State() != types.StateStopped {
		t.Fatalf("expected m1 evicted to STOPPED, got %s", reg.Get("m1").State())
	}
	if reg.Get("m2").State() != types.StateReady {
		t.Fatalf("expected m2 READY, got %s", reg.Get("m2").State())
	}
}

func TestPreloadNeverEvicted(t *testing.T) {
	models := map[string]types.ModelConfig{
		"m1": mustModel("m1", 19001, 1, true), // preload, low priority
		"m2": mustModel("m2", 19002, 10, false),
	}
	ctrl, _, reg := newTestController(t, models, 1)

	if err := ctrl.RequestStart(context.Background(), "m1"); err != nil {
		t.Fatalf("start m1: %v", err)
	}
	err := ctrl.RequestStart(context.Background(), "m2")
	if err == nil {
		t.Fatalf("expected admission denied since preload model can't be evicted")
	}
	if !apierr.IsAdmissionDenied(err) {
		t.Fatalf("expected admission_denied, got %v", err)
	}
	if reg.Get("m1").State() != types.StateReady {
		t.Fatalf("preloaded m1 must remain READY, got %s", reg.Get("m1").State())
	}
}

func TestStopOnStoppedModelIsNoOp(t *testing.T) {
	models := map[string]types.ModelConfig{"m1": mustModel("m1", 19001, 5, false)}
	ctrl, _, _ := newTestController(t, models, 2)
	noOp, err := ctrl.RequestStop("m1")
	if err != nil || !noOp {
		t.Fatalf("expected no-op success, got noOp=%v err=%v", noOp, err)
	}
}

func TestStartOnReadyModelIsImmediateSuccess(t *testing.T) {
	models := map[string]types.ModelConfig{"m1": mustModel("m1", 19001, 5, false)}
	ctrl, _, _ := newTestController(t, models, 2)
	if err := ctrl.RequestStart(context.Background(), "m1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	if err := ctrl.RequestStart(context.Background(), "m1"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("expected immediate return on already-READY model")
	}
}

func TestReloadSwapsHandleAtomically(t *testing.T) {
	models := map[string]types.ModelConfig{"m1": mustModel("m1", 19001, 5, false)}
	ctrl, _, reg := newTestController(t, models, 2)
	if err := ctrl.RequestStart(context.Background(), "m1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	oldPid := reg.Get("m1").Handle().Pid

	newCfg := mustModel("m1", 19001, 5, false)
	newCfg.ContextLength = 4096
	if err := ctrl.RequestReload(context.Background(), "m1", newCfg); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reg.Get("m1").State() != types.StateReady {
		t.Fatalf("expected READY after reload, got %s", reg.Get("m1").State())
	}
	if reg.Get("m1").Handle().Pid == oldPid {
		t.Fatalf("expected a new process handle after reload")
	}
	if reg.Get("m1").Config.ContextLength != 4096 {
		t.Fatalf("expected config swapped to new value")
	}
}

func TestModelNotFound(t *testing.T) {
	ctrl, _, _ := newTestController(t, map[string]types.ModelConfig{}, 2)
	err := ctrl.RequestStart(context.Background(), "missing")
	if !apierr.IsModelNotFound(err) {
		t.Fatalf("expected model_not_found, got %v", err)
	}
}

func TestApplyReconcileAddsRemovesAndRespawnsChanged(t *testing.T) {
	models := map[string]types.ModelConfig{
		"m1": mustModel("m1", 19001, 5, false),
		"m2": mustModel("m2", 19002, 5, false),
	}
	ctrl, _, reg := newTestController(t, models, 3)
	if err := ctrl.RequestStart(context.Background(), "m1"); err != nil {
		t.Fatalf("start m1: %v", err)
	}
	if err := ctrl.RequestStart(context.Background(), "m2"); err != nil {
		t.Fatalf("start m2: %v", err)
	}
	oldM2Pid := reg.Get("m2").Handle().Pid

	newM2 := mustModel("m2", 19002, 5, false)
	newM2.ModelPath = "/unused/changed" // port/path/args change -> respawn
	newModels := map[string]types.ModelConfig{
		"m2": newM2,
		"m3": mustModel("m3", 19003, 5, false),
	}
	diff := reg.Reconcile(newModels)
	if len(diff.Added) != 1 || diff.Added[0] != "m3" {
		t.Fatalf("expected m3 added, got %v", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != "m1" {
		t.Fatalf("expected m1 removed, got %v", diff.Removed)
	}
	if len(diff.Changed) != 1 || diff.Changed[0] != "m2" {
		t.Fatalf("expected m2 changed, got %v", diff.Changed)
	}

	ctrl.ApplyReconcile(context.Background(), diff, newModels, true)

	if reg.Get("m1") != nil {
		t.Fatalf("expected m1 removed from the registry")
	}
	if reg.Get("m3") == nil {
		t.Fatalf("expected m3 added to the registry")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if reg.Get("m2").State() == types.StateReady && reg.Get("m2").Handle().Pid != oldM2Pid {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if reg.Get("m2").State() != types.StateReady {
		t.Fatalf("expected m2 respawned back to READY, got %s", reg.Get("m2").State())
	}
	if reg.Get("m2").Handle().Pid == oldM2Pid {
		t.Fatalf("expected m2 respawned with a new process handle")
	}
	if reg.Get("m2").Config.ModelPath != "/unused/changed" {
		t.Fatalf("expected m2 config swapped to the new model_path")
	}
}

func TestApplyReconcileUpdatesUnchangedModelsInPlace(t *testing.T) {
	models := map[string]types.ModelConfig{"m1": mustModel("m1", 19001, 3, false)}
	ctrl, _, reg := newTestController(t, models, 2)
	if err := ctrl.RequestStart(context.Background(), "m1"); err != nil {
		t.Fatalf("start m1: %v", err)
	}
	pidBefore := reg.Get("m1").Handle().Pid

	newM1 := mustModel("m1", 19001, 9, false) // priority-only change, same port/path/args
	newModels := map[string]types.ModelConfig{"m1": newM1}
	diff := reg.Reconcile(newModels)
	if len(diff.Changed) != 0 || len(diff.Added) != 0 || len(diff.Removed) != 0 {
		t.Fatalf("expected no material diff for a priority-only change, got %+v", diff)
	}

	ctrl.ApplyReconcile(context.Background(), diff, newModels, true)

	if reg.Get("m1").State() != types.StateReady {
		t.Fatalf("expected m1 to keep running (no respawn) for an in-place field change")
	}
	if reg.Get("m1").Handle().Pid != pidBefore {
		t.Fatalf("expected m1's process handle untouched by an in-place field change")
	}
	if reg.Get("m1").Config.Priority != 9 {
		t.Fatalf("expected m1's priority updated in place, got %d", reg.Get("m1").Config.Priority)
	}
}

func TestRecordTransportFailureDemotesAfterThree(t *testing.T) {
	models := map[string]types.ModelConfig{"m1": mustModel("m1", 19001, 5, false)}
	ctrl, _, reg := newTestController(t, models, 2)
	if err := ctrl.RequestStart(context.Background(), "m1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctrl.RecordTransportFailure("m1")
	ctrl.RecordTransportFailure("m1")
	if reg.Get("m1").State() != types.StateReady {
		t.Fatalf("expected still READY after 2 failures")
	}
	ctrl.RecordTransportFailure("m1")
	// Stop() runs synchronously inside RecordTransportFailure's caller path
	// except the supervisor.Stop call which is fire-and-forget; state flips
	// to FAILED before that goroutine is spawned.
	if reg.Get("m1").State() != types.StateFailed {
		t.Fatalf("expected FAILED after 3 failures, got %s", reg.Get("m1").State())
	}
}

// TestBootstrapSkipsEntriesAlreadyFailed covers the boot-time port-conflict
// path: an entry driven to FAILED before Bootstrap runs (standing in for
// cmd/gatewayd/main.go's rejectOccupiedPorts) must not be auto-started.
func TestBootstrapSkipsEntriesAlreadyFailed(t *testing.T) {
	conflicted := mustModel("conflicted", 19001, 5, false)
	conflicted.AutoStart = true
	clean := mustModel("clean", 19002, 5, false)
	clean.AutoStart = true
	models := map[string]types.ModelConfig{"conflicted": conflicted, "clean": clean}
	ctrl, sp, reg := newTestController(t, models, 2)
	reg.Get("conflicted").SetState(types.StateFailed)

	ctrl.Bootstrap(context.Background(), false)
	// Bootstrap fires auto-start in background goroutines; give them a
	// moment to run before asserting.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && reg.Get("clean").State() != types.StateReady {
		time.Sleep(5 * time.Millisecond)
	}

	if reg.Get("clean").State() != types.StateReady {
		t.Fatalf("expected clean model to auto-start, got %s", reg.Get("clean").State())
	}
	if reg.Get("conflicted").State() != types.StateFailed {
		t.Fatalf("expected conflicted model to stay FAILED, got %s", reg.Get("conflicted").State())
	}
	sp.mu.Lock()
	_, spawned := sp.running[19001]
	sp.mu.Unlock()
	if spawned {
		t.Fatalf("expected conflicted model's port never to be spawned onto")
	}
}
