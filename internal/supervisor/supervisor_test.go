package supervisor

import (
	"context"
	"net"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"modeld/pkg/types"
)

// buildFakeBackend compiles testdata/fake_backend.go into a fresh temp
// directory for the calling test, standing in for llama-server.
func buildFakeBackend(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake_backend")
	cmd := exec.Command("go", "build", "-o", bin, "./testdata/fake_backend.go")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build fake_backend: %v\n%s", err, out)
	}
	return bin
}

func freePort(t *testing.T) int {
	t.Helper()
	// Bind :0 and read back the assigned port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestSupervisorStartStop(t *testing.T) {
	bin := buildFakeBackend(t)
	port := freePort(t)
	sup := New(Options{BinPath: bin, StartTimeout: 5 * time.Second, ProbeInterval: 20 * time.Millisecond})
	mc := types.ModelConfig{Name: "m1", Port: port, ModelPath: "unused"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := sup.Start(ctx, mc)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.Pid == 0 {
		t.Fatalf("expected non-zero pid")
	}
	sup.Stop(mc, h)
}

func TestSupervisorStartFailure(t *testing.T) {
	bin := buildFakeBackend(t)
	port := freePort(t)
	sup := New(Options{BinPath: bin, StartTimeout: 2 * time.Second, ProbeInterval: 20 * time.Millisecond})
	mc := types.ModelConfig{
		Name:           "m2",
		Port:           port,
		ModelPath:      "unused",
		AdditionalArgs: []string{"--exit-before-ready"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := sup.Start(ctx, mc)
	if err == nil {
		t.Fatalf("expected start failure")
	}
}

func TestSupervisorStartTimeout(t *testing.T) {
	bin := buildFakeBackend(t)
	port := freePort(t)
	sup := New(Options{BinPath: bin, StartTimeout: 300 * time.Millisecond, ProbeInterval: 20 * time.Millisecond})
	mc := types.ModelConfig{
		Name:           "m3",
		Port:           port,
		ModelPath:      "unused",
		AdditionalArgs: []string{"--ready-delay=5s"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := sup.Start(ctx, mc)
	if err == nil {
		t.Fatalf("expected start timeout error")
	}
}
