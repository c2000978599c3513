// Package supervisor spawns, health-checks-to-ready, and terminates a
// single backend process for one model, per spec §4.1. It is grounded on
// the reference gateway's llamaSubprocessAdapter (adapter_llama_subprocess.go):
// exec.Command spawn with captured stderr, a readiness-polling loop, an
// early-exit watcher racing cmd.Wait() against the readiness deadline, and
// SIGTERM-then-SIGKILL termination with a reap-wait. Unlike the reference
// adapter's unbounded bytes.Buffer, stderr/stdout here are captured into a
// fixed-capacity ring so a stuck reader can never block the supervisor.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"modeld/internal/apierr"
	"modeld/pkg/types"
)

// Options configures a Supervisor. Zero values fall back to spec defaults.
type Options struct {
	BinPath       string
	HealthPath    string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	StartTimeout  time.Duration
	StopTimeout   time.Duration
	TailLines     int
	Logger        zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.BinPath == "" {
		o.BinPath = "llama-server"
	}
	if o.HealthPath == "" {
		o.HealthPath = "/health"
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 500 * time.Millisecond
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 2 * time.Second
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 180 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 15 * time.Second
	}
	if o.TailLines <= 0 {
		o.TailLines = 200
	}
}

// Handle is a live backend process: the running exec.Cmd, its port, and the
// diagnostic tail buffers. A READY ModelEntry (per spec invariant 4) always
// has a non-nil Handle; a STOPPED entry has none.
type Handle struct {
	Pid       int
	Port      int
	StartedAt time.Time

	cmd      *exec.Cmd
	stdout   *ringBuffer
	stderr   *ringBuffer
	exited   chan struct{} // closed exactly once, when cmd.Wait() returns
	exitErr  error
	killOnce sync.Once
}

// StderrTail returns the last lines captured from the backend's stderr.
func (h *Handle) StderrTail() string { return h.stderr.String() }

// StdoutTail returns the last lines captured from the backend's stdout.
func (h *Handle) StdoutTail() string { return h.stdout.String() }

// Supervisor spawns/terminates backend processes. A single Supervisor
// instance is shared by the lifecycle Controller across every model; each
// Start call returns the Handle for one model's process.
type Supervisor struct {
	opts Options
	cli  *http.Client
}

// New constructs a Supervisor with the given options.
func New(opts Options) *Supervisor {
	opts.setDefaults()
	return &Supervisor{
		opts: opts,
		cli:  &http.Client{Timeout: 0},
	}
}

// Start spawns the backend for mc and blocks until it answers the readiness
// probe with 2xx, the start timeout elapses, or the child exits early.
// ctx cancellation aborts the readiness wait (the spawned process, if any,
// is torn down before returning) but never aborts mid-spawn of exec.Start.
func (s *Supervisor) Start(ctx context.Context, mc types.ModelConfig) (*Handle, error) {
	args := buildArgs(mc)
	cmd := exec.Command(s.opts.BinPath, args...)

	stdout := newRingBuffer(s.opts.TailLines)
	stderr := newRingBuffer(s.opts.TailLines)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStartFailure, err, "model %q: stdout pipe", mc.Name)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStartFailure, err, "model %q: stderr pipe", mc.Name)
	}

	if err := cmd.Start(); err != nil {
		return nil, apierr.Wrap(apierr.KindStartFailure, err, "model %q: spawn %s", mc.Name, s.opts.BinPath)
	}

	h := &Handle{
		Pid:       cmd.Process.Pid,
		Port:      mc.Port,
		StartedAt: time.Now(),
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		exited: make(chan struct{}),
	}

	// Drain stdout/stderr line-wise into ring buffers. A stuck reader can
	// never block the supervisor: these goroutines only ever block on pipe
	// reads, never on the caller.
	go drainLines(stdoutPipe, stdout)
	go drainLines(stderrPipe, stderr)
	go func() {
		h.exitErr = cmd.Wait()
		close(h.exited)
	}()

	s.opts.Logger.Info().Str("component", "supervisor").Str("model", mc.Name).
		Int("pid", h.Pid).Int("port", mc.Port).Msg("spawned backend")

	if err := s.awaitReady(ctx, mc, h); err != nil {
		s.killAndReap(h)
		return nil, err
	}
	return h, nil
}

func buildArgs(mc types.ModelConfig) []string {
	args := []string{"--model", mc.ModelPath, "--port", fmt.Sprint(mc.Port), "--host", "127.0.0.1"}
	if mc.ContextLength > 0 {
		args = append(args, "--ctx-size", fmt.Sprint(mc.ContextLength))
	}
	if mc.GPULayers > 0 {
		args = append(args, "--n-gpu-layers", fmt.Sprint(mc.GPULayers))
	}
	args = append(args, mc.AdditionalArgs...)
	return args
}

func (s *Supervisor) awaitReady(ctx context.Context, mc types.ModelConfig, h *Handle) error {
	deadline := time.Now().Add(s.opts.StartTimeout)
	url := fmt.Sprintf("http://127.0.0.1:%d%s", mc.Port, s.opts.HealthPath)
	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()

	probe := func() bool {
		pctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(pctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := s.cli.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}

	if probe() {
		s.opts.Logger.Info().Str("component", "supervisor").Str("model", mc.Name).Int("pid", h.Pid).Msg("backend ready")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return apierr.Wrap(apierr.KindStartFailure, ctx.Err(), "model %q: start cancelled", mc.Name)
		case <-h.exited:
			s.opts.Logger.Warn().Str("component", "supervisor").Str("model", mc.Name).Err(h.exitErr).Msg("backend exited before ready")
			return apierr.New(apierr.KindStartFailure, "model %q exited before ready: %v; stderr tail:\n%s", mc.Name, h.exitErr, h.StderrTail())
		case <-ticker.C:
			if time.Now().After(deadline) {
				return apierr.New(apierr.KindStartFailure, "model %q: not ready within %s; stderr tail:\n%s", mc.Name, s.opts.StartTimeout, h.StderrTail())
			}
			if probe() {
				s.opts.Logger.Info().Str("component", "supervisor").Str("model", mc.Name).Int("pid", h.Pid).Msg("backend ready")
				return nil
			}
		}
	}
}

// Stop sends SIGTERM, waits up to StopTimeout for exit, then escalates to
// SIGKILL. The process is guaranteed reaped before Stop returns.
func (s *Supervisor) Stop(mc types.ModelConfig, h *Handle) {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return
	}
	s.opts.Logger.Info().Str("component", "supervisor").Str("model", mc.Name).Int("pid", h.Pid).Msg("stopping backend")
	_ = h.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-h.exited:
	case <-time.After(s.opts.StopTimeout):
		s.killAndReap(h)
	}
}

// killAndReap force-kills the process and blocks until it is reaped, used
// both on a graceful-stop timeout and on a start failure's cleanup path.
// Safe to call after the child has already exited on its own: h.exited is
// closed exactly once by the Wait goroutine, so reading it here never
// blocks regardless of how many times Start's readiness loop already
// observed it.
func (s *Supervisor) killAndReap(h *Handle) {
	h.killOnce.Do(func() {
		if h.cmd != nil && h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	})
	<-h.exited
}

func drainLines(r io.Reader, buf *ringBuffer) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		buf.Append(sc.Text())
	}
}

// ringBuffer is a fixed-capacity, mutex-guarded FIFO of lines: the diagnostic
// tail buffer that keeps an unbounded backend log stream from ever growing
// without bound or blocking the reader goroutine.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
	next  int
	full  bool
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{lines: make([]string, capacity), cap: capacity}
}

func (b *ringBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[b.next] = line
	b.next = (b.next + 1) % b.cap
	if b.next == 0 {
		b.full = true
	}
}

func (b *ringBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	if b.full {
		out = append(out, b.lines[b.next:]...)
		out = append(out, b.lines[:b.next]...)
	} else {
		out = append(out, b.lines[:b.next]...)
	}
	return strings.Join(out, "\n")
}
