// Package supervisor runs one worker process per request: it feeds the
// instruction through a named pipe, parses the worker's NDJSON stdout as
// it arrives, and enforces a wall-clock timeout with SIGTERM escalating
// to SIGKILL on the worker's whole process group.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"codehook/pkg/protocol"
	"codehook/pkg/stream"
)

// DefaultGrace is how long a signalled worker gets to exit on its own.
const DefaultGrace = 3 * time.Second

// Files written under each run directory.
const (
	FIFOName       = "prompt.fifo"
	OutputName     = "output.jsonl"
	StderrName     = "stderr.log"
	ConfigName     = "mcp-config.json"
	stderrTailSize = 64 * 1024
)

// Argument placeholders substituted into Config.Args per run.
const (
	ArgCapabilityConfig = "{mcp_config}"
	ArgAllowedTools     = "{allowed_tools}"
	ArgRunDir           = "{run_dir}"
)

// SecretSource supplies values for ${VAR} placeholders left by the
// resolver. os.LookupEnv is the default.
type SecretSource func(name string) (string, bool)

// Config configures a Supervisor.
type Config struct {
	Command string
	Args    []string
	RunsDir string
	Grace   time.Duration
	Secrets SecretSource
	BaseEnv []string // environment every worker inherits; nil means os.Environ()
	Logger  *slog.Logger
}

// Job is one execution request.
type Job struct {
	RunID             string
	Instruction       string
	Servers           []Server // startup order
	AllowedOperations []string
	Env               map[string]string // extra worker variables, not templated
	Dir               string
	Timeout           time.Duration

	// OnEvent, if set, sees each event as it is parsed. It runs on the
	// reader goroutine and must not block for long.
	OnEvent func(stream.Event)
}

// Result is the terminal record of a run. It is returned on every path,
// including spawn failure, with whatever output was captured.
type Result struct {
	RunID       string
	State       protocol.RunState
	ExitCode    int // -1 when the worker did not exit on its own
	PID         int
	StartedAt   time.Time
	TimeoutAt   time.Time
	FinishedAt  time.Time
	Events      []stream.Event
	Summary     stream.Summary
	Diagnostics string // tail of stderr
	RunDir      string
	OutputPath  string
	Reason      string
}

// Supervisor spawns and supervises worker processes. A Supervisor holds
// no per-run state and may run many jobs concurrently.
type Supervisor struct {
	cfg Config
	log *slog.Logger
}

// New validates cfg and returns a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("supervisor: worker command is required")
	}
	if cfg.RunsDir == "" {
		return nil, errors.New("supervisor: runs dir is required")
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Secrets == nil {
		cfg.Secrets = os.LookupEnv
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{cfg: cfg, log: log}, nil
}

// handle tracks the state of one run. Terminal states are final.
type handle struct {
	mu    sync.Mutex
	state protocol.RunState
}

func (h *handle) transition(to protocol.RunState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return false
	}
	h.state = to
	return true
}

func (h *handle) current() protocol.RunState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// exit is what the wait goroutine reports once the worker is reaped.
type exit struct {
	waitErr error
	ioErr   error
}

// Run executes job and blocks until the worker is gone. The returned
// error is *protocol.ExecutionTimedOutError or
// *protocol.ExecutionFailedError for unsuccessful runs; the Result is
// never nil.
//
// Cancelling ctx stops the worker the same way a timeout does and ends
// the run as Failed.
func (s *Supervisor) Run(ctx context.Context, job Job) (*Result, error) {
	h := &handle{state: protocol.RunStarting}
	res := &Result{RunID: job.RunID, State: protocol.RunStarting, ExitCode: -1}

	if job.RunID == "" {
		return s.finish(res, h, "run id is required")
	}
	if job.Timeout <= 0 {
		return s.finish(res, h, "timeout must be positive")
	}

	log := s.log.With("run", job.RunID)
	res.StartedAt = time.Now()
	res.TimeoutAt = res.StartedAt.Add(job.Timeout)
	timer := time.NewTimer(job.Timeout)
	defer timer.Stop()

	res.RunDir = filepath.Join(s.cfg.RunsDir, job.RunID)
	if err := os.MkdirAll(res.RunDir, 0o700); err != nil {
		return s.finish(res, h, fmt.Sprintf("create run dir: %v", err))
	}
	res.OutputPath = filepath.Join(res.RunDir, OutputName)

	servers, err := expandServers(job.Servers, s.cfg.Secrets)
	if err != nil {
		return s.finish(res, h, err.Error())
	}
	configPath := filepath.Join(res.RunDir, ConfigName)
	config, err := renderCapabilityConfig(servers)
	if err != nil {
		return s.finish(res, h, fmt.Sprintf("render capability config: %v", err))
	}
	if err := os.WriteFile(configPath, config, 0o600); err != nil {
		return s.finish(res, h, fmt.Sprintf("write capability config: %v", err))
	}

	outFile, err := os.Create(res.OutputPath) //nolint:gosec // path is under the run dir
	if err != nil {
		return s.finish(res, h, fmt.Sprintf("create output file: %v", err))
	}
	defer func() { _ = outFile.Close() }()

	stderrFile, err := os.Create(filepath.Join(res.RunDir, StderrName)) //nolint:gosec // path is under the run dir
	if err != nil {
		return s.finish(res, h, fmt.Sprintf("create stderr file: %v", err))
	}
	defer func() { _ = stderrFile.Close() }()
	stderrTail := newTailBuffer(stderrTailSize)
	defer func() { res.Diagnostics = stderrTail.String() }()

	fifoPath := filepath.Join(res.RunDir, FIFOName)
	pipe, err := openInstructionPipe(fifoPath)
	if err != nil {
		return s.finish(res, h, err.Error())
	}
	defer pipe.cleanup()

	allowed := strings.Join(job.AllowedOperations, ",")
	cmd := exec.Command(s.cfg.Command, s.expandArgs(configPath, allowed, res.RunDir)...) //nolint:gosec // operator-configured worker
	cmd.Dir = job.Dir
	cmd.Env = s.workerEnv(job, servers, map[string]string{
		"CODEHOOK_RUN_ID":        job.RunID,
		"CODEHOOK_RUN_DIR":       res.RunDir,
		"CODEHOOK_MCP_CONFIG":    configPath,
		"CODEHOOK_ALLOWED_TOOLS": allowed,
		"CODEHOOK_PROMPT_FIFO":   fifoPath,
	})
	cmd.Stdin = pipe.r
	cmd.Stderr = io.MultiWriter(stderrFile, stderrTail)
	// Own process group so signals reach every descendant.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.finish(res, h, fmt.Sprintf("stdout pipe: %v", err))
	}

	if err := cmd.Start(); err != nil {
		return s.finish(res, h, fmt.Sprintf("spawn worker: %v", err))
	}
	// The worker holds its own copy of the read end.
	pipe.closeReader()
	res.PID = cmd.Process.Pid
	pgid := cmd.Process.Pid
	h.transition(protocol.RunStreaming)
	log.Info("worker started", "pid", res.PID, "timeout", job.Timeout)

	var g errgroup.Group
	g.Go(func() error {
		defer pipe.closeWriter()
		if _, err := io.WriteString(pipe.w, job.Instruction); err != nil {
			return fmt.Errorf("write instruction: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		tee := io.TeeReader(stdout, outFile)
		dec := stream.NewDecoder(tee)
		for ev := range dec.All() {
			if ev.Truncated {
				log.Warn("worker output line exceeds limit, truncated", "line", ev.Line, "limit", stream.MaxLineSize)
			}
			res.Events = append(res.Events, ev)
			res.Summary.Observe(ev)
			if job.OnEvent != nil {
				job.OnEvent(ev)
			}
		}
		if err := dec.Err(); err != nil {
			// Keep draining so the worker never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, tee)
			return fmt.Errorf("read worker output: %w", err)
		}
		return nil
	})

	done := make(chan exit, 1)
	go func() {
		ioErr := g.Wait()
		done <- exit{waitErr: cmd.Wait(), ioErr: ioErr}
	}()

	var (
		out       exit
		interrupt string
	)
	select {
	case out = <-done:
	case <-timer.C:
		h.transition(protocol.RunTimedOut)
		log.Warn("worker timed out, terminating", "pid", res.PID)
		out = s.terminate(log, pgid, done)
	case <-ctx.Done():
		h.transition(protocol.RunFailed)
		interrupt = "cancelled"
		log.Warn("run cancelled, terminating worker", "pid", res.PID)
		out = s.terminate(log, pgid, done)
	}

	if out.ioErr != nil {
		log.Debug("worker i/o", "error", out.ioErr)
	}

	res.ExitCode = exitCode(out.waitErr)
	switch h.current() {
	case protocol.RunTimedOut:
		res.State = protocol.RunTimedOut
		res.Reason = fmt.Sprintf("timed out after %s", job.Timeout)
	case protocol.RunFailed:
		res.State = protocol.RunFailed
		res.Reason = interrupt
	default:
		if out.waitErr == nil {
			h.transition(protocol.RunCompleted)
			res.State = protocol.RunCompleted
		} else {
			h.transition(protocol.RunFailed)
			res.State = protocol.RunFailed
			if res.ExitCode < 0 {
				res.Reason = out.waitErr.Error()
			}
		}
	}
	res.FinishedAt = time.Now()

	log.Info("worker finished",
		"state", res.State,
		"exit_code", res.ExitCode,
		"events", res.Summary.Events,
		"diagnostics", res.Summary.Diagnostics,
		"duration", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond),
	)
	return res, resultError(res, job.Timeout)
}

// finish ends a run that never reached a running worker.
func (s *Supervisor) finish(res *Result, h *handle, reason string) (*Result, error) {
	h.transition(protocol.RunFailed)
	res.State = protocol.RunFailed
	res.Reason = reason
	res.FinishedAt = time.Now()
	s.log.Error("run failed before spawn", "run", res.RunID, "reason", reason)
	return res, resultError(res, 0)
}

// terminate sends SIGTERM to the worker's process group, waits out the
// grace window, then sends SIGKILL. It returns once the worker is reaped.
func (s *Supervisor) terminate(log *slog.Logger, pgid int, done <-chan exit) exit {
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		log.Debug("sigterm", "pgid", pgid, "error", err)
	}

	grace := time.NewTimer(s.cfg.Grace)
	defer grace.Stop()
	select {
	case out := <-done:
		return out
	case <-grace.C:
		log.Warn("grace period expired, killing worker", "pgid", pgid)
		_ = unix.Kill(-pgid, unix.SIGKILL)
		return <-done
	}
}

func (s *Supervisor) expandArgs(configPath, allowed, runDir string) []string {
	r := strings.NewReplacer(
		ArgCapabilityConfig, configPath,
		ArgAllowedTools, allowed,
		ArgRunDir, runDir,
	)
	args := make([]string, len(s.cfg.Args))
	for i, a := range s.cfg.Args {
		args[i] = r.Replace(a)
	}
	return args
}

// workerEnv layers the base environment, the resolved capability
// environment, the job's extra variables and the run variables.
func (s *Supervisor) workerEnv(job Job, servers []Server, runVars map[string]string) []string {
	base := s.cfg.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	env := slices.Clone(base)
	for _, layer := range []map[string]string{mergedEnv(servers), job.Env, runVars} {
		for _, key := range slices.Sorted(maps.Keys(layer)) {
			env = append(env, key+"="+layer[key])
		}
	}
	return env
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func resultError(res *Result, timeout time.Duration) error {
	switch res.State {
	case protocol.RunCompleted:
		return nil
	case protocol.RunTimedOut:
		return &protocol.ExecutionTimedOutError{RunID: res.RunID, Timeout: timeout.String()}
	default:
		return &protocol.ExecutionFailedError{RunID: res.RunID, ExitCode: res.ExitCode, Reason: res.Reason}
	}
}

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = slices.Clone(t.buf[over:])
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
