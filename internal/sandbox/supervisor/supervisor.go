// Package supervisor manages sandbox shim subprocesses: spawn, port
// announcement, health gating, exit notification, and kill escalation.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/projecttab/backend/internal/common/logger"
	v1 "github.com/projecttab/backend/pkg/api/v1"
)

// Transport describes how to reach a spawned sandbox.
type Transport struct {
	RPCEndpoint         string `json:"rpcEndpoint"`
	EventStreamEndpoint string `json:"eventStreamEndpoint"`
}

// SpawnOptions configures one shim spawn.
type SpawnOptions struct {
	Command              string
	Args                 []string
	Env                  map[string]string
	Bootstrap            v1.Bootstrap
	HealthPollInterval   time.Duration
	HealthStartupTimeout time.Duration
}

// Spawned is the result of a successful spawn.
type Spawned struct {
	Port      int
	Transport Transport
}

// ExitListener observes the child's terminal event. exitCode is nil when the
// process died from a signal; signal is empty on a normal exit.
type ExitListener func(exitCode *int, signal string)

// portAnnouncement is the expected first stdout line of a shim.
type portAnnouncement struct {
	Port *int `json:"port"`
}

type managedProcess struct {
	cmd       *exec.Cmd
	exited    chan struct{}
	exitCode  *int
	signal    string
	listeners []ExitListener
	mu        sync.Mutex
}

// Supervisor tracks shim processes keyed by agent id.
type Supervisor struct {
	mu         sync.Mutex
	procs      map[string]*managedProcess
	httpClient *http.Client
	logger     *logger.Logger
}

// New creates a supervisor.
func New(log *logger.Logger) *Supervisor {
	return &Supervisor{
		procs: make(map[string]*managedProcess),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "supervisor")),
	}
}

// Spawn starts a shim, waits for its port announcement on stdout, gates on
// /health, and returns the transport. On any failure the child is killed.
func (s *Supervisor) Spawn(ctx context.Context, agentID string, opts SpawnOptions) (*Spawned, error) {
	spawnLog := s.logger.WithAgentID(agentID)

	bootstrapJSON, err := json.Marshal(opts.Bootstrap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bootstrap: %w", err)
	}

	// NOTE: we intentionally don't use exec.CommandContext so the caller's
	// request context can't kill a healthy shim after spawn returns.
	cmd := exec.Command(opts.Command, opts.Args...)
	env := os.Environ()
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "AGENT_PORT=0", "AGENT_BOOTSTRAP="+string(bootstrapJSON))
	cmd.Env = env
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start shim: %w", err)
	}

	proc := &managedProcess{
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	s.mu.Lock()
	s.procs[agentID] = proc
	s.mu.Unlock()

	spawnLog.Info("Shim process started", zap.Int("pid", cmd.Process.Pid))

	go s.forwardStderr(agentID, stderr)
	go s.waitForExit(agentID, proc)

	portCh := make(chan int, 1)
	go s.readStdout(agentID, stdout, portCh)

	timeout := opts.HealthStartupTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var port int
	select {
	case port = <-portCh:
	case <-proc.exited:
		return nil, fmt.Errorf("shim exited before announcing port")
	case <-time.After(timeout):
		_ = s.ForceKill(agentID)
		return nil, fmt.Errorf("did not announce port within %dms", timeout.Milliseconds())
	case <-ctx.Done():
		_ = s.ForceKill(agentID)
		return nil, ctx.Err()
	}

	spawnLog.Info("Shim announced port", zap.Int("port", port))

	if err := s.awaitHealthy(ctx, agentID, port, opts.HealthPollInterval, timeout); err != nil {
		return nil, err
	}

	return &Spawned{
		Port: port,
		Transport: Transport{
			RPCEndpoint:         fmt.Sprintf("http://localhost:%d", port),
			EventStreamEndpoint: fmt.Sprintf("ws://localhost:%d/events", port),
		},
	}, nil
}

// readStdout line-buffers the child stdout. The first line matching the port
// announcement schema resolves the port; everything after is forwarded as a
// structured log line.
func (s *Supervisor) readStdout(agentID string, stdout io.Reader, portCh chan<- int) {
	shimLog := s.logger.WithAgentID(agentID)
	scanner := bufio.NewScanner(stdout)
	announced := false
	for scanner.Scan() {
		line := scanner.Text()
		if !announced {
			var ann portAnnouncement
			if err := json.Unmarshal([]byte(line), &ann); err == nil && ann.Port != nil {
				announced = true
				portCh <- *ann.Port
				continue
			}
			shimLog.Debug("Shim stdout before announcement", zap.String("line", line))
			continue
		}
		shimLog.Info("shim", zap.String("stream", "stdout"), zap.String("line", line))
	}
}

func (s *Supervisor) forwardStderr(agentID string, stderr io.Reader) {
	shimLog := s.logger.WithAgentID(agentID)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		shimLog.Info("shim", zap.String("stream", "stderr"), zap.String("line", scanner.Text()))
	}
}

// awaitHealthy polls GET /health until a 2xx or the startup timeout.
func (s *Supervisor) awaitHealthy(ctx context.Context, agentID string, port int, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	url := fmt.Sprintf("http://localhost:%d/health", port)
	deadline := time.Now().Add(timeout)

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := s.httpClient.Do(req)
		if err == nil {
			code := resp.StatusCode
			_ = resp.Body.Close()
			if code >= 200 && code < 300 {
				s.logger.WithAgentID(agentID).Info("Shim healthy", zap.Int("port", port))
				return nil
			}
		}

		if time.Now().After(deadline) {
			_ = s.ForceKill(agentID)
			return fmt.Errorf("did not become healthy within %dms", timeout.Milliseconds())
		}

		select {
		case <-ctx.Done():
			_ = s.ForceKill(agentID)
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// waitForExit records the child's terminal state and fans out to listeners.
func (s *Supervisor) waitForExit(agentID string, proc *managedProcess) {
	err := proc.cmd.Wait()

	var exitCode *int
	signal := ""
	if state := proc.cmd.ProcessState; state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signal = ws.Signal().String()
		} else {
			code := state.ExitCode()
			exitCode = &code
		}
	}

	proc.mu.Lock()
	proc.exitCode = exitCode
	proc.signal = signal
	listeners := make([]ExitListener, len(proc.listeners))
	copy(listeners, proc.listeners)
	proc.mu.Unlock()
	close(proc.exited)

	exitLog := s.logger.WithAgentID(agentID)
	if err != nil {
		exitLog.Info("Shim process exited", zap.Error(err), zap.String("signal", signal))
	} else {
		exitLog.Info("Shim process exited cleanly")
	}

	for _, listener := range listeners {
		listener(exitCode, signal)
	}
}

// OnExit registers a listener for a child's terminal event. If the child has
// already exited, the listener is invoked immediately.
func (s *Supervisor) OnExit(agentID string, listener ExitListener) {
	s.mu.Lock()
	proc, ok := s.procs[agentID]
	s.mu.Unlock()
	if !ok {
		return
	}

	proc.mu.Lock()
	select {
	case <-proc.exited:
		code, signal := proc.exitCode, proc.signal
		proc.mu.Unlock()
		listener(code, signal)
		return
	default:
	}
	proc.listeners = append(proc.listeners, listener)
	proc.mu.Unlock()
}

// Alive reports whether the agent's process is still running.
func (s *Supervisor) Alive(agentID string) bool {
	s.mu.Lock()
	proc, ok := s.procs[agentID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-proc.exited:
		return false
	default:
		return true
	}
}

// ExitState returns the recorded exit code and signal. ok is false while the
// process is still running or unknown.
func (s *Supervisor) ExitState(agentID string) (exitCode *int, signal string, ok bool) {
	s.mu.Lock()
	proc, tracked := s.procs[agentID]
	s.mu.Unlock()
	if !tracked {
		return nil, "", false
	}
	select {
	case <-proc.exited:
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return proc.exitCode, proc.signal, true
	default:
		return nil, "", false
	}
}

// Kill sends SIGTERM to the agent's process.
func (s *Supervisor) Kill(agentID string) error {
	return s.signal(agentID, syscall.SIGTERM)
}

// ForceKill sends SIGKILL to the agent's process.
func (s *Supervisor) ForceKill(agentID string) error {
	return s.signal(agentID, syscall.SIGKILL)
}

func (s *Supervisor) signal(agentID string, sig syscall.Signal) error {
	s.mu.Lock()
	proc, ok := s.procs[agentID]
	s.mu.Unlock()
	if !ok || proc.cmd.Process == nil {
		return fmt.Errorf("no process tracked for agent %s", agentID)
	}

	select {
	case <-proc.exited:
		return nil
	default:
	}

	s.logger.WithAgentID(agentID).Info("Signaling shim process", zap.String("signal", sig.String()))
	return proc.cmd.Process.Signal(sig)
}

// Cleanup removes all tracking for an agent. The process, if still running,
// is not touched.
func (s *Supervisor) Cleanup(agentID string) {
	s.mu.Lock()
	delete(s.procs, agentID)
	s.mu.Unlock()
}
