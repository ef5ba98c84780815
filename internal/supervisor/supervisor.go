package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/exthost/internal/ipc"
	"github.com/GriffinCanCode/exthost/internal/policy"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

// Status is the runtime's lifecycle state as seen by the supervisor.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusExited   Status = "exited"
)

var allStatuses = []string{
	string(StatusStopped), string(StatusHealthy), string(StatusDegraded), string(StatusExited),
}

// StatusFunc observes status changes. err is set for degraded and exited.
type StatusFunc func(status Status, err error)

// EventFunc receives notifications and events from the runtime. It runs
// on the IPC read loop and must not block.
type EventFunc func(msg *ipc.Message)

// Config configures the supervisor.
type Config struct {
	// Command and Args start the runtime.
	Command string
	Args    []string

	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ShutdownTimeout   time.Duration
	MaxMessageBytes   int
}

func (c *Config) withDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 7 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 2 * time.Second
	}
}

// Supervisor manages one runtime child at a time.
type Supervisor struct {
	cfg     Config
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	handler  ipc.Handler
	onEvent  EventFunc
	onStatus []StatusFunc
	status   Status
	child    *child
}

// child is one run of the runtime process.
type child struct {
	cmd      *exec.Cmd
	peer     *ipc.Peer
	started  time.Time
	done     chan struct{}
	stopping bool
}

// New creates a supervisor. Nothing runs until Start.
func New(cfg Config, logger *logging.Logger, metrics *monitoring.Metrics) *Supervisor {
	cfg.withDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Supervisor{
		cfg:     cfg,
		logger:  logger.Named("supervisor"),
		metrics: metrics,
		status:  StatusStopped,
	}
}

// SetHandler installs the handler for requests coming from the runtime.
func (s *Supervisor) SetHandler(h ipc.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// OnEvent installs the callback for runtime notifications and events.
func (s *Supervisor) OnEvent(fn EventFunc) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

// OnStatus adds a status observer.
func (s *Supervisor) OnStatus(fn StatusFunc) {
	s.mu.Lock()
	s.onStatus = append(s.onStatus, fn)
	s.mu.Unlock()
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// PID returns the runtime process id, or 0 when not running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil || s.child.cmd.Process == nil {
		return 0
	}
	return s.child.cmd.Process.Pid
}

func (s *Supervisor) setStatus(status Status, err error) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	prev := s.status
	s.status = status
	observers := append([]StatusFunc(nil), s.onStatus...)
	s.mu.Unlock()

	s.metrics.SetRuntimeStatus(string(status), allStatuses)
	fields := []zap.Field{zap.String("from", string(prev)), zap.String("to", string(status))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Info("Runtime status changed", fields...)
	for _, fn := range observers {
		fn(status, err)
	}
}

// ServeRPC forwards runtime requests to the installed handler.
func (s *Supervisor) ServeRPC(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return nil, errs.New(errs.CodeNoHandler, "no handler registered for %s", method)
	}
	return h.ServeRPC(ctx, method, params)
}

func (s *Supervisor) dispatchEvent(msg *ipc.Message) {
	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// Start launches the runtime. It fails if a runtime is already running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.child != nil {
		s.mu.Unlock()
		return fmt.Errorf("runtime already running")
	}
	s.mu.Unlock()

	if s.cfg.Command == "" {
		return fmt.Errorf("no runtime command configured")
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = policy.SanitizeEnv(os.Environ())
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	c := &child{cmd: cmd, started: time.Now(), done: make(chan struct{})}
	c.peer = ipc.NewPeer(stdout, stdin, ipc.Config{
		Name:            "runtime",
		Logger:          s.logger,
		Handler:         s,
		OnMessage:       s.dispatchEvent,
		Timeout:         s.cfg.RequestTimeout,
		MaxMessageBytes: s.cfg.MaxMessageBytes,
		Observer:        s.metrics,
	})

	s.mu.Lock()
	s.child = c
	s.mu.Unlock()

	s.logger.Info("Runtime started", zap.Int("pid", cmd.Process.Pid), zap.String("command", s.cfg.Command))
	s.metrics.IncRuntimeStarts()
	s.setStatus(StatusHealthy, nil)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		s.pipeStderr(stderr)
	}()
	go s.serve(c, stderrDone)
	go s.heartbeat(c)
	return nil
}

func (s *Supervisor) pipeStderr(r io.Reader) {
	log := s.logger.Named("runtime.stderr")
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		log.Info(scanner.Text())
	}
	_, _ = io.Copy(io.Discard, r)
}

func (s *Supervisor) serve(c *child, stderrDone <-chan struct{}) {
	serveErr := c.peer.Serve(context.Background())
	if serveErr != nil && !errors.Is(serveErr, io.EOF) {
		s.logger.Warn("Runtime channel failed", zap.Error(serveErr))
		// A broken channel leaves the child unreachable.
		_ = c.cmd.Process.Kill()
	}
	<-stderrDone
	waitErr := c.cmd.Wait()

	reason := exitReason(c.cmd.ProcessState, waitErr)
	c.peer.Close(reason)

	s.mu.Lock()
	if s.child == c {
		s.child = nil
	}
	stopping := c.stopping
	s.mu.Unlock()

	label := "crash"
	if stopping {
		label = "stopped"
	}
	s.metrics.RecordRuntimeExit(label)
	s.logger.Info("Runtime exited", zap.Error(reason), zap.Bool("requested", stopping),
		zap.Duration("uptime", time.Since(c.started)))
	s.setStatus(StatusExited, reason)
	close(c.done)
}

func exitReason(state *os.ProcessState, waitErr error) error {
	if state == nil {
		return errs.Wrap(errs.CodeProcessExited, waitErr, "runtime exited")
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return errs.New(errs.CodeProcessExited, "runtime killed by signal %s", ws.Signal())
	}
	return errs.New(errs.CodeProcessExited, "runtime exited with code %d", state.ExitCode())
}

func (s *Supervisor) heartbeat(c *child) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.peer.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithCancel(context.Background())
		_, err := c.peer.Request(ctx, types.MethodPing, nil, s.cfg.HeartbeatTimeout)
		cancel()

		select {
		case <-c.peer.Done():
			return
		default:
		}
		if err != nil {
			s.metrics.IncHeartbeatFailures()
			s.logger.Warn("Heartbeat missed", zap.Error(err))
			s.setStatus(StatusDegraded, err)
			continue
		}
		if s.Status() == StatusDegraded {
			s.setStatus(StatusHealthy, nil)
		}
	}
}

func (s *Supervisor) current() (*child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil {
		return nil, errs.New(errs.CodeProcessExited, "runtime is not running")
	}
	return s.child, nil
}

// Request sends a request to the runtime and decodes the result into out
// (which may be nil).
func (s *Supervisor) Request(ctx context.Context, method string, params, out interface{}) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.peer.Call(ctx, method, params, out)
}

// RequestTimeout is Request with an explicit timeout.
func (s *Supervisor) RequestTimeout(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	c, err := s.current()
	if err != nil {
		return nil, err
	}
	return c.peer.Request(ctx, method, params, timeout)
}

// Notify sends a notification to the runtime.
func (s *Supervisor) Notify(method string, params interface{}) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.peer.Notify(method, params)
}

// Pending returns the number of requests awaiting the runtime.
func (s *Supervisor) Pending() int {
	c, err := s.current()
	if err != nil {
		return 0
	}
	return c.peer.Pending()
}

// Done returns a channel closed when the current runtime exits. It is nil
// when no runtime is running.
func (s *Supervisor) Done() <-chan struct{} {
	c, err := s.current()
	if err != nil {
		return nil
	}
	return c.done
}

// Stop asks the runtime to shut down and kills it if it has not exited
// within the shutdown budget. It returns after the exit was processed.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.child
	if c == nil {
		s.mu.Unlock()
		return nil
	}
	c.stopping = true
	s.mu.Unlock()

	// The request and the wait for exit share one budget.
	budget := s.cfg.ShutdownTimeout
	stopCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	if _, err := c.peer.Request(stopCtx, types.MethodShutdown, nil, budget); err != nil {
		s.logger.Debug("Shutdown request failed", zap.Error(err))
	}

	select {
	case <-c.done:
		return nil
	case <-stopCtx.Done():
	}

	s.logger.Warn("Runtime did not exit in time, killing", zap.Duration("budget", budget))
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("Kill failed", zap.Error(err))
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runtime exit: %w", ctx.Err())
	}
}

// Restart stops the current runtime, if any, and starts a new one.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}
