package procbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/framing"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/exthost/internal/policy"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/id"
	"github.com/GriffinCanCode/exthost/internal/shared/paths"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

// Event kinds.
const (
	EventMessage = "message"
	EventError   = "error"
	EventExit    = "exit"
)

// Event is emitted by a session's read loop.
type Event struct {
	Kind        string
	SessionID   string
	WindowID    string
	ExtensionID string
	Protocol    types.Protocol
	Payload     json.RawMessage
	Err         error
	ExitCode    int
	Signal      string
}

// Sink receives session events. It is called from session goroutines and
// must not block for long.
type Sink func(Event)

// RootSource provides the approved workspace roots of a window.
type RootSource interface {
	Roots(windowID string) []string
}

// Limits bounds the number and size of sessions.
type Limits struct {
	MaxSessions     int
	PerWindow       int
	PerExtension    int
	MaxMessageBytes int
	StopGrace       time.Duration
}

// DefaultLimits returns the stock quotas.
func DefaultLimits() Limits {
	return Limits{
		MaxSessions:     24,
		PerWindow:       8,
		PerExtension:    4,
		MaxMessageBytes: framing.DefaultMaxBody,
		StopGrace:       2 * time.Second,
	}
}

// SpawnRequest describes a protocol server to start.
type SpawnRequest struct {
	Protocol    types.Protocol
	WindowID    string
	ExtensionID string
	InstallPath string
	Command     string
	Args        []string
	Cwd         string
	Languages   []string
}

// Options configures a Broker.
type Options struct {
	Limits  Limits
	Roots   RootSource
	Guard   *resilience.Guard
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

// Broker owns all protocol sessions.
type Broker struct {
	limits  Limits
	roots   RootSource
	guard   *resilience.Guard
	logger  *logging.Logger
	metrics *monitoring.Metrics

	sinkMu sync.RWMutex
	sink   Sink

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// New creates a broker.
func New(opts Options) *Broker {
	limits := opts.Limits
	def := DefaultLimits()
	if limits.MaxSessions <= 0 {
		limits.MaxSessions = def.MaxSessions
	}
	if limits.PerWindow <= 0 {
		limits.PerWindow = def.PerWindow
	}
	if limits.PerExtension <= 0 {
		limits.PerExtension = def.PerExtension
	}
	if limits.MaxMessageBytes <= 0 {
		limits.MaxMessageBytes = def.MaxMessageBytes
	}
	if limits.StopGrace <= 0 {
		limits.StopGrace = def.StopGrace
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	guard := opts.Guard
	if guard == nil {
		guard = resilience.NewGuard(resilience.GuardSettings{})
	}

	return &Broker{
		limits:   limits,
		roots:    opts.Roots,
		guard:    guard,
		logger:   logger.Named("procbroker"),
		metrics:  opts.Metrics,
		sessions: make(map[string]*session),
	}
}

// OnEvent installs the event sink.
func (b *Broker) OnEvent(sink Sink) {
	b.sinkMu.Lock()
	b.sink = sink
	b.sinkMu.Unlock()
}

func (b *Broker) emit(ev Event) {
	b.sinkMu.RLock()
	sink := b.sink
	b.sinkMu.RUnlock()
	if sink != nil {
		sink(ev)
	}
}

// Spawn validates and starts a protocol session.
func (b *Broker) Spawn(req SpawnRequest) (types.Session, error) {
	info, err := b.spawn(req)
	if err != nil {
		b.metrics.RecordSpawnRejected(string(errs.CodeOf(err)))
		b.logger.Warn("Spawn rejected",
			zap.String("extension", req.ExtensionID),
			zap.String("window", req.WindowID),
			zap.String("command", req.Command),
			zap.Error(err))
		return types.Session{}, err
	}
	return info, nil
}

func (b *Broker) spawn(req SpawnRequest) (types.Session, error) {
	if !req.Protocol.Valid() {
		return types.Session{}, errs.New(errs.CodeInvalidParams, "unknown protocol %q", req.Protocol)
	}
	if req.Command == "" {
		return types.Session{}, errs.New(errs.CodeInvalidParams, "command is required")
	}
	if policy.IsShellScript(req.Command) {
		return types.Session{}, errs.New(errs.CodeShellNotAllowed, "%s is a shell script", filepath.Base(req.Command))
	}
	if req.InstallPath == "" {
		return types.Session{}, errs.New(errs.CodePathNotApproved, "extension %s has no install path", req.ExtensionID)
	}

	install, err := paths.Canonical(req.InstallPath)
	if err != nil {
		return types.Session{}, errs.Wrap(errs.CodePathNotApproved, err, "cannot resolve install path")
	}
	approved := []string{install}
	if b.roots != nil {
		approved = append(approved, b.roots.Roots(req.WindowID)...)
	}

	command, err := approvedPath(install, req.Command, approved)
	if err != nil {
		return types.Session{}, err
	}
	// A link may point at a script under an innocent name.
	if policy.IsShellScript(command) {
		return types.Session{}, errs.New(errs.CodeShellNotAllowed, "%s resolves to shell script %s",
			filepath.Base(req.Command), filepath.Base(command))
	}
	cwd := install
	if req.Cwd != "" {
		if cwd, err = approvedPath(install, req.Cwd, approved); err != nil {
			return types.Session{}, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return types.Session{}, errs.New(errs.CodeProcessExited, "broker is closed")
	}
	if err := b.checkQuota(req.WindowID, req.ExtensionID); err != nil {
		return types.Session{}, err
	}

	attempt, err := b.guard.Allow(command)
	if err != nil {
		return types.Session{}, errs.Wrap(errs.CodeSpawnThrottled, err,
			"%s is crash looping, retry after %s", filepath.Base(command),
			b.guard.RetryAt(command).Format(time.RFC3339))
	}

	cmd := exec.Command(command, req.Args...)
	cmd.Dir = cwd
	cmd.Env = policy.SanitizeEnv(os.Environ())

	s, err := newSession(cmd)
	if err != nil {
		attempt.Abandon()
		return types.Session{}, errs.Wrap(errs.CodeInternal, err, "failed to create pipes")
	}
	if err := cmd.Start(); err != nil {
		s.closePipes()
		attempt.Abandon()
		if errors.Is(err, os.ErrNotExist) {
			return types.Session{}, errs.Wrap(errs.CodeNotFound, err, "cannot start %s", command)
		}
		return types.Session{}, errs.Wrap(errs.CodeInternal, err, "cannot start %s", command)
	}

	s.info = types.Session{
		SessionID:        string(id.NewSessionID()),
		Protocol:         req.Protocol,
		WindowID:         req.WindowID,
		ExtensionID:      req.ExtensionID,
		PID:              cmd.Process.Pid,
		Command:          command,
		Args:             append([]string(nil), req.Args...),
		Cwd:              cwd,
		Languages:        append([]string(nil), req.Languages...),
		DocumentVersions: make(map[string]int),
		StartedAt:        time.Now(),
	}
	s.attempt = attempt
	s.logger = b.logger.ForExtension(req.WindowID, req.ExtensionID).With(
		zap.String("session", s.info.SessionID),
		zap.Int("pid", s.info.PID))
	b.sessions[s.info.SessionID] = s

	b.metrics.RecordSessionSpawn(string(req.Protocol), len(b.sessions))
	s.logger.Info("Protocol session started",
		zap.String("protocol", string(req.Protocol)),
		zap.String("command", command))

	go b.run(s)
	return s.snapshot(), nil
}

// approvedPath resolves p against base and requires the canonical result
// to be inside one of roots.
func approvedPath(base, p string, roots []string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	resolved, err := paths.Canonical(p)
	if err != nil {
		return "", errs.Wrap(errs.CodePathNotApproved, err, "cannot resolve %s", p)
	}
	if _, ok := paths.WithinAny(roots, resolved); !ok {
		return "", errs.New(errs.CodePathNotApproved, "%s is outside the extension and workspace", p)
	}
	return resolved, nil
}

// checkQuota must be called with b.mu held.
func (b *Broker) checkQuota(windowID, extensionID string) error {
	if len(b.sessions) >= b.limits.MaxSessions {
		return errs.New(errs.CodeLimitExceeded, "session limit of %d reached", b.limits.MaxSessions)
	}
	perWindow, perExt := 0, 0
	for _, s := range b.sessions {
		if s.info.WindowID != windowID {
			continue
		}
		perWindow++
		if s.info.ExtensionID == extensionID {
			perExt++
		}
	}
	if perWindow >= b.limits.PerWindow {
		return errs.New(errs.CodeLimitExceeded, "window session limit of %d reached", b.limits.PerWindow)
	}
	if perExt >= b.limits.PerExtension {
		return errs.New(errs.CodeLimitExceeded, "extension session limit of %d reached", b.limits.PerExtension)
	}
	return nil
}

// run drives one session from start to exit.
func (b *Broker) run(s *session) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.readLoop(s)
	}()
	go func() {
		defer wg.Done()
		s.pipeStderr()
	}()
	wg.Wait()

	waitErr := s.cmd.Wait()
	code, signal := exitStatus(s.cmd.ProcessState)
	stopping := s.markExited()

	b.mu.Lock()
	delete(b.sessions, s.info.SessionID)
	active := len(b.sessions)
	b.mu.Unlock()

	clean := stopping || (waitErr == nil && code == 0)
	s.attempt.Exited(clean)
	b.metrics.RecordSessionExit(string(s.info.Protocol), clean, active)

	s.logger.Info("Protocol session exited",
		zap.Int("exit_code", code),
		zap.String("signal", signal),
		zap.Bool("requested", stopping))

	b.emit(Event{
		Kind:        EventExit,
		SessionID:   s.info.SessionID,
		WindowID:    s.info.WindowID,
		ExtensionID: s.info.ExtensionID,
		Protocol:    s.info.Protocol,
		ExitCode:    code,
		Signal:      signal,
	})
	close(s.done)
}

func (b *Broker) readLoop(s *session) {
	reader := framing.NewReader(s.stdout, b.limits.MaxMessageBytes)
	for {
		frame, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				b.emitError(s, err)
				s.kill()
				// Drain so the child never blocks on a full pipe.
				_, _ = io.Copy(io.Discard, s.stdout)
			}
			return
		}
		if frame.Err != nil {
			b.emitError(s, frame.Err)
			continue
		}
		b.emit(Event{
			Kind:        EventMessage,
			SessionID:   s.info.SessionID,
			WindowID:    s.info.WindowID,
			ExtensionID: s.info.ExtensionID,
			Protocol:    s.info.Protocol,
			Payload:     json.RawMessage(frame.Body),
		})
	}
}

func (b *Broker) emitError(s *session, err error) {
	s.logger.Warn("Protocol stream error", zap.Error(err))
	b.emit(Event{
		Kind:        EventError,
		SessionID:   s.info.SessionID,
		WindowID:    s.info.WindowID,
		ExtensionID: s.info.ExtensionID,
		Protocol:    s.info.Protocol,
		Err:         err,
	})
}

func exitStatus(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return state.ExitCode(), ws.Signal().String()
	}
	return state.ExitCode(), ""
}

// Send writes one framed JSON message to a session's stdin. Document
// lifecycle notifications update the session's version table.
func (b *Broker) Send(sessionID string, payload json.RawMessage) error {
	s, err := b.lookup(sessionID)
	if err != nil {
		return err
	}
	if len(payload) > b.limits.MaxMessageBytes {
		return errs.New(errs.CodeMessageTooLarge, "message of %d bytes exceeds %d", len(payload), b.limits.MaxMessageBytes)
	}
	if !sonic.Valid(payload) {
		return errs.New(errs.CodeInvalidParams, "payload is not valid JSON")
	}
	if err := s.write(payload); err != nil {
		return err
	}
	s.trackDocument(payload)
	return nil
}

// Get returns a snapshot of a session.
func (b *Broker) Get(sessionID string) (types.Session, error) {
	s, err := b.lookup(sessionID)
	if err != nil {
		return types.Session{}, err
	}
	return s.snapshot(), nil
}

// Owned returns a session only when it belongs to the given window and
// extension.
func (b *Broker) Owned(windowID, extensionID, sessionID string) (types.Session, error) {
	info, err := b.Get(sessionID)
	if err != nil {
		return types.Session{}, err
	}
	if info.WindowID != windowID || info.ExtensionID != extensionID {
		return types.Session{}, errs.New(errs.CodeSessionNotFound, "session %s not found", sessionID)
	}
	return info, nil
}

// List returns the sessions of a window, or all sessions when windowID is
// empty, oldest first.
func (b *Broker) List(windowID string) []types.Session {
	b.mu.Lock()
	out := make([]types.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		if windowID == "" || s.info.WindowID == windowID {
			out = append(out, s.snapshot())
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Count returns the number of live sessions.
func (b *Broker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Stop ends a session gracefully: stdin is closed and the child is killed
// if it has not exited after the grace period. It returns once the exit
// event has been emitted.
func (b *Broker) Stop(sessionID string) error {
	s, err := b.lookup(sessionID)
	if err != nil {
		return err
	}
	b.stop(s)
	return nil
}

func (b *Broker) stop(s *session) {
	if !s.requestStop() {
		<-s.done
		return
	}
	_ = s.stdin.Close()

	timer := time.NewTimer(b.limits.StopGrace)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Debug("Grace period elapsed, killing")
		s.kill()
		<-s.done
	}
}

// StopWindow stops every session of a window and returns how many were
// stopped.
func (b *Broker) StopWindow(windowID string) int {
	return b.stopMatching(func(info types.Session) bool { return info.WindowID == windowID })
}

// StopExtension stops an extension's sessions in one window, or in all
// windows when windowID is empty.
func (b *Broker) StopExtension(windowID, extensionID string) int {
	return b.stopMatching(func(info types.Session) bool {
		return info.ExtensionID == extensionID && (windowID == "" || info.WindowID == windowID)
	})
}

func (b *Broker) stopMatching(match func(types.Session) bool) int {
	b.mu.Lock()
	var targets []*session
	for _, s := range b.sessions {
		if match(s.info) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range targets {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			b.stop(s)
		}(s)
	}
	wg.Wait()
	return len(targets)
}

// Close stops all sessions and refuses new spawns.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.stopMatching(func(types.Session) bool { return true })
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("closing protocol sessions: %w", ctx.Err())
	}
}

func (b *Broker) lookup(sessionID string) (*session, error) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.CodeSessionNotFound, "session %s not found", sessionID)
	}
	return s, nil
}
