package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/ipc"
	"github.com/GriffinCanCode/exthost/internal/policy"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

// Options configures a Runtime.
type Options struct {
	Policy            *policy.Policy
	Logger            *logging.Logger
	ActivateTimeout   time.Duration
	DeactivateTimeout time.Duration
	// RequestTimeout bounds RPCs to the supervisor and commands.invoke.
	RequestTimeout  time.Duration
	MaxMessageBytes int
	AppName         string
}

func (o *Options) applyDefaults() {
	if o.Policy == nil {
		o.Policy = policy.Default()
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	if o.ActivateTimeout <= 0 {
		o.ActivateTimeout = 30 * time.Second
	}
	if o.DeactivateTimeout <= 0 {
		o.DeactivateTimeout = 2 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = ipc.DefaultTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = ipc.DefaultMaxMessageBytes
	}
	if o.AppName == "" {
		o.AppName = "exthost"
	}
}

// Runtime hosts extension contexts and serves the supervisor over one IPC
// channel. It is the process-side counterpart of supervisor.Supervisor.
type Runtime struct {
	opts      Options
	logger    *logging.Logger
	policy    *policy.Policy
	peer      *ipc.Peer
	group     singleflight.Group
	sessionID string

	mu         sync.Mutex
	extensions map[string]types.Extension
	contexts   map[ctxKey]*extContext
	windows    map[string]*windowState
	routes     map[string]*sessionRoute
	// contains caches workspaceContains probes per window, extension and
	// pattern.
	contains map[string]bool

	quit     chan struct{}
	quitOnce sync.Once
}

// New creates a runtime. Serve attaches it to a channel.
func New(opts Options) *Runtime {
	opts.applyDefaults()
	return &Runtime{
		opts:       opts,
		logger:     opts.Logger.Named("sandbox"),
		policy:     opts.Policy,
		sessionID:  uuid.NewString(),
		extensions: make(map[string]types.Extension),
		contexts:   make(map[ctxKey]*extContext),
		windows:    make(map[string]*windowState),
		routes:     make(map[string]*sessionRoute),
		contains:   make(map[string]bool),
		quit:       make(chan struct{}),
	}
}

// Serve speaks the runtime protocol on in/out until the supervisor asks
// for shutdown, the stream ends, or ctx is done. Every context is
// deactivated before Serve returns.
func (r *Runtime) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	r.peer = ipc.NewPeer(in, out, ipc.Config{
		Name:            "supervisor",
		Logger:          r.opts.Logger,
		Handler:         r.mux(),
		OnMessage:       r.onMessage,
		Timeout:         r.opts.RequestTimeout,
		MaxMessageBytes: r.opts.MaxMessageBytes,
	})
	r.logger.Info("Runtime serving", zap.String("session", r.sessionID))

	served := make(chan error, 1)
	go func() { served <- r.peer.Serve(ctx) }()

	select {
	case err := <-served:
		// The supervisor is gone; nothing can be delivered any more.
		r.peer.Close(err)
		r.deactivateAll()
		if errors.Is(err, io.EOF) {
			r.logger.Info("Supervisor closed the channel")
			return nil
		}
		return err
	case <-r.quit:
		r.peer.Wait()
		r.peer.Close(nil)
		r.logger.Info("Runtime shut down")
		return nil
	case <-ctx.Done():
		r.deactivateAll()
		r.peer.Close(ctx.Err())
		return ctx.Err()
	}
}

// emit sends an event to the supervisor. Delivery failures are logged.
func (r *Runtime) emit(event string, params interface{}) {
	if r.peer == nil {
		return
	}
	if err := r.peer.Emit(event, params); err != nil {
		r.logger.Debug("Event not delivered", zap.String("event", event), zap.Error(err))
	}
}

func (r *Runtime) request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return r.peer.Request(ctx, method, params, r.opts.RequestTimeout)
}

func (r *Runtime) call(ctx context.Context, method string, params, out interface{}) error {
	return r.peer.Call(ctx, method, params, out)
}

func (r *Runtime) windowRoots(windowID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[windowID]
	if !ok {
		return nil
	}
	return append([]string(nil), w.roots...)
}

func (r *Runtime) lookup(key ctxKey) *extContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contexts[key]
}

// activated returns the window's contexts that finished activating.
func (r *Runtime) activated(windowID string) []*extContext {
	r.mu.Lock()
	var out []*extContext
	for key, c := range r.contexts {
		if key.window == windowID {
			out = append(out, c)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, c := range out {
		if c.State() == types.StateActivated {
			out[n] = c
			n++
		}
	}
	out = out[:n]
	sort.Slice(out, func(i, j int) bool { return out[i].key.extension < out[j].key.extension })
	return out
}

func (r *Runtime) enabledExtensions() []types.Extension {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Extension, 0, len(r.extensions))
	for _, ext := range r.extensions {
		if ext.Enabled {
			out = append(out, ext)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Session routes let the editor relay documents to protocol sessions.

type sessionRoute struct {
	key       ctxKey
	id        string
	protocol  types.Protocol
	languages []string
	versions  map[string]int // guarded by Runtime.mu
}

func (s *sessionRoute) serves(languageID string) bool {
	return s.protocol == types.ProtocolLSP && contains(s.languages, languageID)
}

func (r *Runtime) addSessionRoute(s *sessionRoute) {
	r.mu.Lock()
	r.routes[s.id] = s
	r.mu.Unlock()
}

func (r *Runtime) dropSessionRoute(sessionID string) {
	r.mu.Lock()
	delete(r.routes, sessionID)
	r.mu.Unlock()
}

func (r *Runtime) dropSessionRoutes(key ctxKey) {
	r.mu.Lock()
	for sid, s := range r.routes {
		if s.key == key {
			delete(r.routes, sid)
		}
	}
	r.mu.Unlock()
}

// teardown removes contexts matching match from the map and shuts them down
// in parallel.
func (r *Runtime) teardown(match func(ctxKey) bool) int {
	r.mu.Lock()
	var victims []*extContext
	for key, c := range r.contexts {
		if match(key) {
			victims = append(victims, c)
			delete(r.contexts, key)
		}
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, c := range victims {
		c := c
		g.Go(func() error {
			c.shutdown(c.State() == types.StateActivated)
			c.logger.Info("Extension context disposed")
			return nil
		})
	}
	_ = g.Wait()
	return len(victims)
}

// deactivateAll shuts down every context and stops window workers.
func (r *Runtime) deactivateAll() {
	n := r.teardown(func(ctxKey) bool { return true })

	r.mu.Lock()
	windows := r.windows
	r.windows = make(map[string]*windowState)
	r.routes = make(map[string]*sessionRoute)
	r.mu.Unlock()
	for _, w := range windows {
		w.worker.Stop()
	}
	if n > 0 {
		r.logger.Info("Deactivated all extension contexts", zap.Int("count", n))
	}
}

func (r *Runtime) stop() {
	r.quitOnce.Do(func() { close(r.quit) })
}
