// Package id provides ID generation for the extension host.
//
// IDs are prefixed ULIDs:
//   - Sortable: correlation ids issued later compare greater
//   - Prefixed: req_*, sess_*, panel_* make logs readable
//   - Typed: separate string types keep a session id from being passed
//     where a panel id is expected
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// CorrelationID pairs an RPC request with its reply.
type CorrelationID string

// SessionID identifies a protocol session (language server / debug adapter).
type SessionID string

// PanelID identifies a webview panel.
type PanelID string

// WatcherID identifies a file watcher registration.
type WatcherID string

// WindowID identifies a UI window.
type WindowID string

const (
	CorrelationPrefix = "req"
	SessionPrefix     = "sess"
	PanelPrefix       = "panel"
	WatcherPrefix     = "watch"
	WindowPrefix      = "win"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand with monotonic
// entropy inside the same millisecond.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

func NewCorrelationID() CorrelationID {
	return CorrelationID(Default().GenerateWithPrefix(CorrelationPrefix))
}

func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

func NewPanelID() PanelID {
	return PanelID(Default().GenerateWithPrefix(PanelPrefix))
}

func NewWatcherID() WatcherID {
	return WatcherID(Default().GenerateWithPrefix(WatcherPrefix))
}

func NewWindowID() WindowID {
	return WindowID(Default().GenerateWithPrefix(WindowPrefix))
}

func (id CorrelationID) String() string { return string(id) }
func (id SessionID) String() string     { return string(id) }
func (id PanelID) String() string       { return string(id) }
func (id WatcherID) String() string     { return string(id) }
func (id WindowID) String() string      { return string(id) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// HasPrefix reports whether s is a well-formed prefixed id.
func HasPrefix(s, prefix string) bool {
	rest, ok := strings.CutPrefix(s, prefix+"_")
	return ok && IsValid(rest)
}

// Timestamp extracts the timestamp from a ULID
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

// MachineSession returns a random identifier for one host process
// lifetime. Exposed to extensions as env.sessionId.
func MachineSession() string {
	return uuid.NewString()
}
