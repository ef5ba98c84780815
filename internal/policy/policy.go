package policy

import (
	"sort"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
)

// Decision explains why a capability was granted.
type Decision string

const (
	DecisionAllowed  Decision = "allowed"
	DecisionOverride Decision = "override"
	DecisionDenied   Decision = "denied"
)

// HostAPI is the capability name under which the host API is required.
const HostAPI = "vscode"

var defaultAllowed = []string{
	HostAPI,
	"path",
	"events",
	"util",
	"assert",
	"url",
	"querystring",
	"string_decoder",
}

var defaultBlocked = []string{
	"fs",
	"fs/promises",
	"child_process",
	"net",
	"http",
	"https",
	"http2",
	"dgram",
	"tls",
	"cluster",
	"worker_threads",
	"vm",
	"v8",
	"inspector",
	"module",
	"process",
	"repl",
	"dns",
}

// Policy is an immutable capability table. Methods never mutate the
// receiver; WithOverrides returns a copy.
type Policy struct {
	allowed   map[string]struct{}
	blocked   map[string]struct{}
	overrides map[string]map[string]struct{}
}

// New builds a policy from explicit lists.
func New(allowed, blocked []string) *Policy {
	return &Policy{
		allowed:   toSet(allowed),
		blocked:   toSet(blocked),
		overrides: map[string]map[string]struct{}{},
	}
}

// Default returns the built-in capability lists with no overrides.
func Default() *Policy {
	return New(defaultAllowed, defaultBlocked)
}

// WithOverrides returns a copy of p that additionally grants the listed
// capabilities to the named extensions.
func (p *Policy) WithOverrides(overrides map[string][]string) *Policy {
	out := &Policy{
		allowed:   p.allowed,
		blocked:   p.blocked,
		overrides: make(map[string]map[string]struct{}, len(p.overrides)+len(overrides)),
	}
	for ext, caps := range p.overrides {
		out.overrides[ext] = caps
	}
	for ext, caps := range overrides {
		merged := toSet(caps)
		for c := range p.overrides[ext] {
			merged[c] = struct{}{}
		}
		out.overrides[ext] = merged
	}
	return out
}

// Decide resolves a capability import for one extension.
func (p *Policy) Decide(extensionID, capability string) (Decision, error) {
	if _, ok := p.blocked[capability]; ok {
		return DecisionDenied, errs.New(errs.CodeModuleNotAllowed, "module %q is blocked", capability)
	}
	if _, ok := p.allowed[capability]; ok {
		return DecisionAllowed, nil
	}
	if _, ok := p.overrides[extensionID][capability]; ok {
		return DecisionOverride, nil
	}
	return DecisionDenied, errs.New(errs.CodeModuleNotAllowed, "module %q is not allowed for %s", capability, extensionID)
}

// Check is Decide without the decision.
func (p *Policy) Check(extensionID, capability string) error {
	_, err := p.Decide(extensionID, capability)
	return err
}

// IsBlocked reports whether capability is on the block list.
func (p *Policy) IsBlocked(capability string) bool {
	_, ok := p.blocked[capability]
	return ok
}

// Allowed returns the sorted allow list.
func (p *Policy) Allowed() []string {
	return sortedKeys(p.allowed)
}

// Blocked returns the sorted block list.
func (p *Policy) Blocked() []string {
	return sortedKeys(p.blocked)
}

// Overrides returns the sorted override list for one extension.
func (p *Policy) Overrides(extensionID string) []string {
	return sortedKeys(p.overrides[extensionID])
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
