package types

import (
	"sort"
	"time"
)

// Extension is the installed-extension record. Identity is ID
// (publisher.name).
type Extension struct {
	ID               string                 `json:"id"`
	Publisher        string                 `json:"publisher"`
	Name             string                 `json:"name"`
	Version          string                 `json:"version"`
	DisplayName      string                 `json:"displayName,omitempty"`
	Main             string                 `json:"main,omitempty"`
	InstallPath      string                 `json:"installPath"`
	ActivationEvents []string               `json:"activationEvents,omitempty"`
	Contributes      map[string]interface{} `json:"contributes,omitempty"`
	Enabled          bool                   `json:"enabled"`
	InstalledAt      time.Time              `json:"installedAt,omitempty"`
	ManifestHash     string                 `json:"manifestHash,omitempty"`
}

// HasActivationEvent reports whether the extension declares ev exactly.
func (e *Extension) HasActivationEvent(ev string) bool {
	for _, a := range e.ActivationEvents {
		if a == ev {
			return true
		}
	}
	return false
}

// ActivationEventsWithPrefix returns the suffixes of declared events that
// start with prefix, e.g. "onLanguage:" yields the language ids.
func (e *Extension) ActivationEventsWithPrefix(prefix string) []string {
	var out []string
	for _, a := range e.ActivationEvents {
		if len(a) > len(prefix) && a[:len(prefix)] == prefix {
			out = append(out, a[len(prefix):])
		}
	}
	return out
}

// DeclaredCommands lists contributes.commands[].command.
func (e *Extension) DeclaredCommands() []string {
	raw, ok := e.Contributes["commands"].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			if cmd, ok := m["command"].(string); ok && cmd != "" {
				out = append(out, cmd)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ConfigurationDefaults flattens contributes.configuration properties into
// key → default value. Both the single-object and the array form of
// "configuration" are accepted.
func (e *Extension) ConfigurationDefaults() map[string]interface{} {
	out := make(map[string]interface{})
	var blocks []interface{}
	switch c := e.Contributes["configuration"].(type) {
	case map[string]interface{}:
		blocks = []interface{}{c}
	case []interface{}:
		blocks = c
	}
	for _, b := range blocks {
		block, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		props, ok := block["properties"].(map[string]interface{})
		if !ok {
			continue
		}
		for key, p := range props {
			prop, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			if def, ok := prop["default"]; ok {
				out[key] = def
			}
		}
	}
	return out
}

// Clone returns a copy safe to hand to another goroutine.
func (e *Extension) Clone() *Extension {
	c := *e
	c.ActivationEvents = append([]string(nil), e.ActivationEvents...)
	return &c
}
