package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

// Store holds the three settings layers. Safe for concurrent use.
type Store struct {
	logger *logging.Logger

	mu       sync.RWMutex
	path     string
	file     map[string]interface{}
	defaults map[string]interface{}
	windows  map[string]map[string]interface{}
}

// NewStore creates an empty store.
func NewStore(logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{
		logger:   logger.Named("settings"),
		file:     make(map[string]interface{}),
		defaults: make(map[string]interface{}),
		windows:  make(map[string]map[string]interface{}),
	}
}

// Load reads the settings file at path. A missing file leaves the file
// layer empty.
func (s *Store) Load(path string) error {
	values, err := ReadFile(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.path = path
	s.file = values
	s.mu.Unlock()

	s.logger.Info("Settings loaded", zap.String("path", path), zap.Int("keys", len(values)))
	return nil
}

// Reload re-reads the file given to the last Load.
func (s *Store) Reload() error {
	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()
	if path == "" {
		return nil
	}
	return s.Load(path)
}

// ReadFile parses a settings file by extension and flattens it.
func ReadFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var parsed map[string]interface{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &parsed)
	case ".toml":
		err = toml.Unmarshal(data, &parsed)
	case ".json", ".jsonc":
		err = sonic.Unmarshal(jsonc.ToJSON(data), &parsed)
	default:
		return nil, fmt.Errorf("unsupported settings format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return Flatten(parsed), nil
}

// SetDefaults rebuilds the manifest layer from the given extensions.
// Later extensions do not override keys an earlier one declared.
func (s *Store) SetDefaults(extensions []types.Extension) {
	defaults := make(map[string]interface{})
	for i := range extensions {
		for k, v := range extensions[i].ConfigurationDefaults() {
			if _, taken := defaults[k]; !taken {
				defaults[k] = v
			}
		}
	}
	s.mu.Lock()
	s.defaults = defaults
	s.mu.Unlock()
}

// SetWindowOverrides replaces the override layer of a window.
func (s *Store) SetWindowOverrides(windowID string, values map[string]interface{}) {
	flat := Flatten(values)
	s.mu.Lock()
	s.windows[windowID] = flat
	s.mu.Unlock()
}

// RemoveWindow drops a window's overrides.
func (s *Store) RemoveWindow(windowID string) {
	s.mu.Lock()
	delete(s.windows, windowID)
	s.mu.Unlock()
}

// Get returns the merged values under section with the section prefix
// stripped. An empty section returns everything.
func (s *Store) Get(windowID, section string) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]interface{})
	for _, layer := range []map[string]interface{}{s.defaults, s.file, s.windows[windowID]} {
		for k, v := range layer {
			if rel, ok := underSection(k, section); ok {
				out[rel] = v
			}
		}
	}
	return out
}

// Value returns a single merged value.
func (s *Store) Value(windowID, key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.windows[windowID][key]; ok {
		return v, true
	}
	if v, ok := s.file[key]; ok {
		return v, true
	}
	v, ok := s.defaults[key]
	return v, ok
}

// Keys lists every known key in sorted order.
func (s *Store) Keys(windowID string) []string {
	merged := s.Get(windowID, "")
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func underSection(key, section string) (string, bool) {
	if section == "" {
		return key, true
	}
	if key == section {
		return "", false
	}
	if strings.HasPrefix(key, section+".") {
		return key[len(section)+1:], true
	}
	return "", false
}

// Flatten turns nested maps into dotted keys. Arrays and scalars are kept
// as values.
func Flatten(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	flattenInto(out, "", in)
	return out
}

func flattenInto(out map[string]interface{}, prefix string, v interface{}) {
	switch m := v.(type) {
	case map[string]interface{}:
		if len(m) == 0 && prefix != "" {
			out[prefix] = m
			return
		}
		for k, child := range m {
			flattenInto(out, join(prefix, k), child)
		}
	case map[interface{}]interface{}:
		for k, child := range m {
			flattenInto(out, join(prefix, fmt.Sprint(k)), child)
		}
	default:
		if prefix != "" {
			out[prefix] = v
		}
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
