package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/paths"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
	"github.com/GriffinCanCode/exthost/internal/shared/utils"
)

type bag map[string]json.RawMessage

// Store holds the global and workspace state bags of every extension.
type Store struct {
	dir    string
	logger *logging.Logger

	mu   sync.Mutex
	bags map[string]bag
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{
		dir:    dir,
		logger: logger.Named("storage"),
		bags:   make(map[string]bag),
	}
}

// bagPath maps a (scope, window, extension) triple to its file.
func (s *Store) bagPath(scope, windowID, extensionID string) (string, error) {
	if err := paths.ValidateExtensionID(extensionID); err != nil {
		return "", errs.Wrap(errs.CodeInvalidParams, err, "invalid extension id")
	}
	switch scope {
	case types.ScopeGlobal:
		return filepath.Join(s.dir, "global", extensionID+".json"), nil
	case types.ScopeWorkspace:
		if err := paths.ValidateExtensionID(windowID); err != nil {
			return "", errs.Wrap(errs.CodeInvalidParams, err, "workspace state needs a window")
		}
		return filepath.Join(s.dir, "workspace", windowID, extensionID+".json"), nil
	default:
		return "", errs.New(errs.CodeInvalidParams, "unknown storage scope %q", scope)
	}
}

// load must be called with s.mu held.
func (s *Store) load(path string) (bag, error) {
	if b, ok := s.bags[path]; ok {
		return b, nil
	}
	b := make(bag)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, errs.Wrap(errs.CodeInternal, err, "failed to read state")
	default:
		if err := sonic.Unmarshal(data, &b); err != nil {
			// A corrupt bag is replaced rather than wedging the extension.
			s.logger.Warn("Discarding unreadable state bag", zap.String("path", path), zap.Error(err))
			b = make(bag)
		}
	}
	s.bags[path] = b
	return b, nil
}

// Get returns the value stored under key.
func (s *Store) Get(scope, windowID, extensionID, key string) (json.RawMessage, bool, error) {
	path, err := s.bagPath(scope, windowID, extensionID)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.load(path)
	if err != nil {
		return nil, false, err
	}
	v, ok := b[key]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), v...), true, nil
}

// Set stores value under key and persists the bag. A nil or JSON null
// value deletes the key.
func (s *Store) Set(scope, windowID, extensionID, key string, value json.RawMessage) error {
	if key == "" {
		return errs.New(errs.CodeInvalidParams, "key is required")
	}
	remove := len(value) == 0 || strings.TrimSpace(string(value)) == "null"
	if !remove && !sonic.Valid(value) {
		return errs.New(errs.CodeInvalidParams, "value is not valid JSON")
	}
	path, err := s.bagPath(scope, windowID, extensionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.load(path)
	if err != nil {
		return err
	}
	next := make(bag, len(b)+1)
	for k, v := range b {
		next[k] = v
	}
	if remove {
		delete(next, key)
	} else {
		next[key] = append(json.RawMessage(nil), value...)
	}

	data, err := sonic.ConfigStd.Marshal(next)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, err, "failed to encode state")
	}
	if err := utils.WriteFileAtomic(path, data, 0o600); err != nil {
		return errs.Wrap(errs.CodeInternal, err, "failed to persist state")
	}
	s.bags[path] = next
	return nil
}

// Keys lists the keys of a bag in sorted order.
func (s *Store) Keys(scope, windowID, extensionID string) ([]string, error) {
	path, err := s.bagPath(scope, windowID, extensionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.load(path)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Forget drops every bag of an extension from the cache and disk. Used on
// uninstall.
func (s *Store) Forget(extensionID string) error {
	if err := paths.ValidateExtensionID(extensionID); err != nil {
		return errs.Wrap(errs.CodeInvalidParams, err, "invalid extension id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	name := extensionID + ".json"
	for path := range s.bags {
		if filepath.Base(path) == name {
			delete(s.bags, path)
		}
	}

	var failed []string
	remove := func(p string) {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			failed = append(failed, p)
		}
	}
	remove(filepath.Join(s.dir, "global", name))
	windows, _ := os.ReadDir(filepath.Join(s.dir, "workspace"))
	for _, w := range windows {
		if w.IsDir() {
			remove(filepath.Join(s.dir, "workspace", w.Name(), name))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to remove state files: %s", strings.Join(failed, ", "))
	}
	return nil
}
