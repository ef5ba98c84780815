package extindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
	"github.com/GriffinCanCode/exthost/internal/shared/utils"
)

const indexVersion = 1

type indexFile struct {
	Version    int               `json:"version"`
	Extensions []json.RawMessage `json:"extensions"`
}

// Index is the persisted set of installed extensions. Safe for concurrent
// use.
type Index struct {
	path   string
	logger *logging.Logger

	mu       sync.RWMutex
	records  map[string]types.Extension
	onChange func()
}

// New creates an index backed by path. Call Load to read it.
func New(path string, logger *logging.Logger) *Index {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Index{
		path:    path,
		logger:  logger.Named("extindex"),
		records: make(map[string]types.Extension),
	}
}

// Path returns the index file.
func (x *Index) Path() string {
	return x.path
}

// OnChange installs a callback run after every successful mutation.
func (x *Index) OnChange(fn func()) {
	x.mu.Lock()
	x.onChange = fn
	x.mu.Unlock()
}

func (x *Index) changed() {
	x.mu.RLock()
	fn := x.onChange
	x.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Load reads the index file. Entries that fail to decode or validate are
// skipped. An unreadable file is moved aside and the index starts empty.
func (x *Index) Load() error {
	data, err := os.ReadFile(x.path)
	if errors.Is(err, fs.ErrNotExist) {
		x.mu.Lock()
		x.records = make(map[string]types.Extension)
		x.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	records := make(map[string]types.Extension)
	var file indexFile
	if err := sonic.Unmarshal(data, &file); err != nil {
		backup := x.path + ".corrupt"
		x.logger.Error("Index unreadable, starting empty",
			zap.String("path", x.path), zap.String("backup", backup), zap.Error(err))
		if rerr := os.Rename(x.path, backup); rerr != nil {
			return fmt.Errorf("failed to move corrupt index aside: %w", rerr)
		}
		file = indexFile{}
	}

	for i, raw := range file.Extensions {
		var ext types.Extension
		if err := sonic.Unmarshal(raw, &ext); err != nil {
			x.logger.Warn("Skipping malformed index entry", zap.Int("entry", i), zap.Error(err))
			continue
		}
		if err := Validate(ext); err != nil {
			x.logger.Warn("Skipping invalid index entry",
				zap.Int("entry", i), zap.String("extension", ext.ID), zap.Error(err))
			continue
		}
		if _, dup := records[ext.ID]; dup {
			x.logger.Warn("Skipping duplicate index entry", zap.String("extension", ext.ID))
			continue
		}
		records[ext.ID] = ext
	}

	x.mu.Lock()
	x.records = records
	x.mu.Unlock()

	x.logger.Info("Extension index loaded", zap.Int("extensions", len(records)))
	return nil
}

// save writes the records. Must be called with x.mu held.
func (x *Index) save(records map[string]types.Extension) error {
	list := sortedRecords(records)
	file := indexFile{Version: indexVersion, Extensions: make([]json.RawMessage, 0, len(list))}
	for _, ext := range list {
		if err := Validate(ext); err != nil {
			return fmt.Errorf("refusing to save %s: %w", describe(ext), err)
		}
		raw, err := sonic.Marshal(ext)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", ext.ID, err)
		}
		file.Extensions = append(file.Extensions, raw)
	}
	data, err := sonic.ConfigStd.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	return utils.WriteFileAtomic(x.path, data, 0o644)
}

// Save persists the current records.
func (x *Index) Save() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.save(x.records)
}

// mutate applies fn to a copy of the records and commits it only if the
// result was saved.
func (x *Index) mutate(fn func(records map[string]types.Extension) error) error {
	x.mu.Lock()
	next := make(map[string]types.Extension, len(x.records)+1)
	for k, v := range x.records {
		next[k] = v
	}
	if err := fn(next); err != nil {
		x.mu.Unlock()
		return err
	}
	if err := x.save(next); err != nil {
		x.mu.Unlock()
		return errs.Wrap(errs.CodeInternal, err, "failed to save index")
	}
	x.records = next
	x.mu.Unlock()

	x.changed()
	return nil
}

// Install records the extension unpacked in dir. Reinstalling an id
// updates the record and keeps its enabled state.
func (x *Index) Install(dir string) (types.Extension, error) {
	ext, err := ReadManifest(dir)
	if err != nil {
		return types.Extension{}, err
	}
	ext.Enabled = true
	ext.InstalledAt = time.Now().UTC()

	err = x.mutate(func(records map[string]types.Extension) error {
		if prev, ok := records[ext.ID]; ok {
			ext.Enabled = prev.Enabled
		}
		records[ext.ID] = ext
		return nil
	})
	if err != nil {
		return types.Extension{}, err
	}
	x.logger.Info("Extension installed",
		zap.String("extension", describe(ext)),
		zap.String("path", ext.InstallPath),
		zap.String("manifest", utils.ShortHash(ext.ManifestHash)))
	return ext, nil
}

// Uninstall removes a record and returns it. The directory is left alone.
func (x *Index) Uninstall(extensionID string) (types.Extension, error) {
	var removed types.Extension
	err := x.mutate(func(records map[string]types.Extension) error {
		ext, ok := records[extensionID]
		if !ok {
			return errs.New(errs.CodeNotFound, "extension %s is not installed", extensionID)
		}
		removed = ext
		delete(records, extensionID)
		return nil
	})
	if err != nil {
		return types.Extension{}, err
	}
	x.logger.Info("Extension uninstalled", zap.String("extension", describe(removed)))
	return removed, nil
}

// SetEnabled enables or disables an extension.
func (x *Index) SetEnabled(extensionID string, enabled bool) (types.Extension, error) {
	var updated types.Extension
	err := x.mutate(func(records map[string]types.Extension) error {
		ext, ok := records[extensionID]
		if !ok {
			return errs.New(errs.CodeNotFound, "extension %s is not installed", extensionID)
		}
		ext.Enabled = enabled
		records[extensionID] = ext
		updated = ext
		return nil
	})
	return updated, err
}

// Scan installs every directory under dir whose manifest is new or has
// changed since it was recorded. Directories that fail to install are
// logged and skipped.
func (x *Index) Scan(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	installed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		extDir := filepath.Join(dir, entry.Name())
		manifestPath := filepath.Join(extDir, ManifestFile)
		hash, err := utils.HashFile(manifestPath)
		if err != nil {
			continue
		}
		if x.known(hash) {
			continue
		}
		if _, err := x.Install(extDir); err != nil {
			x.logger.Warn("Skipping extension directory", zap.String("path", extDir), zap.Error(err))
			continue
		}
		installed++
	}
	return installed, nil
}

func (x *Index) known(manifestHash string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, ext := range x.records {
		if ext.ManifestHash == manifestHash {
			return true
		}
	}
	return false
}

// Get returns one record.
func (x *Index) Get(extensionID string) (types.Extension, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ext, ok := x.records[extensionID]
	if !ok {
		return types.Extension{}, false
	}
	return *ext.Clone(), true
}

// List returns every record ordered by id.
func (x *Index) List() []types.Extension {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return sortedRecords(x.records)
}

// Enabled returns the enabled records ordered by id.
func (x *Index) Enabled() []types.Extension {
	all := x.List()
	out := all[:0]
	for _, ext := range all {
		if ext.Enabled {
			out = append(out, ext)
		}
	}
	return out
}

func sortedRecords(records map[string]types.Extension) []types.Extension {
	out := make([]types.Extension, 0, len(records))
	for _, ext := range records {
		out = append(out, *ext.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
