package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/paths"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

// Limits bounds broker work per call.
type Limits struct {
	MaxReadBytes   int64
	MaxWriteBytes  int64
	MaxDirEntries  int
	MaxFindResults int
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxReadBytes:   8 * 1024 * 1024,
		MaxWriteBytes:  8 * 1024 * 1024,
		MaxDirEntries:  5000,
		MaxFindResults: 2000,
	}
}

// Broker performs file operations on behalf of extension contexts.
type Broker struct {
	limits  Limits
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu    sync.RWMutex
	roots map[string][]string

	watchers *Watchers
}

// NewBroker creates a broker. logger and metrics may be nil.
func NewBroker(limits Limits, logger *logging.Logger, metrics *monitoring.Metrics) *Broker {
	def := DefaultLimits()
	if limits.MaxReadBytes <= 0 {
		limits.MaxReadBytes = def.MaxReadBytes
	}
	if limits.MaxWriteBytes <= 0 {
		limits.MaxWriteBytes = def.MaxWriteBytes
	}
	if limits.MaxDirEntries <= 0 {
		limits.MaxDirEntries = def.MaxDirEntries
	}
	if limits.MaxFindResults <= 0 {
		limits.MaxFindResults = def.MaxFindResults
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Broker{
		limits:   limits,
		logger:   logger.Named("workspace"),
		metrics:  metrics,
		roots:    make(map[string][]string),
		watchers: NewWatchers(),
	}
}

// Limits returns the effective limits.
func (b *Broker) Limits() Limits {
	return b.limits
}

// Watchers returns the watcher table.
func (b *Broker) Watchers() *Watchers {
	return b.watchers
}

// SetRoots replaces the approved roots of a window. Roots are stored in
// canonical form.
func (b *Broker) SetRoots(windowID string, roots []string) error {
	canon, err := paths.CanonicalRoots(roots)
	if err != nil {
		return errs.Wrap(errs.CodeInvalidParams, err, "invalid workspace root")
	}
	b.mu.Lock()
	b.roots[windowID] = canon
	b.mu.Unlock()
	return nil
}

// Roots returns the canonical roots of a window.
func (b *Broker) Roots(windowID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.roots[windowID]...)
}

// RemoveWindow forgets a window's roots and watchers.
func (b *Broker) RemoveWindow(windowID string) int {
	b.mu.Lock()
	delete(b.roots, windowID)
	b.mu.Unlock()
	return b.watchers.PurgeWindow(windowID)
}

// Resolve canonicalizes p for windowID and checks it against the window's
// roots.
func (b *Broker) Resolve(windowID, p string) (string, error) {
	_, resolved, err := b.resolve(windowID, p)
	return resolved, err
}

func (b *Broker) resolve(windowID, p string) (root, resolved string, err error) {
	roots := b.Roots(windowID)
	if len(roots) == 0 {
		return "", "", errs.New(errs.CodePathNotApproved, "window %s has no workspace roots", windowID)
	}
	if p == "" {
		return "", "", errs.New(errs.CodeInvalidParams, "path cannot be empty")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(roots[0], p)
	}
	resolved, err = paths.Canonical(p)
	if err != nil {
		return "", "", errs.Wrap(errs.CodePathNotApproved, err, "cannot resolve %s", p)
	}
	root, ok := paths.WithinAny(roots, resolved)
	if !ok {
		b.logger.Debug("Path outside workspace roots", zap.String("window", windowID), zap.String("path", resolved))
		return "", "", errs.New(errs.CodePathNotApproved, "%s is outside the workspace", p)
	}
	return root, resolved, nil
}

// ReadFile reads a whole file, refusing files over MaxReadBytes.
func (b *Broker) ReadFile(windowID, p string) (data []byte, err error) {
	timer := monitoring.NewTimer(b.metrics, "workspace.readFile")
	defer func() { timer.Stop(err) }()

	_, resolved, err := b.resolve(windowID, p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, mapFSError(err, p)
	}
	if info.IsDir() {
		return nil, errs.New(errs.CodeInvalidParams, "%s is a directory", p)
	}
	if info.Size() > b.limits.MaxReadBytes {
		return nil, errs.New(errs.CodeFileTooLarge, "%s is %d bytes, limit is %d", p, info.Size(), b.limits.MaxReadBytes)
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, mapFSError(err, p)
	}
	defer f.Close()

	// The file may grow between stat and read.
	data, err = io.ReadAll(io.LimitReader(f, b.limits.MaxReadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	if int64(len(data)) > b.limits.MaxReadBytes {
		return nil, errs.New(errs.CodeFileTooLarge, "%s exceeds %d bytes", p, b.limits.MaxReadBytes)
	}
	return data, nil
}

// WriteFile writes data, creating parent directories inside the root.
func (b *Broker) WriteFile(windowID, p string, data []byte) (err error) {
	timer := monitoring.NewTimer(b.metrics, "workspace.writeFile")
	defer func() { timer.Stop(err) }()

	if int64(len(data)) > b.limits.MaxWriteBytes {
		return errs.New(errs.CodeFileTooLarge, "payload of %d bytes exceeds limit of %d", len(data), b.limits.MaxWriteBytes)
	}
	_, resolved, err := b.resolve(windowID, p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return mapFSError(err, p)
	}
	if err := os.WriteFile(resolved, data, 0o644); err != nil {
		return mapFSError(err, p)
	}
	return nil
}

// Stat describes a file or directory.
func (b *Broker) Stat(windowID, p string) (stat types.FileStat, err error) {
	timer := monitoring.NewTimer(b.metrics, "workspace.stat")
	defer func() { timer.Stop(err) }()

	_, resolved, err := b.resolve(windowID, p)
	if err != nil {
		return types.FileStat{}, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return types.FileStat{}, mapFSError(err, p)
	}

	stat = types.FileStat{
		Path:    resolved,
		Name:    info.Name(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}
	if !info.IsDir() {
		if mtype, err := mimetype.DetectFile(resolved); err == nil {
			stat.MIME = mtype.String()
		}
	}
	return stat, nil
}

// ReadDirectory lists a directory, stopping at MaxDirEntries.
func (b *Broker) ReadDirectory(windowID, p string) (result types.ReadDirectoryResult, err error) {
	timer := monitoring.NewTimer(b.metrics, "workspace.readDirectory")
	defer func() { timer.Stop(err) }()

	_, resolved, err := b.resolve(windowID, p)
	if err != nil {
		return result, err
	}
	f, err := os.Open(resolved)
	if err != nil {
		return result, mapFSError(err, p)
	}
	defer f.Close()

	entries, err := f.ReadDir(b.limits.MaxDirEntries + 1)
	if err != nil && !errors.Is(err, io.EOF) {
		return result, mapFSError(err, p)
	}
	if len(entries) > b.limits.MaxDirEntries {
		entries = entries[:b.limits.MaxDirEntries]
		result.Truncated = true
	}

	result.Entries = make([]types.DirEntry, 0, len(entries))
	for _, e := range entries {
		result.Entries = append(result.Entries, types.DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	sort.Slice(result.Entries, func(i, j int) bool { return result.Entries[i].Name < result.Entries[j].Name })
	return result, nil
}

// Rename moves from to to. Both must be inside the window's roots.
func (b *Broker) Rename(windowID, from, to string, overwrite bool) (err error) {
	timer := monitoring.NewTimer(b.metrics, "workspace.rename")
	defer func() { timer.Stop(err) }()

	srcRoot, src, err := b.resolve(windowID, from)
	if err != nil {
		return err
	}
	_, dst, err := b.resolve(windowID, to)
	if err != nil {
		return err
	}
	if src == srcRoot || b.isRoot(windowID, dst) {
		return errs.New(errs.CodePathNotApproved, "workspace roots cannot be renamed")
	}
	if _, err := os.Lstat(src); err != nil {
		return mapFSError(err, from)
	}
	if !overwrite {
		if _, err := os.Lstat(dst); err == nil {
			return errs.New(errs.CodeInvalidParams, "%s already exists", to)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return mapFSError(err, to)
	}
	if err := os.Rename(src, dst); err != nil {
		return mapFSError(err, from)
	}
	return nil
}

// Delete removes a file, or a directory tree when recursive is set.
func (b *Broker) Delete(windowID, p string, recursive bool) (err error) {
	timer := monitoring.NewTimer(b.metrics, "workspace.delete")
	defer func() { timer.Stop(err) }()

	root, resolved, err := b.resolve(windowID, p)
	if err != nil {
		return err
	}
	if resolved == root {
		return errs.New(errs.CodePathNotApproved, "workspace roots cannot be deleted")
	}
	if _, err := os.Lstat(resolved); err != nil {
		return mapFSError(err, p)
	}
	if recursive {
		err = os.RemoveAll(resolved)
	} else {
		err = os.Remove(resolved)
	}
	if err != nil {
		return mapFSError(err, p)
	}
	return nil
}

var errLimitReached = errors.New("limit reached")

// FindFiles enumerates files under every root matching include (a glob
// relative to the root) and not matching exclude. Results are absolute,
// sorted, and capped at min(maxResults, MaxFindResults).
func (b *Broker) FindFiles(ctx context.Context, windowID, include, exclude string, maxResults int) (result types.FindFilesResult, err error) {
	timer := monitoring.NewTimer(b.metrics, "workspace.findFiles")
	defer func() { timer.Stop(err) }()

	if !doublestar.ValidatePattern(include) {
		return result, errs.New(errs.CodeInvalidParams, "invalid include pattern %q", include)
	}
	if exclude != "" && !doublestar.ValidatePattern(exclude) {
		return result, errs.New(errs.CodeInvalidParams, "invalid exclude pattern %q", exclude)
	}
	limit := b.limits.MaxFindResults
	if maxResults > 0 && maxResults < limit {
		limit = maxResults
	}

	roots := b.Roots(windowID)
	if len(roots) == 0 {
		return result, errs.New(errs.CodePathNotApproved, "window %s has no workspace roots", windowID)
	}

	var mu sync.Mutex
	files := make([]string, 0, 16)
	truncated := false

	for _, root := range roots {
		conf := fastwalk.Config{Follow: false}
		err := fastwalk.Walk(&conf, root, func(p string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			rel, relErr := filepath.Rel(root, p)
			if relErr != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)
			if ok, _ := doublestar.Match(include, rel); !ok {
				return nil
			}
			if exclude != "" {
				if ok, _ := doublestar.Match(exclude, rel); ok {
					return nil
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if len(files) >= limit {
				truncated = true
				return errLimitReached
			}
			files = append(files, p)
			return nil
		})
		if errors.Is(err, errLimitReached) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("failed to search %s: %w", root, err)
		}
	}

	sort.Strings(files)
	result.Files = files
	result.Truncated = truncated
	return result, nil
}

// Contains reports whether any file in the window matches pattern. It
// backs workspaceContains activation events.
func (b *Broker) Contains(ctx context.Context, windowID, pattern string) (bool, error) {
	res, err := b.FindFiles(ctx, windowID, pattern, "", 1)
	if err != nil {
		return false, err
	}
	return len(res.Files) > 0, nil
}

func (b *Broker) isRoot(windowID, p string) bool {
	for _, root := range b.Roots(windowID) {
		if root == p {
			return true
		}
	}
	return false
}

func mapFSError(err error, p string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errs.Wrap(errs.CodeNotFound, err, "%s not found", p)
	case errors.Is(err, fs.ErrExist):
		return errs.Wrap(errs.CodeInvalidParams, err, "%s already exists", p)
	default:
		return errs.Wrap(errs.CodeInternal, err, "file operation on %s failed", p)
	}
}
