package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/paths"
)

const win = "win_1"

type fixture struct {
	broker  *Broker
	root    string
	outside string
}

func setup(t *testing.T, limits Limits) fixture {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "project")
	outside := filepath.Join(dir, "outside")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("top secret"), 0o644))

	b := NewBroker(limits, nil, nil)
	require.NoError(t, b.SetRoots(win, []string{root}))

	canonRoot, err := paths.Canonical(root)
	require.NoError(t, err)
	canonOutside, err := paths.Canonical(outside)
	require.NoError(t, err)
	return fixture{broker: b, root: canonRoot, outside: canonOutside}
}

func TestResolve(t *testing.T) {
	f := setup(t, Limits{})

	got, err := f.broker.Resolve(win, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.root, "src", "main.go"), got)

	for _, p := range []string{"../outside/secret.txt", filepath.Join(f.outside, "secret.txt"), "/etc/passwd"} {
		_, err := f.broker.Resolve(win, p)
		assert.ErrorIs(t, err, errs.ErrPathNotApproved, p)
	}

	_, err = f.broker.Resolve("unknown-window", "src/main.go")
	assert.ErrorIs(t, err, errs.ErrPathNotApproved)
}

func TestSymlinkOutOfRootRejected(t *testing.T) {
	f := setup(t, Limits{})
	require.NoError(t, os.Symlink(f.outside, filepath.Join(f.root, "link")))

	_, err := f.broker.ReadFile(win, "link/secret.txt")
	assert.ErrorIs(t, err, errs.ErrPathNotApproved)

	err = f.broker.WriteFile(win, "link/planted.txt", []byte("x"))
	assert.ErrorIs(t, err, errs.ErrPathNotApproved)
	assert.NoFileExists(t, filepath.Join(f.outside, "planted.txt"))
}

func TestReadWriteRoundTrip(t *testing.T) {
	f := setup(t, Limits{})

	require.NoError(t, f.broker.WriteFile(win, "out/deep/file.txt", []byte("hello")))
	data, err := f.broker.ReadFile(win, "out/deep/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = f.broker.ReadFile(win, "missing.txt")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestReadLimitEnforcedBeforeBuffering(t *testing.T) {
	f := setup(t, Limits{MaxReadBytes: 8})
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "big.txt"), []byte("0123456789"), 0o644))

	_, err := f.broker.ReadFile(win, "big.txt")
	assert.ErrorIs(t, err, errs.ErrFileTooLarge)
}

func TestWriteLimitEnforcedBeforeTouchingDisk(t *testing.T) {
	f := setup(t, Limits{MaxWriteBytes: 4})

	err := f.broker.WriteFile(win, "new/too-big.txt", []byte("12345"))
	assert.ErrorIs(t, err, errs.ErrFileTooLarge)
	assert.NoDirExists(t, filepath.Join(f.root, "new"))
}

func TestStat(t *testing.T) {
	f := setup(t, Limits{})

	st, err := f.broker.Stat(win, "go.mod")
	require.NoError(t, err)
	assert.Equal(t, "go.mod", st.Name)
	assert.Equal(t, int64(9), st.Size)
	assert.False(t, st.IsDir)
	assert.Contains(t, st.MIME, "text/plain")

	st, err = f.broker.Stat(win, "src")
	require.NoError(t, err)
	assert.True(t, st.IsDir)
	assert.Empty(t, st.MIME)
}

func TestReadDirectoryCapped(t *testing.T) {
	f := setup(t, Limits{MaxDirEntries: 3})
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(f.root, "src", fmt.Sprintf("f%d.txt", i)), nil, 0o644))
	}

	res, err := f.broker.ReadDirectory(win, "src")
	require.NoError(t, err)
	assert.Len(t, res.Entries, 3)
	assert.True(t, res.Truncated)

	res, err = f.broker.ReadDirectory(win, ".")
	require.NoError(t, err)
	assert.False(t, res.Truncated)
	assert.Equal(t, "go.mod", res.Entries[0].Name)
	assert.Equal(t, "src", res.Entries[1].Name)
	assert.True(t, res.Entries[1].IsDir)
}

func TestRenameRevalidatesDestination(t *testing.T) {
	f := setup(t, Limits{})

	err := f.broker.Rename(win, "go.mod", filepath.Join(f.outside, "go.mod"), false)
	assert.ErrorIs(t, err, errs.ErrPathNotApproved)
	assert.FileExists(t, filepath.Join(f.root, "go.mod"))

	err = f.broker.Rename(win, filepath.Join(f.outside, "secret.txt"), "stolen.txt", false)
	assert.ErrorIs(t, err, errs.ErrPathNotApproved)

	require.NoError(t, f.broker.Rename(win, "go.mod", "renamed.mod", false))
	assert.FileExists(t, filepath.Join(f.root, "renamed.mod"))

	require.NoError(t, os.WriteFile(filepath.Join(f.root, "other.txt"), []byte("x"), 0o644))
	assert.ErrorIs(t, f.broker.Rename(win, "renamed.mod", "other.txt", false), errs.ErrInvalidParams)
	assert.NoError(t, f.broker.Rename(win, "renamed.mod", "other.txt", true))
}

func TestRootsCannotBeMovedOrDeleted(t *testing.T) {
	f := setup(t, Limits{})

	assert.ErrorIs(t, f.broker.Delete(win, f.root, true), errs.ErrPathNotApproved)
	assert.ErrorIs(t, f.broker.Rename(win, f.root, "moved", false), errs.ErrPathNotApproved)
	assert.DirExists(t, f.root)
}

func TestDelete(t *testing.T) {
	f := setup(t, Limits{})

	assert.Error(t, f.broker.Delete(win, "src", false), "non-empty directory needs recursive")
	require.NoError(t, f.broker.Delete(win, "src", true))
	assert.NoDirExists(t, filepath.Join(f.root, "src"))
	assert.ErrorIs(t, f.broker.Delete(win, "src", true), errs.ErrNotFound)
}

func TestFindFiles(t *testing.T) {
	f := setup(t, Limits{})
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "src", "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "src", "pkg", "util.go"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "src", "pkg", "util_test.go"), nil, 0o644))

	res, err := f.broker.FindFiles(context.Background(), win, "**/*.go", "**/*_test.go", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(f.root, "src", "main.go"),
		filepath.Join(f.root, "src", "pkg", "util.go"),
	}, res.Files)
	assert.False(t, res.Truncated)

	res, err = f.broker.FindFiles(context.Background(), win, "**/*.go", "", 1)
	require.NoError(t, err)
	assert.Len(t, res.Files, 1)
	assert.True(t, res.Truncated)

	_, err = f.broker.FindFiles(context.Background(), win, "[", "", 0)
	assert.ErrorIs(t, err, errs.ErrInvalidParams)
}

func TestContains(t *testing.T) {
	f := setup(t, Limits{})

	ok, err := f.broker.Contains(context.Background(), win, "**/go.mod")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.broker.Contains(context.Background(), win, "**/package.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveWindowClearsRootsAndWatchers(t *testing.T) {
	f := setup(t, Limits{})
	_, err := f.broker.Watchers().Add(win, "a.b", "**/*.go")
	require.NoError(t, err)

	assert.Equal(t, 1, f.broker.RemoveWindow(win))
	assert.Empty(t, f.broker.Roots(win))
	_, err = f.broker.Resolve(win, "go.mod")
	assert.ErrorIs(t, err, errs.ErrPathNotApproved)
}
