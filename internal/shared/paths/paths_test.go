package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithin(t *testing.T) {
	tests := []struct {
		root, p string
		want    bool
	}{
		{"/ext/a", "/ext/a", true},
		{"/ext/a", "/ext/a/lib/x.js", true},
		{"/ext/a", "/ext/ab/x.js", false},
		{"/ext/a", "/ext", false},
		{"/ext/a", "/etc/passwd", false},
		{"/ext/a", "/ext/a/..foo", true},
		{"", "/ext/a", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Within(tt.root, tt.p), "Within(%q, %q)", tt.root, tt.p)
	}
}

func TestCanonicalResolvesSymlinks(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	require.NoError(t, os.Mkdir(real, 0o755))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(real, link))

	got, err := Canonical(filepath.Join(link, "new", "file.txt"))
	require.NoError(t, err)

	realCanon, err := Canonical(real)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(realCanon, "new", "file.txt"), got)
}

func TestSymlinkEscapeIsDetected(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	outside := filepath.Join(dir, "outside")
	require.NoError(t, os.Mkdir(root, 0o755))
	require.NoError(t, os.Mkdir(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	rootCanon, err := Canonical(root)
	require.NoError(t, err)
	target, err := Canonical(filepath.Join(root, "escape", "secret"))
	require.NoError(t, err)

	assert.False(t, Within(rootCanon, target))
}

func TestWithinAny(t *testing.T) {
	root, ok := WithinAny([]string{"/a", "/b"}, "/b/c")
	assert.True(t, ok)
	assert.Equal(t, "/b", root)

	_, ok = WithinAny([]string{"/a", "/b"}, "/c")
	assert.False(t, ok)
}

func TestValidateExtensionID(t *testing.T) {
	assert.NoError(t, ValidateExtensionID("pub.name"))
	assert.Error(t, ValidateExtensionID(""))
	assert.Error(t, ValidateExtensionID("../x"))
	assert.Error(t, ValidateExtensionID("a/b"))
	assert.Error(t, ValidateExtensionID(".."))
}

func TestLayoutEnsure(t *testing.T) {
	l := Layout{Root: filepath.Join(t.TempDir(), "data")}
	require.NoError(t, l.Ensure())

	for _, dir := range l.StandardDirectories() {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
