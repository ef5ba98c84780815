package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

func writeSettings(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadFileFormats(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"settings.yaml", "editor:\n  tabSize: 4\n  formatOnSave: true\n"},
		{"settings.toml", "[editor]\ntabSize = 4\nformatOnSave = true\n"},
		{"settings.json", `{"editor": {"tabSize": 4, "formatOnSave": true}}`},
		{"settings.jsonc", "{\n  // tabs\n  \"editor.tabSize\": 4,\n  \"editor.formatOnSave\": true,\n}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := ReadFile(writeSettings(t, tt.name, tt.content))
			require.NoError(t, err)
			assert.EqualValues(t, 4, values["editor.tabSize"])
			assert.Equal(t, true, values["editor.formatOnSave"])
		})
	}
}

func TestReadFileMissingAndUnsupported(t *testing.T) {
	values, err := ReadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, values)

	_, err = ReadFile(writeSettings(t, "settings.ini", "a=1"))
	assert.Error(t, err)

	_, err = ReadFile(writeSettings(t, "settings.json", "{nope"))
	assert.Error(t, err)
}

func TestLayerPrecedence(t *testing.T) {
	s := NewStore(nil)
	s.SetDefaults([]types.Extension{{
		ID: "a.b",
		Contributes: map[string]interface{}{
			"configuration": map[string]interface{}{
				"properties": map[string]interface{}{
					"lint.enabled": map[string]interface{}{"type": "boolean", "default": false},
					"lint.level":   map[string]interface{}{"type": "string", "default": "warn"},
					"lint.rules":   map[string]interface{}{"type": "array", "default": []interface{}{"a"}},
				},
			},
		},
	}})
	require.NoError(t, s.Load(writeSettings(t, "settings.yaml", "lint:\n  level: error\n")))
	s.SetWindowOverrides("w1", map[string]interface{}{"lint": map[string]interface{}{"enabled": true}})

	got := s.Get("w1", "lint")
	assert.Equal(t, true, got["enabled"])
	assert.Equal(t, "error", got["level"])
	assert.Equal(t, []interface{}{"a"}, got["rules"])

	other := s.Get("w2", "lint")
	assert.Equal(t, false, other["enabled"])

	v, ok := s.Value("w1", "lint.level")
	assert.True(t, ok)
	assert.Equal(t, "error", v)

	s.RemoveWindow("w1")
	assert.Equal(t, false, s.Get("w1", "lint")["enabled"])
	assert.Equal(t, []string{"lint.enabled", "lint.level", "lint.rules"}, s.Keys("w1"))
}

func TestSectionPrefixIsExact(t *testing.T) {
	s := NewStore(nil)
	s.SetWindowOverrides("w1", map[string]interface{}{"go.path": "/x", "gopls.ui": 1})

	got := s.Get("w1", "go")
	assert.Equal(t, map[string]interface{}{"path": "/x"}, got)
}

func TestReload(t *testing.T) {
	path := writeSettings(t, "settings.json", `{"a": 1}`)
	s := NewStore(nil)
	require.NoError(t, s.Load(path))

	require.NoError(t, os.WriteFile(path, []byte(`{"a": 2}`), 0o644))
	require.NoError(t, s.Reload())
	v, _ := s.Value("", "a")
	assert.EqualValues(t, 2, v)
}

func TestFlatten(t *testing.T) {
	got := Flatten(map[string]interface{}{
		"a": map[string]interface{}{"b": map[string]interface{}{"c": 1}},
		"d": []interface{}{1, 2},
		"e": map[string]interface{}{},
	})
	assert.Equal(t, map[string]interface{}{
		"a.b.c": 1,
		"d":     []interface{}{1, 2},
		"e":     map[string]interface{}{},
	}, got)
}
