package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
)

func TestDefaultAllowsCuratedModules(t *testing.T) {
	p := Default()
	for _, name := range []string{"vscode", "path", "events", "util", "url"} {
		d, err := p.Decide("a.b", name)
		require.NoError(t, err, name)
		assert.Equal(t, DecisionAllowed, d)
	}
}

func TestBlockedModulesAlwaysDenied(t *testing.T) {
	p := Default()
	for _, name := range p.Blocked() {
		overridden := p.WithOverrides(map[string][]string{"a.b": {name}})
		d, err := overridden.Decide("a.b", name)
		assert.ErrorIs(t, err, errs.ErrModuleNotAllowed, name)
		assert.Equal(t, DecisionDenied, d)
	}
}

func TestOverridesAreKeyedByExtension(t *testing.T) {
	p := Default().WithOverrides(map[string][]string{"ms.python": {"os"}})

	d, err := p.Decide("ms.python", "os")
	require.NoError(t, err)
	assert.Equal(t, DecisionOverride, d)

	_, err = p.Decide("other.ext", "os")
	assert.ErrorIs(t, err, errs.ErrModuleNotAllowed)
}

func TestUnknownModuleDenied(t *testing.T) {
	err := Default().Check("a.b", "left-pad")
	require.Error(t, err)
	assert.Equal(t, errs.CodeModuleNotAllowed, errs.CodeOf(err))
}

func TestWithOverridesDoesNotMutateReceiver(t *testing.T) {
	base := Default()
	_ = base.WithOverrides(map[string][]string{"a.b": {"crypto"}})
	assert.Empty(t, base.Overrides("a.b"))
	assert.False(t, base.IsBlocked("crypto"))
	assert.True(t, base.IsBlocked("child_process"))
}

func TestWithOverridesMerges(t *testing.T) {
	p := Default().
		WithOverrides(map[string][]string{"a.b": {"os"}}).
		WithOverrides(map[string][]string{"a.b": {"crypto"}})
	assert.Equal(t, []string{"crypto", "os"}, p.Overrides("a.b"))
}

func TestSanitizeEnv(t *testing.T) {
	in := []string{
		"PATH=/usr/bin",
		"HOME=/home/u",
		"LANG=en_US.UTF-8",
		"LC_ALL=C",
		"TMPDIR=/tmp",
		"AWS_SECRET_ACCESS_KEY=nope",
		"GITHUB_TOKEN=nope",
		"SSH_AUTH_SOCK=/tmp/agent",
		"MALFORMED",
		"=novalue",
	}

	got := SanitizeEnv(in)
	assert.ElementsMatch(t, []string{
		"PATH=/usr/bin",
		"HOME=/home/u",
		"LANG=en_US.UTF-8",
		"LC_ALL=C",
		"TMPDIR=/tmp",
	}, got)
}

func TestIsShellScript(t *testing.T) {
	tests := map[string]bool{
		"/ext/server.sh":      true,
		"run.BAT":             true,
		"C:/x/start.ps1":      true,
		"/ext/bin/server":     false,
		"/ext/server.js":      false,
		"/ext/launch.command": true,
	}
	for path, want := range tests {
		assert.Equal(t, want, IsShellScript(path), path)
	}
}
