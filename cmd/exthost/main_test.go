package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exthost/internal/infrastructure/config"
)

func TestParseOverrides(t *testing.T) {
	got, err := parseOverrides([]string{"acme.tools=os, crypto", "other.ext=fs"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"acme.tools": {"os", "crypto"},
		"other.ext":  {"fs"},
	}, got)

	_, err = parseOverrides([]string{"missing-separator"})
	assert.Error(t, err)
}

func TestRuntimeInvocationPassesSettingsAsFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Supervisor.RuntimeCommand = "/opt/exthost-runtime"
	cfg.Sandbox.ActivateTimeout = 5 * time.Second
	cfg.Policy.Overrides = map[string]string{"b.ext": "os", "a.ext": "crypto;os"}

	command, args, err := runtimeInvocation(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/opt/exthost-runtime", command)
	assert.NotContains(t, args, "runtime")
	assert.Subset(t, args, []string{"--activate-timeout", "5s", "--log-level", "info"})

	var allows []string
	for i, a := range args {
		if a == "--allow" {
			allows = append(allows, args[i+1])
		}
	}
	assert.Equal(t, []string{"a.ext=crypto,os", "b.ext=os"}, allows)
}

func TestRuntimeInvocationReexecsSelf(t *testing.T) {
	command, args, err := runtimeInvocation(config.Default())
	require.NoError(t, err)
	self, _ := os.Executable()
	assert.Equal(t, self, command)
	assert.Equal(t, "runtime", args[0])
}

func TestExtensionsCommands(t *testing.T) {
	dataDir := t.TempDir()
	extDir := filepath.Join(t.TempDir(), "hello")
	require.NoError(t, os.MkdirAll(extDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(extDir, "package.json"), []byte(`{
  "name": "hello",
  "publisher": "acme",
  "version": "1.2.3",
  "main": "./extension.js",
  "engines": {"vscode": "^1.80.0"}
}`), 0o644))

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		cmd := extensionsCmd()
		cmd.PersistentFlags().String("log-level", "error", "")
		cmd.PersistentFlags().String("data-dir", dataDir, "")
		cmd.SetOut(&out)
		cmd.SetArgs(args)
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	assert.Contains(t, run("list"), "no extensions installed")
	assert.Contains(t, run("install", extDir), "acme.hello")
	assert.Regexp(t, `acme\.hello\s+1\.2\.3\s+false`, run("disable", "acme.hello"))
	assert.Regexp(t, `acme\.hello\s+1\.2\.3\s+false`, run("list"))
	assert.Regexp(t, `acme\.hello\s+1\.2\.3\s+true`, run("enable", "acme.hello"))
	assert.Contains(t, run("uninstall", "acme.hello"), "uninstalled acme.hello")
	assert.Contains(t, run("list"), "no extensions installed")
}
