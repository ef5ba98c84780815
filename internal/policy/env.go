package policy

import (
	"path/filepath"
	"runtime"
	"strings"
)

var envAllowlist = map[string]struct{}{
	"LANG":        {},
	"LANGUAGE":    {},
	"TMPDIR":      {},
	"TEMP":        {},
	"TMP":         {},
	"PATH":        {},
	"HOME":        {},
	"USERPROFILE": {},
	"SYSTEMROOT":  {},
}

// SanitizeEnv filters a KEY=VALUE environment down to locale, temp dir,
// search path and home dir variables. It is the only environment any
// child process started by the host receives.
func SanitizeEnv(environ []string) []string {
	out := make([]string, 0, len(envAllowlist))
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		if envKeyAllowed(key) {
			out = append(out, kv)
		}
	}
	return out
}

func envKeyAllowed(key string) bool {
	if runtime.GOOS == "windows" {
		key = strings.ToUpper(key)
	}
	if strings.HasPrefix(key, "LC_") {
		return true
	}
	_, ok := envAllowlist[key]
	return ok
}

var shellExtensions = map[string]struct{}{
	".sh":      {},
	".bash":    {},
	".zsh":     {},
	".cmd":     {},
	".bat":     {},
	".ps1":     {},
	".command": {},
}

// IsShellScript reports whether path names a shell-interpreted script.
func IsShellScript(path string) bool {
	_, ok := shellExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}
