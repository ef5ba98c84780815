package types

import (
	"path/filepath"
	"strings"
)

var languageByExt = map[string]string{
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".css":   "css",
	".go":    "go",
	".html":  "html",
	".htm":   "html",
	".java":  "java",
	".js":    "javascript",
	".mjs":   "javascript",
	".cjs":   "javascript",
	".jsx":   "javascriptreact",
	".json":  "json",
	".jsonc": "jsonc",
	".lua":   "lua",
	".md":    "markdown",
	".php":   "php",
	".py":    "python",
	".rb":    "ruby",
	".rs":    "rust",
	".sh":    "shellscript",
	".sql":   "sql",
	".toml":  "toml",
	".ts":    "typescript",
	".tsx":   "typescriptreact",
	".txt":   "plaintext",
	".xml":   "xml",
	".yaml":  "yaml",
	".yml":   "yaml",
}

// LanguageForPath guesses the language id of a file from its extension.
func LanguageForPath(path string) string {
	if strings.EqualFold(filepath.Base(path), "Dockerfile") {
		return "dockerfile"
	}
	if lang, ok := languageByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "plaintext"
}
