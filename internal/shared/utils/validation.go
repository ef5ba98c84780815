package utils

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Manifest size and length limits
const (
	MaxManifestSize      = 1 * 1024 * 1024 // 1MB - package.json
	MaxManifestDepth     = 32
	MaxNameLength        = 128
	MaxDisplayNameLength = 256
	MaxVersionLength     = 64
)

var (
	// NamePattern matches publisher and extension names
	NamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
	// VersionPattern matches semver 2.0 versions
	VersionPattern = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
)

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}

	if value == "" && !required {
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}

	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}

	return nil
}

// ValidateName validates a publisher or extension name
func ValidateName(name, fieldName string) error {
	if err := ValidateString(name, fieldName, 1, MaxNameLength, true); err != nil {
		return err
	}
	if !NamePattern.MatchString(name) {
		return fmt.Errorf("%s contains invalid characters (only alphanumeric, hyphens, and underscores allowed)", fieldName)
	}
	return nil
}

// ValidateVersion validates a semantic version
func ValidateVersion(version string) error {
	if err := ValidateString(version, "version", 1, MaxVersionLength, true); err != nil {
		return err
	}
	if !VersionPattern.MatchString(version) {
		return fmt.Errorf("version %q is not a semantic version", version)
	}
	return nil
}

// ValidateJSONDepth checks that decoded JSON nesting stays within maxDepth
func ValidateJSONDepth(data interface{}, maxDepth int) error {
	return checkDepth(data, 0, maxDepth)
}

func checkDepth(data interface{}, currentDepth int, maxDepth int) error {
	if currentDepth > maxDepth {
		return fmt.Errorf("JSON nesting depth %d exceeds maximum %d", currentDepth, maxDepth)
	}

	switch v := data.(type) {
	case map[string]interface{}:
		for _, value := range v {
			if err := checkDepth(value, currentDepth+1, maxDepth); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, value := range v {
			if err := checkDepth(value, currentDepth+1, maxDepth); err != nil {
				return err
			}
		}
	}

	return nil
}
