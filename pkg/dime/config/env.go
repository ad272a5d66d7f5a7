package config

import (
	"os"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// GetEnvObject exposes the process environment as the env object, so
// configuration can say env.DISPLAY.
func GetEnvObject() cty.Value {
	envMap := make(map[string]cty.Value)

	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		envMap[sanitizeEnvVarName(key)] = cty.StringVal(value)
	}

	return cty.ObjectVal(envMap)
}

// sanitizeEnvVarName maps an environment variable name onto a valid HCL
// identifier by replacing every invalid character with an underscore.
func sanitizeEnvVarName(name string) string {
	if name == "" {
		return "_"
	}

	var result strings.Builder
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			result.WriteRune(r)
		case i > 0 && (r == '-' || r >= '0' && r <= '9'):
			result.WriteRune(r)
		default:
			result.WriteRune('_')
		}
	}

	return result.String()
}
