package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	envVarPattern       = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)
	simpleEnvVarPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// EnvSubstituter expands ${VAR} and ${VAR:-default} references inside
// settings values, so a committed YAML file can say `token: ${SONAR_TOKEN}`
// without ever holding the credential itself.
type EnvSubstituter struct {
	enableSimpleVars bool
	enableDefaults   bool
	prefix           string
}

type EnvSubstituterOption func(*EnvSubstituter)

func WithSimpleVars(enable bool) EnvSubstituterOption {
	return func(es *EnvSubstituter) {
		es.enableSimpleVars = enable
	}
}

func WithDefaults(enable bool) EnvSubstituterOption {
	return func(es *EnvSubstituter) {
		es.enableDefaults = enable
	}
}

func WithPrefix(prefix string) EnvSubstituterOption {
	return func(es *EnvSubstituter) {
		es.prefix = prefix
	}
}

func NewEnvSubstituter(options ...EnvSubstituterOption) *EnvSubstituter {
	es := &EnvSubstituter{
		enableSimpleVars: true,
		enableDefaults:   true,
	}

	for _, option := range options {
		option(es)
	}

	return es
}

func (es *EnvSubstituter) Substitute(value string) string {
	if value == "" {
		return value
	}

	result := value

	if es.enableDefaults {
		result = es.substituteWithDefaults(result)
	}

	if es.enableSimpleVars {
		result = es.substituteSimpleVars(result)
	}

	return result
}

func (es *EnvSubstituter) substituteWithDefaults(value string) string {
	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}

		envVarName := submatch[1]
		defaultValue := ""
		if len(submatch) >= 4 {
			defaultValue = submatch[3]
		}

		envValue := es.getEnvValue(envVarName)
		if envValue == "" {
			return defaultValue
		}

		return envValue
	})
}

func (es *EnvSubstituter) substituteSimpleVars(value string) string {
	return simpleEnvVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		submatch := simpleEnvVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}

		envVarName := submatch[1]
		envValue := es.getEnvValue(envVarName)
		if envValue == "" {
			return match
		}

		return envValue
	})
}

func (es *EnvSubstituter) getEnvValue(name string) string {
	fullName := name
	if es.prefix != "" {
		fullName = es.prefix + "_" + name
	}

	value := os.Getenv(fullName)
	if value == "" && es.prefix != "" {
		value = os.Getenv(name)
	}

	return value
}

// SubstituteSettings expands environment references in every settings value
// that commonly carries them: server coordinates, credentials and file paths.
func (es *EnvSubstituter) SubstituteSettings(settings *Settings) error {
	if settings == nil {
		return fmt.Errorf("settings is nil")
	}

	settings.Server.URL = es.Substitute(settings.Server.URL)
	settings.Server.Token = es.Substitute(settings.Server.Token)
	settings.Server.Organization = es.Substitute(settings.Server.Organization)

	settings.Audit.File = es.Substitute(settings.Audit.File)
	settings.Export.File = es.Substitute(settings.Export.File)
	settings.Import.File = es.Substitute(settings.Import.File)

	settings.Logging.FilePath = es.Substitute(settings.Logging.FilePath)

	return nil
}

func SubstituteEnvVars(value string) string {
	substituter := NewEnvSubstituter()
	return substituter.Substitute(value)
}

// ValidateEnvVars reports referenced environment variables that are unset
// and have no inline default.
func ValidateEnvVars(value string) error {
	matches := envVarPattern.FindAllStringSubmatch(value, -1)

	var missingVars []string
	for _, match := range matches {
		if len(match) >= 2 {
			envVarName := match[1]
			hasDefault := len(match) >= 4 && match[3] != ""

			if os.Getenv(envVarName) == "" && !hasDefault {
				missingVars = append(missingVars, envVarName)
			}
		}
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missingVars, ", "))
	}

	return nil
}
