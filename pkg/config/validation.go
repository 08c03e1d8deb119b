package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var messages []string
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; "))
}

// Validate checks structural consistency of the loaded settings. Command
// specific requirements, like import needing an input file, are checked by
// the commands themselves.
func (s *Settings) Validate() error {
	var errors ValidationErrors

	collect := func(field string, err error) {
		if err == nil {
			return
		}
		if validationErrs, ok := err.(ValidationErrors); ok {
			errors = append(errors, validationErrs...)
		} else {
			errors = append(errors, ValidationError{Field: field, Message: err.Error()})
		}
	}

	collect("server", validateServerSettings(&s.Server))
	collect("engine", validateEngineSettings(&s.Engine))
	collect("audit", validateAuditSettings(&s.Audit))
	collect("export", validateExportSettings(&s.Export))
	collect("import", validateImportSettings(&s.Import))
	collect("logging", validateLoggingSettings(&s.Logging))
	collect("metrics", validateMetricsSettings(&s.Metrics))

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func validateServerSettings(s *ServerSettings) error {
	var errors ValidationErrors

	if s.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "server.url",
			Message: "URL is required",
		})
	} else {
		parsed, err := url.Parse(s.URL)
		if err != nil {
			errors = append(errors, ValidationError{
				Field:   "server.url",
				Message: fmt.Sprintf("invalid URL format: %v", err),
			})
		} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
			errors = append(errors, ValidationError{
				Field:   "server.url",
				Message: "URL scheme must be http or https",
			})
		}
	}

	if s.Token == "" {
		errors = append(errors, ValidationError{
			Field:   "server.token",
			Message: "token is required, set SONAR_TOKEN or server.token",
		})
	}

	if s.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "server.timeout",
			Message: "timeout must be greater than 0",
		})
	}

	if s.RateLimit.RequestsPerSecond <= 0 {
		errors = append(errors, ValidationError{
			Field:   "server.rate_limit.requests_per_second",
			Message: "requests per second must be greater than 0",
		})
	}

	if s.RateLimit.BurstSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "server.rate_limit.burst_size",
			Message: "burst size must be greater than 0",
		})
	}

	if s.Retry.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "server.retry.max_attempts",
			Message: "max attempts must be 1 or greater, 1 disables retries",
		})
	}

	if s.Retry.MaxAttempts > 1 {
		if s.Retry.InitialDelay <= 0 {
			errors = append(errors, ValidationError{
				Field:   "server.retry.initial_delay",
				Message: "initial delay must be greater than 0",
			})
		}
		if s.Retry.MaxDelay < s.Retry.InitialDelay {
			errors = append(errors, ValidationError{
				Field:   "server.retry.max_delay",
				Message: "max delay must be greater than or equal to initial delay",
			})
		}
		if s.Retry.Multiplier <= 1 {
			errors = append(errors, ValidationError{
				Field:   "server.retry.multiplier",
				Message: "multiplier must be greater than 1",
			})
		}
	}

	if s.Breaker.Enabled {
		if s.Breaker.Threshold <= 0 {
			errors = append(errors, ValidationError{
				Field:   "server.breaker.threshold",
				Message: "threshold must be greater than 0 when breaker is enabled",
			})
		}
		if s.Breaker.Cooldown <= 0 {
			errors = append(errors, ValidationError{
				Field:   "server.breaker.cooldown",
				Message: "cooldown must be greater than 0 when breaker is enabled",
			})
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func validateEngineSettings(s *EngineSettings) error {
	var errors ValidationErrors

	if s.Threads <= 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.threads",
			Message: "threads must be greater than 0",
		})
	}

	if s.TaskTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.task_timeout",
			Message: "task timeout must be greater than 0",
		})
	}

	if s.QueueSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.queue_size",
			Message: "queue size must be greater than 0",
		})
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func validateAuditSettings(s *AuditSettings) error {
	var errors ValidationErrors

	validFormats := map[string]bool{
		"csv":  true,
		"json": true,
	}
	if !validFormats[s.Format] {
		errors = append(errors, ValidationError{
			Field:   "audit.format",
			Message: "format must be one of: csv, json",
		})
	}

	if s.KeyFilter != "" {
		if _, err := regexp.Compile(s.KeyFilter); err != nil {
			errors = append(errors, ValidationError{
				Field:   "audit.key_filter",
				Message: fmt.Sprintf("invalid regular expression: %v", err),
			})
		}
	}

	validSeverities := map[string]bool{
		"": true, "LOW": true, "MEDIUM": true, "HIGH": true, "CRITICAL": true,
	}
	if !validSeverities[strings.ToUpper(s.SeverityFilter)] {
		errors = append(errors, ValidationError{
			Field:   "audit.severity_filter",
			Message: "severity must be one of: LOW, MEDIUM, HIGH, CRITICAL",
		})
	}

	validTypes := map[string]bool{
		"": true, "GOVERNANCE": true, "PERFORMANCE": true, "SECURITY": true,
		"OPERATIONS": true, "BAD_PRACTICE": true,
	}
	if !validTypes[strings.ToUpper(s.TypeFilter)] {
		errors = append(errors, ValidationError{
			Field:   "audit.type_filter",
			Message: "type must be one of: GOVERNANCE, PERFORMANCE, SECURITY, OPERATIONS, BAD_PRACTICE",
		})
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func validateExportSettings(s *ExportSettings) error {
	var errors ValidationErrors

	validFormats := map[string]bool{
		"json": true,
		"yaml": true,
	}
	if !validFormats[s.Format] {
		errors = append(errors, ValidationError{
			Field:   "export.format",
			Message: "format must be one of: json, yaml",
		})
	}

	if s.KeyFilter != "" {
		if _, err := regexp.Compile(s.KeyFilter); err != nil {
			errors = append(errors, ValidationError{
				Field:   "export.key_filter",
				Message: fmt.Sprintf("invalid regular expression: %v", err),
			})
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func validateImportSettings(s *ImportSettings) error {
	var errors ValidationErrors

	if s.KeyFilter != "" {
		if _, err := regexp.Compile(s.KeyFilter); err != nil {
			errors = append(errors, ValidationError{
				Field:   "import.key_filter",
				Message: fmt.Sprintf("invalid regular expression: %v", err),
			})
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func validateLoggingSettings(s *LoggingSettings) error {
	var errors ValidationErrors

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLevels[strings.ToLower(s.Level)] {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: "level must be one of: debug, info, warn, error, fatal",
		})
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validFormats[s.Format] {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: "format must be one of: json, console",
		})
	}

	if len(s.Output) == 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.output",
			Message: "at least one output must be specified",
		})
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	hasFileOutput := false
	for _, output := range s.Output {
		if !validOutputs[output] {
			errors = append(errors, ValidationError{
				Field:   "logging.output",
				Message: fmt.Sprintf("invalid output '%s': must be one of stdout, stderr, file", output),
			})
		}
		if output == "file" {
			hasFileOutput = true
		}
	}

	if hasFileOutput && s.FilePath == "" {
		errors = append(errors, ValidationError{
			Field:   "logging.file_path",
			Message: "file_path is required when file output is specified",
		})
	}

	if s.MaxSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size",
			Message: "max_size must be greater than 0",
		})
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func validateMetricsSettings(s *MetricsSettings) error {
	var errors ValidationErrors

	if s.Enabled {
		if s.Addr == "" {
			errors = append(errors, ValidationError{
				Field:   "metrics.addr",
				Message: "addr is required when metrics are enabled",
			})
		}
		if s.Path == "" {
			errors = append(errors, ValidationError{
				Field:   "metrics.path",
				Message: "path is required when metrics are enabled",
			})
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}
