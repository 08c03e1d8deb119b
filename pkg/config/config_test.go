package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validSettings() *Settings {
	return &Settings{
		Server: ServerSettings{
			URL:     "https://sonar.example.com",
			Token:   "squ_0123456789abcdef",
			Timeout: 30 * time.Second,
			RateLimit: RateLimitSettings{
				RequestsPerSecond: 10,
				BurstSize:         20,
				Timeout:           5 * time.Second,
			},
			Retry: RetrySettings{
				MaxAttempts:  1,
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
			},
		},
		Engine: EngineSettings{
			Threads:     8,
			TaskTimeout: 30 * time.Second,
			QueueSize:   256,
		},
		Audit: AuditSettings{
			Format: "csv",
		},
		Export: ExportSettings{
			Format: "json",
		},
		Logging: LoggingSettings{
			Level:   "info",
			Format:  "console",
			Output:  []string{"stderr"},
			MaxSize: 100,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Settings)
		expectError string
	}{
		{
			name:   "valid settings",
			mutate: func(s *Settings) {},
		},
		{
			name:        "missing URL",
			mutate:      func(s *Settings) { s.Server.URL = "" },
			expectError: "server.url",
		},
		{
			name:        "bad URL scheme",
			mutate:      func(s *Settings) { s.Server.URL = "ftp://sonar.example.com" },
			expectError: "server.url",
		},
		{
			name:        "missing token",
			mutate:      func(s *Settings) { s.Server.Token = "" },
			expectError: "server.token",
		},
		{
			name:        "zero threads",
			mutate:      func(s *Settings) { s.Engine.Threads = 0 },
			expectError: "engine.threads",
		},
		{
			name:        "zero retry attempts",
			mutate:      func(s *Settings) { s.Server.Retry.MaxAttempts = 0 },
			expectError: "server.retry.max_attempts",
		},
		{
			name: "retry enabled with bad multiplier",
			mutate: func(s *Settings) {
				s.Server.Retry.MaxAttempts = 3
				s.Server.Retry.Multiplier = 1.0
			},
			expectError: "server.retry.multiplier",
		},
		{
			name: "breaker enabled without threshold",
			mutate: func(s *Settings) {
				s.Server.Breaker.Enabled = true
				s.Server.Breaker.Threshold = 0
			},
			expectError: "server.breaker.threshold",
		},
		{
			name:        "bad audit format",
			mutate:      func(s *Settings) { s.Audit.Format = "xml" },
			expectError: "audit.format",
		},
		{
			name:        "bad audit key filter",
			mutate:      func(s *Settings) { s.Audit.KeyFilter = "[unclosed" },
			expectError: "audit.key_filter",
		},
		{
			name:        "bad severity filter",
			mutate:      func(s *Settings) { s.Audit.SeverityFilter = "URGENT" },
			expectError: "audit.severity_filter",
		},
		{
			name:        "bad export format",
			mutate:      func(s *Settings) { s.Export.Format = "toml" },
			expectError: "export.format",
		},
		{
			name:        "bad log level",
			mutate:      func(s *Settings) { s.Logging.Level = "verbose" },
			expectError: "logging.level",
		},
		{
			name: "file output without path",
			mutate: func(s *Settings) {
				s.Logging.Output = []string{"file"}
				s.Logging.FilePath = ""
			},
			expectError: "logging.file_path",
		},
		{
			name: "metrics enabled without addr",
			mutate: func(s *Settings) {
				s.Metrics.Enabled = true
				s.Metrics.Addr = ""
				s.Metrics.Path = "/metrics"
			},
			expectError: "metrics.addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := validSettings()
			tt.mutate(settings)

			err := settings.Validate()

			if tt.expectError == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}

			if err == nil {
				t.Errorf("expected error mentioning %q but got none", tt.expectError)
				return
			}
			if !strings.Contains(err.Error(), tt.expectError) {
				t.Errorf("expected error mentioning %q, got: %v", tt.expectError, err)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SONAR_HOST_URL", "https://sonar.example.com")
	t.Setenv("SONAR_TOKEN", "squ_abc")

	settings, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if settings.Server.URL != "https://sonar.example.com" {
		t.Errorf("expected SONAR_HOST_URL to win, got %s", settings.Server.URL)
	}
	if settings.Server.Token != "squ_abc" {
		t.Errorf("expected SONAR_TOKEN to win, got %s", settings.Server.Token)
	}
	if settings.Engine.Threads != 8 {
		t.Errorf("expected default 8 threads, got %d", settings.Engine.Threads)
	}
	if settings.Server.Retry.MaxAttempts != 1 {
		t.Errorf("expected retries off by default, got max_attempts=%d", settings.Server.Retry.MaxAttempts)
	}
	if settings.Server.Breaker.Enabled {
		t.Errorf("expected breaker off by default")
	}
	if settings.Audit.Format != "csv" {
		t.Errorf("expected default audit format csv, got %s", settings.Audit.Format)
	}
}

func TestLoadFromFile(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "sonar-tools.yaml")

	content := `
server:
  url: https://sonar.internal.example.com/
  token: ${TEST_SONAR_TOKEN}
engine:
  threads: 4
audit:
  what: [projects, qualityGates]
  max_last_analysis_age_days: 90
`
	if err := os.WriteFile(configFile, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("TEST_SONAR_TOKEN", "squ_from_env")
	os.Unsetenv("SONAR_HOST_URL")
	os.Unsetenv("SONAR_TOKEN")

	settings, err := Load(configFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if settings.Server.URL != "https://sonar.internal.example.com" {
		t.Errorf("expected trailing slash trimmed, got %s", settings.Server.URL)
	}
	if settings.Server.Token != "squ_from_env" {
		t.Errorf("expected token expanded from env, got %s", settings.Server.Token)
	}
	if settings.Engine.Threads != 4 {
		t.Errorf("expected 4 threads from file, got %d", settings.Engine.Threads)
	}
	if len(settings.Audit.What) != 2 || settings.Audit.What[0] != "projects" {
		t.Errorf("unexpected audit.what: %v", settings.Audit.What)
	}
	if settings.Audit.MaxLastAnalysisAgeDays != 90 {
		t.Errorf("expected 90 days from file, got %d", settings.Audit.MaxLastAnalysisAgeDays)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/sonar-tools.yaml")
	if err == nil {
		t.Errorf("expected error for missing config file")
	}
}

func TestEnvSubstituter(t *testing.T) {
	t.Setenv("SUBST_SET", "actual")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "braced variable",
			input:    "${SUBST_SET}",
			expected: "actual",
		},
		{
			name:     "default used when unset",
			input:    "${SUBST_UNSET:-fallback}",
			expected: "fallback",
		},
		{
			name:     "default ignored when set",
			input:    "${SUBST_SET:-fallback}",
			expected: "actual",
		},
		{
			name:     "simple variable",
			input:    "$SUBST_SET",
			expected: "actual",
		},
		{
			name:     "unset simple variable left alone",
			input:    "$SUBST_UNSET",
			expected: "$SUBST_UNSET",
		},
		{
			name:     "embedded in path",
			input:    "/var/log/${SUBST_SET}/audit.csv",
			expected: "/var/log/actual/audit.csv",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	substituter := NewEnvSubstituter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituter.Substitute(tt.input)
			if got != tt.expected {
				t.Errorf("Substitute(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestValidateEnvVars(t *testing.T) {
	t.Setenv("PRESENT_VAR", "x")

	if err := ValidateEnvVars("${PRESENT_VAR}"); err != nil {
		t.Errorf("unexpected error for present variable: %v", err)
	}
	if err := ValidateEnvVars("${ABSENT_VAR_12345}"); err == nil {
		t.Errorf("expected error for absent variable without default")
	}
	if err := ValidateEnvVars("${ABSENT_VAR_12345:-dflt}"); err != nil {
		t.Errorf("unexpected error for absent variable with default: %v", err)
	}
}

func TestDumpMasksSecrets(t *testing.T) {
	settings := validSettings()

	for _, format := range []DumpFormat{DumpYAML, DumpJSON} {
		data, err := Dump(settings, format)
		if err != nil {
			t.Fatalf("Dump(%s) failed: %v", format, err)
		}
		text := string(data)
		if strings.Contains(text, "squ_0123456789abcdef") {
			t.Errorf("Dump(%s) leaked the token", format)
		}
		if !strings.Contains(text, "***MASKED***") {
			t.Errorf("Dump(%s) did not mask the token", format)
		}
		if !strings.Contains(text, "sonar.example.com") {
			t.Errorf("Dump(%s) lost the server URL", format)
		}
	}

	if settings.Server.Token != "squ_0123456789abcdef" {
		t.Errorf("Dump mutated the original settings")
	}
}
