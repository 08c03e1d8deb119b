package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads settings from an optional YAML file, environment variables and
// built-in defaults, in increasing order of precedence for the environment.
// SONAR_HOST_URL and SONAR_TOKEN are honored as-is because every scanner and
// CI integration of the platform already sets them.
func Load(configPath string) (*Settings, error) {
	v := viper.New()

	v.SetDefault("server.url", "http://localhost:9000")
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("server.insecure_skip_verify", false)
	v.SetDefault("server.max_idle_conns", 20)
	v.SetDefault("server.rate_limit.requests_per_second", 10.0)
	v.SetDefault("server.rate_limit.burst_size", 20)
	v.SetDefault("server.rate_limit.timeout", 5*time.Second)
	v.SetDefault("server.retry.max_attempts", 1)
	v.SetDefault("server.retry.initial_delay", 1*time.Second)
	v.SetDefault("server.retry.max_delay", 30*time.Second)
	v.SetDefault("server.retry.multiplier", 2.0)
	v.SetDefault("server.retry.jitter", true)
	v.SetDefault("server.breaker.enabled", false)
	v.SetDefault("server.breaker.threshold", 5)
	v.SetDefault("server.breaker.cooldown", 30*time.Second)

	v.SetDefault("engine.threads", 8)
	v.SetDefault("engine.task_timeout", 30*time.Second)
	v.SetDefault("engine.queue_size", 256)

	v.SetDefault("audit.what", []string{})
	v.SetDefault("audit.format", "csv")
	v.SetDefault("audit.file", "")
	v.SetDefault("audit.with_url", false)
	v.SetDefault("audit.server_id", false)
	v.SetDefault("audit.max_last_analysis_age_days", 180)
	v.SetDefault("audit.max_branch_last_analysis_age_days", 30)
	v.SetDefault("audit.max_token_age_days", 90)
	v.SetDefault("audit.max_user_inactivity_days", 180)
	v.SetDefault("audit.max_profiles_per_language", 5)
	v.SetDefault("audit.max_profile_age_days", 1080)
	v.SetDefault("audit.min_profile_rules", 50)
	v.SetDefault("audit.max_quality_gates", 5)
	v.SetDefault("audit.max_gate_conditions", 8)
	v.SetDefault("audit.max_user_tokens", 5)

	v.SetDefault("export.what", []string{})
	v.SetDefault("export.format", "json")
	v.SetDefault("export.file", "")
	v.SetDefault("export.full", false)
	v.SetDefault("export.migration", false)
	v.SetDefault("export.history", 10)

	v.SetDefault("import.what", []string{})
	v.SetDefault("import.file", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", []string{"stderr"})
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)
	v.SetDefault("logging.compress", true)
	v.SetDefault("logging.sanitize_fields", []string{"password", "token", "secret", "authorization"})

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")

	v.AutomaticEnv()
	v.SetEnvPrefix("SONAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// The platform's own convention takes precedence over the generic
	// SONAR_SERVER_URL / SONAR_SERVER_TOKEN mapping.
	if url := os.Getenv("SONAR_HOST_URL"); url != "" {
		v.Set("server.url", url)
	}
	if token := os.Getenv("SONAR_TOKEN"); token != "" {
		v.Set("server.token", token)
	}

	if configPath != "" {
		if !filepath.IsAbs(configPath) {
			wd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("failed to get working directory: %w", err)
			}
			configPath = filepath.Join(wd, configPath)
		}

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file does not exist: %s", configPath)
		}

		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read configuration file %s: %w", configPath, err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := NewEnvSubstituter().SubstituteSettings(&settings); err != nil {
		return nil, err
	}
	settings.Server.URL = strings.TrimRight(settings.Server.URL, "/")

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	return &settings, nil
}
