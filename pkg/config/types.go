package config

import (
	"time"
)

type Settings struct {
	Server  ServerSettings  `mapstructure:"server" yaml:"server"`
	Engine  EngineSettings  `mapstructure:"engine" yaml:"engine"`
	Audit   AuditSettings   `mapstructure:"audit" yaml:"audit"`
	Export  ExportSettings  `mapstructure:"export" yaml:"export"`
	Import  ImportSettings  `mapstructure:"import" yaml:"import"`
	Logging LoggingSettings `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsSettings `mapstructure:"metrics" yaml:"metrics"`
}

// ServerSettings describes the SonarQube or SonarCloud instance the tool
// talks to. Token is the only credential: the platform uses token-as-login
// basic auth.
type ServerSettings struct {
	URL                string          `mapstructure:"url" yaml:"url"`
	Token              string          `mapstructure:"token" yaml:"token"`
	Organization       string          `mapstructure:"organization" yaml:"organization"`
	Timeout            time.Duration   `mapstructure:"timeout" yaml:"timeout"`
	InsecureSkipVerify bool            `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	MaxIdleConns       int             `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	RateLimit          RateLimitSettings `mapstructure:"rate_limit" yaml:"rate_limit"`
	Retry              RetrySettings   `mapstructure:"retry" yaml:"retry"`
	Breaker            BreakerSettings `mapstructure:"breaker" yaml:"breaker"`
}

type RateLimitSettings struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int           `mapstructure:"burst_size" yaml:"burst_size"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RetrySettings keeps the retry machinery configurable but off by default:
// MaxAttempts 1 means a transport or rate-limit failure is surfaced to the
// task that hit it, with no hidden second request.
type RetrySettings struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter       bool          `mapstructure:"jitter" yaml:"jitter"`
}

// BreakerSettings: after Threshold consecutive transport failures the client
// fails remaining calls fast instead of letting every queued task ride out
// its own timeout against a dead server. Opt-in.
type BreakerSettings struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Threshold int           `mapstructure:"threshold" yaml:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// EngineSettings sizes the worker pool that fans audit and export work out
// across objects.
type EngineSettings struct {
	Threads     int           `mapstructure:"threads" yaml:"threads"`
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	QueueSize   int           `mapstructure:"queue_size" yaml:"queue_size"`
}

// AuditSettings carries the audit rule thresholds and inclusion flags. It is
// read-only once loaded; audit code only ever consults it.
type AuditSettings struct {
	What      []string `mapstructure:"what" yaml:"what"`
	KeyFilter string   `mapstructure:"key_filter" yaml:"key_filter"`
	Format    string   `mapstructure:"format" yaml:"format"`
	File      string   `mapstructure:"file" yaml:"file"`
	WithURL   bool     `mapstructure:"with_url" yaml:"with_url"`
	ServerID  bool     `mapstructure:"server_id" yaml:"server_id"`

	SeverityFilter string   `mapstructure:"severity_filter" yaml:"severity_filter"`
	TypeFilter     string   `mapstructure:"type_filter" yaml:"type_filter"`
	DisabledRules  []string `mapstructure:"disabled_rules" yaml:"disabled_rules"`

	MaxLastAnalysisAgeDays       int `mapstructure:"max_last_analysis_age_days" yaml:"max_last_analysis_age_days"`
	MaxBranchLastAnalysisAgeDays int `mapstructure:"max_branch_last_analysis_age_days" yaml:"max_branch_last_analysis_age_days"`
	MaxTokenAgeDays              int `mapstructure:"max_token_age_days" yaml:"max_token_age_days"`
	MaxUserInactivityDays        int `mapstructure:"max_user_inactivity_days" yaml:"max_user_inactivity_days"`
	MaxProfilesPerLanguage       int `mapstructure:"max_profiles_per_language" yaml:"max_profiles_per_language"`
	MaxProfileAgeDays            int `mapstructure:"max_profile_age_days" yaml:"max_profile_age_days"`
	MinProfileRules              int `mapstructure:"min_profile_rules" yaml:"min_profile_rules"`
	MaxQualityGates              int `mapstructure:"max_quality_gates" yaml:"max_quality_gates"`
	MaxGateConditions            int `mapstructure:"max_gate_conditions" yaml:"max_gate_conditions"`
	MaxUserTokens                int `mapstructure:"max_user_tokens" yaml:"max_user_tokens"`
}

type ExportSettings struct {
	What      []string `mapstructure:"what" yaml:"what"`
	KeyFilter string   `mapstructure:"key_filter" yaml:"key_filter"`
	Format    string   `mapstructure:"format" yaml:"format"`
	File      string   `mapstructure:"file" yaml:"file"`
	// Full disables the parent/child folding: every object is exported with
	// its complete effective configuration instead of a diff against its
	// parent.
	Full bool `mapstructure:"full" yaml:"full"`
	// Migration adds non-idempotent data (task history, scanner context)
	// to the export. Migration exports are not meant to be imported back.
	Migration bool `mapstructure:"migration" yaml:"migration"`
	// History is how many background tasks per project a migration export
	// keeps.
	History int `mapstructure:"history" yaml:"history"`
}

type ImportSettings struct {
	What      []string `mapstructure:"what" yaml:"what"`
	KeyFilter string   `mapstructure:"key_filter" yaml:"key_filter"`
	File      string   `mapstructure:"file" yaml:"file"`
}

type LoggingSettings struct {
	Level          string   `mapstructure:"level" yaml:"level"`
	Format         string   `mapstructure:"format" yaml:"format"` // "json", "console"
	Output         []string `mapstructure:"output" yaml:"output"` // "stdout", "stderr", "file"
	FilePath       string   `mapstructure:"file_path" yaml:"file_path"`
	MaxSize        int      `mapstructure:"max_size" yaml:"max_size"` // MB
	MaxBackups     int      `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge         int      `mapstructure:"max_age" yaml:"max_age"` // days
	Compress       bool     `mapstructure:"compress" yaml:"compress"`
	SanitizeFields []string `mapstructure:"sanitize_fields" yaml:"sanitize_fields"`
}

// MetricsSettings enables an optional prometheus endpoint for long batch
// runs. Nothing is persisted; the listener dies with the process.
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Path    string `mapstructure:"path" yaml:"path"`
}
