package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okorach/sonar-tools-sub002/internal"
	"github.com/okorach/sonar-tools-sub002/internal/engine"
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
	"github.com/okorach/sonar-tools-sub002/pkg/logger"
	"github.com/okorach/sonar-tools-sub002/pkg/metrics"
)

const version = "1.0.0"

var (
	configFile   string
	serverURL    string
	token        string
	organization string
	logLevel     string
	metricsAddr  string
)

var rootCmd = &cobra.Command{
	Use:   "sonar-tools",
	Short: "Audit, export and import SonarQube platform configuration",
	Long: `sonar-tools talks to a SonarQube or SonarCloud instance. It audits
the configuration for bad practices, exports the configuration as a
portable document, and imports such a document into another instance.

Credentials come from flags, a configuration file or the standard
SONAR_HOST_URL and SONAR_TOKEN environment variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Path to configuration file")
	flags.StringVarP(&serverURL, "url", "u", "", "Server URL (default from config or SONAR_HOST_URL)")
	flags.StringVarP(&token, "token", "t", "", "Access token (default from config or SONAR_TOKEN)")
	flags.StringVar(&organization, "organization", "", "SonarCloud organization key")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address for the run")
}

// globalOverrides maps persistent flags onto loaded settings. Only flags
// the user actually set override the configuration file.
func globalOverrides(cmd *cobra.Command) internal.Override {
	return func(s *config.Settings) {
		flags := cmd.Flags()
		if flags.Changed("url") {
			s.Server.URL = serverURL
		}
		if flags.Changed("token") {
			s.Server.Token = token
		}
		if flags.Changed("organization") {
			s.Server.Organization = organization
		}
		if flags.Changed("log-level") {
			s.Logging.Level = logLevel
		}
		if flags.Changed("metrics-addr") {
			s.Metrics.Enabled = true
			s.Metrics.Addr = metricsAddr
		}
	}
}

// signalContext cancels on interrupt so a long batch unwinds through the
// runner instead of dying mid-write.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// connect verifies the server answers and the token is accepted before
// any batch starts.
func connect(ctx context.Context, api *client.Client, log *logger.Logger) error {
	status, err := api.CheckConnectivity(ctx)
	if err != nil {
		return fmt.Errorf("cannot reach %s: %w", api.BaseURL(), err)
	}
	log.Info("connected", "url", api.BaseURL(), "version", status.Version, "status", status.Status)
	return nil
}

// logAPIStats reports the run's API call statistics.
func logAPIStats(log *logger.Logger, api *client.Client) {
	stats := api.GetStats()
	if stats.TotalRequests == 0 {
		return
	}
	log.Info("api statistics",
		"requests", stats.TotalRequests,
		"failed", stats.FailedRequests,
		"averageLatency", stats.AverageLatency.String(),
		"rateLimitHits", stats.RateLimitHits)
}

// startMetrics starts the optional metrics endpoint and returns its
// shutdown function. Disabled metrics yield a no-op.
func startMetrics(server *metrics.Server, log *logger.Logger) (func(), error) {
	if err := server.Start(); err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Warn("metrics server shutdown failed", "error", err)
		}
	}, nil
}

// rowFormat maps the audit format name onto a row format.
func rowFormat(name string) (engine.Format, error) {
	format, err := engine.ParseFormat(name)
	if err != nil {
		return 0, err
	}
	if format != engine.FormatCSV && format != engine.FormatJSON {
		return 0, fmt.Errorf("audit writes csv or json, not %s", name)
	}
	return format, nil
}

// documentFormat maps the export format name onto a document format.
func documentFormat(name string) (engine.Format, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return engine.FormatJSONMap, nil
	case "yaml", "yml":
		return engine.FormatYAML, nil
	default:
		return 0, fmt.Errorf("export writes json or yaml, not %s", name)
	}
}
