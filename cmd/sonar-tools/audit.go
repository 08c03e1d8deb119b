package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/okorach/sonar-tools-sub002/internal"
	"github.com/okorach/sonar-tools-sub002/internal/audit"
	"github.com/okorach/sonar-tools-sub002/internal/engine"
	"github.com/okorach/sonar-tools-sub002/internal/sonar"
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
	"github.com/okorach/sonar-tools-sub002/pkg/logger"
	"github.com/okorach/sonar-tools-sub002/pkg/metrics"
)

var (
	auditWhat       []string
	auditKeys       string
	auditFormat     string
	auditFile       string
	auditWithURL    bool
	auditServerID   bool
	auditSeverities string
	auditTypes      string
	auditDisabled   []string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit platform configuration for bad practices",
	Long: `Audit walks the selected object types, applies the built-in rules
and streams every finding to the output as it is discovered. Findings
never fail the command; the exit code only reflects errors that made
the run itself impossible.`,
	RunE: runAudit,
}

func init() {
	flags := auditCmd.Flags()
	flags.StringSliceVarP(&auditWhat, "what", "w", nil, "Object types to audit (default all)")
	flags.StringVarP(&auditKeys, "key-filter", "k", "", "Only audit objects whose key matches this regexp")
	flags.StringVarP(&auditFormat, "format", "f", "", "Output format: csv or json")
	flags.StringVarP(&auditFile, "file", "o", "", "Output file (default stdout)")
	flags.BoolVar(&auditWithURL, "with-url", false, "Add each object's URL to the output")
	flags.BoolVar(&auditServerID, "server-id", false, "Tag each finding with the server id")
	flags.StringVar(&auditSeverities, "severities", "", "Only report these severities (comma separated)")
	flags.StringVar(&auditTypes, "types", "", "Only report these problem types (comma separated)")
	flags.StringSliceVar(&auditDisabled, "disable-rules", nil, "Rule ids to silence")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	container, err := internal.BuildContainer(configFile, globalOverrides(cmd), func(s *config.Settings) {
		flags := cmd.Flags()
		if flags.Changed("what") {
			s.Audit.What = auditWhat
		}
		if flags.Changed("key-filter") {
			s.Audit.KeyFilter = auditKeys
		}
		if flags.Changed("format") {
			s.Audit.Format = auditFormat
		}
		if flags.Changed("file") {
			s.Audit.File = auditFile
		}
		if flags.Changed("with-url") {
			s.Audit.WithURL = auditWithURL
		}
		if flags.Changed("server-id") {
			s.Audit.ServerID = auditServerID
		}
		if flags.Changed("severities") {
			s.Audit.SeverityFilter = auditSeverities
		}
		if flags.Changed("types") {
			s.Audit.TypeFilter = auditTypes
		}
		if flags.Changed("disable-rules") {
			s.Audit.DisabledRules = auditDisabled
		}
	})
	if err != nil {
		return err
	}

	return container.Invoke(func(
		settings *config.Settings,
		log *logger.Logger,
		api *client.Client,
		platform *sonar.Platform,
		auditor *audit.Auditor,
		collector *metrics.Collector,
		server *metrics.Server,
	) (err error) {
		defer log.Sync()

		ctx, stop := signalContext()
		defer stop()
		ctx, done := logger.StartOperation(ctx, log, "audit")
		defer func() { done(err) }()

		if err := connect(ctx, api, log); err != nil {
			return err
		}
		defer logAPIStats(log, api)

		stopMetrics, err := startMetrics(server, log)
		if err != nil {
			return err
		}
		defer stopMetrics()

		format, err := rowFormat(settings.Audit.Format)
		if err != nil {
			return err
		}
		filter, err := engine.NewFilter(settings.Audit.SeverityFilter, settings.Audit.TypeFilter, "")
		if err != nil {
			return err
		}

		serverID := ""
		if settings.Audit.ServerID {
			if serverID, err = platform.ServerID(ctx); err != nil {
				return fmt.Errorf("resolving server id: %w", err)
			}
		}

		sink, err := engine.OpenSink(settings.Audit.File)
		if err != nil {
			return err
		}

		writer := engine.NewWriter(sink, engine.WriterConfig{
			Format:    format,
			Header:    audit.Header(settings.Audit.ServerID, settings.Audit.WithURL),
			Filter:    filter,
			QueueSize: settings.Engine.QueueSize,
		}, log, collector)
		if err := writer.Start(); err != nil {
			return err
		}

		report, runErr := auditor.Run(ctx, &settings.Audit, serverID, writer)
		if runErr != nil {
			writer.Abort()
			return runErr
		}
		if err := writer.CloseAndWait(); err != nil {
			return fmt.Errorf("finalizing output: %w", err)
		}

		fmt.Fprintf(os.Stderr, "%d problems found on %d objects, %d objects failed\n",
			report.Problems, report.Summary.Total, report.Summary.Failed())
		return nil
	})
}
