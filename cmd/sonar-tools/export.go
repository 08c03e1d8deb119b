package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/okorach/sonar-tools-sub002/internal"
	"github.com/okorach/sonar-tools-sub002/internal/engine"
	"github.com/okorach/sonar-tools-sub002/internal/roundtrip"
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
	"github.com/okorach/sonar-tools-sub002/pkg/logger"
	"github.com/okorach/sonar-tools-sub002/pkg/metrics"
)

var (
	exportWhat   []string
	exportKeys   string
	exportFormat string
	exportFile   string
	exportFull   bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export platform configuration as a portable document",
	Long: `Export drains the selected object types into one document with a
named section per type, headed by a platform section identifying the
server that produced it. The document can be fed back to the import
command on another instance.`,
	RunE: runExport,
}

func init() {
	flags := exportCmd.Flags()
	flags.StringSliceVarP(&exportWhat, "what", "w", nil, "Object types to export (default all)")
	flags.StringVarP(&exportKeys, "key-filter", "k", "", "Only export objects whose key matches this regexp")
	flags.StringVarP(&exportFormat, "format", "f", "", "Output format: json or yaml")
	flags.StringVarP(&exportFile, "file", "o", "", "Output file (default stdout)")
	flags.BoolVar(&exportFull, "full", false, "Export inherited values as well, not only local differences")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	return exportDocument(cmd, func(s *config.Settings) {
		flags := cmd.Flags()
		if flags.Changed("what") {
			s.Export.What = exportWhat
		}
		if flags.Changed("key-filter") {
			s.Export.KeyFilter = exportKeys
		}
		if flags.Changed("format") {
			s.Export.Format = exportFormat
		}
		if flags.Changed("file") {
			s.Export.File = exportFile
		}
		if flags.Changed("full") {
			s.Export.Full = exportFull
		}
	})
}

// exportDocument runs one export with the given settings override; the
// migrate command shares it with its own override on top.
func exportDocument(cmd *cobra.Command, override internal.Override) error {
	container, err := internal.BuildContainer(configFile, globalOverrides(cmd), override)
	if err != nil {
		return err
	}

	return container.Invoke(func(
		settings *config.Settings,
		log *logger.Logger,
		api *client.Client,
		exporter *roundtrip.Exporter,
		collector *metrics.Collector,
		server *metrics.Server,
	) (err error) {
		defer log.Sync()

		ctx, stop := signalContext()
		defer stop()
		operation := "export"
		if settings.Export.Migration {
			operation = "migrate"
		}
		ctx, done := logger.StartOperation(ctx, log, operation)
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

		format, err := documentFormat(settings.Export.Format)
		if err != nil {
			return err
		}

		sink, err := engine.OpenSink(settings.Export.File)
		if err != nil {
			return err
		}

		writer := engine.NewWriter(sink, engine.WriterConfig{
			Format:    format,
			QueueSize: settings.Engine.QueueSize,
		}, log, collector)
		if err := writer.Start(); err != nil {
			return err
		}

		report, runErr := exporter.Run(ctx, &settings.Export, writer)
		if runErr != nil {
			writer.Abort()
			return runErr
		}
		if err := writer.CloseAndWait(); err != nil {
			return fmt.Errorf("finalizing output: %w", err)
		}

		fmt.Fprintf(os.Stderr, "%d/%d objects exported successfully in %d sections\n",
			report.Summary.Succeeded, report.Summary.Total, report.Sections)
		return nil
	})
}
