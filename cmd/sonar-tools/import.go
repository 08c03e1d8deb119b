package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/okorach/sonar-tools-sub002/internal"
	"github.com/okorach/sonar-tools-sub002/internal/roundtrip"
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
	"github.com/okorach/sonar-tools-sub002/pkg/logger"
	"github.com/okorach/sonar-tools-sub002/pkg/metrics"
)

var (
	importWhat []string
	importKeys string
	importFile string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a previously exported configuration document",
	Long: `Import replays a JSON document produced by the export command
against the connected instance. Objects are created in a first pass and
composed in a second, so references between sections always resolve.
Re-importing the same document changes nothing.`,
	RunE: runImport,
}

func init() {
	flags := importCmd.Flags()
	flags.StringSliceVarP(&importWhat, "what", "w", nil, "Object types to import (default all)")
	flags.StringVarP(&importKeys, "key-filter", "k", "", "Only import objects whose key matches this regexp")
	flags.StringVarP(&importFile, "file", "i", "", "Document to import (default stdin)")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	container, err := internal.BuildContainer(configFile, globalOverrides(cmd), func(s *config.Settings) {
		flags := cmd.Flags()
		if flags.Changed("what") {
			s.Import.What = importWhat
		}
		if flags.Changed("key-filter") {
			s.Import.KeyFilter = importKeys
		}
		if flags.Changed("file") {
			s.Import.File = importFile
		}
	})
	if err != nil {
		return err
	}

	return container.Invoke(func(
		settings *config.Settings,
		log *logger.Logger,
		api *client.Client,
		importer *roundtrip.Importer,
		server *metrics.Server,
	) (err error) {
		defer log.Sync()

		ctx, stop := signalContext()
		defer stop()
		ctx, done := logger.StartOperation(ctx, log, "import")
		defer func() { done(err) }()

		document, err := readDocument(settings.Import.File)
		if err != nil {
			return err
		}

		if err := connect(ctx, api, log); err != nil {
			return err
		}
		defer logAPIStats(log, api)

		stopMetrics, err := startMetrics(server, log)
		if err != nil {
			return err
		}
		defer stopMetrics()

		report, err := importer.Run(ctx, &settings.Import, document)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "%d objects created, %d updated, %d failed in %d sections\n",
			report.Created, report.Applied, report.Failed, report.Sections)
		return nil
	})
}

// readDocument loads the import payload. An empty path or "-" reads
// standard input.
func readDocument(path string) ([]byte, error) {
	if path == "" || path == "-" {
		document, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading standard input: %w", err)
		}
		return document, nil
	}

	document, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading import document: %w", err)
	}
	return document, nil
}
