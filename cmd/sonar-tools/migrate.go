package main

import (
	"github.com/spf13/cobra"

	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

var (
	migrateWhat    []string
	migrateKeys    string
	migrateFormat  string
	migrateFile    string
	migrateHistory int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Export everything needed to assess a platform migration",
	Long: `Migrate produces a superset of the export document: full values,
analysis task history and the CI tool detected per project. The result
describes the instance for migration planning and is not meant to be
imported back.`,
	RunE: runMigrate,
}

func init() {
	flags := migrateCmd.Flags()
	flags.StringSliceVarP(&migrateWhat, "what", "w", nil, "Object types to export (default all)")
	flags.StringVarP(&migrateKeys, "key-filter", "k", "", "Only export objects whose key matches this regexp")
	flags.StringVarP(&migrateFormat, "format", "f", "", "Output format: json or yaml")
	flags.StringVarP(&migrateFile, "file", "o", "", "Output file (default stdout)")
	flags.IntVar(&migrateHistory, "history", 10, "Background task history entries kept per project")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	return exportDocument(cmd, func(s *config.Settings) {
		flags := cmd.Flags()
		if flags.Changed("what") {
			s.Export.What = migrateWhat
		}
		if flags.Changed("key-filter") {
			s.Export.KeyFilter = migrateKeys
		}
		if flags.Changed("format") {
			s.Export.Format = migrateFormat
		}
		if flags.Changed("file") {
			s.Export.File = migrateFile
		}
		if flags.Changed("history") {
			s.Export.History = migrateHistory
		}
		s.Export.Migration = true
		s.Export.Full = true
	})
}
