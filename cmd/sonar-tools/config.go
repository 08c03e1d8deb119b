package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/okorach/sonar-tools-sub002/internal"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

var configDumpFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Config resolves defaults, the configuration file, environment
variables and flags exactly like every other command, then prints the
result with credential fields masked.`,
	RunE: runConfig,
}

func init() {
	flags := configCmd.Flags()
	flags.StringVarP(&configDumpFormat, "format", "f", "yaml", "Output format: yaml or json")
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	container, err := internal.BuildContainer(configFile, globalOverrides(cmd))
	if err != nil {
		return err
	}

	return container.Invoke(func(settings *config.Settings) error {
		var format config.DumpFormat
		switch configDumpFormat {
		case "yaml", "yml":
			format = config.DumpYAML
		case "json":
			format = config.DumpJSON
		default:
			return fmt.Errorf("config prints yaml or json, not %s", configDumpFormat)
		}

		out, err := config.Dump(settings, format)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	})
}
