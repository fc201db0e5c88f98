// Scribe CLI — инструмент командной строки для управления проектами
// через HTTP API.
//
// Использование:
//
//	scribe [--api-url URL] [-o table|json|yaml] <command> <subcommand> [flags]
//
// Команды:
//
//	project      Управление проектами
//	dead-letter  Просмотр dead-letter записей
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Scribe/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool
	var format string

	rootCmd := &cobra.Command{
		Use:           "scribe",
		Short:         "Scribe CLI — content pipeline orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				format = cli.FormatJSON
			}
			f, err := cli.ParseFormat(format)
			if err != nil {
				return err
			}
			format = f
			return nil
		},
	}

	apiDefault := "http://localhost:8080"
	if v := os.Getenv("SCRIBE_API_URL"); v != "" {
		apiDefault = v
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", apiDefault, "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format (same as -o json)")
	rootCmd.PersistentFlags().StringVarP(&format, "output", "o", cli.FormatTable, "Output format: table, json, yaml")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(format) }

	rootCmd.AddCommand(
		cli.NewProjectCmd(clientFn, outputFn),
		cli.NewDeadLetterCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
