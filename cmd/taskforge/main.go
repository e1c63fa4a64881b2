package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/taskforge/internal/config"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "taskforge",
	Short: "taskforge - scripted task variants and auto-grading",
	Long: `taskforge runs instructor-authored generator and solution scripts in a
sandbox, materializes reproducible per-student task variants, and grades
numeric answers with configurable tolerance and late penalties.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./taskforge.yaml or $HOME/.taskforge/taskforge.yaml)")
}

func loadConfig() (*config.Config, error) {
	if configFlag != "" {
		return config.LoadFile(configFlag)
	}
	return config.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
