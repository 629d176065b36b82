package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/metalagman/deeprun/internal/config"
	"github.com/metalagman/deeprun/internal/logging"
)

var (
	cfgFile string
	debug   bool
	cfg     config.Config

	rootCmd = &cobra.Command{
		Use:           "deeprun",
		Short:         "deeprun runs code-generation agents against workspace-backed projects",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() error {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default "+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logging.Init(debug || cfg.Debug)
		return nil
	}
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(pruneCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}
