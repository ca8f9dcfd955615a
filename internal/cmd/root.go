// Package cmd holds the dictared command tree.
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the dictared CLI.
func NewRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "dictared",
		Short:         "Voice dictation daemon",
		Long:          "dictared transcribes dictation sessions through cloud and local speech providers and delivers the text to the desktop.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml",
		"path to the YAML configuration file")

	rootCmd.AddCommand(NewRunCmd(&configPath))
	rootCmd.AddCommand(NewDoctorCmd(&configPath))
	rootCmd.AddCommand(NewHistoryCmd(&configPath))
	rootCmd.AddCommand(NewExportCmd(&configPath))
	rootCmd.AddCommand(NewVersionCmd())

	return rootCmd
}
