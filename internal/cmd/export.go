package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/okarlsen/dictare/internal/config"
	"github.com/okarlsen/dictare/internal/diagnostics"
)

// NewExportCmd creates the export command: bundle the history store and log
// directory into one archive for a support request.
func NewExportCmd(configPath *string) *cobra.Command {
	var (
		outDir string
		logDir string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a diagnostics bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			storeDir := ""
			if cfg.History.Path != "" {
				storeDir = filepath.Dir(cfg.History.Path)
			}
			path, err := diagnostics.ExportBundle(storeDir, logDir, outDir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory the archive is written to")
	cmd.Flags().StringVar(&logDir, "logs", "", "log directory to include in the bundle")
	return cmd
}
