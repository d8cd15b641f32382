package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tanq16/partdl/internal/config"
	"github.com/tanq16/partdl/internal/scheduler"
	"github.com/tanq16/partdl/internal/utils"
)

// maxConnections caps connections across all parallel downloads.
const maxConnections = 64

// capConnections shrinks per-download connections so workers in parallel
// stay within maxConnections.
func capConnections(cfg *config.Config, workers int) {
	if workers*cfg.Connections <= maxConnections {
		return
	}
	cfg.Connections = max(maxConnections/workers, 1)
	log := utils.GetLogger("cmd")
	log.Debug().Int("connections", cfg.Connections).Int("workers", workers).Msg("Reduced connections per download")
}

func newBatchCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "Download every entry of a YAML list ({link, op} items)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			entries, err := utils.ReadDownloadList(args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no entries found in %s", args[0])
			}
			if workers <= 0 {
				return fmt.Errorf("--workers must be positive")
			}
			capConnections(&cfg, workers)
			return run(scheduler.NewJobs(entries, cfg), cfg, workers)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 1, "Number of links to download in parallel")
	return cmd
}
