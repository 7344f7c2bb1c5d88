package commands

import (
	"fmt"
	"omoharvest-backend/cmd/harvest/globals"
	"omoharvest-backend/cmd/harvest/utils"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(batchCmd)
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Harvests every job of the config, concurrency jobs at a time.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		value := globals.Get(cmd.Context())
		if len(value.Config.Jobs) == 0 {
			return fmt.Errorf("the config has no jobs")
		}

		results := value.Harvester.Batch(cmd.Context(), value.Config.Jobs, os.Stdout)
		utils.RenderJobs(os.Stderr, results)

		failed := 0
		for _, res := range results {
			if res.Err != nil {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d jobs failed", failed, len(results))
		}
		return nil
	},
}
