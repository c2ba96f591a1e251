package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benaskins/lyceum/internal/gpu"
)

var gpuCmd = &cobra.Command{
	Use:   "gpu",
	Short: "Show accelerator status",
	Long:  "Ask the running daemon for its cached accelerator snapshot, or probe directly with --local.",
	RunE: func(cmd *cobra.Command, args []string) error {
		local, _ := cmd.Flags().GetBool("local")

		var info gpu.Info
		if local {
			info = gpu.Detect(cmd.Context())
		} else if err := apiGet("/v1/gpu", &info); err != nil {
			return err
		}

		if jsonOut {
			return printJSON(info)
		}
		if !info.Available {
			fmt.Println("No accelerator detected")
			return nil
		}

		fmt.Printf("Accelerator:  %s (%s)\n", info.Name, info.Backend)
		if info.Unified {
			fmt.Printf("Memory:       Unified, %.1f GB\n", info.TotalGB())
		} else {
			fmt.Printf("Memory:       %.1f GB\n", info.TotalGB())
		}
		if info.MemoryUsed > 0 {
			fmt.Printf("Usage:        %.1f%%\n", info.UsagePercent())
		}
		return nil
	},
}

func init() {
	gpuCmd.Flags().Bool("local", false, "probe the accelerator without contacting the daemon")
	rootCmd.AddCommand(gpuCmd)
}
