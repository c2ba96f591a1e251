package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benaskins/lyceum/internal/config"
)

type checkResult struct {
	Path    string `json:"path"`
	Valid   bool   `json:"valid"`
	Service string `json:"service,omitempty"`
	Worker  string `json:"worker,omitempty"`
	Error   string `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a config file",
	Long:  "Parse and validate a lyceum config file. Checks the given file or the default (~/.lyceum/config.yaml).",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	target := resolvedConfigPath()
	if len(args) > 0 {
		target = args[0]
	}
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("cannot access %s: %w", target, err)
	}

	result := checkResult{Path: target}
	cfg, err := config.Load(target)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Valid = true
		result.Service = cfg.Service.Command
		result.Worker = cfg.Worker.Command
	}

	if jsonOut {
		if err := printJSON(result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Printf("OK    %s (service %s, worker %s)\n", result.Path, result.Service, result.Worker)
	} else {
		fmt.Fprintf(os.Stderr, "FAIL  %s\n      %v\n", result.Path, result.Error)
	}

	if !result.Valid {
		return fmt.Errorf("config failed validation")
	}
	return nil
}
