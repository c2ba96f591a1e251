package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/benaskins/lyceum/internal/config"
)

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

// homeDir is the directory holding the config file. The socket and audit
// log live beside it so a daemon started with --config is reachable by
// clients given the same flag.
func homeDir() string {
	path := resolvedConfigPath()
	if path == "" {
		return os.TempDir()
	}
	return filepath.Dir(path)
}

func socketPath() string {
	return filepath.Join(homeDir(), "lyceum.sock")
}

func auditLogPath() string {
	return filepath.Join(homeDir(), "audit.log")
}

var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show the files lyceum reads and writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := map[string]string{
			"home":   homeDir(),
			"config": resolvedConfigPath(),
			"socket": socketPath(),
			"audit":  auditLogPath(),
		}
		if jsonOut {
			return printJSON(paths)
		}
		for _, k := range []string{"home", "config", "socket", "audit"} {
			fmt.Printf("%-8s %s\n", k+":", paths[k])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pathsCmd)
}
