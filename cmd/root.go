// Package cmd is the CLI front end for the download engine, built on
// cobra exactly as the teacher's cmd/root.go was, but thin: `get` opens
// the facade.Engine for the life of the process, and the other
// subcommands read or update the task store directly.
// There is no TUI and no background HTTP server - the teacher's
// multi-process "master instance + browser extension" surface is dropped
// since nothing in the spec calls for it; what remains is the part every
// download manager CLI needs regardless of front end.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haulio/haul/internal/config"
)

// Version is set via ldflags during build.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "haul",
	Short:   "A multi-protocol segmented download engine",
	Long:    `haul fetches files over HTTP using segmented, resumable, speed-limited downloads.`,
	Version: Version,
}

var stateDir string

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "override the engine's state directory")
	rootCmd.SetVersionTemplate("haul version {{.Version}}\n")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(rmCmd)
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtimeConfig builds the RuntimeConfig every subcommand shares,
// honoring --state-dir.
func runtimeConfig() *config.RuntimeConfig {
	return &config.RuntimeConfig{StateDir: stateDir}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
