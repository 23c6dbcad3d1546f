// Command fixloop resolves static-analysis issues with a language model.
//
// It picks open issues from SonarQube one at a time, asks the completion
// backend for a batch of candidate fixes, and commits the first candidate
// that builds and passes the tests.
//
// Usage:
//
//	fixloop fix -p ./src/Shop -n Shop
//	fixloop issues -p ./src/Shop
//	fixloop config
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information set by ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	projectDir string
	configPath string
	projectKey string
)

var rootCmd = &cobra.Command{
	Use:   "fixloop",
	Short: "Fix static-analysis issues with generated, validated patches",
	Long: `fixloop works through the open issues of a SonarQube project.

For each issue it generates candidate replacements of the affected file,
validates them with the project's build and test commands, and commits the
first candidate that passes. Failed candidates are rolled back.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", ".", "project directory (git working copy)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: <project>/.fixloop/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&projectKey, "name", "n", "", "analyzer project key (overrides analyzer.project_key)")

	rootCmd.AddCommand(fixCmd)
	rootCmd.AddCommand(issuesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd)
	},
}

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "fixloop by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Git Commit: %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received %v, stopping after the current step\n", sig)
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
