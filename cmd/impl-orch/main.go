package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "impl-orch",
		Short: "Implementation orchestrator - turns recommendations into branches",
		Long: `impl-orch takes natural-language improvement requests for a repository,
has a code-generation agent implement them in a managed workspace,
commits the result on a fresh branch and optionally opens a pull request
and triggers a preview deployment.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
