package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/tamias-dev/tamias/cmd.Version=v1.0.0"
var Version = "dev"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "tamias",
	Short: "Tamias — personal AI assistant daemon",
	Long: "Tamias runs a local daemon that connects chat bridges (terminal, Discord,\n" +
		"Telegram, WhatsApp) to LLM providers, with tools, sub-agents, memory and\n" +
		"cron. Running tamias with no arguments starts the daemon in the foreground.",
	Run: func(cmd *cobra.Command, args []string) {
		if code := runDaemon(); code != 0 {
			os.Exit(code)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(attachCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tamias %s\n", Version)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
