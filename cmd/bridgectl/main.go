package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "bridgectl",
		Short: "Talk to a bridge server over its framed TCP protocol",
		Long: `bridgectl opens a session with a bridge server, sending each input
line as an STX/ETX frame and printing every message the bridge sends back.
It can also encode and decode frames offline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.AddCommand(
		connectCmd(&configPath),
		encodeCmd(),
		decodeCmd(),
		mockCmd(&configPath),
		benchCmd(&configPath),
		versionCmd(),
	)
	return cmd
}
