package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "daedalus",
	Short: "Daedalus hosts JavaScript operators inside a dataflow node",
	Long: `Daedalus loads JavaScript operator modules, feeds them the samples arriving
on their inputs and publishes their outputs and terminal status over NATS.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "daedalus.yaml", "Path to the YAML or TOML configuration file")
}
