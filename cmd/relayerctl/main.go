package main

import (
	"os"

	"github.com/spf13/cobra"
)

const (
	flagEndpoint = "endpoint"
	flagState    = "state"
	flagLimit    = "limit"
	flagFrom     = "from"
	flagTo       = "to"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "relayerctl",
		Short:        "Operator tool for the token bridge relayer",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP(flagEndpoint, "e", "http://localhost:3333", "relayer presenter endpoint")

	rootCmd.AddCommand(
		statusCmd(),
		recordsCmd(),
		reprocessCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
