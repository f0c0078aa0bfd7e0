package main

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var version = "dev"

const defaultConfigPath = "courier.yaml"

// configureJSON sets process-wide encoding options. Money is rendered as a
// JSON number in every encoder the binary uses.
func configureJSON() {
	decimal.MarshalJSONWithoutQuotes = true
}

func main() {
	configureJSON()

	var configPath string

	root := &cobra.Command{
		Use:           "courier",
		Short:         "Courier: metered message relay with a hard budget",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newBudgetCmd(&configPath),
		newUsageCmd(&configPath),
		newActivityCmd(&configPath),
		newRatesCmd(),
		newSendCmd(&configPath),
		newInboxCmd(&configPath),
		newResetCmd(&configPath),
		newMCPCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
