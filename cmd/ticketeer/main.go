package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	pgDSN      string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ticketeer",
		Short: "lmunit deploy-ticket scheduler",
		Long:  "Maintain the pool of per-host deploy tickets that gates machine placement",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", defaultConfigPath(), "Path to config file")
	rootCmd.PersistentFlags().StringVar(&pgDSN, "pg-dsn", "", "Override the Postgres DSN")
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if v := os.Getenv("CONFIG"); v != "" {
		return v
	}
	return "config.yml"
}
