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
		Use:   "reaper",
		Short: "lmunit delayed-action reaper",
		Long:  "Wake sleeping actions whose retry time has come and time out exhausted ones",
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
