package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"hookrelay/internal/pkg/logger"
	"hookrelay/internal/platform/config"
	"hookrelay/internal/platform/database"
)

var (
	cfgFile string
	cfg     *config.Config

	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow)
)

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "hookrelay operator CLI",
	Long: `relayctl manages a hookrelay installation: schema migrations,
integrations, reconciliation sweeps and history API tokens.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Logging, "relayctl")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("RELAY_CONFIG"), "config file")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table or json")

	rootCmd.AddCommand(migrateCmd, integrationCmd, reconcileCmd, tokenCmd)
}

func openDB() (*database.DB, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
