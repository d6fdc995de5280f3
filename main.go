package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"solapay/internal/config"
)

func main() {
	// .env is optional; real environments set SOLAPAY_* directly
	_ = godotenv.Load()

	var configDir string

	rootCmd := &cobra.Command{
		Use:          "solapay",
		Short:        "SolaPay - USDC payments on Solana for merchants",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "config", "directory containing config.yaml")

	rootCmd.AddCommand(serveCmd(&configDir))
	rootCmd.AddCommand(migrateCmd(&configDir))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(dir string) (*config.Config, error) {
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
