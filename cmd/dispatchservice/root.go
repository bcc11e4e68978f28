package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/dispatchcore/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "dispatchservice",
	Short:         "Order dispatch and escrow settlement service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (yaml or json)")
}

// Execute runs the CLI.
func Execute() error { return rootCmd.ExecuteContext(context.Background()) }

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
