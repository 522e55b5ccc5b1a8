package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/outflowhq/outflow/pkg/config"
	"github.com/outflowhq/outflow/pkg/logging"
)

var version = "dev"

func main() {
	ctx := context.Background()

	v := viper.New()
	v.SetEnvPrefix("outflow")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:     "outflow",
		Short:   "outflow inspects and manages a sync engine store",
		Version: version,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			return v.BindPFlags(c.Flags())
		},
	}

	cmd.PersistentFlags().String("working-dir", ".outflow", "directory holding the sync store")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "json", "log format (json, console)")
	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	cmd.AddCommand(syncsCmd(ctx, v))
	cmd.AddCommand(runsCmd(ctx, v))
	cmd.AddCommand(recordsCmd(ctx, v))
	cmd.AddCommand(abortCmd(ctx, v))
	cmd.AddCommand(exportCmd(ctx, v))
	cmd.AddCommand(importCmd(ctx, v))

	err := cmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// runContext resolves config and attaches a logger to the context.
func runContext(ctx context.Context, v *viper.Viper) (context.Context, *config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}

	ctx, err = logging.Init(ctx,
		logging.WithLogLevel(cfg.LogLevel),
		logging.WithLogFormat(cfg.LogFormat),
		logging.WithOutputPaths(cfg.LogPaths),
		logging.WithInitialFields(map[string]interface{}{"app": "outflow", "version": version}),
	)
	if err != nil {
		return nil, nil, err
	}

	return ctx, cfg, nil
}
