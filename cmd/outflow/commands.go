package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/outflowhq/outflow/pkg/config"
	"github.com/outflowhq/outflow/pkg/runs"
	"github.com/outflowhq/outflow/pkg/store"
)

func withStore(ctx context.Context, v *viper.Viper, fn func(ctx context.Context, cfg *config.Config, st *store.Store) error) error {
	ctx, cfg, err := runContext(ctx, v)
	if err != nil {
		return err
	}

	st, err := store.New(ctx, cfg.WorkingDir)
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(ctx, cfg, st)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func syncsCmd(ctx context.Context, v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "syncs",
		Short: "List sync definitions in the store",
		RunE: func(c *cobra.Command, args []string) error {
			return withStore(ctx, v, func(ctx context.Context, _ *config.Config, st *store.Store) error {
				pageToken := ""
				for {
					page, nextPageToken, err := st.ListSyncs(ctx, pageToken, 100)
					if err != nil {
						return err
					}
					for _, sc := range page {
						if err := printJSON(sc); err != nil {
							return err
						}
					}
					if nextPageToken == "" {
						return nil
					}
					pageToken = nextPageToken
				}
			})
		},
	}
}

func runsCmd(ctx context.Context, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs <sync-id>",
		Short: "List runs for a sync, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withStore(ctx, v, func(ctx context.Context, _ *config.Config, st *store.Store) error {
				page, _, err := st.ListRuns(ctx, args[0], "", 100)
				if err != nil {
					return err
				}
				for _, run := range page {
					if err := printJSON(run); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func recordsCmd(ctx context.Context, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records <sync-id>",
		Short: "Show record ledger counts for a sync",
		RunE: func(c *cobra.Command, args []string) error {
			return withStore(ctx, v, func(ctx context.Context, _ *config.Config, st *store.Store) error {
				syncID := args[0]
				counts := map[string]int64{}
				for _, status := range []store.RecordStatus{store.RecordStatusPending, store.RecordStatusSuccess, store.RecordStatusFailed} {
					n, err := st.CountRecords(ctx, syncID, status)
					if err != nil {
						return err
					}
					counts[string(status)] = n
				}
				return printJSON(counts)
			})
		},
		Args: cobra.ExactArgs(1),
	}
	return cmd
}

func abortCmd(ctx context.Context, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abort <run-id>",
		Short: "Abort a run that has not started executing",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withStore(ctx, v, func(ctx context.Context, _ *config.Config, st *store.Store) error {
				ok, err := st.TransitionRun(ctx, args[0], runs.StatusAborted)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("run %s is already executing or finished and cannot be aborted", args[0])
				}
				return nil
			})
		},
	}
	return cmd
}

func exportCmd(ctx context.Context, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <path>",
		Short: "Write a compressed snapshot of the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withStore(ctx, v, func(ctx context.Context, _ *config.Config, st *store.Store) error {
				return st.SaveSnapshot(ctx, args[0])
			})
		},
	}
	return cmd
}

func importCmd(ctx context.Context, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <snapshot> <db-path>",
		Short: "Restore a store from a compressed snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			ctx, _, err := runContext(ctx, v)
			if err != nil {
				return err
			}
			if _, err := os.Stat(args[1]); err == nil {
				return fmt.Errorf("refusing to overwrite existing database at %s", args[1])
			}
			return store.RestoreSnapshot(ctx, args[0], args[1])
		},
	}
	return cmd
}
