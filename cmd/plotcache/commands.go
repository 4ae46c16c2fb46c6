package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/agentuity/plotcache/cache"
	"github.com/agentuity/plotcache/coordinator"
	"github.com/agentuity/plotcache/logger"
	"github.com/agentuity/plotcache/tui"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var errConfirmationRequired = errors.New("refusing to purge without --yes")

func newLadderCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ladder",
		Short: "Print the size ladder requests are rounded up to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			policy, err := cfg.Policy()
			if err != nil {
				return err
			}
			var rows [][]string
			for i, rung := range policy.Ladder() {
				rows = append(rows, []string{strconv.Itoa(i), strconv.Itoa(rung)})
			}
			tui.Table(cmd.OutOrStdout(), []string{"Rung", "Pixels"}, rows)
			return nil
		},
	}
}

func newCanonicalizeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "canonicalize WIDTH HEIGHT",
		Short: "Print the canonical size a request renders at",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			policy, err := cfg.Policy()
			if err != nil {
				return err
			}
			width, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.Wrapf(err, "invalid width %q", args[0])
			}
			height, err := strconv.Atoi(args[1])
			if err != nil {
				return errors.Wrapf(err, "invalid height %q", args[1])
			}
			size, err := policy.Canonicalize(width, height)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), size.String())
			return nil
		},
	}
}

func addBackendFlags(cmd *cobra.Command) {
	cmd.Flags().String("path", "", "SQLite file of the persistent cache (overrides the config)")
	cmd.Flags().String("redis", "", "Redis URL of the persistent cache (overrides the config)")
	cmd.MarkFlagsMutuallyExclusive("path", "redis")
}

// openBackend opens the persistent backend of the config and flags. The
// returned func closes it and flushes telemetry.
func openBackend(ctx context.Context, cmd *cobra.Command) (cache.Backend, logger.Logger, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	if !cfg.HasPersistentBackend() {
		return nil, nil, nil, errors.Wrap(coordinator.ErrScopeNotConfigured, "set persistentPath or redisURL, or pass --path or --redis")
	}
	log, shutdown, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	backend, err := coordinator.OpenBackend(ctx, cfg, log)
	if err != nil {
		shutdown()
		return nil, nil, nil, err
	}
	return backend, log, func() {
		if err := backend.Close(); err != nil {
			log.Warn("error closing backend: %v", err)
		}
		shutdown()
	}, nil
}

func newStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the size of the persistent cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backend, _, done, err := openBackend(ctx, cmd)
			if err != nil {
				return err
			}
			defer done()
			statser, ok := backend.(cache.BackendStatser)
			if !ok {
				return errors.New("backend does not report stats")
			}
			stats, err := statser.Stats(ctx)
			if err != nil {
				return errors.Wrap(err, "error reading stats")
			}
			tui.Table(cmd.OutOrStdout(), []string{"Entries", "Bytes"}, [][]string{{
				strconv.FormatInt(stats.Entries, 10),
				strconv.FormatInt(stats.Bytes, 10),
			}})
			return nil
		},
	}
	addBackendFlags(cmd)
	return cmd
}

func newPurgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every entry of the persistent cache",
		Long: "Delete every entry of the persistent cache.\n\n" +
			"Persistent entries are never invalidated automatically. Run this after\n" +
			"changing how plots are rendered.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				tui.ShowWarning(cmd.ErrOrStderr(), "purge deletes every persistent entry, pass %s to confirm", tui.Bold("--yes"))
				return errConfirmationRequired
			}
			ctx := cmd.Context()
			backend, log, done, err := openBackend(ctx, cmd)
			if err != nil {
				return err
			}
			defer done()
			if err := tui.ShowSpinner(ctx, "Purging persistent cache...", func() error {
				return backend.DeleteAll(ctx)
			}); err != nil {
				return errors.Wrap(err, "error purging")
			}
			log.Info("purged persistent cache")
			tui.ShowSuccess(cmd.OutOrStdout(), "persistent cache purged")
			return nil
		},
	}
	addBackendFlags(cmd)
	cmd.Flags().Bool("yes", false, "confirm the purge")
	return cmd
}
