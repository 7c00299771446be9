package main

import (
	"fmt"

	"github.com/devblac/lag-watch/internal/config"
	"github.com/devblac/lag-watch/internal/fault"
	"github.com/devblac/lag-watch/internal/logging"
	"github.com/devblac/lag-watch/internal/source/cursor"
	"github.com/devblac/lag-watch/internal/source/node"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ping the node provider and indexer",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d, %d sink(s))\n", cfg.Version, len(cfg.Sinks))

		failures := 0

		head := node.NewFetcher(cfg.Network, cfg.Global.RequestTimeout)
		if chainID, err := head.ChainID(ctx); err != nil {
			failures++
			fmt.Fprintf(out, "- node: ERROR %v\n", err)
		} else {
			fmt.Fprintf(out, "- node: chainId %s OK\n", chainID)
		}

		indexed, err := cursor.NewFetcher(cfg.Indexer, cfg.Global.RequestTimeout, logging.NewWithLevel(cfg.Log.Level))
		if err != nil {
			return err
		}
		if h, err := indexed.FetchIndexed(ctx); err != nil {
			failures++
			fmt.Fprintf(out, "- indexer: ERROR (%s) %v\n", fault.KindOf(err), err)
		} else {
			fmt.Fprintf(out, "- indexer: %s cursor %s OK\n", indexed.Policy(), h)
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d upstream(s) failed connectivity", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}
