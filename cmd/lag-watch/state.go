package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/devblac/lag-watch/internal/config"
	"github.com/devblac/lag-watch/internal/storage"
	"github.com/spf13/cobra"
)

var flagLimit int

func init() {
	stateCmd.Flags().IntVar(&flagLimit, "limit", 20, "Number of recent ticks to show")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show recent ticks from the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openJournal()
		if err != nil {
			return err
		}
		defer store.Close()

		ticks, err := store.RecentTicks(cmd.Context(), flagLimit)
		if err != nil {
			return fmt.Errorf("state: %w", err)
		}
		if len(ticks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "state: no ticks recorded")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tSTATUS\tNETWORK\tINDEXED\tLAG\tALERTS")
		for _, t := range ticks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\n",
				t.At.UTC().Format(time.RFC3339), t.Status,
				orDash(t.Network), orDash(t.Indexed), orDash(t.Lag),
				t.AlertsSent, t.AlertsSent+t.AlertsFailed)
		}
		return w.Flush()
	},
}

func openJournal() (*storage.Store, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Global.DBPath == "" {
		return nil, errors.New("global.db_path is not set; the journal is disabled")
	}
	return storage.Open(cfg.Global.DBPath)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
