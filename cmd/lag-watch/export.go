package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/lag-watch/internal/storage"
	"github.com/spf13/cobra"
)

var flagFormat string

func init() {
	exportCmd.Flags().StringVar(&flagFormat, "format", "json", "Output format: json or csv")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the tick journal as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openJournal()
		if err != nil {
			return err
		}
		defer store.Close()

		ticks, err := store.RecentTicks(cmd.Context(), 0)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		return writeTicks(cmd.OutOrStdout(), flagFormat, ticks)
	},
}

func writeTicks(w io.Writer, format string, ticks []storage.Tick) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if ticks == nil {
			ticks = []storage.Tick{}
		}
		return enc.Encode(ticks)
	case "csv":
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"id", "at", "status", "network", "indexed", "lag", "network_error", "indexed_error", "alerts_sent", "alerts_failed"})
		for _, t := range ticks {
			_ = cw.Write([]string{
				strconv.FormatInt(t.ID, 10),
				t.At.UTC().Format(time.RFC3339),
				t.Status,
				t.Network,
				t.Indexed,
				t.Lag,
				t.NetworkError,
				t.IndexedError,
				strconv.Itoa(t.AlertsSent),
				strconv.Itoa(t.AlertsFailed),
			})
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("export: unsupported format %q", format)
	}
}
