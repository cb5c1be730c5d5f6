package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"taskdialog/internal/cache"
	"taskdialog/internal/config"
)

func newStatsCmd() *cobra.Command {
	cfg := config.LoadChatClientConfig()
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the server's cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: cfg.Timeout}
			stats, err := fetchStats(cmd.Context(), client, strings.TrimRight(cfg.ServerURL, "/"))
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "dialogue server base URL")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "request timeout")
	return cmd
}

func fetchStats(ctx context.Context, client *http.Client, baseURL string) (cache.Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/cache/stats", nil)
	if err != nil {
		return cache.Stats{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return cache.Stats{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cache.Stats{}, fmt.Errorf("cache stats: unexpected status %d", resp.StatusCode)
	}
	var stats cache.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return cache.Stats{}, err
	}
	return stats, nil
}

func printStats(out io.Writer, s cache.Stats) {
	fmt.Fprintf(out, "entries    %s (~%s)\n", humanize.Comma(int64(s.Entries)), humanize.IBytes(uint64(max(s.ApproxMemory, 0))))
	fmt.Fprintf(out, "hits       %s\n", humanize.Comma(int64(s.Hits)))
	fmt.Fprintf(out, "misses     %s\n", humanize.Comma(int64(s.Misses)))
	fmt.Fprintf(out, "hit rate   %s%%\n", humanize.FtoaWithDigits(s.HitRate*100, 1))
	fmt.Fprintf(out, "sets       %s\n", humanize.Comma(int64(s.Sets)))
	fmt.Fprintf(out, "deletes    %s\n", humanize.Comma(int64(s.Deletes)))
	fmt.Fprintf(out, "evictions  %s\n", humanize.Comma(int64(s.Evictions)))
}
