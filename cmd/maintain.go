package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var summariesCmd = &cobra.Command{
	Use:   "summaries",
	Short: "Refresh the rolling study summaries",
	RunE:  runSummaries,
}

var cacheFlushCmd = &cobra.Command{
	Use:   "cache-flush",
	Short: "Drop all cached answers",
	RunE:  runCacheFlush,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "cache-stats",
	Short: "Show answer cache occupancy",
	RunE:  runCacheStats,
}

func init() {
	rootCmd.AddCommand(summariesCmd, cacheFlushCmd, cacheStatsCmd)
}

func runSummaries(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	userID, err := currentUser()
	if err != nil {
		return err
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Sage.MaintainSummaries(ctx, userID); err != nil {
		return fmt.Errorf("maintaining summaries: %w", err)
	}
	fmt.Println("Summaries refreshed.")
	return nil
}

func runCacheFlush(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	a.Cache.Flush(ctx)
	fmt.Println("Answer cache flushed.")
	return nil
}

func runCacheStats(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	s := a.Cache.Stats(ctx)
	if s.Entries < 0 {
		fmt.Printf("Entries: unknown, TTL: %s\n", s.TTL)
		return nil
	}
	fmt.Printf("Entries: %d, TTL: %s\n", s.Entries, s.TTL)
	return nil
}
