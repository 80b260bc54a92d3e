package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmlog/swarmlog/internal/analytics"
)

var analyticsSinceFlag string

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Parameterized read-only views over the event log (spec §4's Analytics Views)",
}

func init() {
	analyticsCmd.PersistentFlags().StringVar(&analyticsSinceFlag, "since", "24h", "window to aggregate over (e.g. 30m, 24h, 7d)")
	rootCmd.AddCommand(analyticsCmd)
}

func analyticsWindow() (time.Time, error) {
	d, err := parseSince(analyticsSinceFlag)
	if err != nil {
		return time.Time{}, err
	}
	if d <= 0 {
		d = 24 * time.Hour
	}
	return time.Now().Add(-d), nil
}

var analyticsLatencyCmd = &cobra.Command{
	Use:   "latency",
	Short: "Claim-to-completion latency for subtask runs",
	RunE: withAnalyticsViews(func(v *analytics.Views, cmd *cobra.Command) error {
		since, err := analyticsWindow()
		if err != nil {
			return err
		}
		stats, err := v.Latency(cmd.Context(), projectFlag, since)
		if err != nil {
			return err
		}
		fmt.Printf("count=%d p50=%.0fms p95=%.0fms avg=%.0fms max=%.0fms\n",
			stats.Count, stats.P50Ms, stats.P95Ms, stats.AvgMs, stats.MaxMs)
		return nil
	}),
}

var analyticsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Completed/failed run counts bucketed over time",
	RunE: withAnalyticsViews(func(v *analytics.Views, cmd *cobra.Command) error {
		since, err := analyticsWindow()
		if err != nil {
			return err
		}
		points, err := v.Throughput(cmd.Context(), projectFlag, since, time.Hour)
		if err != nil {
			return err
		}
		for _, p := range points {
			fmt.Printf("%d  completed=%d  failed=%d\n", p.BucketStartMs, p.Completed, p.Failed)
		}
		return nil
	}),
}

var analyticsErrorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Failed-run share over the window",
	RunE: withAnalyticsViews(func(v *analytics.Views, cmd *cobra.Command) error {
		since, err := analyticsWindow()
		if err != nil {
			return err
		}
		rate, err := v.Errors(cmd.Context(), projectFlag, since)
		if err != nil {
			return err
		}
		fmt.Printf("total=%d failed=%d rate=%.1f%%\n", rate.Total, rate.Failed, rate.Percent)
		return nil
	}),
}

var analyticsSaturationCmd = &cobra.Command{
	Use:   "saturation",
	Short: "Active vs. pending subtask runs",
	RunE: withAnalyticsViews(func(v *analytics.Views, cmd *cobra.Command) error {
		stats, err := v.Saturation(cmd.Context(), projectFlag)
		if err != nil {
			return err
		}
		fmt.Printf("active=%d pending=%d\n", stats.Active, stats.Pending)
		return nil
	}),
}

var analyticsContentionCmd = &cobra.Command{
	Use:   "contention",
	Short: "Path patterns with more than one active reservation holder",
	RunE: withAnalyticsViews(func(v *analytics.Views, cmd *cobra.Command) error {
		points, err := v.Contention(cmd.Context(), projectFlag)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			fmt.Println("no contention")
			return nil
		}
		for _, p := range points {
			fmt.Printf("%-40s holders=%d\n", p.PathPattern, p.Holders)
		}
		return nil
	}),
}

func init() {
	analyticsCmd.AddCommand(analyticsLatencyCmd, analyticsThroughputCmd, analyticsErrorsCmd, analyticsSaturationCmd, analyticsContentionCmd)
}

// withAnalyticsViews opens the database, builds a Views, and runs fn,
// closing the connection on return.
func withAnalyticsViews(fn func(v *analytics.Views, cmd *cobra.Command) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()
		return fn(analytics.NewViews(client.DB()), cmd)
	}
}
