// Package main provides the build-stats CLI. It is a thin shell over the
// download, stats, and store packages: it parses arguments, wires the
// configured store and provider together, and formats results.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	_ "github.com/ajaymathur/build-stats/src/bitbucket"
	"github.com/ajaymathur/build-stats/src/broker"
	"github.com/ajaymathur/build-stats/src/config"
	"github.com/ajaymathur/build-stats/src/contracts"
	"github.com/ajaymathur/build-stats/src/download"
	"github.com/ajaymathur/build-stats/src/logger"
	"github.com/ajaymathur/build-stats/src/provider"
	"github.com/ajaymathur/build-stats/src/stats"
	"github.com/ajaymathur/build-stats/src/store"
	_ "github.com/ajaymathur/build-stats/src/travis"
)

var (
	appConfig *config.Config

	verbose  bool
	jsonOut  bool
	branches []string
	results  []string

	concurrency int
	since       int
	publish     bool

	periodDays  int
	periodCount int
	threshold   float64
)

var rootCmd = &cobra.Command{
	Use:   "build-stats",
	Short: "Get the build stats for repositories on Travis CI and Bitbucket Pipelines",
	Long: `build-stats downloads a repository's CI build history into a local
cache and computes reliability and performance statistics over it.

Repositories are addressed as host:owner/name, e.g.:
  build-stats download travis:facebook/react
  build-stats calculate travis:facebook/react --period 1 --last 30`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		appConfig, err = config.LoadFromEnv()
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	downloadCmd.Flags().IntVar(&concurrency, "concurrency", 5, "maximum concurrent provider requests")
	downloadCmd.Flags().IntVar(&since, "since", -1, "refetch builds newer than this number instead of resuming from the cache")
	downloadCmd.Flags().BoolVar(&publish, "publish", false, "publish downloaded records to the configured broker")

	for _, cmd := range []*cobra.Command{calculateCmd, historyCmd, successCmd} {
		cmd.Flags().StringSliceVar(&branches, "branch", nil, "only include builds on these branches")
		cmd.Flags().StringSliceVar(&results, "result", nil, "only include builds with these results (e.g. SUCCESSFUL, FAILED)")
		cmd.Flags().BoolVar(&jsonOut, "json", false, "emit JSON instead of text")
	}
	for _, cmd := range []*cobra.Command{calculateCmd, successCmd} {
		cmd.Flags().IntVar(&periodDays, "period", 1, "bucket width in days")
		cmd.Flags().IntVar(&periodCount, "last", 30, "number of buckets")
	}
	calculateCmd.Flags().Float64Var(&threshold, "threshold", 0, "healthy mean duration cutoff in seconds (default: derived from the data)")

	rootCmd.AddCommand(downloadCmd, calculateCmd, historyCmd, successCmd, cleanCmd, cacheCmd)
}

// newLogger picks a logger for the invocation: silent when JSON is going to
// stdout, console otherwise.
func newLogger() logger.Logger {
	if jsonOut {
		return logger.NewSilentLogger()
	}
	return logger.NewConsoleLogger(verbose)
}

// newStore opens the configured store: Postgres when a DSN is set, the
// filesystem snapshot store otherwise.
func newStore() (store.Store, error) {
	if appConfig.PostgresDSN != "" {
		return store.NewPostgresStore(appConfig.PostgresDSN)
	}
	return store.NewFSStore(appConfig.CacheDir)
}

func parseRepoArg(args []string) (contracts.Repo, error) {
	return contracts.ParseRepo(args[0])
}

func parseResults() []contracts.Result {
	out := make([]contracts.Result, 0, len(results))
	for _, r := range results {
		out = append(out, contracts.Result(strings.ToUpper(r)))
	}
	return out
}

func statOptions() stats.Options {
	return stats.Options{
		Branches:    branches,
		Results:     parseResults(),
		PeriodDays:  periodDays,
		PeriodCount: periodCount,
		Threshold:   threshold,
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var downloadCmd = &cobra.Command{
	Use:   "download <host:owner/name>",
	Short: "Download the repository's build history into the local cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := parseRepoArg(args)
		if err != nil {
			return err
		}

		prov, err := provider.ForRepo(repo, appConfig.TokenFor(repo.Host))
		if err != nil {
			return err
		}

		st, err := newStore()
		if err != nil {
			return err
		}
		defer st.Close()

		var publisher broker.Broker
		if publish {
			if len(appConfig.Brokers) == 0 {
				return fmt.Errorf("%w: --publish requires BUILD_STATS_BROKERS to be set", contracts.ErrInvalidParameter)
			}
			publisher, err = broker.NewRedpandaBroker(appConfig.Brokers)
			if err != nil {
				return err
			}
			defer publisher.Close()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dl := download.New(prov, st, publisher, newLogger())
		return dl.Run(ctx, repo, download.Options{
			Concurrency: concurrency,
			Since:       since,
		})
	},
}

var calculateCmd = &cobra.Command{
	Use:   "calculate <host:owner/name>",
	Short: "Compute per-period build statistics from the local cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := parseRepoArg(args)
		if err != nil {
			return err
		}

		st, err := newStore()
		if err != nil {
			return err
		}
		defer st.Close()

		buckets, err := stats.NewEngine(st).Calculate(cmd.Context(), repo, statOptions())
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(buckets)
		}
		for _, b := range buckets {
			printBucket(b)
		}
		return nil
	},
}

func printBucket(b stats.Bucket) {
	window := fmt.Sprintf("%s - %s", b.Start.Format("2006-01-02"), b.End.Format("2006-01-02"))

	mean := "-"
	if b.MeanDuration != nil {
		mean = fmt.Sprintf("%.1fs", *b.MeanDuration)
	}
	rate := "-"
	if b.SuccessRate != nil {
		rate = fmt.Sprintf("%.1f%%", *b.SuccessRate*100)
	}

	line := fmt.Sprintf("%s  builds: %-4d success: %-4d failed: %-4d rate: %-7s mean: %s",
		window, b.TotalCount, b.SuccessCount, b.FailedCount, rate, mean)

	switch {
	case b.MeanDuration == nil:
		fmt.Println(line)
	case b.Healthy:
		color.Green(line)
	default:
		color.Red(line)
	}
}

var historyCmd = &cobra.Command{
	Use:   "history <host:owner/name>",
	Short: "List cached builds, filtered by branch and result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := parseRepoArg(args)
		if err != nil {
			return err
		}

		st, err := newStore()
		if err != nil {
			return err
		}
		defer st.Close()

		opts := stats.Options{Branches: branches, Results: parseResults(), PeriodDays: 1, PeriodCount: 1}
		records, err := stats.NewEngine(st).History(cmd.Context(), repo, opts)
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(records)
		}
		for _, r := range records {
			duration := "-"
			if d, ok := r.Duration(); ok {
				duration = fmt.Sprintf("%.0fs", d.Seconds())
			}
			started := "-"
			if !r.StartedAt.IsZero() {
				started = r.StartedAt.Format(time.RFC3339)
			}
			fmt.Printf("#%-6d %-20s %-12s %-8s %s\n", r.Number, r.Branch, r.Result, duration, started)
		}
		return nil
	},
}

var successCmd = &cobra.Command{
	Use:   "success <host:owner/name>",
	Short: "Summarize the success rate over the requested window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := parseRepoArg(args)
		if err != nil {
			return err
		}

		st, err := newStore()
		if err != nil {
			return err
		}
		defer st.Close()

		summary, err := stats.NewEngine(st).Success(cmd.Context(), repo, statOptions())
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(summary)
		}
		rate := "-"
		if summary.SuccessRate != nil {
			rate = fmt.Sprintf("%.1f%%", *summary.SuccessRate*100)
		}
		fmt.Printf("builds: %d  success: %d  failed: %d  rate: %s\n",
			summary.TotalCount, summary.SuccessCount, summary.FailedCount, rate)
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean <host:owner/name>",
	Short: "Delete the repository's cached build history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := parseRepoArg(args)
		if err != nil {
			return err
		}

		st, err := newStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Delete(cmd.Context(), repo); err != nil {
			return err
		}
		fmt.Printf("cleaned %s\n", repo)
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache <host:owner/name>",
	Short: "Print where the repository's build history is cached",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := parseRepoArg(args)
		if err != nil {
			return err
		}

		// Pure path computation: no store is opened and no I/O happens.
		if appConfig.PostgresDSN != "" {
			fmt.Println("postgres://build_records/" + repo.Slug())
			return nil
		}
		fmt.Println(store.SnapshotPath(appConfig.CacheDir, repo))
		return nil
	},
}
