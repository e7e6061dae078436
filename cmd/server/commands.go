package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/threatgraph/internal/graph"
)

var errKafkaDisabled = errors.New("kafka is disabled; set kafka.enabled in the config")

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, plus the stream consumer and feed scheduler when enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServe(ctx, a)
		},
	}
}

// runServe builds every component first, then runs them together until
// ctx is cancelled or one of them fails.
func runServe(ctx context.Context, a *app) error {
	cfg := a.cfg
	srv := a.apiServer()

	var runners []func(context.Context) error
	runners = append(runners, srv.ListenAndServe)

	if cfg.Kafka.Enabled && cfg.Kafka.ConsumerEnabled {
		consumer, err := a.newConsumer()
		if err != nil {
			return err
		}
		defer consumer.Close()
		runners = append(runners, consumer.Run)
	}

	if cfg.Feeds.Schedule.Enabled {
		if a.feeds == nil {
			a.logger.Warn("Feed schedule enabled but kafka is disabled; scheduler not started")
		} else {
			sched, err := a.newScheduler()
			if err != nil {
				return err
			}
			runners = append(runners, sched.Run)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	a.telemetry.StartSystemMetricsCollector(ctx)
	for _, run := range runners {
		g.Go(func() error { return run(ctx) })
	}

	a.logger.Info("threatgraph running",
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("kafka", cfg.Kafka.Enabled),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Strings("feeds", cfg.EnabledFeeds()),
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.logger.Info("threatgraph stopped")
	return err
}

// =============================================================================
// consume
// =============================================================================

func newConsumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Run only the Kafka consumer that applies stream messages to the graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.cfg.Kafka.Enabled {
				return errKafkaDisabled
			}
			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.close()

			consumer, err := a.newConsumer()
			if err != nil {
				return err
			}
			defer consumer.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return consumer.Run(ctx)
		},
	}
}

// =============================================================================
// ingest
// =============================================================================

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var sample bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one feed ingestion pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.cfg.Kafka.Enabled {
				return errKafkaDisabled
			}
			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			var out any
			if sample {
				out = map[string]int{"items_ingested": a.feeds.IngestSample(ctx)}
			} else {
				out = a.feeds.IngestAndStream(ctx)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&sample, "sample", false, "stream the built-in sample items instead of the configured feeds")
	return cmd
}

// =============================================================================
// schema
// =============================================================================

func newSchemaCmd(opts *rootOptions) *cobra.Command {
	var seed bool

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Create graph constraints and indexes, optionally loading TTPs and sample data",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if err := graph.EnsureSchema(ctx, a.graph, a.logger); err != nil {
				return err
			}
			if !seed {
				fmt.Fprintln(cmd.OutOrStdout(), "schema ready")
				return nil
			}

			seeder := a.seeder()
			n, err := seeder.SeedTTPs(ctx)
			if err != nil {
				return err
			}
			if err := seeder.SeedSample(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready, %d techniques and sample graph loaded\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "load MITRE techniques and the sample graph")
	return cmd
}
