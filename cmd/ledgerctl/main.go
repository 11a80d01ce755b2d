// Package main provides ledgerctl, the operator CLI for the vial ledger.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/vial-ledger/internal/config"
	"github.com/drfirst/vial-ledger/internal/domain/inventory"
	"github.com/drfirst/vial-ledger/internal/infrastructure/postgres"
	"github.com/drfirst/vial-ledger/internal/infrastructure/redpanda"
	"github.com/drfirst/vial-ledger/internal/observability/logging"
	"github.com/drfirst/vial-ledger/pkg/idempotency"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// env is loaded once per command invocation.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	e := &env{}
	var timeout time.Duration

	root := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Operate the controlled-substance vial ledger",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging(), "ledgerctl")
			if err != nil {
				return err
			}
			e.cfg, e.logger = cfg, logger
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			cobra.OnFinalize(cancel)
			cmd.SetContext(ctx)
			return nil
		},
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall command timeout")

	root.AddCommand(
		newMigrateCommand(e),
		newTopicsCommand(e),
		newOutboxCommand(e),
		newInboxCommand(e),
		newDispenseCommand(e),
		newEventsCommand(e),
	)
	return root
}

func (e *env) pool(ctx context.Context) (*pgxpool.Pool, error) {
	return postgres.NewPool(ctx, e.cfg.DatabaseURL, 2, 0)
}

func newMigrateCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ledger schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := e.pool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := postgres.NewMigrator(pool, e.logger).Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := e.pool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := postgres.NewMigrator(pool, e.logger).Status(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED AT")
			for _, s := range statuses {
				at := "pending"
				if s.AppliedAt != nil {
					at = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%03d\t%s\t%s\n", s.Version, s.Name, at)
			}
			return tw.Flush()
		},
	})
	return cmd
}

func newTopicsCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the ledger's Redpanda topics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create missing ledger topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := redpanda.NewAdmin(e.cfg.KafkaBrokers, e.logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			return admin.EnsureTopics(cmd.Context(), e.cfg.KafkaReplication)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics on the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := redpanda.NewAdmin(e.cfg.KafkaBrokers, e.logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			topics, err := admin.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range topics {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	})
	return cmd
}

func newOutboxCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the transactional outbox",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show pending, processed and failed outbox entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := e.pool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			stats, err := postgres.OutboxStatistics(cmd.Context(), pool, e.cfg.Outbox().MaxRetries)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	})
	return cmd
}

func newInboxCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect idempotency keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count idempotency keys by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := e.pool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			stats, err := idempotency.NewPostgresBackend(pool).Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired idempotency keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := e.pool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := idempotency.NewPostgresBackend(pool).Cleanup(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired key(s)\n", n)
			return nil
		},
	})
	return cmd
}

func newDispenseCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispense",
		Short: "Administrative dispense operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge <dispense-id>",
		Short: "Delete a dispense and its DEA record without restoring vial volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := e.pool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := inventory.NewService(postgres.NewStore(pool, e.logger), e.cfg.Ledger(), e.logger)
			if err := svc.DeleteDispenseByID(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged dispense %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newEventsCommand(e *env) *cobra.Command {
	var (
		from  string
		group string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read ledger events from Redpanda",
	}
	tail := &cobra.Command{
		Use:   "tail [topic...]",
		Short: "Print ledger events as they are published",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := redpanda.DefaultConsumerConfig()
			cfg.Brokers = e.cfg.KafkaBrokers
			cfg.StartOffset = from
			cfg.GroupID = group
			if len(args) > 0 {
				cfg.Topics = args
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			consumer, err := redpanda.NewConsumer(cfg, func(_ context.Context, msg *redpanda.ConsumedMessage) error {
				return out.Encode(struct {
					*redpanda.ConsumedMessage
					Event json.RawMessage `json:"event"`
				}{msg, json.RawMessage(msg.Value)})
			}, e.logger)
			if err != nil {
				return err
			}
			// Tailing runs until interrupted, not until --timeout.
			ctx, stop := signal.NotifyContext(context.WithoutCancel(cmd.Context()), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return consumer.Run(ctx)
		},
	}
	tail.Flags().StringVar(&from, "from", "latest", "start offset: earliest or latest")
	tail.Flags().StringVar(&group, "group", "", "consumer group; offsets are committed when set")
	cmd.AddCommand(tail)
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
