package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/catalog-audit/internal/console/service"
	"github.com/xela07ax/catalog-audit/internal/domain"
	"github.com/xela07ax/catalog-audit/internal/infra"
	"github.com/xela07ax/catalog-audit/internal/repository/postgres"
	"github.com/xela07ax/catalog-audit/internal/repository/spool"
)

var errPostgresOnly = errors.New("command requires storage.driver=postgres")

type runtimeState struct {
	configPath string
	cfg        *infra.Config
	logger     *zap.Logger
}

func newRootCommand() *cobra.Command {
	rt := &runtimeState{}

	root := &cobra.Command{
		Use:           "auditctl",
		Short:         "Operate the catalog audit log",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := infra.LoadConfig(rt.configPath)
			if err != nil {
				return err
			}
			logger, err := infra.NewLogger(cfg.Logger)
			if err != nil {
				return err
			}
			rt.cfg = cfg
			rt.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if rt.logger != nil {
				_ = rt.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&rt.configPath, "config", "", "Path to config file")

	root.AddCommand(
		newMigrateCommand(rt),
		newQueryCommand(rt),
		newStatsCommand(rt),
		newReplayCommand(rt),
	)
	return root
}

// openPostgres открывает пул по конфигу; вызывающий закрывает repo.
func (rt *runtimeState) openPostgres(ctx context.Context) (*postgres.AuditRepo, error) {
	if rt.cfg.Storage.Driver != "postgres" {
		return nil, errPostgresOnly
	}
	return postgres.NewAuditRepo(ctx, postgres.PoolConfig{
		URL:            rt.cfg.Database.URL,
		MaxConns:       rt.cfg.Database.MaxConns,
		MinConns:       rt.cfg.Database.MinConns,
		AcquireTimeout: rt.cfg.Database.AcquireTimeout,
	})
}

// auditService собирает сервис чтения поверх Postgres. memory-драйвер здесь
// бессмысленен: у CLI свой процесс и пустое хранилище.
func (rt *runtimeState) auditService(ctx context.Context) (*service.AuditService, func(), error) {
	repo, err := rt.openPostgres(ctx)
	if err != nil {
		return nil, nil, err
	}
	limits := service.QueryLimits{DefaultLimit: rt.cfg.Query.DefaultLimit, MaxLimit: rt.cfg.Query.MaxLimit}
	return service.NewAuditService(repo, limits), repo.Close, nil
}

func newMigrateCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply audit_logs schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := rt.openPostgres(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := postgres.Migrate(cmd.Context(), repo.Pool(), rt.logger); err != nil {
				return err
			}
			version, err := postgres.MigrationVersion(cmd.Context(), repo.Pool())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", version)
			return nil
		},
	}
}

// filterFlags - общие флаги фильтра для query и stats.
type filterFlags struct {
	actorID    int64
	action     string
	resource   string
	statusCode int
	from       string
	to         string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.actorID, "actor-id", 0, "Filter by actor id")
	cmd.Flags().StringVar(&f.action, "action", "", "Filter by action: CREATE, READ, UPDATE, DELETE")
	cmd.Flags().StringVar(&f.resource, "resource", "", "Filter by resource")
	cmd.Flags().IntVar(&f.statusCode, "status-code", 0, "Filter by response status code")
	cmd.Flags().StringVar(&f.from, "from", "", "Lower bound, RFC3339")
	cmd.Flags().StringVar(&f.to, "to", "", "Upper bound, RFC3339")
}

func (f *filterFlags) build(cmd *cobra.Command) (domain.AuditFilter, error) {
	out := domain.AuditFilter{Action: f.action, Resource: f.resource}
	if cmd.Flags().Changed("actor-id") {
		out.ActorID = &f.actorID
	}
	if cmd.Flags().Changed("status-code") {
		out.StatusCode = &f.statusCode
	}
	var err error
	if out.From, err = parseTime("from", f.from); err != nil {
		return out, err
	}
	if out.To, err = parseTime("to", f.to); err != nil {
		return out, err
	}
	return out, nil
}

func parseTime(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &t, nil
}

func newQueryCommand(rt *runtimeState) *cobra.Command {
	var (
		filter filterFlags
		page   domain.Pagination
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List audit records, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := filter.build(cmd)
			if err != nil {
				return err
			}
			svc, closeFn, err := rt.auditService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := svc.Query(cmd.Context(), f, page)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	filter.register(cmd)
	cmd.Flags().IntVar(&page.Limit, "limit", 0, "Page size (0 uses query.default_limit)")
	cmd.Flags().IntVar(&page.Offset, "offset", 0, "Records to skip")
	return cmd
}

func newStatsCommand(rt *runtimeState) *cobra.Command {
	var filter filterFlags
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate audit records by action, resource and status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := filter.build(cmd)
			if err != nil {
				return err
			}
			svc, closeFn, err := rt.auditService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := svc.Stats(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	filter.register(cmd)
	return cmd
}

func newReplayCommand(rt *runtimeState) *cobra.Command {
	var maxBatches int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Write batches from the Redis dead letter spool back to Postgres",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := rt.openPostgres(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			rdb := redis.NewClient(&redis.Options{
				Addr:     rt.cfg.Redis.Addr,
				Password: rt.cfg.Redis.Password,
				DB:       rt.cfg.Redis.DB,
			})
			defer rdb.Close()

			dl := spool.NewDeadLetterSpool(rdb, rt.cfg.Audit.DeadLetter.Key, rt.cfg.Audit.DeadLetter.MaxLen, rt.logger)
			res, err := service.NewReplayService(dl, repo, rt.logger).Run(cmd.Context(), maxBatches)
			if pErr := printJSON(cmd.OutOrStdout(), res); pErr != nil {
				return pErr
			}
			return err
		},
	}
	cmd.Flags().IntVar(&maxBatches, "max", 0, "Stop after this many batches (0 drains the spool)")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
