package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/conduit-lang/persist/internal/cli/config"
	"github.com/conduit-lang/persist/internal/cli/ui"
	"github.com/conduit-lang/persist/internal/hellojpa"
	"github.com/conduit-lang/persist/internal/logging"
	"github.com/conduit-lang/persist/internal/orm/hooks"
	"github.com/conduit-lang/persist/internal/orm/session"
	"github.com/conduit-lang/persist/internal/orm/storage"
	"github.com/conduit-lang/persist/internal/orm/storage/cache"
	"github.com/conduit-lang/persist/internal/orm/storage/sqlstore"
)

// store is the gateway chain a command runs against
type store struct {
	gateway storage.Gateway
	sql     *sqlstore.Gateway
	cache   *cache.Gateway
}

func (s *store) Close() error {
	var err error
	if s.cache != nil {
		err = multierr.Append(err, s.cache.Close())
	}
	return multierr.Append(err, s.sql.Close())
}

// openStore opens the configured database, wrapped in the Redis row cache
// when it is enabled
func openStore(cfg *config.Config, logger *zap.Logger) (*store, error) {
	txOpts, err := cfg.TxOptions()
	if err != nil {
		return nil, err
	}

	sqlGateway, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN,
		sqlstore.WithTxOptions(txOpts),
		sqlstore.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	s := &store{gateway: sqlGateway, sql: sqlGateway}
	if cfg.Cache.Enabled {
		cached, err := cache.Dial(sqlGateway, cfg.CacheOptions(), logger)
		if err != nil {
			sqlGateway.Close()
			return nil, err
		}
		s.cache = cached
		s.gateway = cached
	}
	return s, nil
}

func newDemoCommand(opts *globalOptions) *cobra.Command {
	var (
		mappingFlag string
		principal   string
		skipSchema  bool
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the Member/Team walkthrough against the configured store",
		Long: `Persist a team and a member, load them back in a fresh session, follow
the lazy associations both ways, rename the member and finally remove both.
Each step prints the entities and session counters it leaves behind.`,
		Example: `  # In-memory SQLite
  persist demo

  # PostgreSQL with the Redis cache
  PERSIST_DATABASE_DRIVER=pgx PERSIST_DATABASE_DSN=postgres://localhost/persist \
    PERSIST_CACHE_ENABLED=true persist demo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			registry, err := opts.loadRegistry(cfg, mappingFlag)
			if err != nil {
				return err
			}

			st, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := hooks.WithPrincipal(cmd.Context(), principal)
			if !skipSchema {
				if err := st.sql.CreateSchema(ctx, registry); err != nil {
					return err
				}
				// rows cached against an earlier database would shadow the new one
				if st.cache != nil {
					if err := st.cache.Clear(ctx); err != nil {
						return err
					}
				}
			}

			queue := hooks.NewAsyncQueue(2, logger)
			queue.Start()
			defer queue.Shutdown()

			executor := hooks.NewExecutor(queue, logger)
			if err := registerDemoHooks(executor, logger); err != nil {
				return err
			}

			factory, err := session.NewFactory(registry, st.gateway,
				session.WithLogger(logger),
				session.WithHooks(executor),
				session.WithMaxFetchDepth(cfg.Session.MaxFetchDepth),
			)
			if err != nil {
				return err
			}

			return runDemo(ctx, cmd.OutOrStdout(), factory, opts.noColor)
		},
	}

	cmd.Flags().StringVar(&mappingFlag, "mapping", "", "YAML mapping document that maps Member and Team")
	cmd.Flags().StringVar(&principal, "principal", "persist", "Principal recorded in the audit columns")
	cmd.Flags().BoolVar(&skipSchema, "skip-schema", false, "Do not create missing tables")

	return cmd
}

func registerDemoHooks(executor *hooks.Executor, logger *zap.Logger) error {
	if err := hooks.Auditing(executor.Registry(), time.Now, "persist"); err != nil {
		return err
	}
	return executor.Registry().Register(hooks.AllEntities, hooks.PostPersist, &hooks.Hook{
		Async: true,
		Fn: func(ctx *hooks.Context) error {
			logger.Info("persisted",
				zap.String("entity", ctx.EntityName()),
				zap.Any("key", ctx.Key()))
			return nil
		},
	})
}

func runDemo(ctx context.Context, out io.Writer, factory *session.Factory, noColor bool) error {
	model, err := hellojpa.ModelFor(factory.Registry())
	if err != nil {
		return err
	}

	ui.Step(out, 1, "persist a member and its team", noColor)
	s := factory.Open()
	team := model.NewTeam("TeamA")
	member := model.NewMember("member1")
	member.SetTeam(team)
	if err := s.Persist(ctx, member.Entity); err != nil {
		return err
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, member)
	if err := s.Close(); err != nil {
		return err
	}

	ui.Step(out, 2, "load the member in a new session", noColor)
	s = factory.Open()
	defer s.Close()
	e, err := s.Load(ctx, hellojpa.MemberEntity, member.KeyValue())
	if err != nil {
		return err
	}
	found, err := hellojpa.AsMember(e)
	if err != nil {
		return err
	}
	printBases(out, noColor, found.Base)
	printStats(out, s.Stats())

	ui.Step(out, 3, "follow member.team and team.members", noColor)
	foundTeam, err := found.GetTeam(ctx)
	if err != nil {
		return err
	}
	members, err := foundTeam.GetMembers(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "team %q has %d member(s); same instance: %t\n",
		foundTeam.GetName(), len(members), len(members) == 1 && members[0].Entity == found.Entity)
	printStats(out, s.Stats())

	ui.Step(out, 4, "rename the member and flush", noColor)
	found.SetName("member1-renamed")
	changes, err := s.Changes(found.Entity)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d pending column change(s)\n", changes.Len())
	for _, column := range changes.ChangedColumns() {
		change := changes.GetChange(column)
		fmt.Fprintf(out, "  %s: %v → %v\n", column, change.OldValue, change.NewValue)
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	printBases(out, noColor, found.Base)

	ui.Step(out, 5, "remove the member and the team", noColor)
	if err := s.Remove(ctx, found.Entity); err != nil {
		return err
	}
	if err := s.Remove(ctx, foundTeam.Entity); err != nil {
		return err
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	printStats(out, s.Stats())

	check := factory.Open()
	defer check.Close()
	gone, err := check.Find(ctx, hellojpa.MemberEntity, member.KeyValue())
	if err != nil {
		return err
	}
	if gone != nil {
		return fmt.Errorf("member %v still exists after removal", member.KeyValue())
	}

	ui.Success(out, "walkthrough complete", noColor)
	return nil
}

func printBases(out io.Writer, noColor bool, rows ...hellojpa.Base) {
	table := ui.NewTable(out, noColor, "Entity", "ID", "Name", "Created by", "Last modified")
	for _, b := range rows {
		table.AddRow(
			b.Name(),
			fmt.Sprint(b.GetID()),
			b.GetName(),
			b.GetCreatedBy(),
			b.GetLastModifiedDate().Format(time.RFC3339),
		)
	}
	table.Render()
}

func printStats(out io.Writer, stats session.Stats) {
	fmt.Fprintf(out, "session: %d managed, %d pending, %d removed, %d identities\n",
		stats.Managed, stats.PendingInserts, stats.Removed, stats.Identities)
}

