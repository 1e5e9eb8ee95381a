package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"coopledger/auth"
	"coopledger/config"
	"coopledger/db"
	"coopledger/loan"
	"coopledger/report"
	"coopledger/scheduler"
	"coopledger/storage"
)

const reportCachePrefix = "coopledger:report:"

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "coopledger",
		Short: "Installment loan ledger for savings cooperatives",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $"+config.PathEnv+")")

	rootCmd.AddCommand(
		newServeCommand(&configPath),
		newSweepCommand(&configPath),
		newMigrateCommand(&configPath),
		newAddUserCommand(&configPath),
	)
	return rootCmd
}

func newServeCommand(configPath *string) *cobra.Command {
	var seedUser, seedPassword string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the daily overdue sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("JWT_SECRET is required to serve")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if seedUser != "" {
				if err := a.seedUser(ctx, seedUser, seedPassword); err != nil {
					return err
				}
			}

			return runServe(ctx, cfg, a)
		},
	}

	cmd.Flags().StringVar(&seedUser, "seed-manager", "", "create this manager account at startup if missing")
	cmd.Flags().StringVar(&seedPassword, "seed-password", "", "password for --seed-manager")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, a *app) error {
	reports, err := a.reportService(ctx, cfg)
	if err != nil {
		return err
	}

	srv := NewServer(cfg.Server.Port, a.ledger, reports, a.auth)
	sweep := &scheduler.Runner{
		Name:     "overdue-sweep",
		Interval: cfg.Ledger.SweepInterval,
		Job: func(ctx context.Context) error {
			_, err := a.ledger.RunOverdueSweep(ctx)
			return err
		},
		RunImmediately: true,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, cfg.Server.ShutdownTimeout) })
	g.Go(func() error { return sweep.Run(gctx) })
	return g.Wait()
}

func newSweepCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Promote every past-due pending installment to overdue once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			a, err := bootstrap(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.ledger.RunOverdueSweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "promoted %d installment(s) to overdue\n", n)
			return nil
		},
	}
}

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded SQL migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Store != config.StorePostgres {
				return errors.New("migrate requires the postgres store")
			}
			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			names, _ := db.MigrationNames()
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(names))
			return nil
		},
	}
}

func newAddUserCommand(configPath *string) *cobra.Command {
	var req auth.RegisterRequest
	var role string

	cmd := &cobra.Command{
		Use:   "adduser",
		Short: "Create a staff account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Store != config.StorePostgres {
				return errors.New("adduser requires the postgres store; use serve --seed-manager in memory mode")
			}
			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			req.Role = auth.Role(role)
			svc := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
			user, err := svc.Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) id=%s\n", user.Username, user.Role, user.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Username, "username", "", "login name (required)")
	cmd.Flags().StringVar(&req.FullName, "full-name", "", "display name (required)")
	cmd.Flags().StringVar(&req.Password, "password", "", "password, at least 8 characters (required)")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleOfficer), "officer or manager")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("full-name")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

// app holds the long-lived dependencies shared by the commands.
type app struct {
	pool    *pgxpool.Pool
	ledger  *loan.Service
	auth    *auth.Service
	loc     *time.Location
	closers []func()
}

func bootstrap(ctx context.Context, cfg *config.Config) (*app, error) {
	loc, err := cfg.Ledger.Location()
	if err != nil {
		return nil, err
	}
	a := &app{loc: loc}

	var store loan.Store
	var users auth.Repository
	switch cfg.Store {
	case config.StoreMemory:
		log.Printf("[BOOT] store=memory; data is lost on exit")
		store = loan.NewMemoryStore()
		users = auth.NewMemoryRepository()
	default:
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		store = loan.NewPGStore(pool)
		users = auth.NewRepository(pool)
	}

	a.ledger = loan.NewService(store, loan.WithTxTimeout(cfg.Ledger.TxTimeout), loan.WithLocation(loc))
	a.auth = auth.NewService(users, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	return a, nil
}

// reportService picks the SQL source when a pool is open and wires the
// optional Redis cache and S3 archive.
func (a *app) reportService(ctx context.Context, cfg *config.Config) (*report.Service, error) {
	var source report.Source = report.NewLedgerSource(a.ledger)
	if a.pool != nil {
		source = report.NewPGSource(a.pool)
	}

	opts := []report.Option{
		report.WithClock(func() time.Time { return time.Now().In(a.loc) }),
	}
	if cfg.Redis.Addr != "" {
		client, err := storage.NewRedis(ctx, storage.RedisInfo{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		opts = append(opts, report.WithCache(report.NewRedisCache(client, reportCachePrefix), cfg.Redis.CacheTTL))
		log.Printf("[BOOT] report cache=redis addr=%s ttl=%s", cfg.Redis.Addr, cfg.Redis.CacheTTL)
	}
	if cfg.S3.Endpoint != "" {
		s3, err := storage.NewS3(storage.S3Info{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, report.WithArchive(s3.Client, s3.Bucket))
		log.Printf("[BOOT] report archive bucket=%s", s3.Bucket)
	}

	return report.NewService(source, opts...), nil
}

func (a *app) seedUser(ctx context.Context, username, password string) error {
	_, err := a.auth.Register(ctx, auth.RegisterRequest{
		Username: username,
		Password: password,
		FullName: username,
		Role:     auth.RoleManager,
	})
	if errors.Is(err, auth.ErrDuplicateUsername) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("seed manager %q: %w", username, err)
	}
	log.Printf("[BOOT] seeded manager %s", username)
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
}
