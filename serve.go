package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"idealsize/core"
	"idealsize/db"
	"idealsize/logging"
	"idealsize/metrics"
	"idealsize/server"
	"idealsize/shutdown"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// historyPruneInterval is how often the serve loop prunes old history.
	historyPruneInterval = time.Hour
	// teardownTimeout bounds the steps run after the server stopped.
	teardownTimeout = 30 * time.Second

	metricsRecentCapacity = 200
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Runs the HTTP node host",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "listen `HOST` (default from HOST)"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "listen `PORT` (default from PORT)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			env := envFromContext(ctx)
			if cmd.IsSet("host") {
				env.Cfg.Host = cmd.String("host")
			}
			if cmd.IsSet("port") {
				env.Cfg.Port = cmd.Int("port")
			}
			if err := env.Cfg.Validate(); err != nil {
				return usageError{err: err}
			}
			return runServe(ctx, env.Cfg, env.Log)
		},
	}
}

// runServe wires storage, the node registry and the HTTP server and blocks
// until ctx is cancelled.
func runServe(ctx context.Context, cfg *core.Config, log *logging.Logger) (err error) {
	calc, err := loadCalculator(cfg)
	if err != nil {
		return err
	}
	registry, err := newRegistry(cfg)
	if err != nil {
		return err
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("unable to open database: %w", err)
	}

	teardown := shutdown.NewRegistry(log)
	teardown.Register("database", shutdown.PriorityStorage, func(context.Context) error {
		return database.Close()
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		err = multierr.Append(err, teardown.Shutdown(sctx))
	}()

	services := server.Services{
		Registry:   registry,
		Calculator: calc,
		Metrics: metrics.NewStore(metrics.StoreConfig{
			RecentCapacity: metricsRecentCapacity,
			Version:        core.Version,
		}, time.Now()),
	}

	repo := db.NewRepository(database, nil)
	if cfg.HistoryEnabled {
		writerCfg := db.DefaultAsyncWriterConfig()
		writerCfg.OnError = func(op db.WriteOperation, err error) {
			log.Warn("History write failed", zap.Time("queued", op.Timestamp), zap.Error(err))
		}
		writer := db.NewAsyncWriter(repo.AsyncWriteHandler(), writerCfg)
		writer.Start()
		teardown.Register("history-writer", shutdown.PriorityWorkers, func(context.Context) error {
			if !writer.Stop() {
				return fmt.Errorf("%d pending write(s) dropped", writer.Pending())
			}
			return nil
		})
		repo = db.NewRepository(database, writer)
		services.History = repo
	}
	services.Models = repo

	srvCfg := server.DefaultConfig()
	srvCfg.Host = cfg.Host
	srvCfg.Port = cfg.Port
	srvCfg.APITokenHash = cfg.APITokenHash
	srvCfg.RateLimitRPS = cfg.RateLimitRPS
	srvCfg.RateLimitBurst = cfg.RateLimitBurst
	srvCfg.TrustedProxies = cfg.TrustedProxies
	srvCfg.VersionInfo = server.VersionInfo{
		Version:   core.Version,
		BuildTime: core.BuildTime,
		GitCommit: core.GitCommit,
	}

	srv, err := server.NewServer(srvCfg, services, log)
	if err != nil {
		return err
	}

	log.Info("Configuration loaded",
		zap.String("version", core.GetVersionInfo()),
		zap.String("addr", srv.Addr()),
		zap.String("db", cfg.DBPath),
		zap.Bool("history", cfg.HistoryEnabled),
		zap.Int("history_retention_days", cfg.HistoryRetentionDays),
		zap.String("family_table", cfg.FamilyTablePath),
		zap.Bool("auth", cfg.AuthEnabled()),
		zap.Int("trusted_proxies", len(cfg.TrustedProxies)),
		zap.Bool("dev_mode", cfg.DevMode))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if cfg.HistoryEnabled && cfg.HistoryRetention() > 0 {
		g.Go(func() error {
			return repo.RunCleanupLoop(gctx, db.CleanupSchedulerConfig{
				Retention: cfg.HistoryRetention(),
				Interval:  historyPruneInterval,
				OnCleanup: func(result db.CleanupResult, err error) {
					if err != nil {
						log.Error("History prune failed", zap.Error(err))
						return
					}
					if result.Deleted > 0 {
						log.Info("History pruned",
							zap.Int64("deleted", result.Deleted),
							zap.Time("cutoff", result.Cutoff))
					}
				},
			})
		})
	}

	return g.Wait()
}

func hashTokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "hash-token",
		Usage:     "Prints a bcrypt hash of an API token for API_TOKEN_HASH",
		ArgsUsage: "[TOKEN]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "cost", Value: server.DefaultTokenCost, Usage: "bcrypt `COST`"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			token := cmd.Args().First()
			if token == "" {
				// Read from stdin so the token stays out of shell history.
				line, err := bufio.NewReader(cmd.Root().Reader).ReadString('\n')
				if err != nil && line == "" {
					return usagef("no token given on the command line or stdin")
				}
				token = strings.TrimSpace(line)
			}

			hash, err := server.HashToken(token, cmd.Int("cost"))
			if err != nil {
				return usageError{err: err}
			}
			fmt.Fprintln(cmd.Root().Writer, hash)
			return nil
		},
	}
}
