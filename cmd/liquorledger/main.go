package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/liquorledger/liquorledger/cmd/liquorledger/cli"
	"github.com/liquorledger/liquorledger/internal/app"
	"github.com/liquorledger/liquorledger/internal/observability"
	"github.com/liquorledger/liquorledger/internal/reconcile"
	"github.com/liquorledger/liquorledger/jobs"
	"github.com/liquorledger/liquorledger/migrations"
)

const usage = `usage: liquorledger [command] [flags]

commands:
  serve                    run the HTTP API (default)
  migrate                  apply pending database migrations
  verify [--json]          check every chain and ledger
  rebuild --chain shop:brand:ml | --ledger book:key [--json]
  jobs trigger <scan|rebuild|cleanup> [flags]
  jobs status
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return 0
	}

	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}
	if command == "help" {
		_, _ = fmt.Fprint(stdout, usage)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return 1
	}
	logger := app.NewLogger(cfg)

	switch command {
	case "serve":
		return serve(ctx, stop, cfg, logger)
	case "migrate":
		return migrate(ctx, cfg, logger)
	case "verify", "rebuild":
		return integrity(ctx, command, args, cfg, logger, stdout, stderr)
	case "jobs":
		return jobsCommand(ctx, args, cfg, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", command, usage)
		return cli.ExitUsage
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) int {
	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer stores.Close(logger)

	metrics := observability.NewMetrics()
	service, balances := app.NewReconcileService(cfg, stores, logger, metrics)
	if err := balances.ListenForInvalidation(ctx); err != nil {
		logger.Warn("cache invalidation listener", slog.Any("error", err))
	}

	var jobHandler *jobs.Handler
	if stores.Redis != nil {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		ReconcileHandler: reconcile.NewHandler(logger, service),
		JobHandler:       jobHandler,
		Metrics:          metrics,
		Checks:           stores.Checks(),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return 1
	}
	return 0
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer stores.Close(logger)

	applied, err := migrations.Apply(ctx, stores.Pool)
	if err != nil {
		logger.Error("apply migrations", slog.Any("error", err), slog.Any("applied", applied))
		return 1
	}
	logger.Info("migrations applied", slog.Int("count", len(applied)), slog.Any("names", applied))
	return 0
}

func integrity(ctx context.Context, command string, args []string, cfg *app.Config, logger *slog.Logger, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print JSON")
	chain := fs.String("chain", "", "chain key shop:brand:ml")
	ledgerKey := fs.String("ledger", "", "ledger key book:key")
	actor := fs.Int64("actor", 0, "operator id recorded in the audit log")
	if err := fs.Parse(args); err != nil {
		return cli.ExitUsage
	}

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer stores.Close(logger)
	service, _ := app.NewReconcileService(cfg, stores, logger, nil)
	helper := cli.NewIntegrityCLI(service)

	if command == "verify" {
		return helper.VerifyCommand(ctx, cli.VerifyOptions{JSONOutput: *jsonOut, Stdout: stdout, Stderr: stderr})
	}
	return helper.RebuildCommand(ctx, cli.RebuildOptions{
		Chain:      *chain,
		Ledger:     *ledgerKey,
		ActorID:    *actor,
		JSONOutput: *jsonOut,
		Stdout:     stdout,
		Stderr:     stderr,
	})
}

func jobsCommand(ctx context.Context, args []string, cfg *app.Config, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return cli.ExitUsage
	}
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	client := jobs.NewClient(redisOpts)
	defer func() { _ = client.Close() }()
	inspector := asynq.NewInspector(redisOpts)
	defer func() { _ = inspector.Close() }()
	helper := cli.NewJobsCLI(client, inspector)

	switch args[0] {
	case "status":
		return helper.StatusCommand(ctx, stdout, stderr)
	case "trigger":
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		fs.SetOutput(stderr)
		repair := fs.Bool("repair", false, "rebuild every key the scan reports")
		chain := fs.String("chain", "", "chain key shop:brand:ml")
		ledgerKey := fs.String("ledger", "", "ledger key book:key")
		retention := fs.Duration("retention", cfg.IdempotencyRetention, "keep event ids newer than this")
		if len(args) < 2 {
			_, _ = fmt.Fprint(stderr, usage)
			return cli.ExitUsage
		}
		if err := fs.Parse(args[2:]); err != nil {
			return cli.ExitUsage
		}
		return helper.TriggerCommand(ctx, cli.TriggerOptions{
			Name:      args[1],
			Repair:    *repair,
			Chain:     *chain,
			Ledger:    *ledgerKey,
			Retention: *retention,
			Stdout:    stdout,
			Stderr:    stderr,
		})
	default:
		_, _ = fmt.Fprintf(stderr, "unknown jobs command %q\n", args[0])
		return cli.ExitUsage
	}
}
