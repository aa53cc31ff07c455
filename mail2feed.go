// Package mail2feed wires the storage layer, the IMAP processor, the
// background scheduler and the HTTP API into the command-line entry points.
package mail2feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/matburt/mail2feed/internal/api"
	"github.com/matburt/mail2feed/internal/background"
	mfcli "github.com/matburt/mail2feed/internal/cli"
	"github.com/matburt/mail2feed/internal/db"
	"github.com/matburt/mail2feed/internal/imap"
)

const shutdownTimeout = 10 * time.Second

func init() {
	mfcli.AddGlobalFlag(&cli.BoolFlag{
		Name:    "debug",
		Usage:   "enable debug logging",
		EnvVars: []string{"DEBUG"},
	})
	mfcli.AddGlobalFlag(&cli.PathFlag{
		Name:    "env-file",
		Usage:   "load environment variables from this file",
		Value:   ".env",
		EnvVars: []string{"ENV_FILE"},
	})
	mfcli.AddSubcommand(&cli.Command{
		Name:   "run",
		Usage:  "start the feed server and background processing",
		Action: Run,
	})
	mfcli.AddSubcommand(&cli.Command{
		Name:      "process",
		Usage:     "run one polling pass for every account (or one account) and exit",
		ArgsUsage: "[account-id]",
		Action:    ProcessOnce,
	})
}

type runtimeDeps struct {
	log   *zap.Logger
	store *db.Store
	proc  *imap.Processor
	bcfg  background.Config
}

// setup loads the environment, the logger and the database. Shared by the
// run and process commands.
func setup(c *cli.Context) (*runtimeDeps, error) {
	if path := c.Path("env-file"); path != "" {
		// A missing env file is fine; variables may come from the
		// actual environment.
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	debug := c.Bool("debug")
	log, err := buildLogger(debug)
	if err != nil {
		return nil, err
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}

	gdb, err := db.Open(databaseURL, debug)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	store := db.NewStore(gdb)

	bcfg, err := background.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if err := bcfg.Validate(); err != nil {
		return nil, fmt.Errorf("background configuration: %w", err)
	}

	proc := imap.NewProcessor(store, log, imap.ProcessorOptions{
		MaxEmails:   bcfg.MaxEmailsPerRun,
		MaxEmailAge: bcfg.MaxEmailAge,
	})

	return &runtimeDeps{log: log, store: store, proc: proc, bcfg: bcfg}, nil
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// Run starts the HTTP server and the background service and blocks until
// SIGINT or SIGTERM.
func Run(c *cli.Context) error {
	if c.NArg() != 0 {
		return cli.Exit(fmt.Sprintln("usage:", os.Args[0], "run [options]"), 2)
	}

	deps, err := setup(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	log := deps.log
	defer func() { _ = log.Sync() }()

	srvCfg, err := api.ConfigFromEnv()
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comp := background.NewCompactor(deps.store, log)
	sched := background.NewScheduler(deps.bcfg, deps.store, deps.proc, comp, log)
	svc := background.NewService(deps.bcfg, sched, log)
	if err := svc.Start(ctx); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	server := api.NewServer(srvCfg, deps.store, svc, deps.proc, log)
	httpSrv := &http.Server{
		Addr:              srvCfg.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		svc.Shutdown()
		return cli.Exit(fmt.Sprintf("http server failed: %v", err), 1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	svc.Shutdown()
	log.Info("shutdown complete")
	return nil
}

// ProcessOnce runs one synchronous polling pass and exits non-zero if any
// account fails.
func ProcessOnce(c *cli.Context) error {
	deps, err := setup(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	log := deps.log
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var accounts []db.ImapAccount
	if id := c.Args().First(); id != "" {
		account, err := deps.store.GetAccount(id)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		accounts = []db.ImapAccount{*account}
	} else {
		accounts, err = deps.store.ListAccounts()
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
	}

	failed := 0
	for i := range accounts {
		account := &accounts[i]
		result, err := deps.proc.ProcessAccount(ctx, account)
		if err != nil {
			failed++
			log.Error("account failed", zap.String("name", account.Name), zap.Error(err))
			continue
		}
		log.Info("account processed",
			zap.String("name", account.Name),
			zap.Int("emails", result.EmailsProcessed),
			zap.Int("items", result.ItemsCreated),
			zap.Int("errors", len(result.Errors)))
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d account(s) failed", failed), 1)
	}
	return nil
}
