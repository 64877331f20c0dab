/*
main.go - Application entry point

PURPOSE:
  Starts the commission engine: HTTP API, periodic automation runs, and
  one-shot maintenance commands.

COMMANDS:
  serve      HTTP server plus the run scheduler (default)
  run-once   Process pending events once and print the run summary as JSON
  check      Validate the stored network and rule book, then exit

STARTUP SEQUENCE (serve):
  1. Load configuration (config.yaml, .env, COMMISSION_* variables)
  2. Open the SQLite store and apply migrations
  3. Import the rule book file when rules.path is set
  4. Connect the partition locker (Redis when configured, in-process otherwise)
  5. Start the run scheduler and the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections (10s for in-flight requests)
  2. Stop the scheduler; a run in progress is cancelled and its
     unpersisted events stay pending
  3. Close the database

EXAMPLES:
  ./server serve --seed freebox-ultra
  COMMISSION_REDIS_ADDR=localhost:6379 ./server serve --config prod.yaml
  ./server run-once --config prod.yaml

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - automation/runner.go: The pipeline behind every run
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/automation"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/store/sqlite"
)

func main() {
	root := &cli.Command{
		Name:  "commission-engine",
		Usage: "Network commission engine server and maintenance commands",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML config file"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			runOnceCommand(),
			checkCommand(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return serve(ctx, cmd.String("config"), "", 0)
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the run scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "seed", Usage: "load a demo scenario at startup (resets the database)"},
			&cli.IntFlag{Name: "port", Usage: "override server.port"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.String("config"), c.String("seed"), int(c.Int("port")))
		},
	}
}

func runOnceCommand() *cli.Command {
	return &cli.Command{
		Name:  "run-once",
		Usage: "Process pending events once and print the summary",
		Action: func(ctx context.Context, c *cli.Command) error {
			app, err := bootstrap(ctx, c.String("config"))
			if err != nil {
				return err
			}
			defer app.close()

			summary, err := app.runner.RunOnce(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Validate the stored network and rule book",
		Action: func(ctx context.Context, c *cli.Command) error {
			app, err := bootstrap(ctx, c.String("config"))
			if err != nil {
				return err
			}
			defer app.close()

			snap, err := app.store.Snapshot(ctx)
			if err != nil {
				return fmt.Errorf("load network: %w", err)
			}
			if err := snap.Validate(); err != nil {
				return fmt.Errorf("network: %w", err)
			}
			book, err := app.store.RuleBook(ctx)
			if err != nil {
				return fmt.Errorf("rule book: %w", err)
			}
			app.logger.WithFields(logrus.Fields{
				"distributors":  snap.Len(),
				"rule_versions": book.Len(),
			}).Info("Check passed")
			return nil
		},
	}
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg    config.Config
	logger *logrus.Logger
	store  *sqlite.Store
	runner *automation.Runner
	redis  *redis.Client
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close database")
	}
}

func bootstrap(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: store}

	if err := importRules(ctx, store, cfg.Rules.Path, logger); err != nil {
		a.close()
		return nil, err
	}

	var locker automation.Locker = automation.NewMemoryLocker()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.WithError(err).WithField("addr", cfg.Redis.Addr).
				Warn("Redis unreachable, using in-process partition locks")
			client.Close()
		} else {
			a.redis = client
			locker = automation.NewRedisLocker(client)
		}
	}

	a.runner = automation.NewRunner(store, store, cfg.RunnerConfig(),
		automation.WithLocker(locker),
		automation.WithLogger(logger),
		automation.WithCalendar(cfg.PaymentCalendar()),
	)
	return a, nil
}

// importRules appends the versions of the rule book file that are not
// stored yet.
func importRules(ctx context.Context, store *sqlite.Store, path string, logger logrus.FieldLogger) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rule book: %w", err)
	}
	book, err := factory.NewRuleBookFactory().Parse(string(data))
	if err != nil {
		return fmt.Errorf("parse rule book %s: %w", path, err)
	}
	stored, err := store.RuleVersionIDs(ctx)
	if err != nil {
		return err
	}
	imported := 0
	for _, v := range book.Versions() {
		if slices.Contains(stored, v.ID) {
			continue
		}
		if err := store.SaveRuleVersion(ctx, v); err != nil {
			return fmt.Errorf("import rule version %s: %w", v.ID, err)
		}
		imported++
	}
	logger.WithFields(logrus.Fields{"path": path, "imported": imported}).Info("Rule book loaded")
	return nil
}

func serve(ctx context.Context, configPath, seed string, port int) error {
	a, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if port != 0 {
		a.cfg.Server.Port = port
	}
	if seed != "" {
		if err := api.Seed(ctx, a.store, seed); err != nil {
			return err
		}
		a.logger.WithField("scenario", seed).Info("Scenario loaded")
	}

	scheduler := automation.NewRunScheduler(a.runner, a.logger)
	scheduler.Interval = a.cfg.Automation.Interval
	scheduler.Enabled = a.cfg.Automation.Enabled
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(a.store, a.runner, api.WithLogger(a.logger))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      api.NewRouter(handler, a.cfg.Server.AllowedOrigins...),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.WithField("addr", srv.Addr).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("Server stopped")
	return nil
}
