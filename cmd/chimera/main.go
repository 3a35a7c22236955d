// Command chimera runs the task orchestration kernel: the HTTP front door,
// the worker pool and the operator tooling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	chotel "github.com/Strob0t/Chimera/internal/adapter/otel"
	"github.com/Strob0t/Chimera/internal/adapter/postgres"
	"github.com/Strob0t/Chimera/internal/config"
	"github.com/Strob0t/Chimera/internal/logger"
	"github.com/Strob0t/Chimera/internal/service"
)

const version = "0.1.0"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		return runServe(true)
	case "worker":
		return runServe(false)
	case "migrate":
		return runMigrate(args)
	case "admin":
		return runAdmin(args)
	case "version":
		fmt.Println(version)
		return nil
	case "help", "-h", "--help":
		printHelp()
		return nil
	default:
		printHelp()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: chimera <command> [options]

Commands:
  serve     Run the API, the worker pool and the sweeper (default)
  worker    Run the worker pool and the sweeper only
  migrate   Apply, roll back or inspect database migrations
  admin     Operator commands (hitl, budget, queue, sweep)
  version   Print the version
`)
}

// runServe starts the kernel and blocks until SIGINT or SIGTERM. withAPI adds
// the HTTP front door and the MCP server to the worker pool.
func runServe(withAPI bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer closer.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Backend,
		"log_level", cfg.Logging.Level,
		"workers", cfg.Worker.Count,
		"api", withAPI,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTEL, err := chotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(shutdownCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	if !withAPI && cfg.Worker.Count == 0 {
		return errors.New("worker mode needs worker.count > 0")
	}
	k, err := buildKernel(ctx, cfg, kernelOptions{workers: cfg.Worker.Count > 0, migrate: true})
	if err != nil {
		return err
	}
	defer k.Close()

	g, gctx := errgroup.WithContext(ctx)
	go k.secrets.ReloadOn(gctx, syscall.SIGHUP)
	if len(k.workers) > 0 {
		g.Go(func() error {
			slog.Info("worker pool started", "workers", len(k.workers))
			return service.RunPool(gctx, k.workers, k.sweeper)
		})
	}
	if withAPI {
		if err := k.serveAPI(gctx, g); err != nil {
			return err
		}
	}

	err = g.Wait()
	slog.Info("kernel stopped")
	return err
}

// runMigrate handles "migrate [up|down N|status]".
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ctx := context.Background()

	action := "up"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}
	switch action {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
	case "down":
		steps := 1
		if fs.NArg() > 1 {
			if steps, err = strconv.Atoi(fs.Arg(1)); err != nil || steps < 1 {
				return fmt.Errorf("invalid step count %q", fs.Arg(1))
			}
		}
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, steps); err != nil {
			return err
		}
	case "status":
	default:
		return fmt.Errorf("unknown migrate action: %s", action)
	}

	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d\n", v)
	return nil
}
