package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robertguss/serialforge/internal/app"
	"github.com/robertguss/serialforge/internal/config"
	"github.com/robertguss/serialforge/internal/logging"
	"github.com/robertguss/serialforge/internal/monitor"
	"github.com/robertguss/serialforge/internal/preflight"
	"github.com/robertguss/serialforge/internal/storage"
	"github.com/robertguss/serialforge/internal/theme"
)

const usage = `Usage: serialforge [command] [flags]

Commands:
  serve     run the job service (default)
  monitor   watch jobs in a terminal dashboard
  check     run preflight checks and exit

Run "serialforge <command> -h" for command flags.
`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "serialforge: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cmd := "serve"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return serve(args, stderr)
	case "monitor":
		return runMonitor(args, stderr)
	case "check":
		return check(args, stdout, stderr)
	case "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	path := fs.String("config", "serialforge.yaml", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*path)
}

func serve(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	skipChecks := fs.Bool("skip-checks", false, "start even when preflight checks fail")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)

	results := preflight.RunAll(cfg)
	for _, c := range results.FailedChecks() {
		if c.Warning {
			logger.Warn("preflight check failed", "check", c.Name, "error", c.Error)
		} else {
			logger.Error("preflight check failed", "check", c.Name, "error", c.Error)
		}
	}
	if !results.AllPass && !*skipChecks {
		return fmt.Errorf("%d preflight check(s) failed", len(results.Blockers()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func runMonitor(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	interval := fs.Duration("interval", 2*time.Second, "refresh interval")
	limit := fs.Int("limit", 50, "jobs to show")
	themeFlag := fs.String("theme", "", "builtin theme name or YAML palette path (default from config)")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	name := cfg.Server.Theme
	if *themeFlag != "" {
		name = *themeFlag
	}
	t, err := theme.Load(name)
	if err != nil {
		return err
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	return monitor.Run(ctx, store, monitor.Options{
		Interval: *interval,
		Limit:    *limit,
		Theme:    t,
	})
}

func check(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	results := preflight.RunAll(cfg)
	for _, c := range results.Checks {
		mark, detail := "ok  ", c.Message
		if !c.Passed {
			mark, detail = "FAIL", c.Error
			if c.Warning {
				mark = "warn"
			}
		}
		fmt.Fprintf(stdout, "[%s] %-20s %s\n", mark, c.Name, detail)
	}
	fmt.Fprintf(stdout, "%d/%d checks passed\n", results.PassedCount(), len(results.Checks))

	if !results.AllPass {
		return fmt.Errorf("%d blocking check(s) failed", len(results.Blockers()))
	}
	return nil
}
