// Command ctrader-migrate applies or rolls back the session journal schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cowanweks/ctrader-go/internal/infra/config"
	"github.com/cowanweks/ctrader-go/internal/infra/persistence/migrations"
	"github.com/cowanweks/ctrader-go/pkg/observability"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	dsn     string
	dir     string
	timeout time.Duration
	quiet   bool
	command string
	steps   int
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("ctrader-migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", os.Getenv(config.EnvJournalDSN), "PostgreSQL DSN (defaults to $"+config.EnvJournalDSN+")")
		dir     = fs.String("path", "", "Directory containing SQL migrations (default: embedded)")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts := options{dsn: strings.TrimSpace(*dsn), dir: *dir, timeout: *timeout, quiet: *quiet, steps: 1}
	if opts.dsn == "" {
		return options{}, errors.New("-database flag is required")
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return options{}, errors.New("command required (up|down)")
	}
	opts.command = rest[0]
	switch opts.command {
	case "up":
	case "down":
		if len(rest) > 1 {
			n, err := strconv.Atoi(rest[1])
			if err != nil || n <= 0 {
				return options{}, fmt.Errorf("invalid down steps %q", rest[1])
			}
			opts.steps = n
		}
	default:
		return options{}, fmt.Errorf("unknown command %q (expected up or down)", opts.command)
	}
	return opts, nil
}

func run(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}

	logger := observability.Nop()
	if !opts.quiet {
		logger = observability.NewZerolog(observability.ZerologOptions{App: "ctrader-migrate", Console: true})
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	if opts.command == "down" {
		return migrations.Rollback(ctx, opts.dsn, opts.dir, opts.steps, logger)
	}
	return migrations.Apply(ctx, opts.dsn, opts.dir, logger)
}
