// Command ledger-export signs in to the configured backend and writes the
// room expenses, optionally filtered, to an xlsx workbook.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/backend/factory"
	"roomexpenses/internal/cli"
	"roomexpenses/internal/core"
	"roomexpenses/internal/export"
	"roomexpenses/internal/export/gsheets"
	"roomexpenses/internal/gate"
	"roomexpenses/internal/ledger"
	"roomexpenses/internal/log"
)

type options struct {
	email    string
	password string
	person   string
	from     string
	to       string
	out      string
	sheets   bool
	timeout  time.Duration
}

func main() {
	cli.LoadEnvFile()

	var opts options
	flag.StringVar(&opts.email, "email", os.Getenv("LEDGER_EMAIL"), "account email (env LEDGER_EMAIL)")
	flag.StringVar(&opts.password, "password", "", "account password (default: env LEDGER_PASSWORD)")
	flag.StringVar(&opts.person, "person", "", "only rows whose person contains this text")
	flag.StringVar(&opts.from, "from", "", "first day to include, YYYY-MM-DD")
	flag.StringVar(&opts.to, "to", "", "last day to include, YYYY-MM-DD")
	flag.StringVar(&opts.out, "out", export.Filename, "output file")
	flag.BoolVar(&opts.sheets, "sheets", false, "also publish the rows to the configured Google Sheet")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall time limit")
	flag.Parse()
	if opts.password == "" {
		opts.password = os.Getenv("LEDGER_PASSWORD")
	}

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL")).WithComponent("ledger-export")
	cfg := cli.LoadAndValidateConfig(logger)

	filter, err := core.ParseFilter(opts.person, opts.from, opts.to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	sigCtx, stop := cli.SignalContext(nil)
	defer stop()
	ctx, cancel := context.WithTimeout(sigCtx, opts.timeout)
	defer cancel()

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		cli.Fatal(logger, "Invalid backend configuration", err)
	}
	if bcfg.Type == backend.MemoryBackend && bcfg.SeedFile == "" {
		logger.Warn("Memory backend without SEED_FILE starts empty; the export will have no rows")
	}
	provider, err := factory.New(logger.Slog()).CreateProvider(ctx, bcfg)
	if err != nil {
		cli.Fatal(logger, "Failed to initialize backend", err, "backend", cfg.DataBackend)
	}

	code := run(ctx, provider, bcfg.Table, filter, opts, logger, func() (ledger.Publisher, error) {
		return gsheets.New(ctx, gsheets.Options{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			SheetName:       cfg.GoogleSheetName,
			CredentialsJSON: cfg.GoogleServiceAccountJSON,
			CredentialsFile: firstNonEmpty(cfg.GoogleServiceAccountFile, cfg.GoogleApplicationCredFile),
			Logger:          logger.Slog(),
		})
	})
	if err := provider.Close(); err != nil {
		logger.Warn("Backend did not close cleanly", log.FieldError, err)
	}
	os.Exit(code)
}

func run(ctx context.Context, provider backend.Provider, table string, filter core.Filter, opts options, logger *log.Logger, sheets func() (ledger.Publisher, error)) int {
	client := provider.NewClient()

	g := gate.New(client.Auth, logger.Slog(), nil)
	defer g.Close()
	if err := g.Start(ctx); err != nil {
		logger.Warn("Could not read existing session", log.FieldError, err)
	}
	if err := g.SignIn(ctx, opts.email, opts.password); err != nil {
		fmt.Fprintf(os.Stderr, "Sign in failed: %v\n", err)
		return 1
	}
	defer func() {
		if err := g.SignOut(context.WithoutCancel(ctx)); err != nil {
			logger.Debug("Sign out not confirmed by backend", log.FieldError, err)
		}
	}()

	view := ledger.New(client.Data, table, logger.Slog())
	defer view.Unmount()
	if err := view.Mount(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Fetching expenses failed: %v\n", err)
		return 1
	}
	view.ApplyFilter(filter)
	rows := len(view.Visible())

	data, err := view.Export()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
		return 1
	}
	if err := os.WriteFile(opts.out, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Writing %s failed: %v\n", opts.out, err)
		return 1
	}
	logger.Info("Export written", "file", opts.out, log.FieldRows, rows)
	fmt.Printf("Wrote %d row(s) to %s\n", rows, opts.out)

	if opts.sheets {
		publisher, err := sheets()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Google Sheets unavailable: %v\n", err)
			return 1
		}
		if err := view.PublishSheet(ctx, publisher); err != nil {
			fmt.Fprintf(os.Stderr, "Publishing to Google Sheets failed: %v\n", err)
			return 1
		}
		fmt.Printf("Published %d row(s) to Google Sheets\n", rows)
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
