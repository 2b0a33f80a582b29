package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/backend/factory"
	"roomexpenses/internal/cli"
	"roomexpenses/internal/config"
	"roomexpenses/internal/export/gsheets"
	apphttp "roomexpenses/internal/http"
	"roomexpenses/internal/ledger"
	"roomexpenses/internal/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)

	ctx, stop := cli.SignalContext(logger)
	defer stop()

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		cli.Fatal(logger, "Invalid backend configuration", err)
	}
	provider, err := factory.New(logger.Slog()).CreateProvider(ctx, bcfg)
	if err != nil {
		cli.Fatal(logger, "Failed to initialize backend", err, "backend", cfg.DataBackend)
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Warn("Backend did not close cleanly", log.FieldError, err)
		}
	}()

	opts := apphttp.Options{
		Provider:         provider,
		Table:            bcfg.Table,
		Logger:           logger,
		SessionTTL:       cfg.SessionTTL,
		MaxSessions:      cfg.MaxClients,
		OAuthRedirectURL: cfg.OAuthRedirectURL,
		CurrencySymbol:   cfg.CurrencySymbol,
	}
	// Only the hosted backend can hand out provider redirects.
	if bcfg.Type == backend.SupabaseBackend {
		opts.OAuthProviders = cfg.OAuthProviders
	}
	if publisher := sheetsPublisher(ctx, cfg, logger); publisher != nil {
		opts.Publisher = publisher
	}

	srv, err := apphttp.NewServer(":"+cfg.Port, opts)
	if err != nil {
		cli.Fatal(logger, "Failed to create server", err)
	}
	srv.ReadTimeout = 15 * time.Second
	srv.ReadHeaderTimeout = 5 * time.Second
	// No write timeout: /events holds its response open.
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 20

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting",
			"port", cfg.Port,
			"backend", cfg.DataBackend,
			"table", bcfg.Table,
			"sheets_export", opts.Publisher != nil,
			"url", "http://localhost:"+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Info("Server exited")
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", log.FieldError, err)
		os.Exit(1)
	}
}

// sheetsPublisher returns the Google Sheets client when a spreadsheet is
// configured. A client that fails to start leaves the export disabled.
func sheetsPublisher(ctx context.Context, cfg *config.Config, logger *log.Logger) ledger.Publisher {
	if !cfg.SheetsExportEnabled() {
		logger.Info("Google Sheets disabled - no GOOGLE_SPREADSHEET_ID provided")
		return nil
	}
	client, err := gsheets.New(ctx, gsheets.Options{
		SpreadsheetID:   cfg.GoogleSpreadsheetID,
		SheetName:       cfg.GoogleSheetName,
		CredentialsJSON: cfg.GoogleServiceAccountJSON,
		CredentialsFile: firstNonEmpty(cfg.GoogleServiceAccountFile, cfg.GoogleApplicationCredFile),
		Logger:          logger.Slog(),
	})
	if err != nil {
		logger.Error("Failed to initialize Google Sheets client", log.FieldError, err)
		return nil
	}
	logger.Info("Google Sheets client initialized",
		"spreadsheet_id", cfg.GoogleSpreadsheetID,
		"sheet", client.SheetName())
	return client
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
