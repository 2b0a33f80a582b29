// Package factory builds the collaborator provider selected by DATA_BACKEND.
package factory

import (
	"context"
	"fmt"
	"log/slog"

	"roomexpenses/internal/amqp"
	"roomexpenses/internal/backend"
	"roomexpenses/internal/local"
	"roomexpenses/internal/memory"
	"roomexpenses/internal/storage"
	"roomexpenses/internal/supabase"
)

// DefaultFactory creates providers
type DefaultFactory struct {
	logger *slog.Logger
}

// New creates a new backend factory
func New(logger *slog.Logger) *DefaultFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{logger: logger}
}

// CreateProvider returns a ready provider for config.Type.
func (f *DefaultFactory) CreateProvider(ctx context.Context, config backend.Config) (backend.Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case backend.SupabaseBackend:
		return f.createSupabaseProvider(config)
	case backend.SQLiteBackend:
		return f.createSQLiteProvider(ctx, config)
	case backend.MemoryBackend:
		return f.createMemoryProvider(ctx, config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createSupabaseProvider(config backend.Config) (backend.Provider, error) {
	p, err := supabase.NewProvider(supabase.Config{
		URL:     config.SupabaseURL,
		AnonKey: config.SupabaseAnonKey,
		Logger:  f.logger.With("component", "supabase"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Supabase client: %w", err)
	}

	f.logger.Info("Initialized Supabase backend", "url", config.SupabaseURL, "table", config.Table)
	return p, nil
}

func (f *DefaultFactory) createSQLiteProvider(ctx context.Context, config backend.Config) (backend.Provider, error) {
	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath, config.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}

	relay := f.relay(ctx, config)
	f.logger.Info("Initialized SQLite backend",
		"db_path", config.SQLiteDBPath,
		"table", config.Table,
		"amqp_enabled", relay != nil)

	return f.localProvider(repo, config, relay), nil
}

func (f *DefaultFactory) createMemoryProvider(ctx context.Context, config backend.Config) (backend.Provider, error) {
	store := memory.NewFromFile(config.Table, config.SeedFile)

	relay := f.relay(ctx, config)
	f.logger.Info("Initialized memory backend",
		"table", config.Table,
		"seed_file", config.SeedFile,
		"amqp_enabled", relay != nil)

	return f.localProvider(store, config, relay), nil
}

func (f *DefaultFactory) localProvider(store local.Store, config backend.Config, relay local.Relay) *local.Provider {
	return local.New(store, local.Options{
		JWTSecret: config.JWTSecret,
		TokenTTL:  config.TokenTTL,
		Relay:     relay,
		Logger:    f.logger.With("component", "local_backend"),
	})
}

// relay connects the optional AMQP change relay. A broker that cannot be
// reached leaves the provider with in-process notifications only.
func (f *DefaultFactory) relay(ctx context.Context, config backend.Config) local.Relay {
	if config.AMQPURL == "" {
		return nil
	}
	client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange)
	if err != nil {
		f.logger.WarnContext(ctx, "Failed to initialize AMQP client, continuing without change relay", "error", err)
		return nil
	}
	f.logger.InfoContext(ctx, "Initialized AMQP change relay", "exchange", config.AMQPExchange)
	return local.NewAMQPRelay(client)
}
