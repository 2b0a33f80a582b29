package backend

import (
	"fmt"
	"time"

	"roomexpenses/internal/config"
)

// BackendType represents the type of collaborator to use
type BackendType string

const (
	SupabaseBackend BackendType = "supabase"
	SQLiteBackend   BackendType = "sqlite"
	MemoryBackend   BackendType = "memory"
)

// IsValid checks if the backend type is supported
func (bt BackendType) IsValid() bool {
	switch bt {
	case SupabaseBackend, SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}

// String returns the string representation of the backend type
func (bt BackendType) String() string {
	return string(bt)
}

// Local reports whether the backend runs in-process.
func (bt BackendType) Local() bool {
	return bt == SQLiteBackend || bt == MemoryBackend
}

// Config contains configuration for creating a provider
type Config struct {
	Type BackendType
	// Table is the record collection the ledger reads and writes.
	Table string

	// Hosted
	SupabaseURL     string
	SupabaseAnonKey string

	// Local
	SQLiteDBPath string
	JWTSecret    string
	TokenTTL     time.Duration
	SeedFile     string
	AMQPURL      string
	AMQPExchange string
}

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	backendType := BackendType(appConfig.DataBackend)
	if !backendType.IsValid() {
		return Config{}, fmt.Errorf("invalid backend type in config: %s", appConfig.DataBackend)
	}

	return Config{
		Type:  backendType,
		Table: appConfig.ExpensesTable,

		SupabaseURL:     appConfig.SupabaseURL,
		SupabaseAnonKey: appConfig.SupabaseAnonKey,

		SQLiteDBPath: appConfig.SQLiteDBPath,
		JWTSecret:    appConfig.LocalJWTSecret,
		TokenTTL:     time.Hour,
		SeedFile:     appConfig.SeedFile,
		AMQPURL:      appConfig.AMQPURL,
		AMQPExchange: appConfig.AMQPExchange,
	}, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}

	if c.Table == "" {
		return fmt.Errorf("table name is required")
	}

	switch c.Type {
	case SupabaseBackend:
		if c.SupabaseURL == "" || c.SupabaseAnonKey == "" {
			return fmt.Errorf("supabase url and anon key are required for supabase backend")
		}
	case SQLiteBackend:
		if c.SQLiteDBPath == "" {
			return fmt.Errorf("SQLite database path is required for sqlite backend")
		}
	}
	if c.Type.Local() && c.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required for %s backend", c.Type)
	}

	return nil
}

// GetBackendTypes returns all valid backend types
func GetBackendTypes() []BackendType {
	return []BackendType{SupabaseBackend, SQLiteBackend, MemoryBackend}
}
