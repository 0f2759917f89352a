// Package core wires the persistence backends and the built-in rule set that
// guards every submission transaction.
package core

import (
	"context"
	"fmt"
	"os"

	"kobocat/internal/infra/persistence/memory"
	"kobocat/internal/infra/persistence/postgres"
	"kobocat/internal/infra/persistence/sqlite"
	"kobocat/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageOptions selects and configures the primary store.
type StorageOptions struct {
	Driver      StorageDriver `yaml:"driver"`
	SQLitePath  string        `yaml:"sqlite_path"`
	PostgresDSN string        `yaml:"postgres_dsn"`
}

// StorageOptionsFromEnv reads storage options from the environment.
// Defaults to sqlite when unset.
//
//	KOBOCAT_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	KOBOCAT_SQLITE_PATH: path to sqlite file (default ./kobocat.db)
//	KOBOCAT_POSTGRES_DSN: postgres DSN when driver=postgres
func StorageOptionsFromEnv() StorageOptions {
	return StorageOptions{
		Driver:      StorageDriver(os.Getenv("KOBOCAT_STORAGE_DRIVER")),
		SQLitePath:  os.Getenv("KOBOCAT_SQLITE_PATH"),
		PostgresDSN: os.Getenv("KOBOCAT_POSTGRES_DSN"),
	}
}

// Pinger is implemented by stores backed by an external database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OpenPersistentStore constructs the backend named by opts.Driver.
func OpenPersistentStore(opts StorageOptions, engine *domain.RulesEngine) (domain.PersistentStore, error) {
	driver := opts.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		return sqlite.NewStore(opts.SQLitePath, engine)
	case StoragePostgres:
		return postgres.NewStore(opts.PostgresDSN, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
