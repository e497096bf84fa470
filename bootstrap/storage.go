package bootstrap

import (
	"context"
	"fmt"
	"os"

	"vigilant/config"
	"vigilant/storage"

	"go.uber.org/zap"
)

// StorageComponents holds the SQLite database and the stores built on it
type StorageComponents struct {
	SQLite     *storage.SQLite
	Alerts     *storage.SQLiteAlertStorage
	Exceptions *storage.SQLiteExceptionStorage
	Servers    *storage.SQLiteServerStorage
	Retention  *storage.RetentionManager
}

// Close closes the database
func (s *StorageComponents) Close() error {
	if s == nil || s.SQLite == nil {
		return nil
	}
	return s.SQLite.Close()
}

// InitStorage opens the alert database and builds its stores. Failing to open
// the database is fatal; seeding servers and importing exceptions are not.
func InitStorage(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	path := cfg.Storage.SQLitePath
	if err := EnsureDataDirectory(path, sugar); err != nil {
		return nil, err
	}

	sqlite, err := storage.NewSQLite(path, sugar)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: SQLite Initialization Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", ClassifySQLiteError(err, path))
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to open alert store: %w", err)
	}

	components := &StorageComponents{
		SQLite:     sqlite,
		Alerts:     storage.NewSQLiteAlertStorage(sqlite, sugar),
		Exceptions: storage.NewSQLiteExceptionStorage(sqlite, sugar),
		Servers:    storage.NewSQLiteServerStorage(sqlite, sugar),
	}
	components.Retention = storage.NewRetentionManager(components.Alerts, cfg.Retention.AlertDays, cfg.Retention.Schedule, sugar)

	if n, err := components.Servers.SeedServers(ctx, cfg.Servers); err != nil {
		sugar.Errorw("Failed to seed configured servers", "error", err)
	} else if n > 0 {
		sugar.Infow("Seeded server repository from configuration", "servers", n)
	}

	if file := cfg.Exceptions.ImportFile; file != "" {
		if n, err := importExceptionsFile(ctx, components.Exceptions, file); err != nil {
			sugar.Errorw("Failed to import exceptions", "file", file, "error", err)
		} else {
			sugar.Infow("Imported exceptions", "file", file, "created", n)
		}
	}

	sugar.Infow("Alert store ready", "path", path)
	return components, nil
}

func importExceptionsFile(ctx context.Context, exceptions *storage.SQLiteExceptionStorage, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return exceptions.ImportExceptions(ctx, f, "config")
}
