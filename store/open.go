package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/onnwee/ttsbot-control/config"
	"github.com/onnwee/ttsbot-control/db"
)

// Open builds the repository for cfg.StoreBackend. The returned *sql.DB is non-nil
// only for the postgres backend and is owned by the caller.
func Open(ctx context.Context, cfg *config.Config) (*Repo, *sql.DB, error) {
	switch cfg.StoreBackend {
	case "memory":
		slog.Warn("using in-memory store; data is lost on restart", slog.String("component", "store"))
		return NewRepo(NewMemory()), nil, nil
	case "postgres":
		database, err := OpenPostgres(ctx, cfg.DBDsn)
		if err != nil {
			return nil, nil, err
		}
		return NewRepo(NewPostgres(database)), database, nil
	default:
		fs, err := NewFirestore(ctx, cfg.GCPProjectID, cfg.FirestoreDB)
		if err != nil {
			return nil, nil, err
		}
		return NewRepo(fs), nil, nil
	}
}

// OpenPostgres connects and brings the schema up to date.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Setup(database, func() error { return db.Migrate(ctx, database) }); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return database, nil
}
