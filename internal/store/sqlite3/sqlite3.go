// Package sqlite3 is the default embedded backend: a single-file SQLite
// database accessed through modernc.org/sqlite (pure Go, no cgo) with all
// writes funneled through a writeguard.Guard so only one write transaction
// ever runs at a time.
package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rakunlabs/gemini-relay/internal/config"
	"github.com/rakunlabs/gemini-relay/internal/store/writeguard"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "gr_"

type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database
	wg   writeguard.Guard

	tableCredentials exp.IdentifierExpression
	tableCallRecords exp.IdentifierExpression
	tableErrors      exp.IdentifierExpression
	tableMonthly     exp.IdentifierExpression
	tableConfig      exp.IdentifierExpression
	tableSessions    exp.IdentifierExpression

	// encKey is the AES-256 key used to encrypt/decrypt the credential
	// secret column. nil means encryption is disabled. Protected by encKeyMu.
	encKey   []byte
	encKeyMu sync.RWMutex
}

func New(ctx context.Context, cfg *config.StoreSQLite, encKey []byte) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	// /////////////////////////////////////////////
	// Run migrations.
	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}

	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}

	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}
	// /////////////////////////////////////////////

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()

		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()

		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly. The
	// writeguard.Guard above serializes writes at the application level so
	// this also protects against interleaved write transactions when the
	// driver would otherwise hand out a second connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
		db:               db,
		goqu:             dbGoqu,
		tableCredentials: goqu.T(tablePrefix + "credentials"),
		tableCallRecords: goqu.T(tablePrefix + "call_records"),
		tableErrors:      goqu.T(tablePrefix + "error_entries"),
		tableMonthly:     goqu.T(tablePrefix + "monthly_counters"),
		tableConfig:      goqu.T(tablePrefix + "config_entries"),
		tableSessions:    goqu.T(tablePrefix + "admin_sessions"),
		encKey:           encKey,
	}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}

func (s *SQLite) currentKey() []byte {
	s.encKeyMu.RLock()
	defer s.encKeyMu.RUnlock()

	return s.encKey
}
