// Package postgres is the optional non-embedded backend, selected when an
// operator configures a Postgres datasource. It mirrors the sqlite3 package
// table-for-table, using the postgres goqu dialect and pgx's database/sql
// driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rakunlabs/gemini-relay/internal/config"
	"github.com/rakunlabs/gemini-relay/internal/store/writeguard"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "gr_"
)

type Postgres struct {
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

func New(ctx context.Context, cfg *config.StorePostgres, encKey []byte) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
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

	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}

	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}
	// /////////////////////////////////////////////

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	// Set schema search path if configured.
	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()

			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
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

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}

func (p *Postgres) currentKey() []byte {
	p.encKeyMu.RLock()
	defer p.encKeyMu.RUnlock()

	return p.encKey
}
