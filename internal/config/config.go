package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

// Config is the bootstrap configuration, read on every start. AccessKey and
// AdminKey are handed to AuthGate directly each time the process starts;
// they are not copied into the ConfigRegistry, which has no keys for them.
// GoogleAPIKeys only seeds the Credential table while it holds no rows. The
// remaining runtime tunables live in the ConfigRegistry (internal/registry),
// backed by the store's config table.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Environment toggles production behavior (secure cookies). Expected
	// values: "development" (default) or "production".
	Environment string `cfg:"environment" default:"development"`

	// AccessKey is the comma-separated list of client access keys accepted
	// by AuthGate on the relay route.
	AccessKey string `cfg:"access_key" log:"-"`

	// AdminKey is the admin login password checked by AuthGate.
	AdminKey string `cfg:"admin_key" log:"-"`

	// GoogleAPIKeys seeds the initial Credential pool: a comma-separated
	// list of upstream secrets, inserted only if the Credential table is
	// empty at startup.
	GoogleAPIKeys string `cfg:"google_api_keys" log:"-"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, delegates authentication of /admin/* requests to
	// an external authentication service ahead of the session-cookie check.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey, if set, enables AES-256-GCM encryption of the
	// Credential.secret column at rest. Any non-empty string works; it is
	// hashed to a 32-byte key. When empty, secrets are stored verbatim as
	// the core spec requires.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource" default:"data.db"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("GR_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
