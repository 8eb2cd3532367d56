package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/gemini-relay/internal/authgate"
	"github.com/rakunlabs/gemini-relay/internal/config"
	"github.com/rakunlabs/gemini-relay/internal/credpool"
	"github.com/rakunlabs/gemini-relay/internal/crypto"
	"github.com/rakunlabs/gemini-relay/internal/proxy"
	"github.com/rakunlabs/gemini-relay/internal/registry"
	"github.com/rakunlabs/gemini-relay/internal/scheduler"
	"github.com/rakunlabs/gemini-relay/internal/server"
	"github.com/rakunlabs/gemini-relay/internal/store"
)

var (
	name    = "gemini-relay"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var encKey []byte
	if cfg.Store.EncryptionKey != "" {
		encKey, err = crypto.DeriveKey(cfg.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive encryption key: %w", err)
		}
	}

	st, err := store.New(ctx, cfg.Store, encKey)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := registry.New(st)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load config registry: %w", err)
	}

	if err := seedCredentials(ctx, st, cfg.GoogleAPIKeys); err != nil {
		return fmt.Errorf("seed credentials: %w", err)
	}

	pool := credpool.New(st, reg)

	engine, err := proxy.New(pool, reg, "")
	if err != nil {
		return fmt.Errorf("create proxy engine: %w", err)
	}

	sched := scheduler.New(st, pool, reg, engine.Client(), engine.BaseURL())
	reg.OnSchedulerChange(sched.Reload)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	gate := authgate.New(st, cfg.AccessKey, cfg.AdminKey)

	srv, err := server.New(cfg.Server, cfg.Environment, engine, pool, reg, gate, sched, st)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	slog.Info("starting gemini-relay", "host", cfg.Server.Host, "port", cfg.Server.Port)

	return srv.Start(ctx)
}

// seedCredentials inserts the configured GOOGLE_API_KEYS on first run only:
// if the credential table already has rows, the store is the source of
// truth and the seed value is ignored.
func seedCredentials(ctx context.Context, st store.Backend, googleAPIKeys string) error {
	if googleAPIKeys == "" {
		return nil
	}

	existing, err := st.ListCredentials(ctx)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	for _, key := range strings.Split(googleAPIKeys, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if err := st.AddCredential(ctx, key, time.Now()); err != nil {
			return fmt.Errorf("seed credential: %w", err)
		}
	}

	return nil
}
