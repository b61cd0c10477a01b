package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	corvid "github.com/corvid-im/corvid-go"
	"go.uber.org/zap"
)

// newLogger builds a console logger honoring the --verbose flag.
func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// requireIdentity loads the config and exits when no identity is set.
func requireIdentity() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.UserID == "" || cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No identity. Run 'corvid init <user-id> <token>' first.")
		os.Exit(1)
	}
	return cfg
}

// newAPIClient creates a Corvid client from the config.
func newAPIClient(cfg *Config) *corvid.Client {
	var opts []corvid.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, corvid.WithBaseURL(cfg.Default.BaseURL))
	}
	return corvid.NewClient(cfg.Auth.Token, opts...)
}

// openSafeStore opens the durable queue store at ~/.corvid/outbox.db.
func openSafeStore(log *zap.Logger) (*corvid.SafeStore, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	kv, err := corvid.OpenPebble(filepath.Join(dir, "outbox.db"), log)
	if err != nil {
		return nil, fmt.Errorf("cannot open outbox store: %w", err)
	}
	safe := corvid.NewSafeStore(kv, &corvid.SafeStoreOptions{Logger: log})
	safe.Init()
	return safe, nil
}

// newSession builds the full stack: HTTP client, realtime connection,
// remote store, durable queue, session. The returned cleanup tears
// everything down in reverse order.
func newSession(ctx context.Context, cfg *Config) (*corvid.Session, func(), error) {
	log := newLogger()

	client := newAPIClient(cfg)
	realtime := corvid.NewRealtimeClient(&corvid.RealtimeConfig{
		URL:           client.WSURL(),
		AutoReconnect: true,
	})
	if err := realtime.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("realtime connect: %w", err)
	}

	safe, err := openSafeStore(log)
	if err != nil {
		realtime.Disconnect()
		return nil, nil, err
	}

	store := corvid.NewRemoteStore(client, realtime, log)
	session := corvid.NewSession(store, safe, cfg.Default.UserID, cfg.Default.UserName, &corvid.SessionOptions{
		Logger: log,
	})
	session.Init(ctx)

	cleanup := func() {
		session.Close()
		safe.Dispose()
		realtime.Disconnect()
	}
	return session, cleanup, nil
}
