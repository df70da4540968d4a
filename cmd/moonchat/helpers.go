package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	moonchat "github.com/moonchat-im/moonchat-go"
)

// newLogger returns a development logger when MOONCHAT_DEBUG is set
// and a silent one otherwise.
func newLogger() *zap.Logger {
	if os.Getenv("MOONCHAT_DEBUG") == "" {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// newClient builds the API client from config, with the MOONCHAT_URL
// environment variable taking precedence.
func newClient(cfg *Config) *moonchat.Client {
	baseURL := cfg.Server.BaseURL
	if v := os.Getenv("MOONCHAT_URL"); v != "" {
		baseURL = v
	}
	opts := []moonchat.ClientOption{moonchat.WithLogger(newLogger())}
	if baseURL != "" {
		opts = append(opts, moonchat.WithBaseURL(baseURL))
	}
	return moonchat.NewClient(opts...)
}

// openSession opens the durable store under ~/.moonchat and restores
// any identity saved by a previous login.
func openSession() (*moonchat.Session, *moonchat.SQLiteStore, error) {
	dir, err := configDir()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger()
	store, err := moonchat.OpenSQLiteStore(filepath.Join(dir, "state.db"), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open local state: %w", err)
	}
	session := moonchat.NewSession(store, logger)
	session.Resume()
	return session, store, nil
}

// requireUser returns the current identity or a login hint error.
func requireUser(session *moonchat.Session) (*moonchat.User, error) {
	user := session.User()
	if user == nil {
		return nil, fmt.Errorf("not logged in (run `moonchat login` first)")
	}
	return user, nil
}
