// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/e2ee/e2ee/ratchet"
	"github.com/bureau-foundation/e2ee/e2ee/store"
	"github.com/bureau-foundation/e2ee/lib/config"
	"github.com/bureau-foundation/e2ee/lib/ref"
)

// newLogger writes human-readable records when stderr is a terminal
// and JSON records otherwise.
func newLogger() *slog.Logger {
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

// loadConfig reads the config file at path, or the one named by
// BUREAU_E2EE_CONFIG when path is empty, and validates it.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Store.Path == "" {
		return nil, errors.New("invalid config: store.path is required; an in-memory store would lose the account on exit")
	}
	return cfg, nil
}

// device is the local state named by a config: identity, pickle key
// and session store.
type device struct {
	config    *config.Config
	userID    ref.UserID
	deviceID  ref.DeviceID
	pickleKey *ratchet.PickleKey
	store     *store.SQLite
}

// openDevice opens the pickle key and store named by cfg. With create
// set, a missing pickle key is generated and saved first.
func openDevice(cfg *config.Config, logger *slog.Logger, create bool) (*device, error) {
	userID, err := ref.ParseUserID(cfg.Identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("identity.user_id: %w", err)
	}
	deviceID, err := ref.ParseDeviceID(cfg.Identity.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("identity.device_id: %w", err)
	}

	pickleKey, err := openPickleKey(cfg.PickleKeyPath, logger, create)
	if err != nil {
		return nil, err
	}
	sessions, err := store.OpenSQLite(store.SQLiteConfig{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		pickleKey.Close()
		return nil, err
	}
	return &device{
		config:    cfg,
		userID:    userID,
		deviceID:  deviceID,
		pickleKey: pickleKey,
		store:     sessions,
	}, nil
}

func openPickleKey(path string, logger *slog.Logger, create bool) (*ratchet.PickleKey, error) {
	if _, err := os.Stat(path); create && errors.Is(err, os.ErrNotExist) {
		pickleKey, err := ratchet.GeneratePickleKey()
		if err != nil {
			return nil, err
		}
		if err := pickleKey.Save(path); err != nil {
			pickleKey.Close()
			return nil, err
		}
		logger.Info("generated pickle key", "path", path)
		return pickleKey, nil
	}
	return ratchet.LoadPickleKey(path)
}

func (d *device) Close() error {
	return errors.Join(d.store.Close(), d.pickleKey.Close())
}
