// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/e2ee/e2ee"
	"github.com/bureau-foundation/e2ee/e2ee/ratchet"
	"github.com/bureau-foundation/e2ee/e2ee/store"
)

// runInit creates whatever part of the device state is missing and
// prints the resulting identity. Running it again is harmless.
func runInit(ctx context.Context, args []string, stdout io.Writer) error {
	var configPath string
	flagSet := newFlagSet("init")
	flagSet.StringVar(&configPath, "config", "", "config file (default: $BUREAU_E2EE_CONFIG)")
	if err := parseFlags(flagSet, args); err != nil {
		return helpOK(err)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logger := newLogger().With("command", "init")
	local, err := openDevice(cfg, logger, true)
	if err != nil {
		return err
	}
	defer local.Close()

	pickle, created, err := e2ee.OpenAccount(ctx, local.store, local.pickleKey)
	if err != nil {
		return err
	}
	if created {
		logger.Info("created device account", "user_id", local.userID, "device_id", local.deviceID)
	}
	account, err := ratchet.UnpickleAccount(local.pickleKey, pickle)
	if err != nil {
		return fmt.Errorf("unpickling account: %w", err)
	}
	return printIdentity(stdout, local, account)
}

func runIdentity(ctx context.Context, args []string, stdout io.Writer) error {
	var configPath string
	var asJSON bool
	flagSet := newFlagSet("identity")
	flagSet.StringVar(&configPath, "config", "", "config file (default: $BUREAU_E2EE_CONFIG)")
	flagSet.BoolVar(&asJSON, "json", false, "print the signed device key document")
	if err := parseFlags(flagSet, args); err != nil {
		return helpOK(err)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	local, err := openDevice(cfg, newLogger().With("command", "identity"), false)
	if err != nil {
		return err
	}
	defer local.Close()

	pickle, err := local.store.LoadAccount(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no account in %s; run 'bureau-e2ee init' first", cfg.Store.Path)
	}
	if err != nil {
		return err
	}
	account, err := ratchet.UnpickleAccount(local.pickleKey, pickle)
	if err != nil {
		return fmt.Errorf("unpickling account: %w", err)
	}

	if !asJSON {
		return printIdentity(stdout, local, account)
	}
	keys, err := e2ee.SignedDeviceKeys(account, local.userID, local.deviceID)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(keys)
}

func printIdentity(w io.Writer, local *device, account *ratchet.Account) error {
	identityKey, signingKey := account.IdentityKeys()
	_, err := fmt.Fprintf(w, "user_id:     %s\ndevice_id:   %s\ncurve25519:  %s\ned25519:     %s\n",
		local.userID, local.deviceID, identityKey, signingKey)
	return err
}
