// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bureau-foundation/e2ee/e2ee"
	"github.com/bureau-foundation/e2ee/lib/secret"
	"github.com/bureau-foundation/e2ee/messaging"
)

// accessTokenVariable holds the homeserver access token when
// --token-file is not given.
const accessTokenVariable = "BUREAU_E2EE_ACCESS_TOKEN"

func runPublish(ctx context.Context, args []string, stdout io.Writer) error {
	var configPath, tokenFile string
	flagSet := newFlagSet("publish")
	flagSet.StringVar(&configPath, "config", "", "config file (default: $BUREAU_E2EE_CONFIG)")
	flagSet.StringVar(&tokenFile, "token-file", "", "file holding the access token, or - for stdin (default: $"+accessTokenVariable+")")
	if err := parseFlags(flagSet, args); err != nil {
		return helpOK(err)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.HomeserverURL == "" {
		return errors.New("homeserver_url is required to publish keys")
	}
	token, err := readAccessToken(tokenFile)
	if err != nil {
		return err
	}

	logger := newLogger().With("command", "publish")
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.HomeserverURL,
		AccessToken:   token,
		Logger:        logger,
	})
	if err != nil {
		token.Close()
		return err
	}
	defer client.Close()

	local, err := openDevice(cfg, logger, false)
	if err != nil {
		return err
	}
	defer local.Close()

	machine, err := e2ee.NewMachine(ctx, e2ee.Config{
		UserID:                local.userID,
		DeviceID:              local.deviceID,
		Store:                 local.store,
		Transport:             client,
		PickleKey:             local.pickleKey,
		MaxNewSessions:        cfg.Sessions.MaxNewPerWindow,
		NewSessionWindow:      cfg.Sessions.Window,
		OneTimeKeyTarget:      cfg.OneTimeKeys.Target,
		RotationPeriod:        cfg.Rotation.Period,
		RotationMessages:      cfg.Rotation.Messages,
		KeyWaitTimeout:        cfg.KeyQuery.WaitTimeout,
		KeyQueryRetryInterval: cfg.KeyQuery.RetryInterval,
		Logger:                logger,
	})
	if err != nil {
		return err
	}
	if err := machine.PublishDeviceKeys(ctx); err != nil {
		return err
	}
	identityKey, _ := machine.IdentityKeys()
	_, err = fmt.Fprintf(stdout, "published keys for %s %s (curve25519 %s)\n", local.userID, local.deviceID, identityKey)
	return err
}

// readAccessToken reads the token from path, or from the environment
// when path is empty. The caller owns the returned buffer.
func readAccessToken(path string) (*secret.Buffer, error) {
	if path != "" {
		return secret.ReadFromPath(path)
	}
	value := os.Getenv(accessTokenVariable)
	if value == "" {
		return nil, fmt.Errorf("no access token: pass --token-file or set %s", accessTokenVariable)
	}
	return secret.NewFromBytes([]byte(value))
}
