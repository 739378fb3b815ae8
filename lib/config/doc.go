// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the encryption
// engine and its command-line tool.
//
// Configuration is loaded from a single file named by either the
// BUREAU_E2EE_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no search path and no discovery.
//
// The file may carry development, staging and production sections that
// override base values when [Config].Environment matches. Path fields
// have ${HOME}, ${BUREAU_E2EE_ROOT} and ${VAR:-default} expanded after
// loading. Durations use Go syntax ("168h", "30s").
//
// Key exports:
//
//   - [Config] -- identity, store, rotation, session and key-query settings
//   - [Default] -- development defaults matching the engine's built-in policy
//   - [Load] and [LoadFile] -- the two entry points for loading
package config
