// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for peer-bridge.
//
// Configuration is loaded from a single file specified by either the
// PEERBRIDGE_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks, no ~/.config
// discovery, and no automatic file search.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Production defaults to JSON logs.
//
// After the file, PEERBRIDGE_* environment variables override
// individual values (PEERBRIDGE_BRIDGE_ACK_BATCH_SIZE,
// PEERBRIDGE_LISTEN_ADDRESS, ...), parsed with caarlos0/env. Path
// fields are then expanded: ${HOME}, ${PEERBRIDGE_ROOT},
// ${PEERBRIDGE_STATE}, and ${VAR:-default} patterns.
//
// This package depends on no other peer-bridge packages.
package config
