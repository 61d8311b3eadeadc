// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the process-exit helpers shared by the
// peerbridge binary and by the one library path that is allowed to end
// the process: the bridge control listener when it detects a second
// active bridge controller on the same broker.
package process
