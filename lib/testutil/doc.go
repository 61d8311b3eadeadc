// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for peerbridge
// packages.
//
// Bridges, consumers, and transport connections all run on their own
// goroutines, so most assertions in this module are about something
// that happens "soon". [RequireReceive] and [RequireClosed] wrap the
// select-with-timeout pattern for channels; [Eventually] polls a
// condition for state that is only observable through accessors (the
// routing table, a queue depth). These helpers are the only place in
// the test suite where wall-clock timeouts appear.
//
// All helpers call t.Fatalf on failure.
package testutil
