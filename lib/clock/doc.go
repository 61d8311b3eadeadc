// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source for the peer transport's
// reconnect backoff and for anything else that waits.
//
// Production code holds a Clock and never calls time.After or
// time.AfterFunc directly. Real() is the standard library; Fake() only
// moves when a test calls Advance:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	client := transport.NewTCPClient(transport.ClientConfig{Clock: c, ...})
//	c.WaitForTimers(1)          // the reconnect loop is now waiting
//	c.Advance(time.Second)      // fire the retry deterministically
package clock
