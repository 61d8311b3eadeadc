// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used by every internal
// peerbridge protocol: the bridge control messages exchanged with the
// node over the broker, the frames written on peer transport
// connections, and the message journal rows in the durable broker
// store.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same logical value always produces the same bytes. That property is
// what lets the broker store checksum message bodies and properties and
// compare them after a restart.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Stream users (transport connections) wrap a reader or writer:
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Types that only travel as CBOR use `cbor` struct tags. Nothing in
// this module is serialized to JSON, so there is no dual-tag rule.
package codec
