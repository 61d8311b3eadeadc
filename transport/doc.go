// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries bridged messages between peers over TCP.
//
// A [Client] is the outbound half: one per bridge, connected to one of
// the bridge's target addresses at a time, cycling through them with
// backoff when a connection fails. Its connection state is published on
// [Client.ConnectionChanges] and every [Message] handed to
// [Client.Send] is settled exactly once through the callback registered
// with [Message.OnComplete]: [Acknowledged] once the remote side has
// accepted it into its broker, [Rejected] if it was refused or the
// connection dropped first. The bridge turns those two outcomes into
// broker acknowledgment or rollback.
//
// [Server] is the inbound half. It accepts peer connections, learns the
// sender's identity, and hands each decoded message to a [Receiver]
// whose returned [Status] is sent back to the client.
//
// # Wire format
//
// Each frame is a 4-byte big-endian length followed by a CBOR map
// (lib/codec). A connection opens with a hello frame in each direction
// carrying the protocol version and the sender's identity. Transfer
// frames carry a per-connection sequence number, the destination
// topic, forwarded properties, and the payload, compressed with LZ4 or
// zstd (lib/compress) when that shrinks it. Disposition frames settle
// a transfer by sequence number.
//
// # Identity
//
// With TLS configured, a peer's identity is the subject common name of
// its verified certificate, and the identity claimed in its hello frame
// is ignored. Without TLS the hello claim is trusted; that mode exists
// for tests and single-host development. The client refuses any
// connection whose peer identity is not one of the route's expected
// identities.
//
// # Event delivery
//
// TCPClient runs connection changes and message completions on the
// [eventloop.Loop] supplied in its config, so a client's events are
// observed in order and never concurrently with each other.
package transport
