// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Dialer opens network connections to peers.
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// TCPDialer opens plain TCP connections.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero means only the
	// context deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}

// clientTLS wraps conn in a TLS client and completes the handshake.
// ServerName defaults to the host part of address.
func clientTLS(ctx context.Context, conn net.Conn, config *tls.Config, address string) (*tls.Conn, error) {
	config = config.Clone()
	if config.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, fmt.Errorf("transport: parsing target %q: %w", address, err)
		}
		config.ServerName = host
	}
	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("transport: TLS handshake with %s: %w", address, err)
	}
	return tlsConn, nil
}

// certificateIdentity returns the subject common name of the verified
// peer certificate.
func certificateIdentity(conn *tls.Conn) (string, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("transport: peer presented no certificate")
	}
	name := state.PeerCertificates[0].Subject.CommonName
	if name == "" {
		return "", fmt.Errorf("transport: peer certificate has no common name")
	}
	return name, nil
}
