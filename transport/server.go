// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/bureau-foundation/peerbridge/lib/compress"
	"github.com/bureau-foundation/peerbridge/lib/netutil"
)

// InboundMessage is a transfer received from a peer.
type InboundMessage struct {
	// SenderIdentity is the authenticated identity of the peer.
	SenderIdentity string

	// Topic is the address the peer asked the message to be delivered
	// to.
	Topic string

	// DestinationIdentity is the recipient the peer addressed.
	DestinationIdentity string

	Properties map[string]any
	Payload    []byte
}

// Receiver accepts inbound messages. Receive is called sequentially for
// the messages of one connection, concurrently across connections. The
// returned status is sent back to the peer.
type Receiver interface {
	Receive(ctx context.Context, message *InboundMessage) Status
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, message *InboundMessage) Status

func (f ReceiverFunc) Receive(ctx context.Context, message *InboundMessage) Status {
	return f(ctx, message)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address to listen on, e.g. ":10005" or "127.0.0.1:0". Required.
	Address string

	// Identity is announced in the hello frame.
	Identity string

	// TLS, when set, must require and verify client certificates; the
	// sender identity is the client certificate's common name.
	TLS *tls.Config

	// Receiver handles decoded messages. Required.
	Receiver Receiver

	// MaxFrameSize defaults to DefaultMaxFrameSize.
	MaxFrameSize int

	// Logger receives connection diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// Server accepts inbound peer connections.
type Server struct {
	config   ServerConfig
	listener net.Listener
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer starts listening on config.Address. Connections are not
// accepted until Serve is called.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Receiver == nil {
		return nil, fmt.Errorf("transport: server receiver is required")
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", config.Address, err)
	}
	if config.TLS != nil {
		listener = tls.NewListener(listener, config.TLS)
	}
	return &Server{
		config:   config,
		listener: listener,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Address returns the listening address in host:port form.
func (s *Server) Address() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled or Close is called.
// Returns nil on shutdown.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(ctx, conn)
		}()
	}
}

// Close stops accepting and closes every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, conn := range conns {
		conn.Close()
	}
	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	sender, err := s.handshake(ctx, conn)
	if err != nil {
		s.logger.Warn("rejecting peer connection", "remote", remote, "error", err)
		return
	}
	logger := s.logger.With("remote", remote, "peer", sender)
	logger.Info("peer connection accepted")

	for {
		f, err := readFrame(conn, s.config.MaxFrameSize)
		if err != nil {
			if netutil.IsExpectedCloseError(err) {
				logger.Info("peer connection closed")
			} else {
				logger.Warn("peer connection failed", "error", err)
			}
			return
		}
		if f.Kind != frameTransfer {
			logger.Warn("unexpected frame from peer", "kind", f.Kind)
			return
		}

		status := Rejected
		payload, err := compress.Decode(f.Payload, f.Compression, f.Size)
		if err != nil {
			logger.Warn("dropping undecodable transfer", "sequence", f.Sequence, "error", err)
		} else {
			status = s.config.Receiver.Receive(ctx, &InboundMessage{
				SenderIdentity:      sender,
				Topic:               f.Topic,
				DestinationIdentity: f.Destination,
				Properties:          f.Properties,
				Payload:             payload,
			})
		}
		if err := writeFrame(conn, &frame{Kind: frameDisposition, Sequence: f.Sequence, Status: status}); err != nil {
			logger.Warn("sending disposition failed", "error", err)
			return
		}
	}
}

func (s *Server) handshake(ctx context.Context, conn net.Conn) (string, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return "", fmt.Errorf("transport: TLS handshake: %w", err)
		}
		identity, err := certificateIdentity(tlsConn)
		if err != nil {
			return "", err
		}
		if _, err := exchangeHello(conn, s.config.Identity, s.config.MaxFrameSize); err != nil {
			return "", err
		}
		return identity, nil
	}
	identity, err := exchangeHello(conn, s.config.Identity, s.config.MaxFrameSize)
	if err != nil {
		return "", err
	}
	if identity == "" {
		return "", fmt.Errorf("transport: peer sent an empty identity")
	}
	return identity, nil
}
