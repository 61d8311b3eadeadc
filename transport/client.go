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
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/peerbridge/lib/clock"
	"github.com/bureau-foundation/peerbridge/lib/compress"
	"github.com/bureau-foundation/peerbridge/lib/event"
	"github.com/bureau-foundation/peerbridge/lib/eventloop"
	"github.com/bureau-foundation/peerbridge/lib/netutil"
)

// ClientConfig configures a TCPClient.
type ClientConfig struct {
	// Targets are host:port addresses tried in order. Required.
	Targets []string

	// PeerIdentities are the identities the remote side may present.
	// Required.
	PeerIdentities []string

	// LocalIdentity is announced in the hello frame.
	LocalIdentity string

	// TLS enables TLS with certificate-based peer identity. Nil uses
	// plain TCP and trusts the peer's hello.
	TLS *tls.Config

	// Dialer opens connections. Defaults to a TCPDialer with a
	// 10-second timeout.
	Dialer Dialer

	// Loop runs connection changes and completions. Required.
	Loop *eventloop.Loop

	// Clock times reconnect backoff. Defaults to clock.Real().
	Clock clock.Clock

	// Compression is the preferred payload compression.
	Compression compress.Tag

	// RetryInterval is the initial reconnect delay, doubled after every
	// failed attempt up to MaxRetryInterval. Defaults to 1s and 60s.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	// OutboundBuffer is the number of messages Send may queue ahead of
	// the writer before blocking. Defaults to 256.
	OutboundBuffer int

	// MaxFrameSize defaults to DefaultMaxFrameSize.
	MaxFrameSize int

	// Logger receives connection diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// TCPClient implements Client over TCP (optionally TLS).
type TCPClient struct {
	config  ClientConfig
	logger  *slog.Logger
	changes event.Feed[ConnectionChange]

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	mu           sync.Mutex
	link         *link
	nextSequence uint64
	pending      map[uint64]*Message
}

var _ Client = (*TCPClient)(nil)

// link is one established connection.
type link struct {
	conn     net.Conn
	target   string
	identity string
	outbox   chan *frame
	closed   chan struct{}
	once     sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.closed)
		l.conn.Close()
	})
}

// NewTCPClient validates config and returns an unstarted client.
func NewTCPClient(config ClientConfig) (*TCPClient, error) {
	if len(config.Targets) == 0 {
		return nil, fmt.Errorf("transport: at least one target is required")
	}
	if len(config.PeerIdentities) == 0 {
		return nil, fmt.Errorf("transport: at least one peer identity is required")
	}
	if config.Loop == nil {
		return nil, fmt.Errorf("transport: event loop is required")
	}
	config.Targets = slices.Clone(config.Targets)
	config.PeerIdentities = slices.Clone(config.PeerIdentities)
	if config.Dialer == nil {
		config.Dialer = &TCPDialer{Timeout: 10 * time.Second}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = time.Second
	}
	if config.MaxRetryInterval < config.RetryInterval {
		config.MaxRetryInterval = max(60*time.Second, config.RetryInterval)
	}
	if config.OutboundBuffer <= 0 {
		config.OutboundBuffer = 256
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPClient{
		config:  config,
		logger:  logger.With("targets", config.Targets),
		pending: make(map[uint64]*Message),
	}, nil
}

// ConnectionChanges publishes on the client's event loop.
func (c *TCPClient) ConnectionChanges() *event.Feed[ConnectionChange] {
	return &c.changes
}

func (c *TCPClient) Start() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

func (c *TCPClient) Stop() {
	c.lifecycle.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.lifecycle.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.mu.Lock()
	current := c.link
	c.mu.Unlock()
	if current != nil {
		current.close()
	}
	<-done
}

func (c *TCPClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

func (c *TCPClient) Send(message *Message) error {
	c.mu.Lock()
	current := c.link
	if current == nil {
		c.mu.Unlock()
		c.dispatch(func() { message.Complete(Rejected) })
		return ErrNotConnected
	}
	c.nextSequence++
	sequence := c.nextSequence
	c.pending[sequence] = message
	c.mu.Unlock()

	f, err := transferFrame(sequence, message, c.config.Compression)
	if err != nil {
		c.settle(sequence, Rejected)
		return err
	}
	select {
	case current.outbox <- f:
		return nil
	case <-current.closed:
		// The link teardown rejects everything pending, including this.
		return ErrNotConnected
	}
}

// dispatch runs task on the client's loop, or inline once the loop has
// been closed.
func (c *TCPClient) dispatch(task func()) {
	if !c.config.Loop.Execute(task) {
		task()
	}
}

func (c *TCPClient) settle(sequence uint64, status Status) {
	c.mu.Lock()
	message, ok := c.pending[sequence]
	delete(c.pending, sequence)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.dispatch(func() { message.Complete(status) })
}

func (c *TCPClient) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	delay := c.config.RetryInterval
	for attempt := 0; ctx.Err() == nil; attempt++ {
		target := c.config.Targets[attempt%len(c.config.Targets)]
		current, err := c.connect(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("peer connection failed",
				"target", target,
				"retry_in", delay,
				"error", err,
			)
			if !c.wait(ctx, delay) {
				return
			}
			delay = min(delay*2, c.config.MaxRetryInterval)
			continue
		}
		delay = c.config.RetryInterval
		c.serve(ctx, current)
		if !c.wait(ctx, c.config.RetryInterval) {
			return
		}
	}
}

func (c *TCPClient) wait(ctx context.Context, delay time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.config.Clock.After(delay):
		return true
	}
}

func (c *TCPClient) connect(ctx context.Context, target string) (*link, error) {
	conn, err := c.config.Dialer.DialContext(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", target, err)
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	stop := context.AfterFunc(handshakeCtx, func() { conn.Close() })
	defer stop()

	var identity string
	if c.config.TLS != nil {
		tlsConn, err := clientTLS(handshakeCtx, conn, c.config.TLS, target)
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
		if identity, err = certificateIdentity(tlsConn); err != nil {
			conn.Close()
			return nil, err
		}
		if _, err := exchangeHello(conn, c.config.LocalIdentity, c.config.MaxFrameSize); err != nil {
			conn.Close()
			return nil, err
		}
	} else {
		identity, err = exchangeHello(conn, c.config.LocalIdentity, c.config.MaxFrameSize)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}
	if !slices.Contains(c.config.PeerIdentities, identity) {
		conn.Close()
		return nil, fmt.Errorf("%w: %s presented %q", ErrIdentityMismatch, target, identity)
	}
	if !stop() {
		// The handshake deadline fired and closed the connection.
		return nil, fmt.Errorf("transport: handshake with %s timed out", target)
	}
	return &link{
		conn:     conn,
		target:   target,
		identity: identity,
		outbox:   make(chan *frame, c.config.OutboundBuffer),
		closed:   make(chan struct{}),
	}, nil
}

// serve runs one connection until it fails or ctx is cancelled.
func (c *TCPClient) serve(ctx context.Context, current *link) {
	c.mu.Lock()
	c.link = current
	c.mu.Unlock()

	c.logger.Info("peer connected", "target", current.target, "peer", current.identity)
	change := ConnectionChange{Connected: true, Target: current.target, PeerIdentity: current.identity}
	c.dispatch(func() { c.changes.Publish(change) })

	failures := make(chan error, 2)
	go func() { failures <- c.readLoop(current) }()
	go func() { failures <- c.writeLoop(current) }()

	var cause error
	select {
	case <-ctx.Done():
	case cause = <-failures:
	}
	current.close()

	c.mu.Lock()
	c.link = nil
	pending := c.pending
	c.pending = make(map[uint64]*Message)
	c.mu.Unlock()

	sequences := make([]uint64, 0, len(pending))
	for sequence := range pending {
		sequences = append(sequences, sequence)
	}
	slices.Sort(sequences)

	if cause != nil && !netutil.IsExpectedCloseError(cause) {
		c.logger.Warn("peer disconnected",
			"target", current.target,
			"peer", current.identity,
			"unsettled", len(pending),
			"error", cause,
		)
	} else {
		c.logger.Info("peer disconnected",
			"target", current.target,
			"peer", current.identity,
			"unsettled", len(pending),
		)
	}
	lost := ConnectionChange{Connected: false, Target: current.target, PeerIdentity: current.identity, Err: cause}
	c.dispatch(func() {
		for _, sequence := range sequences {
			pending[sequence].Complete(Rejected)
		}
		c.changes.Publish(lost)
	})
}

func (c *TCPClient) readLoop(current *link) error {
	for {
		f, err := readFrame(current.conn, c.config.MaxFrameSize)
		if err != nil {
			return err
		}
		if f.Kind != frameDisposition {
			return fmt.Errorf("transport: unexpected frame kind %d from %s", f.Kind, current.target)
		}
		if f.Status != Acknowledged && f.Status != Rejected {
			return fmt.Errorf("transport: invalid disposition status %d", f.Status)
		}
		c.settle(f.Sequence, f.Status)
	}
}

func (c *TCPClient) writeLoop(current *link) error {
	for {
		select {
		case <-current.closed:
			return errors.New("transport: link closed")
		case f := <-current.outbox:
			if err := writeFrame(current.conn, f); err != nil {
				return err
			}
		}
	}
}
