// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/peerbridge/bridge"
	"github.com/bureau-foundation/peerbridge/bridge/control"
	"github.com/bureau-foundation/peerbridge/broker"
	"github.com/bureau-foundation/peerbridge/broker/sqlitestore"
	"github.com/bureau-foundation/peerbridge/lib/address"
	"github.com/bureau-foundation/peerbridge/lib/compress"
	"github.com/bureau-foundation/peerbridge/lib/config"
	"github.com/bureau-foundation/peerbridge/lib/sqlitepool"
	"github.com/bureau-foundation/peerbridge/lib/telemetry"
	"github.com/bureau-foundation/peerbridge/transport"
)

// shutdownTimeout bounds the final metric flush.
const shutdownTimeout = 10 * time.Second

// serve runs every component until ctx is cancelled or one of them
// fails, then stops them in reverse order.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tlsConfig, err := loadTLS(cfg.Bridge.TLS)
	if err != nil {
		return err
	}
	compression, err := compress.ParseTag(cfg.Bridge.Compression)
	if err != nil {
		return err
	}

	store, err := sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.Broker.Journal,
		Synchronous: synchronous(cfg.Broker.Synchronous),
		Logger:      logger.With("component", "journal"),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := broker.Open(ctx, broker.Config{Store: store, Logger: logger.With("component", "broker")})
	if err != nil {
		return err
	}
	defer engine.Close()
	if err := declareQueues(engine, cfg); err != nil {
		return err
	}

	provider, shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: "peer-bridge",
		Interval:    cfg.Telemetry.Interval,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushContext); err != nil {
			logger.Warn("flushing metrics failed", "error", err)
		}
	}()
	auditor, err := telemetry.NewAuditor(provider)
	if err != nil {
		return fmt.Errorf("creating metric instruments: %w", err)
	}

	// The loopback manager asks the listener which inboxes are local;
	// the listener is built after the manager it drives.
	var listener *control.Listener
	isLocalInbox := func(inbox string) bool {
		return listener != nil && listener.ValidateReceiveTopic(inbox)
	}
	manager, err := newManager(engine, cfg, tlsConfig, compression, auditor, isLocalInbox, logger)
	if err != nil {
		return err
	}
	listener, err = control.NewListener(control.ListenerConfig{
		Manager:  manager,
		Broker:   engine,
		Identity: cfg.Bridge.Identity,
		Logger:   logger.With("component", "control"),
	})
	if err != nil {
		return err
	}
	unsubscribe := listener.ActiveChanges().Subscribe(func(active bool) {
		logger.Info("bridge activity changed", "active", active)
	})
	defer unsubscribe()
	if err := listener.Start(); err != nil {
		return err
	}
	defer listener.Stop()

	group, ctx := errgroup.WithContext(ctx)

	if cfg.Listen.Address != "" {
		inbound, err := bridge.NewInbound(bridge.InboundConfig{
			Broker:          engine,
			Validator:       listener,
			LocalIdentities: cfg.Listen.LocalIdentities,
			MaxMessageSize:  cfg.Bridge.MaxMessageSize,
			Auditor:         auditor,
			Logger:          logger.With("component", "inbound"),
		})
		if err != nil {
			return err
		}
		if err := inbound.Start(); err != nil {
			return err
		}
		defer inbound.Stop()

		server, err := transport.NewServer(transport.ServerConfig{
			Address:  cfg.Listen.Address,
			Identity: cfg.Bridge.LocalIdentity,
			TLS:      serverTLS(tlsConfig),
			Receiver: inbound,
			Logger:   logger.With("component", "server"),
		})
		if err != nil {
			return err
		}
		logger.Info("accepting peer connections", "address", server.Address())
		group.Go(func() error { return server.Serve(ctx) })
		defer server.Close()
	}

	if cfg.Node.Identity != "" {
		node, err := startNode(engine, cfg.Node, logger.With("component", "node"))
		if err != nil {
			return err
		}
		defer node.Stop()
	}

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("peer-bridge shutting down")
		return nil
	})
	return group.Wait()
}

func synchronous(level string) sqlitepool.Synchronous {
	if level == "normal" {
		return sqlitepool.SynchronousNormal
	}
	return sqlitepool.SynchronousFull
}

// declareQueues creates the configured queues and those the embedded
// node needs, skipping any that already exist.
func declareQueues(engine *broker.Engine, cfg *config.Config) error {
	names := append([]string(nil), cfg.Broker.Queues...)
	if cfg.Node.Identity != "" {
		names = append(names, address.Inbox([]byte(cfg.Node.PublicKey)))
		for _, route := range cfg.Node.Routes {
			names = append(names, address.PeerQueue([]byte(route.PeerKey)))
		}
	}
	for _, name := range names {
		if err := engine.EnsureQueue(broker.QueueConfig{Name: name, Durable: true}); err != nil {
			return fmt.Errorf("declaring queue %s: %w", name, err)
		}
	}
	return nil
}

func newManager(
	engine *broker.Engine,
	cfg *config.Config,
	tlsConfig *tls.Config,
	compression compress.Tag,
	auditor bridge.Auditor,
	isLocalInbox func(string) bool,
	logger *slog.Logger,
) (bridge.Manager, error) {
	remote, err := bridge.NewRemoteManager(bridge.ManagerConfig{
		Broker:           engine,
		LocalIdentity:    cfg.Bridge.LocalIdentity,
		TLS:              tlsConfig,
		Compression:      compression,
		RetryInterval:    cfg.Bridge.RetryInterval,
		MaxRetryInterval: cfg.Bridge.MaxRetryInterval,
		MaxMessageSize:   cfg.Bridge.MaxMessageSize,
		AckBatchSize:     cfg.Bridge.AckBatchSize,
		EventLoopThreads: cfg.Bridge.EventLoopThreads,
		Auditor:          auditor,
		Logger:           logger.With("component", "bridge"),
	})
	if err != nil {
		return nil, err
	}
	if !cfg.Bridge.Loopback {
		return remote, nil
	}
	return bridge.NewLoopbackManager(bridge.LoopbackConfig{
		Remote:       remote,
		Broker:       engine,
		IsLocalInbox: isLocalInbox,
		Auditor:      auditor,
		Logger:       logger.With("component", "loopback"),
	})
}

func startNode(engine *broker.Engine, settings config.NodeConfig, logger *slog.Logger) (*control.Node, error) {
	node, err := control.NewNode(control.NodeConfig{Broker: engine, Identity: settings.Identity, Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := node.AddInbox(address.Inbox([]byte(settings.PublicKey))); err != nil {
		return nil, err
	}
	for _, route := range settings.Routes {
		err := node.AddRoute(control.BridgeEntry{
			QueueName:      address.PeerQueue([]byte(route.PeerKey)),
			Targets:        route.Targets,
			LegalNames:     route.LegalNames,
			ServiceAddress: route.ServiceAddress,
		})
		if err != nil {
			return nil, err
		}
	}
	if err := node.Start(); err != nil {
		return nil, err
	}
	return node, nil
}

// loadTLS builds the mutual TLS configuration shared by the client
// and server sides. It returns nil when TLS is not configured.
func loadTLS(settings config.TLSConfig) (*tls.Config, error) {
	if !settings.Enabled() {
		return nil, nil
	}
	certificate, err := tls.LoadX509KeyPair(settings.Certificate, settings.Key)
	if err != nil {
		return nil, fmt.Errorf("loading TLS key pair: %w", err)
	}
	caData, err := os.ReadFile(settings.CA)
	if err != nil {
		return nil, fmt.Errorf("reading TLS CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("TLS CA %s contains no certificates", settings.CA)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{certificate},
		RootCAs:      pool,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func serverTLS(config *tls.Config) *tls.Config {
	if config == nil {
		return nil
	}
	server := config.Clone()
	server.ClientAuth = tls.RequireAndVerifyClientCert
	return server
}
