// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Config configures an Engine.
type Config struct {
	// Store persists durable queues. Nil keeps everything in memory.
	Store Store

	// Logger receives diagnostic output. Nil uses slog.Default().
	Logger *slog.Logger
}

// Engine is an in-process broker. Safe for concurrent use.
type Engine struct {
	store  Store
	logger *slog.Logger

	mu       sync.RWMutex
	queues   map[string]*queue
	bindings map[string][]*queue
	closed   bool
}

// Open creates an engine and loads every durable queue (with its
// unconsumed messages) from config.Store.
func Open(ctx context.Context, config Config) (*Engine, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engine := &Engine{
		store:    config.Store,
		logger:   logger,
		queues:   make(map[string]*queue),
		bindings: make(map[string][]*queue),
	}
	if engine.store == nil {
		return engine, nil
	}

	configs, err := engine.store.Queues(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker: loading queues: %w", err)
	}
	for _, queueConfig := range configs {
		messages, err := engine.store.Messages(ctx, queueConfig.Name)
		if err != nil {
			return nil, fmt.Errorf("broker: loading messages of %s: %w", queueConfig.Name, err)
		}
		q := newQueue(queueConfig, engine.store, logger)
		q.restore(messages)
		engine.bind(q)
		logger.Info("restored durable queue",
			"queue", queueConfig.Name,
			"address", queueConfig.Address,
			"messages", len(messages),
		)
	}
	return engine, nil
}

// CreateQueue creates a queue. Returns an error wrapping ErrQueueExists
// if the name is already in use.
func (e *Engine) CreateQueue(config QueueConfig) error {
	if config.Name == "" {
		return fmt.Errorf("broker: queue name is required")
	}
	if config.Address == "" {
		config.Address = config.Name
	}
	if config.Temporary {
		config.Durable = false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, exists := e.queues[config.Name]; exists {
		return fmt.Errorf("%w: %s", ErrQueueExists, config.Name)
	}

	var store Store
	if config.Durable && e.store != nil {
		if err := e.store.CreateQueue(context.Background(), config); err != nil {
			return fmt.Errorf("broker: persisting queue %s: %w", config.Name, err)
		}
		store = e.store
	}
	e.bind(newQueue(config, store, e.logger))
	e.logger.Debug("queue created",
		"queue", config.Name,
		"address", config.Address,
		"durable", config.Durable,
		"temporary", config.Temporary,
	)
	return nil
}

// EnsureQueue creates the queue unless one with that name exists.
func (e *Engine) EnsureQueue(config QueueConfig) error {
	err := e.CreateQueue(config)
	if err != nil && isQueueExists(err) {
		return nil
	}
	return err
}

// DeleteQueue removes a queue and its messages. Consumers on the queue
// stop receiving.
func (e *Engine) DeleteQueue(name string) error {
	e.mu.Lock()
	q, exists := e.queues[name]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	delete(e.queues, name)
	bound := e.bindings[q.address]
	for i, candidate := range bound {
		if candidate == q {
			bound = append(bound[:i:i], bound[i+1:]...)
			break
		}
	}
	if len(bound) == 0 {
		delete(e.bindings, q.address)
	} else {
		e.bindings[q.address] = bound
	}
	e.mu.Unlock()

	q.close()
	if q.store != nil {
		if err := q.store.DeleteQueue(context.Background(), name); err != nil {
			return fmt.Errorf("broker: deleting persisted queue %s: %w", name, err)
		}
	}
	e.logger.Debug("queue deleted", "queue", name)
	return nil
}

// QueueExists reports whether a queue with the given name exists.
func (e *Engine) QueueExists(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, exists := e.queues[name]
	return exists
}

// Queues returns the names of all queues, sorted.
func (e *Engine) Queues() []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.queues))
	for name := range e.queues {
		names = append(names, name)
	}
	e.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Depth returns the number of messages in a queue that have not been
// consumed, including messages delivered but not yet committed.
// Returns 0 for an unknown queue.
func (e *Engine) Depth(name string) int {
	e.mu.RLock()
	q := e.queues[name]
	e.mu.RUnlock()
	if q == nil {
		return 0
	}
	return q.depth()
}

// Connect returns a new, unstarted connection.
func (e *Engine) Connect() Connection {
	return &connection{engine: e, sessions: make(map[*session]struct{})}
}

// Close stops delivery on every queue. Further operations return
// ErrClosed. The Store is owned by the caller and is not closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	queues := make([]*queue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	return nil
}

func (e *Engine) bind(q *queue) {
	e.queues[q.name] = q
	e.bindings[q.address] = append(e.bindings[q.address], q)
}

func (e *Engine) lookup(name string) (*queue, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	q, exists := e.queues[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}

// route copies message into every queue bound to address.
func (e *Engine) route(address string, message *Message) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*queue, len(e.bindings[address]))
	copy(targets, e.bindings[address])
	e.mu.RUnlock()

	if len(targets) == 0 {
		e.logger.Debug("message discarded, no queue bound to address", "address", address)
		return nil
	}
	for _, q := range targets {
		copied := message.clone()
		copied.Address = address
		copied.ID = 0
		copied.DeliveryCount = 0
		if err := q.enqueue(copied); err != nil {
			return err
		}
	}
	return nil
}

// deliver copies message into the queue called name.
func (e *Engine) deliver(name string, message *Message) error {
	q, err := e.lookup(name)
	if err != nil {
		return err
	}
	copied := message.clone()
	copied.Address = q.address
	copied.ID = 0
	copied.DeliveryCount = 0
	return q.enqueue(copied)
}
