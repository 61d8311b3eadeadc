// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

type connection struct {
	engine *Engine

	mu       sync.Mutex
	started  bool
	stopped  bool
	sessions map[*session]struct{}
}

func (c *connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrClosed
	}
	c.started = true
	return nil
}

func (c *connection) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	sessions := make([]*session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = nil
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.close(false))
	}
	return errors.Join(errs...)
}

func (c *connection) CreateSession(options SessionOptions) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrClosed
	}
	if !c.started {
		return nil, ErrNotStarted
	}
	s := &session{
		engine:         c.engine,
		connection:     c,
		autoCommitAcks: options.AutoCommitAcks,
		delivered:      make(map[*entry]*queue),
		started:        make(chan struct{}),
	}
	c.sessions[s] = struct{}{}
	return s, nil
}

func (c *connection) forget(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
}

type session struct {
	engine         *Engine
	connection     *connection
	autoCommitAcks bool

	startOnce sync.Once
	started   chan struct{}
	closed    atomic.Bool

	mu        sync.Mutex
	delivered map[*entry]*queue
	consumers []*consumer
	temporary []string
}

// track records a delivery to this session. Called with the queue lock
// held.
func (s *session) track(e *entry, q *queue) {
	s.mu.Lock()
	s.delivered[e] = q
	s.mu.Unlock()
}

func (s *session) CreateConsumer(queueName string, filter *Filter) (Consumer, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	q, err := s.engine.lookup(queueName)
	if err != nil {
		return nil, err
	}
	c := &consumer{
		session: s,
		queue:   q,
		filter:  filter,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.consumers = append(s.consumers, c)
	s.mu.Unlock()
	return c, nil
}

func (s *session) CreateProducer() (Producer, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return &producer{session: s}, nil
}

func (s *session) Commit() error {
	if s.closed.Load() {
		return ErrClosed
	}
	byQueue := s.snapshot()
	var errs []error
	for q, entries := range byQueue {
		committed, err := q.commit(entries, s)
		if err != nil {
			errs = append(errs, err)
		}
		s.untrack(committed)
	}
	return errors.Join(errs...)
}

func (s *session) Rollback() error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.releaseAll()
	return nil
}

func (s *session) QueueExists(name string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	return s.engine.QueueExists(name), nil
}

func (s *session) CreateTemporaryQueue(address, name string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.engine.CreateQueue(QueueConfig{Name: name, Address: address, Temporary: true}); err != nil {
		return err
	}
	s.mu.Lock()
	s.temporary = append(s.temporary, name)
	s.mu.Unlock()
	return nil
}

func (s *session) DeleteQueue(name string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.engine.DeleteQueue(name)
}

func (s *session) Start() error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.startOnce.Do(func() { close(s.started) })
	return nil
}

func (s *session) Close() error {
	return s.close(true)
}

func (s *session) Closed() bool {
	return s.closed.Load()
}

func (s *session) close(detach bool) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	consumers := s.consumers
	s.consumers = nil
	temporary := s.temporary
	s.temporary = nil
	s.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	s.releaseAll()

	var errs []error
	for _, name := range temporary {
		if err := s.engine.DeleteQueue(name); err != nil && !errors.Is(err, ErrQueueNotFound) {
			errs = append(errs, err)
		}
	}
	if detach {
		s.connection.forget(s)
	}
	return errors.Join(errs...)
}

func (s *session) snapshot() map[*queue][]*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	byQueue := make(map[*queue][]*entry)
	for e, q := range s.delivered {
		byQueue[q] = append(byQueue[q], e)
	}
	return byQueue
}

func (s *session) untrack(entries []*entry) {
	if len(entries) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		delete(s.delivered, e)
	}
}

func (s *session) releaseAll() {
	s.mu.Lock()
	delivered := s.delivered
	s.delivered = make(map[*entry]*queue)
	s.mu.Unlock()

	byQueue := make(map[*queue][]*entry)
	for e, q := range delivered {
		byQueue[q] = append(byQueue[q], e)
	}
	for q, entries := range byQueue {
		q.release(entries, s)
	}
}

func (s *session) acknowledge(d *delivery) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := d.queue.ack(d.entry, s); err != nil {
		return err
	}
	if !s.autoCommitAcks {
		return nil
	}
	committed, err := d.queue.commit([]*entry{d.entry}, s)
	s.untrack(committed)
	return err
}

type consumer struct {
	session *session
	queue   *queue
	filter  *Filter

	mu      sync.Mutex
	handler Handler
	closed  atomic.Bool
	closing chan struct{}
	done    chan struct{}
}

func (c *consumer) SetHandler(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("broker: nil handler")
	}
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return fmt.Errorf("broker: handler already set on consumer of %s", c.queue.name)
	}
	c.handler = handler
	go c.run()
	return nil
}

func (c *consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.closing)
	c.queue.wake()
	return nil
}

func (c *consumer) Closed() bool {
	return c.closed.Load()
}

func (c *consumer) run() {
	defer close(c.done)
	select {
	case <-c.session.started:
	case <-c.closing:
		return
	}
	for {
		d := c.queue.next(c)
		if d == nil {
			return
		}
		c.deliver(d)
	}
}

func (c *consumer) deliver(d *delivery) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.session.engine.logger.Error("consumer handler panicked",
				"queue", c.queue.name,
				"message_id", d.message.ID,
				"panic", fmt.Sprint(recovered),
			)
		}
	}()
	c.handler(d)
}

type producer struct {
	session *session
	closed  atomic.Bool
}

func (p *producer) Send(address string, message *Message) error {
	if p.closed.Load() || p.session.closed.Load() {
		return ErrClosed
	}
	if message == nil {
		return fmt.Errorf("broker: nil message")
	}
	return p.session.engine.route(address, message)
}

func (p *producer) SendToQueue(queueName string, message *Message) error {
	if p.closed.Load() || p.session.closed.Load() {
		return ErrClosed
	}
	if message == nil {
		return fmt.Errorf("broker: nil message")
	}
	return p.session.engine.deliver(queueName, message)
}

func (p *producer) Close() error {
	p.closed.Store(true)
	return nil
}

type delivery struct {
	session *session
	queue   *queue
	entry   *entry
	message *Message
}

func (d *delivery) Message() *Message { return d.message }

func (d *delivery) Acknowledge() error { return d.session.acknowledge(d) }
