// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

type queue struct {
	name    string
	address string
	store   Store
	logger  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	lastID  uint64
	entries []*entry
	closed  bool
}

// entry is one stored message. owner is the session it is currently
// delivered to, nil while available.
type entry struct {
	message    *Message
	owner      *session
	acked      bool
	deliveries int
}

func newQueue(config QueueConfig, store Store, logger *slog.Logger) *queue {
	q := &queue{
		name:    config.Name,
		address: config.Address,
		store:   store,
		logger:  logger,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) restore(messages []*Message) {
	for _, message := range messages {
		q.entries = append(q.entries, &entry{message: message})
		if message.ID > q.lastID {
			q.lastID = message.ID
		}
	}
}

func (q *queue) enqueue(message *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, q.name)
	}
	message.ID = q.lastID + 1
	if q.store != nil {
		if err := q.store.Append(context.Background(), q.name, message); err != nil {
			return fmt.Errorf("broker: persisting message for %s: %w", q.name, err)
		}
	}
	q.lastID = message.ID
	q.entries = append(q.entries, &entry{message: message})
	q.cond.Broadcast()
	return nil
}

// next blocks until an available entry matching the consumer's filter
// exists, assigns it to the consumer's session, and returns the
// delivery. Returns nil when the consumer or queue closes.
func (q *queue) next(c *consumer) *delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed || c.closed.Load() {
			return nil
		}
		for _, e := range q.entries {
			if e.owner == nil && c.filter.Matches(e.message) {
				e.owner = c.session
				e.acked = false
				e.deliveries++
				c.session.track(e, q)
				message := e.message.clone()
				message.DeliveryCount = e.deliveries
				return &delivery{session: c.session, queue: q, entry: e, message: message}
			}
		}
		q.cond.Wait()
	}
}

func (q *queue) ack(e *entry, owner *session) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.owner != owner {
		return ErrStaleDelivery
	}
	e.acked = true
	return nil
}

// commit removes the acknowledged entries owned by owner and returns
// them.
func (q *queue) commit(entries []*entry, owner *session) ([]*entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var committed []*entry
	var ids []uint64
	for _, e := range entries {
		if e.owner != owner || !e.acked {
			continue
		}
		committed = append(committed, e)
		ids = append(ids, e.message.ID)
	}
	if len(committed) == 0 {
		return nil, nil
	}
	if q.store != nil && !q.closed {
		if err := q.store.Remove(context.Background(), q.name, ids); err != nil {
			return nil, fmt.Errorf("broker: removing committed messages from %s: %w", q.name, err)
		}
	}
	for _, e := range committed {
		q.removeLocked(e.message.ID)
		e.owner = nil
	}
	return committed, nil
}

// release returns the entries owned by owner to the queue.
func (q *queue) release(entries []*entry, owner *session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	released := false
	for _, e := range entries {
		if e.owner != owner {
			continue
		}
		e.owner = nil
		e.acked = false
		released = true
	}
	if released {
		q.cond.Broadcast()
	}
}

func (q *queue) removeLocked(id uint64) {
	index := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].message.ID >= id
	})
	if index < len(q.entries) && q.entries[index].message.ID == id {
		q.entries = append(q.entries[:index], q.entries[index+1:]...)
	}
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *queue) wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func isQueueExists(err error) bool {
	return errors.Is(err, ErrQueueExists)
}
