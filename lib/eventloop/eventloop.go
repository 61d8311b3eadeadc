// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventloop provides the bounded pool of goroutines on which
// peer transport clients deliver connection-state callbacks.
//
// A [Group] is sized once when the bridge manager starts and shared by
// every transport client the manager creates. Each client is pinned to
// one [Loop] (assigned round-robin by [Group.Next]); a Loop runs tasks
// one at a time in submission order, so a client's connect and
// disconnect events can never be observed out of order, while clients
// on different loops proceed in parallel.
package eventloop

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Group is a fixed set of Loops.
type Group struct {
	loops  []*Loop
	next   atomic.Uint64
	logger *slog.Logger
}

// NewGroup starts size loops. size < 1 is treated as 1.
func NewGroup(size int, logger *slog.Logger) *Group {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	group := &Group{logger: logger}
	for i := 0; i < size; i++ {
		group.loops = append(group.loops, newLoop(i, logger))
	}
	return group
}

// Size returns the number of loops.
func (g *Group) Size() int { return len(g.loops) }

// Next returns the next loop in round-robin order.
func (g *Group) Next() *Loop {
	index := g.next.Add(1) - 1
	return g.loops[index%uint64(len(g.loops))]
}

// Close stops accepting tasks on every loop and waits for queued tasks
// to finish. Safe to call more than once.
func (g *Group) Close() {
	for _, loop := range g.loops {
		loop.close()
	}
	for _, loop := range g.loops {
		<-loop.done
	}
}

// Loop runs submitted tasks sequentially on a single goroutine.
type Loop struct {
	index  int
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newLoop(index int, logger *slog.Logger) *Loop {
	loop := &Loop{
		index:  index,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go loop.run()
	return loop
}

// Execute queues task. Returns false if the loop has been closed, in
// which case the task is discarded. Execute never blocks, so a task may
// safely submit follow-up work to its own loop.
func (l *Loop) Execute(task func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *Loop) close() {
	l.mu.Lock()
	alreadyClosed := l.closed
	l.closed = true
	l.mu.Unlock()
	if !alreadyClosed {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, task := range tasks {
			l.runTask(task)
		}
		if len(tasks) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			l.logger.Error("event loop task panicked",
				"loop", l.index,
				"panic", fmt.Sprint(recovered),
			)
		}
	}()
	task()
}
