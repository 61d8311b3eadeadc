// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event provides a typed publish/subscribe feed.
//
// A [Feed] delivers each published value to every subscriber
// synchronously, on the goroutine that called Publish, in subscription
// order. Publishers document which goroutine that is (a transport
// client publishes connection changes from its shared event loop; the
// control listener publishes active changes from its control consumer
// goroutine). A subscriber that needs to block must hand the value off
// to its own goroutine.
package event

import (
	"sync"
)

// Feed is a set of subscriber callbacks. The zero value is ready to
// use. Safe for concurrent use.
type Feed[T any] struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers []subscriber[T]
}

type subscriber[T any] struct {
	id       uint64
	callback func(T)
}

// Subscribe registers callback and returns a function that removes it.
// The returned function is idempotent. A value being published
// concurrently with the unsubscribe may still be delivered once.
func (f *Feed[T]) Subscribe(callback func(T)) (unsubscribe func()) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subscribers = append(f.subscribers, subscriber[T]{id: id, callback: callback})
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { f.remove(id) })
	}
}

// SubscribeChannel returns a channel receiving every published value.
// Values are dropped when the channel buffer is full, so size the
// buffer for the expected burst.
func (f *Feed[T]) SubscribeChannel(buffer int) (<-chan T, func()) {
	channel := make(chan T, buffer)
	unsubscribe := f.Subscribe(func(value T) {
		select {
		case channel <- value:
		default:
		}
	})
	return channel, unsubscribe
}

// Publish delivers value to every current subscriber. The subscriber
// list is snapshotted under the lock and called without it, so a
// callback may subscribe or unsubscribe.
func (f *Feed[T]) Publish(value T) {
	f.mu.Lock()
	subscribers := make([]subscriber[T], len(f.subscribers))
	copy(subscribers, f.subscribers)
	f.mu.Unlock()

	for _, s := range subscribers {
		s.callback(value)
	}
}

// Len returns the number of subscribers.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

func (f *Feed[T]) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.subscribers {
		if s.id == id {
			f.subscribers = append(f.subscribers[:i:i], f.subscribers[i+1:]...)
			return
		}
	}
}
