// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import "testing"

func TestPublishReachesSubscribersInOrder(t *testing.T) {
	var feed Feed[int]
	var seen []string
	feed.Subscribe(func(v int) { seen = append(seen, "a") })
	feed.Subscribe(func(v int) { seen = append(seen, "b") })

	feed.Publish(1)
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Errorf("delivery order = %v, want [a b]", seen)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	var feed Feed[string]
	var count int
	unsubscribe := feed.Subscribe(func(string) { count++ })
	other := feed.Subscribe(func(string) {})

	unsubscribe()
	unsubscribe()
	feed.Publish("x")

	if count != 0 {
		t.Errorf("unsubscribed callback ran %d times", count)
	}
	if feed.Len() != 1 {
		t.Errorf("Len = %d, want 1", feed.Len())
	}
	other()
	if feed.Len() != 0 {
		t.Errorf("Len = %d, want 0", feed.Len())
	}
}

func TestCallbackMayUnsubscribeDuringPublish(t *testing.T) {
	var feed Feed[int]
	var unsubscribe func()
	calls := 0
	unsubscribe = feed.Subscribe(func(int) {
		calls++
		unsubscribe()
	})

	feed.Publish(1)
	feed.Publish(2)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSubscribeChannelDropsWhenFull(t *testing.T) {
	var feed Feed[int]
	channel, unsubscribe := feed.SubscribeChannel(2)
	defer unsubscribe()

	feed.Publish(1)
	feed.Publish(2)
	feed.Publish(3)

	if got := <-channel; got != 1 {
		t.Errorf("first = %d, want 1", got)
	}
	if got := <-channel; got != 2 {
		t.Errorf("second = %d, want 2", got)
	}
	select {
	case v := <-channel:
		t.Errorf("expected overflow value to be dropped, got %d", v)
	default:
	}
}
