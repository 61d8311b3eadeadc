// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import "testing"

func TestNewRouteCopiesInputs(t *testing.T) {
	targets := []string{"a:1", "b:1"}
	identities := []string{"O=Bob"}
	route, err := NewRoute("internal.peers.x", targets, identities)
	if err != nil {
		t.Fatalf("NewRoute: %v", err)
	}
	targets[0] = "mutated"
	identities[0] = "mutated"
	if route.Targets()[0] != "a:1" || route.PeerIdentities()[0] != "O=Bob" {
		t.Error("route shares storage with its inputs")
	}
	route.Targets()[0] = "mutated"
	if route.Targets()[0] != "a:1" {
		t.Error("Targets exposes internal storage")
	}
	if !route.HasAnyTarget([]string{"z:1", "b:1"}) || route.HasAnyTarget([]string{"z:1"}) {
		t.Error("HasAnyTarget mismatch")
	}
}

func TestNewRouteValidation(t *testing.T) {
	cases := map[string]struct {
		queue      string
		targets    []string
		identities []string
	}{
		"blank queue":   {" ", []string{"a:1"}, []string{"O=Bob"}},
		"no targets":    {"q", nil, []string{"O=Bob"}},
		"no identities": {"q", []string{"a:1"}, []string{}},
	}
	for name, test := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewRoute(test.queue, test.targets, test.identities); err == nil {
				t.Error("NewRoute succeeded")
			}
		})
	}
}
