// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"fmt"
	"slices"
	"strings"
)

// Route describes where the messages of one queue go: the network
// targets of a peer, tried in order, and the identities that peer may
// authenticate as. A Route is immutable.
type Route struct {
	queueName      string
	targets        []string
	peerIdentities []string
}

// NewRoute copies its inputs. The queue name must be non-blank and
// both lists non-empty.
func NewRoute(queueName string, targets, peerIdentities []string) (Route, error) {
	if strings.TrimSpace(queueName) == "" {
		return Route{}, fmt.Errorf("bridge: route queue name is empty")
	}
	if len(targets) == 0 {
		return Route{}, fmt.Errorf("bridge: route for %s has no targets", queueName)
	}
	if len(peerIdentities) == 0 {
		return Route{}, fmt.Errorf("bridge: route for %s has no peer identities", queueName)
	}
	return Route{
		queueName:      queueName,
		targets:        slices.Clone(targets),
		peerIdentities: slices.Clone(peerIdentities),
	}, nil
}

// QueueName returns the local queue the route drains.
func (r Route) QueueName() string { return r.queueName }

// Targets returns a copy of the target addresses.
func (r Route) Targets() []string { return slices.Clone(r.targets) }

// PeerIdentities returns a copy of the accepted peer identities.
func (r Route) PeerIdentities() []string { return slices.Clone(r.peerIdentities) }

// HasAnyTarget reports whether the route shares a target with targets.
func (r Route) HasAnyTarget(targets []string) bool {
	for _, target := range targets {
		if slices.Contains(r.targets, target) {
			return true
		}
	}
	return false
}

func (r Route) String() string {
	return fmt.Sprintf("%s -> %v %v", r.queueName, r.targets, r.peerIdentities)
}
