// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import "fmt"

// Message is a broker message.
type Message struct {
	// ID is assigned by the queue the message is stored in and is
	// unique within that queue. Zero on messages being sent.
	ID uint64

	// Address is the address the message was sent to.
	Address string

	// Body is the opaque payload.
	Body []byte

	// Properties are application headers. Values are strings, integers,
	// booleans, or byte slices.
	Properties map[string]any

	// DeliveryCount is the number of times this message has been
	// handed to a consumer, including the current delivery.
	DeliveryCount int
}

// StringProperty returns the named property formatted as a string.
func (m *Message) StringProperty(key string) (string, bool) {
	value, ok := m.Properties[key]
	if !ok || value == nil {
		return "", false
	}
	if s, ok := value.(string); ok {
		return s, true
	}
	return fmt.Sprint(value), true
}

// clone returns a copy with its own property map. The body is shared;
// messages are treated as immutable once sent.
func (m *Message) clone() *Message {
	copied := *m
	if m.Properties != nil {
		copied.Properties = make(map[string]any, len(m.Properties))
		for key, value := range m.Properties {
			copied.Properties[key] = value
		}
	}
	return &copied
}

// Filter selects messages whose string property equals a value.
type Filter struct {
	Property string
	Value    string
}

// PropertyEquals returns a filter matching messages whose property
// equals value.
func PropertyEquals(property, value string) *Filter {
	return &Filter{Property: property, Value: value}
}

// Matches reports whether message passes the filter. A nil filter
// matches everything.
func (f *Filter) Matches(message *Message) bool {
	if f == nil {
		return true
	}
	value, ok := message.StringProperty(f.Property)
	return ok && value == f.Value
}

// String renders the filter for logs.
func (f *Filter) String() string {
	if f == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s = '%s'", f.Property, f.Value)
}
