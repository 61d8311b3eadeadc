// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bureau-foundation/peerbridge/lib/codec"
	"github.com/bureau-foundation/peerbridge/lib/compress"
)

// protocolVersion is sent in hello frames. Peers with a different
// version are disconnected.
const protocolVersion = 1

// DefaultMaxFrameSize bounds a single frame on the wire.
const DefaultMaxFrameSize = 16 << 20

type frameKind uint8

const (
	frameHello       frameKind = 1
	frameTransfer    frameKind = 2
	frameDisposition frameKind = 3
)

type frame struct {
	Kind frameKind `cbor:"k"`

	// Hello.
	Version  int    `cbor:"v,omitempty"`
	Identity string `cbor:"n,omitempty"`

	// Transfer and disposition.
	Sequence uint64 `cbor:"q,omitempty"`

	// Transfer.
	Topic       string         `cbor:"t,omitempty"`
	Destination string         `cbor:"d,omitempty"`
	Properties  map[string]any `cbor:"p,omitempty"`
	Compression compress.Tag   `cbor:"c,omitempty"`
	Size        int            `cbor:"s,omitempty"`
	Payload     []byte         `cbor:"b,omitempty"`

	// Disposition.
	Status Status `cbor:"r,omitempty"`
}

func writeFrame(w io.Writer, f *frame) error {
	data, err := codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("transport: encoding frame: %w", err)
	}
	buffer := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buffer, uint32(len(data)))
	copy(buffer[4:], data)
	if _, err := w.Write(buffer); err != nil {
		return fmt.Errorf("transport: writing frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader, maxSize int) (*frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if int64(length) > int64(maxSize) {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds limit %d", length, maxSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("transport: reading frame body: %w", err)
	}
	var f frame
	if err := codec.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("transport: decoding frame: %w", err)
	}
	return &f, nil
}

func transferFrame(sequence uint64, message *Message, preferred compress.Tag) (*frame, error) {
	payload, tag, err := compress.Encode(message.Payload, preferred)
	if err != nil {
		return nil, fmt.Errorf("transport: compressing payload: %w", err)
	}
	return &frame{
		Kind:        frameTransfer,
		Sequence:    sequence,
		Topic:       message.Topic,
		Destination: message.DestinationIdentity,
		Properties:  message.Properties,
		Compression: tag,
		Size:        len(message.Payload),
		Payload:     payload,
	}, nil
}

// exchangeHello sends our hello and reads the peer's.
func exchangeHello(rw io.ReadWriter, identity string, maxSize int) (string, error) {
	errs := make(chan error, 1)
	go func() {
		errs <- writeFrame(rw, &frame{Kind: frameHello, Version: protocolVersion, Identity: identity})
	}()
	reply, err := readFrame(rw, maxSize)
	if err != nil {
		return "", fmt.Errorf("transport: reading hello: %w", err)
	}
	if err := <-errs; err != nil {
		return "", err
	}
	if reply.Kind != frameHello {
		return "", fmt.Errorf("transport: expected hello, got frame kind %d", reply.Kind)
	}
	if reply.Version != protocolVersion {
		return "", fmt.Errorf("transport: peer speaks protocol %d, want %d", reply.Version, protocolVersion)
	}
	return reply.Identity, nil
}
