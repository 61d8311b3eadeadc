// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress implements the payload compression negotiated on
// peer transport frames.
//
// A frame carries a one-byte [Tag] and the uncompressed length next to
// the (possibly compressed) payload. The sender picks an algorithm per
// connection; [Encode] falls back to [None] for a payload that does not
// shrink, so the receiver never pays for a pointless decode. Tags are
// protocol constants.
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies the compression applied to a frame payload.
type Tag uint8

const (
	// None is an uncompressed payload.
	None Tag = 0

	// LZ4 is LZ4 block compression: cheap, modest ratio. The default
	// for peer links, where payloads are mostly serialized flow
	// messages of a few kilobytes.
	LZ4 Tag = 1

	// Zstd is zstd at the default level: better ratio for large,
	// text-like payloads at more CPU per byte.
	Zstd Tag = 2
)

// MinimumSize is the payload size below which Encode does not attempt
// compression.
const MinimumSize = 256

// String returns the configuration name of a tag.
func (tag Tag) String() string {
	switch tag {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseTag parses a configuration name. The empty string is None.
func ParseTag(name string) (Tag, error) {
	switch name {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

var errIncompressible = errors.New("incompressible")

// Encode compresses data with the preferred algorithm and returns the
// tag actually used. Small or incompressible payloads are returned
// unchanged with None.
func Encode(data []byte, preferred Tag) ([]byte, Tag, error) {
	if preferred == None || len(data) < MinimumSize {
		return data, None, nil
	}

	var compressed []byte
	var err error
	switch preferred {
	case LZ4:
		compressed, err = compressLZ4(data)
	case Zstd:
		compressed, err = compressZstd(data)
	default:
		return nil, None, fmt.Errorf("compress: unsupported tag %d", preferred)
	}
	if errors.Is(err, errIncompressible) {
		return data, None, nil
	}
	if err != nil {
		return nil, None, err
	}
	return compressed, preferred, nil
}

// Decode reverses Encode. size is the uncompressed length carried in
// the frame; a mismatch is an error.
func Decode(data []byte, tag Tag, size int) ([]byte, error) {
	switch tag {
	case None:
		if len(data) != size {
			return nil, fmt.Errorf("compress: uncompressed payload is %d bytes, frame says %d", len(data), size)
		}
		return data, nil
	case LZ4:
		return decompressLZ4(data, size)
	case Zstd:
		return decompressZstd(data, size)
	default:
		return nil, fmt.Errorf("compress: unsupported tag %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("compress: lz4: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(data []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(data, destination)
	if err != nil {
		return nil, fmt.Errorf("compress: lz4: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("compress: lz4 produced %d bytes, frame says %d", read, size)
	}
	return destination, nil
}

// The zstd encoder and decoder are safe for concurrent use and costly
// to build, so one of each serves every connection.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(data []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("compress: zstd: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("compress: zstd produced %d bytes, frame says %d", len(result), size)
	}
	return result, nil
}
