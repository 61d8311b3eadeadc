// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func compressibleData() []byte {
	return bytes.Repeat([]byte("net.corda.flow.SessionMessage "), 200)
}

func TestEncodeDecode(t *testing.T) {
	for _, tag := range []Tag{LZ4, Zstd} {
		t.Run(tag.String(), func(t *testing.T) {
			data := compressibleData()
			encoded, used, err := Encode(data, tag)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if used != tag {
				t.Fatalf("used tag %s, want %s", used, tag)
			}
			if len(encoded) >= len(data) {
				t.Fatalf("encoded %d bytes from %d", len(encoded), len(data))
			}
			decoded, err := Decode(encoded, used, len(data))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(decoded, data) {
				t.Fatal("decoded payload differs from original")
			}
		})
	}
}

func TestSmallPayloadIsNotCompressed(t *testing.T) {
	data := []byte("tiny")
	encoded, used, err := Encode(data, Zstd)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if used != None || !bytes.Equal(encoded, data) {
		t.Errorf("small payload: tag %s, %d bytes", used, len(encoded))
	}
}

func TestIncompressibleFallsBackToNone(t *testing.T) {
	data := make([]byte, 4096)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	_, used, err := Encode(data, LZ4)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if used != None {
		t.Errorf("random payload encoded with %s, want none", used)
	}
}

func TestDecodeSizeMismatch(t *testing.T) {
	if _, err := Decode([]byte("abc"), None, 4); err == nil {
		t.Error("expected size mismatch error for none")
	}
	data := compressibleData()
	encoded, used, _ := Encode(data, LZ4)
	if _, err := Decode(encoded, used, len(data)+1); err == nil {
		t.Error("expected size mismatch error for lz4")
	}
}

func TestParseTag(t *testing.T) {
	for _, name := range []string{"", "none", "lz4", "zstd"} {
		if _, err := ParseTag(name); err != nil {
			t.Errorf("ParseTag(%q): %v", name, err)
		}
	}
	if _, err := ParseTag("gzip"); err == nil {
		t.Error("ParseTag(gzip) should fail")
	}
}
