// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

// Package testrand implements random data generation for tests.
package testrand

import (
	"encoding/hex"
	"math/rand"

	"github.com/google/uuid"
)

// Intn returns, as an int, a non-negative pseudo-random number in [0,n).
func Intn(n int) int {
	return rand.Intn(n)
}

// BytesN generates n bytes of random data.
func BytesN(n int) []byte {
	data := make([]byte, n)
	_, _ = rand.Read(data)
	return data
}

// Key generates a random 32-byte key encoded as hex, the format accepted by
// the credential vault.
func Key() string {
	return hex.EncodeToString(BytesN(32))
}

// UUID generates a random uuid.
func UUID() uuid.UUID {
	return uuid.New()
}

// SessionID generates a random client-style session identifier.
func SessionID() string {
	return "sess-" + hex.EncodeToString(BytesN(8))
}
