// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

// Package redistest starts an in-process redis server for tests.
package redistest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
)

// Start runs a miniredis instance bound to the test lifetime and returns
// its URL.
func Start(t *testing.T) (addr string, mini *miniredis.Miniredis) {
	t.Helper()

	mini = miniredis.RunT(t)
	return "redis://" + mini.Addr(), mini
}
