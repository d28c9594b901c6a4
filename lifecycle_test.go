// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLifecycle(t *testing.T) {
	var l lifecycle
	require.True(t, l.idle())

	l.inc()
	l.inc()
	require.False(t, l.dec())
	require.True(t, l.dec())
	require.True(t, l.idle())
	require.Equal(t, uint64(2), l.issued)
	require.Equal(t, uint64(2), l.consumed)

	l.close()
	requireInvariantPanic(t, l.close)
	requireInvariantPanic(t, l.inc)
}

func TestLifecycleUnderflowPanics(t *testing.T) {
	var l lifecycle
	requireInvariantPanic(t, func() { l.dec() })
}

func TestLifecycleCloseWithPendingPanics(t *testing.T) {
	var l lifecycle
	l.inc()
	requireInvariantPanic(t, l.close)
}

// requireInvariantPanic checks that f panics with an error wrapping
// [ErrInvariant].
func requireInvariantPanic(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		err, ok := recover().(error)
		require.True(t, ok, "panic value is an error")
		require.ErrorIs(t, err, ErrInvariant)
	}()
	f()
}
