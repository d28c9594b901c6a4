// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"fmt"

	"github.com/bassosimone/runtimex"
)

// lifecycle counts the suboperations a call has outstanding.
//
// inc is called once per issued tag and dec once per consumed completion.
// The call is torn down when the count drops to zero in a terminal state.
// Only the dispatch goroutine touches it.
type lifecycle struct {
	pending  int
	issued   uint64
	consumed uint64
	closed   bool
}

func (l *lifecycle) inc() {
	if l.closed {
		runtimex.PanicOnError0(fmt.Errorf("%w: suboperation issued on a torn down call", ErrInvariant))
	}
	l.pending++
	l.issued++
}

// dec reports whether the call became idle.
func (l *lifecycle) dec() bool {
	if l.pending <= 0 {
		runtimex.PanicOnError0(fmt.Errorf("%w: lifecycle underflow (issued=%d consumed=%d)", ErrInvariant, l.issued, l.consumed))
	}
	l.pending--
	l.consumed++
	return l.pending == 0
}

func (l *lifecycle) idle() bool {
	return l.pending == 0
}

func (l *lifecycle) close() {
	if l.closed {
		runtimex.PanicOnError0(fmt.Errorf("%w: call torn down twice", ErrInvariant))
	}
	if l.pending != 0 {
		runtimex.PanicOnError0(fmt.Errorf("%w: tearing down call with %d outstanding suboperations", ErrInvariant, l.pending))
	}
	l.closed = true
}
