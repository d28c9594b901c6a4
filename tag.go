// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"fmt"

	"github.com/bassosimone/runtimex"
)

// Op identifies the kind of asynchronous suboperation a [Tag] stands for.
type Op uint8

const (
	OpConnect Op = iota + 1
	OpRead
	OpWrite
	OpWriteDone
	OpFinish
)

// String returns the name used in logs and metric labels.
func (op Op) String() string {
	switch op {
	case OpConnect:
		return "CONNECT"
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpWriteDone:
		return "WRITE_DONE"
	case OpFinish:
		return "FINISH"
	default:
		return fmt.Sprintf("Op(%d)", uint8(op))
	}
}

// Tag correlates one outstanding suboperation with the call that issued it.
//
// A Tag is an index into the owning engine's tag table. It is valid from the
// moment it is handed to a transport until its completion is consumed by the
// dispatch loop; tags are never reused.
type Tag uint64

// NoTag is never issued. Transports must not post it.
const NoTag Tag = 0

type tagEntry struct {
	call CallID
	op   Op

	// deferred is set when the reorder shim pushed the completion to the back
	// of the queue; deferredOK keeps the original success flag.
	deferred   bool
	deferredOK bool
}

// tagTable maps outstanding tags to their owning call and operation.
//
// It is owned by the dispatch goroutine and is not safe for concurrent use.
type tagTable struct {
	last    Tag
	entries map[Tag]*tagEntry
}

func newTagTable() *tagTable {
	return &tagTable{entries: make(map[Tag]*tagEntry)}
}

func (t *tagTable) issue(call CallID, op Op) Tag {
	t.last++
	t.entries[t.last] = &tagEntry{call: call, op: op}
	return t.last
}

// lookup resolves an outstanding tag. An unknown tag means a completion was
// delivered twice or was never issued, so the tag invariant is already broken.
func (t *tagTable) lookup(tag Tag) *tagEntry {
	entry, found := t.entries[tag]
	if !found {
		runtimex.PanicOnError0(fmt.Errorf("%w: completion for unknown tag %d", ErrInvariant, tag))
	}
	return entry
}

func (t *tagTable) release(tag Tag) {
	delete(t.entries, tag)
}

// releaseCall drops every tag of a call that never got admitted.
func (t *tagTable) releaseCall(call CallID) {
	for tag, entry := range t.entries {
		if entry.call == call {
			delete(t.entries, tag)
		}
	}
}

func (t *tagTable) len() int {
	return len(t.entries)
}
