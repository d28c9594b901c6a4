// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"sync"
	"time"
)

// Event is one completed suboperation.
type Event struct {
	Tag Tag
	OK  bool
}

// NextStatus is the outcome of polling a [CompletionSource].
type NextStatus uint8

const (
	NextEvent NextStatus = iota + 1
	NextTimeout
	NextShutdown
)

func (s NextStatus) String() string {
	switch s {
	case NextEvent:
		return "event"
	case NextTimeout:
		return "timeout"
	case NextShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// CompletionSource is the ordered source of completion events polled by an
// [Engine]. Next blocks until an event is available, the deadline passes or
// the source is shut down. Shutdown must be idempotent.
type CompletionSource interface {
	Next(deadline time.Time) (Event, NextStatus)
	Shutdown()
}

// Poster is where transports deliver completions. Post reports false when the
// event was dropped because the source is shut down.
type Poster interface {
	Post(tag Tag, ok bool) bool
}

// Deferrer is implemented by sources able to re-queue a tag behind every
// event already pending, with a successful flag.
type Deferrer interface {
	Defer(tag Tag) bool
}

// Order selects which end of the [Queue] Next serves from.
type Order uint8

const (
	// OrderFIFO serves the oldest event first.
	OrderFIFO Order = iota

	// OrderLIFO serves the newest event first, like the stack-like completion
	// queues the reorder shim exists for.
	OrderLIFO
)

// Queue is an in-memory [CompletionSource] that transports post into.
//
// Post and Defer are safe for concurrent use; Next must be called from a
// single goroutine.
type Queue struct {
	mu       sync.Mutex
	events   []Event
	order    Order
	shutdown bool
	wake     chan struct{}
}

var (
	_ CompletionSource = &Queue{}
	_ Poster           = &Queue{}
	_ Deferrer         = &Queue{}
)

// NewQueue creates an empty [*Queue].
func NewQueue(order Order) *Queue {
	return &Queue{
		order: order,
		wake:  make(chan struct{}, 1),
	}
}

// Post implements [Poster].
func (q *Queue) Post(tag Tag, ok bool) bool {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return false
	}
	q.events = append(q.events, Event{Tag: tag, OK: ok})
	q.mu.Unlock()
	q.notify()
	return true
}

// Defer implements [Deferrer]. The tag is placed where Next reaches it last.
func (q *Queue) Defer(tag Tag) bool {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return false
	}
	ev := Event{Tag: tag, OK: true}
	if q.order == OrderLIFO {
		q.events = append([]Event{ev}, q.events...)
	} else {
		q.events = append(q.events, ev)
	}
	q.mu.Unlock()
	q.notify()
	return true
}

// Next implements [CompletionSource]. Events queued before Shutdown are still
// returned; NextShutdown is reported once the queue is drained.
func (q *Queue) Next(deadline time.Time) (Event, NextStatus) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		q.mu.Lock()
		if n := len(q.events); n > 0 {
			var ev Event
			if q.order == OrderLIFO {
				ev = q.events[n-1]
				q.events = q.events[:n-1]
			} else {
				ev = q.events[0]
				q.events = q.events[1:]
			}
			q.mu.Unlock()
			return ev, NextEvent
		}
		shutdown := q.shutdown
		q.mu.Unlock()
		if shutdown {
			return Event{}, NextShutdown
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return Event{}, NextTimeout
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-q.wake:
		case <-timer.C:
			return Event{}, NextTimeout
		}
	}
}

// Shutdown implements [CompletionSource].
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()
	q.notify()
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
