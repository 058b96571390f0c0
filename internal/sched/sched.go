// Package sched is the time source shared by the chat components. Every timer the
// typing tracker and the composers arm goes through a Clock so the session can hand
// the callbacks to its event loop and tests can drive time by hand.
package sched

import (
	"time"

	"github.com/raulk/clock"
)

// Clock tells the time and arms one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a pending callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports false if the timer
	// already fired or was stopped.
	Stop() bool
}

type clockAdapter struct {
	c clock.Clock
}

// FromClock adapts a raulk/clock Clock (real or mock).
func FromClock(c clock.Clock) Clock {
	return clockAdapter{c: c}
}

// Real is the wall clock.
func Real() Clock {
	return FromClock(clock.New())
}

func (a clockAdapter) Now() time.Time {
	return a.c.Now()
}

func (a clockAdapter) AfterFunc(d time.Duration, f func()) Timer {
	return a.c.AfterFunc(d, f)
}

type postedClock struct {
	base Clock
	post func(func())
}

// Posted wraps base so timer callbacks are handed to post instead of running on
// the timer's own goroutine. The session passes its loop's enqueue function here.
func Posted(base Clock, post func(func())) Clock {
	return postedClock{base: base, post: post}
}

func (p postedClock) Now() time.Time {
	return p.base.Now()
}

func (p postedClock) AfterFunc(d time.Duration, f func()) Timer {
	return p.base.AfterFunc(d, func() { p.post(f) })
}
