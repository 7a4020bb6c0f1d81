// Single-threaded event loop
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package loop is the single-threaded event loop that owns the motion
// core. Timers fire on the loop goroutine only; other goroutines hand work
// to it with Post or Call.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	Now   = 0.0
	Never = 9999999999999999.0
)

var (
	ErrClosed  = errors.New("loop: closed")
	ErrStalled = errors.New("loop: no timer pending")
)

// Task runs when its timer fires. It returns the next wake time, or Never
// to park the timer.
type Task func(eventtime float64) float64

// Timer is a registered task.
type Timer struct {
	name     string
	task     Task
	waketime float64
	running  bool
}

// Name returns the name given at registration.
func (t *Timer) Name() string { return t.name }

// Waketime returns the next time the timer fires.
func (t *Timer) Waketime() float64 { return t.waketime }

// Clock supplies event times in seconds.
type Clock interface {
	Now() float64
}

// WallClock measures seconds since it was created.
type WallClock struct{ start time.Time }

func NewWallClock() *WallClock { return &WallClock{start: time.Now()} }

func (c *WallClock) Now() float64 { return time.Since(c.start).Seconds() }

// VirtualClock only moves when the loop advances it, so simulated runs
// complete without sleeping.
type VirtualClock struct{ now float64 }

func (c *VirtualClock) Now() float64 { return c.now }

// AdvanceTo moves the clock forward; it never goes back.
func (c *VirtualClock) AdvanceTo(t float64) {
	if t > c.now {
		c.now = t
	}
}

// Completion carries the result of a Call.
type Completion struct {
	result any
	done   chan struct{}
	once   sync.Once
}

func newCompletion() *Completion { return &Completion{done: make(chan struct{})} }

// Complete stores result and releases waiters. Later calls are ignored.
func (c *Completion) Complete(result any) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Wait blocks until the completion is done or ctx ends.
func (c *Completion) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Loop dispatches timers and posted functions.
type Loop struct {
	clock  Clock
	timers []*Timer
	posted chan func(eventtime float64)
	closed chan struct{}
	once   sync.Once
}

// New creates a loop on clock; nil selects a wall clock.
func New(clock Clock) *Loop {
	if clock == nil {
		clock = NewWallClock()
	}
	return &Loop{
		clock:  clock,
		posted: make(chan func(float64), 256),
		closed: make(chan struct{}),
	}
}

// Clock returns the loop clock.
func (l *Loop) Clock() Clock { return l.clock }

// Monotonic returns the current event time.
func (l *Loop) Monotonic() float64 { return l.clock.Now() }

// RegisterTimer adds a timer. Loop goroutine only.
func (l *Loop) RegisterTimer(name string, task Task, waketime float64) *Timer {
	t := &Timer{name: name, task: task, waketime: waketime}
	l.timers = append(l.timers, t)
	return t
}

// UnregisterTimer removes t. Loop goroutine only.
func (l *Loop) UnregisterTimer(t *Timer) {
	t.waketime = Never
	for i, o := range l.timers {
		if o == t {
			l.timers = append(l.timers[:i], l.timers[i+1:]...)
			return
		}
	}
}

// UpdateTimer reschedules t. A running task sets its next time by return
// value instead.
func (l *Loop) UpdateTimer(t *Timer, waketime float64) {
	if t.running {
		return
	}
	t.waketime = waketime
}

// Post queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *Loop) Post(fn func(eventtime float64)) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	select {
	case l.posted <- fn:
		return nil
	case <-l.closed:
		return ErrClosed
	}
}

// Call runs fn on the loop goroutine and waits for its result.
func (l *Loop) Call(ctx context.Context, fn func(eventtime float64) any) (any, error) {
	c := newCompletion()
	if err := l.Post(func(et float64) { c.Complete(fn(et)) }); err != nil {
		return nil, err
	}
	return c.Wait(ctx)
}

// Close stops Run and rejects further posts.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.closed) })
}

func (l *Loop) drainPosted(eventtime float64) bool {
	ran := false
	for {
		select {
		case fn := <-l.posted:
			fn(eventtime)
			ran = true
		default:
			return ran
		}
	}
}

// RunOnce fires every timer due at eventtime and returns the earliest
// pending wake time.
func (l *Loop) RunOnce(eventtime float64) float64 {
	timers := append([]*Timer(nil), l.timers...)
	for _, t := range timers {
		if eventtime < t.waketime {
			continue
		}
		t.waketime = Never
		t.running = true
		next := t.task(eventtime)
		t.running = false
		if next < t.waketime {
			t.waketime = next
		}
	}
	next := Never
	for _, t := range l.timers {
		if t.waketime < next {
			next = t.waketime
		}
	}
	return next
}

// Run dispatches until ctx ends or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	return l.RunUntil(ctx, func() bool { return false })
}

// RunUntil dispatches until done reports true. On a VirtualClock the clock
// jumps straight to the next wake time, and ErrStalled is returned when
// nothing is left to wake.
func (l *Loop) RunUntil(ctx context.Context, done func() bool) error {
	virtual, _ := l.clock.(*VirtualClock)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-l.closed:
			return ErrClosed
		default:
		}
		now := l.clock.Now()
		l.drainPosted(now)
		if done() {
			return nil
		}
		next := l.RunOnce(now)
		if done() {
			return nil
		}
		if next <= l.clock.Now() {
			continue
		}
		if virtual != nil {
			if len(l.posted) > 0 {
				continue
			}
			if next >= Never {
				return ErrStalled
			}
			virtual.AdvanceTo(next)
			continue
		}
		l.sleep(ctx, next-now)
	}
}

func (l *Loop) sleep(ctx context.Context, seconds float64) {
	if seconds > 1 {
		seconds = 1
	}
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
	case fn := <-l.posted:
		fn(l.clock.Now())
	case <-ctx.Done():
	case <-l.closed:
	}
}
