package loop

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunOnceFiresDueTimers(t *testing.T) {
	l := New(&VirtualClock{})
	var fired []string
	l.RegisterTimer("a", func(et float64) float64 { fired = append(fired, "a"); return Never }, 1)
	l.RegisterTimer("b", func(et float64) float64 { fired = append(fired, "b"); return et + 5 }, 0)

	if next := l.RunOnce(0); next != 1 {
		t.Errorf("next = %v, want 1", next)
	}
	if next := l.RunOnce(1); next != 5 {
		t.Errorf("next = %v, want 5", next)
	}
	if len(fired) != 2 || fired[0] != "b" || fired[1] != "a" {
		t.Errorf("fired = %v", fired)
	}
}

func TestVirtualClockAdvances(t *testing.T) {
	clock := &VirtualClock{}
	l := New(clock)
	count := 0
	l.RegisterTimer("tick", func(et float64) float64 {
		count++
		return et + 0.5
	}, Now)

	err := l.RunUntil(context.Background(), func() bool { return count == 5 })
	if err != nil {
		t.Fatal(err)
	}
	if clock.Now() != 2 {
		t.Errorf("clock = %v, want 2", clock.Now())
	}
}

func TestRunUntilStalls(t *testing.T) {
	l := New(&VirtualClock{})
	l.RegisterTimer("once", func(float64) float64 { return Never }, Now)
	err := l.RunUntil(context.Background(), func() bool { return false })
	if !errors.Is(err, ErrStalled) {
		t.Errorf("err = %v, want ErrStalled", err)
	}
}

func TestUpdateAndUnregister(t *testing.T) {
	l := New(&VirtualClock{})
	calls := 0
	tm := l.RegisterTimer("t", func(float64) float64 { calls++; return Never }, Never)
	if tm.Name() != "t" {
		t.Errorf("name = %q", tm.Name())
	}
	l.UpdateTimer(tm, 3)
	if next := l.RunOnce(0); next != 3 {
		t.Errorf("next = %v, want 3", next)
	}
	l.UnregisterTimer(tm)
	if next := l.RunOnce(10); next != Never || calls != 0 {
		t.Errorf("next = %v calls = %d", next, calls)
	}
}

func TestUpdateIgnoredWhileRunning(t *testing.T) {
	l := New(&VirtualClock{})
	var tm *Timer
	tm = l.RegisterTimer("self", func(et float64) float64 {
		l.UpdateTimer(tm, 100)
		return 7
	}, Now)
	l.RunOnce(0)
	if tm.Waketime() != 7 {
		t.Errorf("waketime = %v, want 7", tm.Waketime())
	}
}

func TestCallFromOtherGoroutine(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go l.Run(ctx)
	defer l.Close()

	v, err := l.Call(ctx, func(float64) any { return 42 })
	if err != nil {
		t.Fatal(err)
	}
	if v.(int) != 42 {
		t.Errorf("result = %v", v)
	}
}

func TestPostAfterClose(t *testing.T) {
	l := New(nil)
	l.Close()
	if err := l.Post(func(float64) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if err := l.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("run err = %v, want ErrClosed", err)
	}
}

func TestRunStopsOnContext(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}
