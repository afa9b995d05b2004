package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunInvokesSweepPeriodically(t *testing.T) {
	s := New(Options{Interval: 30 * time.Millisecond}, zerolog.Nop())

	var ticks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, cycle time.Time) error {
			if ticks.Add(1) >= 2 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("应以 context.Canceled 退出, 实际 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("调度循环未能按时执行")
	}

	if ticks.Load() < 2 {
		t.Fatalf("期望至少 2 次执行, 实际 %d", ticks.Load())
	}
}

func TestTriggerForcesImmediateSweep(t *testing.T) {
	// long interval so only the manual trigger can fire within the test
	s := New(Options{Interval: time.Hour}, zerolog.Nop())

	fired := make(chan time.Time, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = s.Run(ctx, func(ctx context.Context, cycle time.Time) error {
			fired <- cycle
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	s.Trigger()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("手动触发未执行")
	}
}

func TestTriggerCoalescesWhilePending(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())
	s.Trigger()
	s.Trigger()
	s.Trigger()

	if len(s.trigger) != 1 {
		t.Fatalf("重复触发应合并为一次, 实际 %d", len(s.trigger))
	}
}

func TestNewPanicsOnBadInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("非法间隔应 panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}
