// Copyright 2026 Steve Gerbino. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package corio_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sgerbino/corio"
)

func TestTimerExpiry(t *testing.T) {
	ctx := newContext(t)
	defer ctx.Shutdown()

	timer := corio.NewTimer(ctx)
	defer timer.Close()

	timer.ExpiresAfter(10 * time.Millisecond)

	var waitErr error
	start := time.Now()
	timer.Wait(nil, func(err error) { waitErr = err })
	ctx.Run()

	if waitErr != nil {
		t.Errorf("wait completed with %v, want success", waitErr)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("resumed after %v, want >= 10ms", elapsed)
	}
}

func TestTimerExpiryOrdering(t *testing.T) {
	// Three timers at now+30ms, now+10ms, now+20ms resume in expiry
	// order.
	ctx := newContext(t)
	defer ctx.Shutdown()

	var order []time.Duration
	for _, d := range []time.Duration{
		30 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
	} {
		d := d
		timer := corio.NewTimer(ctx)
		defer timer.Close()
		timer.ExpiresAfter(d)
		timer.Wait(nil, func(err error) {
			if err != nil {
				t.Errorf("wait(%v) completed with %v", d, err)
			}
			order = append(order, d)
		})
	}

	ctx.Run()

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
	}
	if len(order) != len(want) {
		t.Fatalf("resumed %d waiters, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("resume order %v, want %v", order, want)
		}
	}
}

func TestTimerScheduledInPast(t *testing.T) {
	// A timer scheduled earlier than now resumes with success
	// immediately.
	ctx := newContext(t)
	defer ctx.Shutdown()

	timer := corio.NewTimer(ctx)
	defer timer.Close()
	timer.ExpiresAt(time.Now().Add(-time.Second))

	var waitErr error
	done := false
	timer.Wait(nil, func(err error) {
		waitErr = err
		done = true
	})

	start := time.Now()
	ctx.Run()
	if !done {
		t.Fatal("waiter never resumed")
	}
	if waitErr != nil {
		t.Errorf("wait completed with %v, want success", waitErr)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("resumed after %v, want immediately", elapsed)
	}
}

func TestTimerAlreadyExpiredWaitsSynchronously(t *testing.T) {
	// Once the expiry has been processed, a new Wait completes before
	// it returns.
	ctx := newContext(t)
	defer ctx.Shutdown()

	timer := corio.NewTimer(ctx)
	defer timer.Close()
	timer.ExpiresAt(time.Now().Add(-time.Millisecond))
	timer.Wait(nil, func(error) {})
	ctx.Run()

	// The timer is no longer scheduled.
	ctx.Restart()
	done := false
	timer.Wait(nil, func(err error) {
		if err != nil {
			t.Errorf("wait completed with %v, want success", err)
		}
		done = true
	})
	if !done {
		t.Error("wait on expired timer did not complete synchronously")
	}
}

func TestTimerCancel(t *testing.T) {
	ctx := newContext(t)
	defer ctx.Shutdown()

	timer := corio.NewTimer(ctx)
	defer timer.Close()
	timer.ExpiresAfter(time.Hour)

	var waitErr error
	timer.Wait(nil, func(err error) { waitErr = err })
	timer.Cancel()
	ctx.Run()

	if !errors.Is(waitErr, corio.ErrCanceled) {
		t.Errorf("wait completed with %v, want ErrCanceled", waitErr)
	}
}

func TestTimerWaitContextCancel(t *testing.T) {
	ioctx := newContext(t)
	defer ioctx.Shutdown()

	timer := corio.NewTimer(ioctx)
	defer timer.Close()
	timer.ExpiresAfter(time.Hour)

	cctx, cancel := context.WithCancel(context.Background())
	var waitErr error
	timer.Wait(cctx, func(err error) { waitErr = err })
	cancel()
	ioctx.Run()

	if !errors.Is(waitErr, corio.ErrCanceled) {
		t.Errorf("wait completed with %v, want ErrCanceled", waitErr)
	}
}

func TestTimerRescheduleCancelsWait(t *testing.T) {
	ctx := newContext(t)
	defer ctx.Shutdown()

	timer := corio.NewTimer(ctx)
	defer timer.Close()
	timer.ExpiresAfter(time.Hour)

	var first error
	timer.Wait(nil, func(err error) { first = err })

	// Moving the expiry aborts the outstanding wait.
	timer.ExpiresAfter(5 * time.Millisecond)

	var second error
	timer.Wait(nil, func(err error) { second = err })
	ctx.Run()

	if !errors.Is(first, corio.ErrCanceled) {
		t.Errorf("first wait completed with %v, want ErrCanceled", first)
	}
	if second != nil {
		t.Errorf("second wait completed with %v, want success", second)
	}
}

func TestTimerEarlierScheduleShrinksReactorTimeout(t *testing.T) {
	// A timer scheduled while the reactor is blocked on a later timer
	// must still fire on time.
	ctx, r := startRunner(t, 1)

	far := corio.NewTimer(ctx)
	far.ExpiresAfter(time.Hour)
	farErr := make(chan error, 1)
	far.Wait(nil, func(err error) { farErr <- err })

	// Let the reactor block with the one-hour timeout.
	time.Sleep(20 * time.Millisecond)

	near := corio.NewTimer(ctx)
	near.ExpiresAfter(30 * time.Millisecond)
	nearDone := make(chan error, 1)
	start := time.Now()
	near.Wait(nil, func(err error) { nearDone <- err })

	if err := expectErr(t, nearDone); err != nil {
		t.Errorf("near wait completed with %v, want success", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("near timer fired after %v; reactor timeout not re-evaluated", elapsed)
	}

	far.Cancel()
	if err := expectErr(t, farErr); !errors.Is(err, corio.ErrCanceled) {
		t.Errorf("far wait completed with %v, want ErrCanceled", err)
	}
	far.Close()
	near.Close()
	r.stop(t, 1)
}
