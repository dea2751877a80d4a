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

package corio

import (
	"context"
	"time"

	"github.com/sgerbino/corio/internal/sched"
)

// Timer is a reusable deadline bound to a Context. Schedule an expiry
// with ExpiresAt or ExpiresAfter, then Wait for it; the reactor's wait
// timeout shrinks automatically when a timer becomes the nearest one.
//
// At most one Wait may be pending per timer. Rescheduling a waited-on
// timer aborts the outstanding wait with ErrCanceled.
type Timer struct {
	c    *Context
	impl *sched.TimerImpl
}

// NewTimer allocates a timer bound to c.
func NewTimer(c *Context) *Timer {
	return &Timer{c: c, impl: c.sched.Timers().Create()}
}

// ExpiresAt schedules or reschedules the expiry.
func (t *Timer) ExpiresAt(when time.Time) {
	t.c.sched.Timers().Schedule(t.impl, when)
}

// ExpiresAfter schedules the expiry relative to the context clock's now.
func (t *Timer) ExpiresAfter(d time.Duration) {
	t.c.sched.Timers().Schedule(t.impl, t.c.sched.Timers().Now().Add(d))
}

// Expiry returns the configured expiry time.
func (t *Timer) Expiry() time.Time {
	return t.c.sched.Timers().Expiry(t.impl)
}

// Wait invokes fn when the timer expires, is cancelled, or ctx is done.
// If the timer is not scheduled (its expiry has already been processed,
// or it was cancelled or never scheduled), fn runs synchronously with a
// nil error before Wait returns. A timer whose expiry has passed but has
// not yet been processed completes through the scheduler.
func (t *Timer) Wait(ctx context.Context, fn func(error)) {
	t.c.sched.Timers().Wait(ctx, t.impl, fn)
}

// Cancel unschedules the timer; a pending waiter resumes with
// ErrCanceled.
func (t *Timer) Cancel() {
	t.c.sched.Timers().Cancel(t.impl)
}

// Close cancels the timer and releases it.
func (t *Timer) Close() {
	t.c.sched.Timers().Destroy(t.impl)
}
