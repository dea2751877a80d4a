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

package sched

import (
	"container/heap"
	"context"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

// notScheduled is the heap index of a timer that is not in the heap.
const notScheduled = -1

// TimerImpl is the per-timer record. Reusable across expiries.
type TimerImpl struct {
	svc *TimerService

	// GUARDED_BY(svc.mu)
	expiry    time.Time
	heapIndex int

	// Wait state. At most one wait may be pending per timer.
	//
	// GUARDED_BY(svc.mu)
	waiting bool
	fn      func(error)
	stop    func() bool
}

// timerHeap is an expiry-ordered min-heap. Each timer carries its own
// index so reposition and removal are O(log n).
type timerHeap []*TimerImpl

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].expiry.Before(h[j].expiry) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*TimerImpl)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = notScheduled
	*h = old[:n-1]
	return t
}

// TimerService owns the expiry heap and the set of live timers. The
// scheduler consults it for its wait timeout and drains it on every
// reactor wake.
type TimerService struct {
	sched *Scheduler
	clock timeutil.Clock

	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	heap   timerHeap
	timers map[*TimerImpl]struct{}

	onEarliestChanged func()
}

func newTimerService(s *Scheduler, clock timeutil.Clock) *TimerService {
	ts := &TimerService{
		sched:  s,
		clock:  clock,
		timers: make(map[*TimerImpl]struct{}),
	}
	ts.mu = syncutil.NewInvariantMutex(ts.checkInvariants)
	return ts
}

// checkInvariants verifies the heap's back-index property. Enabled in
// tests via syncutil.EnableInvariantChecking.
//
// LOCKS_REQUIRED(ts.mu)
func (ts *TimerService) checkInvariants() {
	for i, t := range ts.heap {
		if t.heapIndex != i {
			panic("timer heap index out of sync")
		}
	}
}

func (ts *TimerService) setOnEarliestChanged(fn func()) {
	ts.onEarliestChanged = fn
}

// Create allocates a timer bound to this service.
func (ts *TimerService) Create() *TimerImpl {
	t := &TimerImpl{svc: ts, heapIndex: notScheduled}
	ts.mu.Lock()
	ts.timers[t] = struct{}{}
	ts.mu.Unlock()
	return t
}

// Now returns the service clock's current time.
func (ts *TimerService) Now() time.Time {
	return ts.clock.Now()
}

// Schedule sets or updates t's expiry. If the timer was already in the
// heap it is repositioned; a pending wait is resumed with ErrCanceled.
// When the update makes t the new heap root, the scheduler is told its
// wait timeout must shrink.
func (ts *TimerService) Schedule(t *TimerImpl, when time.Time) {
	var resume func(error)

	ts.mu.Lock()
	if t.waiting {
		resume = ts.detachWaiterLocked(t)
	}
	t.expiry = when
	if t.heapIndex != notScheduled {
		heap.Fix(&ts.heap, t.heapIndex)
	} else {
		heap.Push(&ts.heap, t)
	}
	notify := t.heapIndex == 0
	ts.mu.Unlock()

	if resume != nil {
		ts.postCompletion(resume, ErrCanceled)
	}
	if notify && ts.onEarliestChanged != nil {
		ts.onEarliestChanged()
	}
}

// Expiry returns the timer's configured expiry time.
func (ts *TimerService) Expiry(t *TimerImpl) time.Time {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return t.expiry
}

// Wait suspends the caller (by way of fn) until expiry, cancellation, or
// ctx done. If the timer has already expired, fn runs synchronously with
// success.
func (ts *TimerService) Wait(ctx context.Context, t *TimerImpl, fn func(error)) {
	ts.mu.Lock()
	if t.heapIndex == notScheduled {
		ts.mu.Unlock()
		fn(nil)
		return
	}

	// The work unit must exist before the waiter becomes claimable.
	ts.sched.WorkStarted()

	t.waiting = true
	t.fn = fn
	if ctx != nil && ctx.Done() != nil {
		t.stop = context.AfterFunc(ctx, func() { ts.Cancel(t) })
	}
	ts.mu.Unlock()
}

// Cancel removes t from the heap and resumes a pending waiter with
// ErrCanceled.
func (ts *TimerService) Cancel(t *TimerImpl) {
	var resume func(error)

	ts.mu.Lock()
	ts.removeLocked(t)
	if t.waiting {
		resume = ts.detachWaiterLocked(t)
	}
	ts.mu.Unlock()

	if resume != nil {
		ts.postCompletion(resume, ErrCanceled)
	}
}

// Destroy cancels t and removes it from the live set.
func (ts *TimerService) Destroy(t *TimerImpl) {
	ts.Cancel(t)
	ts.mu.Lock()
	delete(ts.timers, t)
	ts.mu.Unlock()
}

// nearestExpiry returns the heap root.
func (ts *TimerService) nearestExpiry() (time.Time, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.heap) == 0 {
		return time.Time{}, false
	}
	return ts.heap[0].expiry, true
}

// processExpired removes every root whose time has come and resumes the
// attached waiters. Runs on the reactor's goroutine with no locks held,
// so completions run before the handlers queued later in the same turn.
func (ts *TimerService) processExpired() int {
	var resumes []func(error)

	ts.mu.Lock()
	now := ts.clock.Now()
	for len(ts.heap) > 0 && !ts.heap[0].expiry.After(now) {
		t := ts.heap[0]
		heap.Pop(&ts.heap)
		if t.waiting {
			resumes = append(resumes, ts.detachWaiterLocked(t))
		}
		// Not waiting: the timer is simply no longer scheduled; a later
		// Wait observes that and completes synchronously.
	}
	ts.mu.Unlock()

	for _, fn := range resumes {
		fn(nil)
		// The waiter gets a chance to start new work before the count
		// can reach zero and stop the scheduler.
		ts.sched.WorkFinished()
	}
	return len(resumes)
}

// Shutdown drops every waiter without running user code.
func (ts *TimerService) Shutdown() {
	ts.mu.Lock()
	for t := range ts.timers {
		if t.stop != nil {
			t.stop()
			t.stop = nil
		}
		t.waiting = false
		t.fn = nil
		t.heapIndex = notScheduled
	}
	ts.heap = nil
	ts.timers = make(map[*TimerImpl]struct{})
	ts.mu.Unlock()
}

// detachWaiterLocked clears t's wait state and returns a closure that
// releases the stop callback and invokes the user's completion.
//
// LOCKS_REQUIRED(ts.mu)
func (ts *TimerService) detachWaiterLocked(t *TimerImpl) func(error) {
	t.waiting = false
	fn := t.fn
	stop := t.stop
	t.fn = nil
	t.stop = nil
	return func(err error) {
		if stop != nil {
			stop()
		}
		fn(err)
	}
}

// removeLocked takes t out of the heap if scheduled.
//
// LOCKS_REQUIRED(ts.mu)
func (ts *TimerService) removeLocked(t *TimerImpl) {
	if t.heapIndex != notScheduled {
		heap.Remove(&ts.heap, t.heapIndex)
	}
}

// postCompletion hands a cancellation resumption to the scheduler so the
// callback runs on a Run goroutine, then releases the wait's work unit.
func (ts *TimerService) postCompletion(resume func(error), err error) {
	ts.sched.Post(func() { resume(err) })
	ts.sched.WorkFinished()
}
