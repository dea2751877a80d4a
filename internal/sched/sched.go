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

// Package sched contains the platform reactors and the thread coordination
// core of the runtime. The public package wraps the types defined here.
//
// Single reactor model
// --------------------
//
// Any number of goroutines may call Run concurrently. Instead of all of
// them blocking in the OS wait call, exactly one becomes the "reactor"
// while the others wait on a condition variable for handler work. This
// avoids the thundering herd on completion delivery, and makes each Post
// wake at most one worker, matching IOCP's one-post-one-wakeup semantics
// on platforms whose native primitive does not provide that directly.
//
// The doOne loop, under the scheduler mutex:
//
//  1. If a handler is queued: dequeue, unlock, invoke, return 1.
//  2. If outstanding work is zero: return 0.
//  3. If no reactor is running: become the reactor. Block in the OS wait
//     with a timeout clamped to the nearest timer expiry, queue the
//     completions it produced, wake workers in proportion, loop back.
//  4. Otherwise wait on the condition variable and loop back.
//
// Work counting
// -------------
//
// outstandingWork tracks operations that prevent Run from returning. Every
// queued handler carries exactly one unit, released after the handler body
// returns. Reaching zero stops the scheduler and wakes every blocked
// goroutine exactly once.
package sched

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/timeutil"
)

// A task is a unit of work in the scheduler's run queue. Op embeds one so
// that in-flight operations can be queued without allocation.
type task struct {
	next    *task
	invoke  func()
	destroy func()
}

// taskQueue is a singly-linked FIFO. Push and pop are O(1). Guarded by the
// scheduler mutex.
type taskQueue struct {
	head, tail *task
}

func (q *taskQueue) push(t *task) {
	t.next = nil
	if q.tail == nil {
		q.head = t
		q.tail = t
		return
	}
	q.tail.next = t
	q.tail = t
}

func (q *taskQueue) pop() *task {
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.next
	if q.head == nil {
		q.tail = nil
	}
	t.next = nil
	return t
}

// Scheduler coordinates the reactor, the handler queue, and the goroutines
// draining them.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	// GUARDED_BY(mu)
	queue taskQueue

	outstandingWork atomic.Int64
	stopped         atomic.Bool

	// GUARDED_BY(mu)
	shutdown bool

	// Reactor coordination. See the package comment.
	//
	// GUARDED_BY(mu)
	reactorRunning     bool
	reactorInterrupted bool
	idleWorkers        int

	poller poller
	timers *TimerService

	// Goroutines with an active Run* invocation, keyed by goroutine id.
	runnersMu sync.Mutex
	runners   map[uint64]int // GUARDED_BY(runnersMu)
}

// New creates a scheduler together with its OS event channel. Failure to
// create the event-wait primitive is fatal to construction.
func New(clock timeutil.Clock) (*Scheduler, error) {
	s := &Scheduler{
		runners: make(map[uint64]int),
	}
	s.cond = sync.NewCond(&s.mu)

	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	s.poller = p

	s.timers = newTimerService(s, clock)
	s.timers.setOnEarliestChanged(s.interruptReactor)
	return s, nil
}

// Timers returns the timer service owned by this scheduler.
func (s *Scheduler) Timers() *TimerService {
	return s.timers
}

// Post enqueues fn for execution by some goroutine running the scheduler.
// It is safe to call from any goroutine and never blocks.
func (s *Scheduler) Post(fn func()) {
	s.PostTask(&task{invoke: fn, destroy: func() {}})
}

// PostTask enqueues a counted unit of work. The task's invoke runs exactly
// once before Run returns, or its destroy runs exactly once during
// Shutdown.
func (s *Scheduler) PostTask(t *task) {
	s.outstandingWork.Add(1)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		s.outstandingWork.Add(-1)
		t.destroy()
		return
	}
	s.queue.push(t)
	s.wakeOneAndUnlock()
}

// queueCompleted pushes an op whose outstanding-work unit was already
// charged at registration time.
//
// LOCKS_REQUIRED(s.mu)
func (s *Scheduler) queueCompleted(t *task) {
	s.queue.push(t)
}

// WorkStarted records an operation that must prevent Run from returning.
func (s *Scheduler) WorkStarted() {
	s.outstandingWork.Add(1)
}

// WorkFinished releases a unit of outstanding work. The last unit stops
// the scheduler.
func (s *Scheduler) WorkFinished() {
	if s.outstandingWork.Add(-1) == 0 {
		s.Stop()
	}
}

// OutstandingWork returns the current work count. Test hook.
func (s *Scheduler) OutstandingWork() int64 {
	return s.outstandingWork.Load()
}

// Stop transitions the scheduler to stopped, waking every blocked
// goroutine once and interrupting the reactor so all Run* calls return.
func (s *Scheduler) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
		s.poller.interrupt()
	}
}

// Stopped reports whether Stop has been called since the last Restart.
func (s *Scheduler) Stopped() bool {
	return s.stopped.Load()
}

// Restart clears the stopped flag. Required before calling Run again
// after a stop.
func (s *Scheduler) Restart() {
	s.stopped.Store(false)
}

// Run executes handlers on the calling goroutine until the scheduler is
// stopped or runs out of work. Returns the number of handlers executed.
func (s *Scheduler) Run() int {
	if s.stopped.Load() {
		return 0
	}
	if s.outstandingWork.Load() == 0 {
		s.Stop()
		return 0
	}

	s.enterRun()
	defer s.exitRun()

	n := 0
	for s.doOne(true) == 1 {
		n++
	}
	return n
}

// RunOne executes at most one handler, blocking until one is available or
// the scheduler stops.
func (s *Scheduler) RunOne() int {
	if s.stopped.Load() {
		return 0
	}
	if s.outstandingWork.Load() == 0 {
		s.Stop()
		return 0
	}

	s.enterRun()
	defer s.exitRun()
	return s.doOne(true)
}

// Poll executes ready handlers without blocking.
func (s *Scheduler) Poll() int {
	if s.stopped.Load() {
		return 0
	}
	if s.outstandingWork.Load() == 0 {
		s.Stop()
		return 0
	}

	s.enterRun()
	defer s.exitRun()

	n := 0
	for s.doOne(false) == 1 {
		n++
	}
	return n
}

// PollOne executes at most one ready handler without blocking.
func (s *Scheduler) PollOne() int {
	if s.stopped.Load() {
		return 0
	}
	if s.outstandingWork.Load() == 0 {
		s.Stop()
		return 0
	}

	s.enterRun()
	defer s.exitRun()
	return s.doOne(false)
}

// RunningInThisThread reports whether the calling goroutine is inside an
// active Run* invocation of this scheduler.
func (s *Scheduler) RunningInThisThread() bool {
	id := goroutineID()
	s.runnersMu.Lock()
	defer s.runnersMu.Unlock()
	return s.runners[id] > 0
}

// Shutdown destroys every queued handler without running user code,
// clears the queue, and closes the OS event channel. The scheduler must
// not be used afterward.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	for {
		t := s.queue.pop()
		if t == nil {
			break
		}
		s.mu.Unlock()
		t.destroy()
		s.mu.Lock()
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.outstandingWork.Store(0)
	s.poller.close()
}

func (s *Scheduler) enterRun() {
	id := goroutineID()
	s.runnersMu.Lock()
	s.runners[id]++
	s.runnersMu.Unlock()
}

func (s *Scheduler) exitRun() {
	id := goroutineID()
	s.runnersMu.Lock()
	if s.runners[id] <= 1 {
		delete(s.runners, id)
	} else {
		s.runners[id]--
	}
	s.runnersMu.Unlock()
}

// doOne executes at most one handler. block selects between the blocking
// run variants and the poll variants. Returns the number of handlers
// executed (0 or 1).
func (s *Scheduler) doOne(block bool) int {
	s.mu.Lock()
	for {
		if s.stopped.Load() {
			s.mu.Unlock()
			return 0
		}

		if t := s.queue.pop(); t != nil {
			s.mu.Unlock()
			t.invoke()
			s.WorkFinished()
			return 1
		}

		if s.outstandingWork.Load() == 0 {
			s.mu.Unlock()
			return 0
		}

		if !block {
			s.mu.Unlock()
			return 0
		}

		if !s.reactorRunning {
			s.reactorRunning = true
			s.reactorInterrupted = false
			s.runReactor()
			s.reactorRunning = false
			// Loop back so this goroutine can run a handler the
			// reactor just queued.
			continue
		}

		// Another goroutine is the reactor. Wait for handler work.
		s.idleWorkers++
		s.cond.Wait()
		s.idleWorkers--
	}
}

// runReactor blocks in the OS wait, queues the completions it produced,
// and wakes idle workers in proportion.
//
// LOCKS_REQUIRED(s.mu)
func (s *Scheduler) runReactor() {
	timeout := s.waitTimeout()
	s.mu.Unlock()

	completed := s.poller.wait(timeout)

	// Due timer waiters become runnable in the same reactor turn, before
	// any queued handler. Must run unlocked: completions may call Post.
	s.timers.processExpired()

	s.mu.Lock()
	for _, op := range completed {
		s.queueCompleted(&op.task)
	}
	if n := len(completed); n > 0 {
		if n >= s.idleWorkers {
			s.cond.Broadcast()
		} else {
			for i := 0; i < n; i++ {
				s.cond.Signal()
			}
		}
	}
}

// waitTimeout derives the reactor's OS wait timeout from the nearest
// timer expiry. Returns a negative duration for "wait forever".
//
// LOCKS_REQUIRED(s.mu)
func (s *Scheduler) waitTimeout() time.Duration {
	nearest, ok := s.timers.nearestExpiry()
	if !ok {
		return -1
	}
	d := nearest.Sub(s.timers.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// interruptReactor wakes the reactor if it is blocked in the OS wait and
// has not already been interrupted this cycle. Installed as the timer
// service's earliest-changed callback.
func (s *Scheduler) interruptReactor() {
	s.mu.Lock()
	doit := s.reactorRunning && !s.reactorInterrupted
	if doit {
		s.reactorInterrupted = true
	}
	s.mu.Unlock()
	if doit {
		s.poller.interrupt()
	}
}

// wakeOneAndUnlock implements the waking policy for a newly queued
// handler: wake exactly one idle worker if any, else interrupt the
// reactor once, else nothing.
//
// LOCKS_REQUIRED(s.mu)
func (s *Scheduler) wakeOneAndUnlock() {
	switch {
	case s.idleWorkers > 0:
		s.cond.Signal()
		s.mu.Unlock()

	case s.reactorRunning && !s.reactorInterrupted:
		s.reactorInterrupted = true
		s.mu.Unlock()
		s.poller.interrupt()

	default:
		s.mu.Unlock()
	}
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the current goroutine's id from its stack header.
// There is no runtime API for this; the header format is stable.
func goroutineID() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	id, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return id
}
