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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sgerbino/corio"
)

func newContext(t *testing.T) *corio.Context {
	t.Helper()
	ctx, err := corio.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return ctx
}

func TestPostRate(t *testing.T) {
	ctx := newContext(t)
	defer ctx.Shutdown()

	const n = 1000000
	var counter int64
	for i := 0; i < n; i++ {
		ctx.Post(func() { atomic.AddInt64(&counter, 1) })
	}

	if got := ctx.Run(); got != n {
		t.Errorf("Run() = %d, want %d", got, n)
	}
	if got := atomic.LoadInt64(&counter); got != n {
		t.Errorf("counter = %d, want %d", got, n)
	}
}

func TestMultiThreadScale(t *testing.T) {
	for _, k := range []int{1, 2, 4, 8} {
		k := k
		t.Run(map[int]string{1: "K=1", 2: "K=2", 4: "K=4", 8: "K=8"}[k], func(t *testing.T) {
			ctx := newContext(t)
			defer ctx.Shutdown()

			const n = 1000000
			executed := make([]int32, n)
			for i := 0; i < n; i++ {
				i := i
				ctx.Post(func() { atomic.AddInt32(&executed[i], 1) })
			}

			var wg sync.WaitGroup
			counts := make([]int, k)
			for j := 0; j < k; j++ {
				j := j
				wg.Add(1)
				go func() {
					defer wg.Done()
					counts[j] = ctx.Run()
				}()
			}
			wg.Wait()

			sum := 0
			for _, c := range counts {
				sum += c
			}
			if sum != n {
				t.Errorf("sum of Run() counts = %d, want %d", sum, n)
			}
			for i, e := range executed {
				if e != 1 {
					t.Fatalf("handler %d executed %d times", i, e)
				}
			}
		})
	}
}

func TestPostedHandlerOrdering(t *testing.T) {
	// FIFO within a single producing goroutine.
	ctx := newContext(t)
	defer ctx.Shutdown()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		ctx.Post(func() { got = append(got, i) })
	}
	ctx.Run()

	for i, v := range got {
		if v != i {
			t.Fatalf("handler order violated at %d: got %d", i, v)
		}
	}
}

func TestRunReturnsZeroWhenIdle(t *testing.T) {
	ctx := newContext(t)
	defer ctx.Shutdown()

	if got := ctx.Run(); got != 0 {
		t.Errorf("Run() on idle context = %d, want 0", got)
	}
	if !ctx.Stopped() {
		t.Error("context not stopped after running out of work")
	}
}

func TestStopWakesIdleThreads(t *testing.T) {
	// Stop on an idle multi-thread context makes every Run return
	// within bounded time.
	ctx := newContext(t)
	defer ctx.Shutdown()

	const k = 4
	ctx.WorkStarted() // Keep the runs from returning on their own.

	done := make(chan int, k)
	for i := 0; i < k; i++ {
		go func() { done <- ctx.Run() }()
	}

	// Give the threads a moment to block.
	time.Sleep(50 * time.Millisecond)
	ctx.Stop()

	for i := 0; i < k; i++ {
		select {
		case n := <-done:
			if n != 0 {
				t.Errorf("Run() = %d, want 0", n)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after Stop")
		}
	}
	ctx.WorkFinished()
}

func TestRestartAfterStop(t *testing.T) {
	ctx := newContext(t)
	defer ctx.Shutdown()

	ctx.Stop()
	if got := ctx.Run(); got != 0 {
		t.Errorf("Run() on stopped context = %d, want 0", got)
	}

	ctx.Restart()
	ran := false
	ctx.Post(func() { ran = true })
	if got := ctx.Run(); got != 1 {
		t.Errorf("Run() after Restart = %d, want 1", got)
	}
	if !ran {
		t.Error("handler did not run after Restart")
	}
}

func TestRunOneAndPoll(t *testing.T) {
	ctx := newContext(t)
	defer ctx.Shutdown()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		ctx.Post(func() { order = append(order, i) })
	}

	if got := ctx.RunOne(); got != 1 {
		t.Fatalf("RunOne() = %d, want 1", got)
	}
	if got := ctx.Poll(); got != 2 {
		t.Fatalf("Poll() = %d, want 2", got)
	}
	if len(order) != 3 {
		t.Fatalf("executed %d handlers, want 3", len(order))
	}

	ctx.Restart()
	if got := ctx.PollOne(); got != 0 {
		t.Errorf("PollOne() with empty queue = %d, want 0", got)
	}
}

func TestRunningInThisThread(t *testing.T) {
	ctx := newContext(t)
	defer ctx.Shutdown()

	if ctx.RunningInThisThread() {
		t.Error("RunningInThisThread() true outside Run")
	}

	var inside, outside bool
	ctx.Post(func() { inside = ctx.RunningInThisThread() })
	ctx.Run()

	other := newContext(t)
	defer other.Shutdown()
	other.Post(func() { outside = ctx.RunningInThisThread() })
	other.Run()

	if !inside {
		t.Error("RunningInThisThread() false inside a handler")
	}
	if outside {
		t.Error("RunningInThisThread() true inside another context's handler")
	}
}

func TestPostFromHandler(t *testing.T) {
	ctx := newContext(t)
	defer ctx.Shutdown()

	var hits int
	ctx.Post(func() {
		hits++
		ctx.Post(func() { hits++ })
	})

	if got := ctx.Run(); got != 2 {
		t.Errorf("Run() = %d, want 2", got)
	}
	if hits != 2 {
		t.Errorf("hits = %d, want 2", hits)
	}
}

func TestShutdownDestroysQueuedHandlers(t *testing.T) {
	ctx := newContext(t)

	ran := false
	ctx.Post(func() { ran = true })
	ctx.Shutdown()

	if ran {
		t.Error("queued handler ran during Shutdown")
	}
}
