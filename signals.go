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
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
)

/*
   The OS signal mechanism is process-global, so a process-wide registry
   is unavoidable: it counts how many signal sets subscribe to each
   signal number, installs the OS hook on the first subscription, and
   restores the default disposition on the last removal.

   Lock order: gSignalMu, then a service's mu, then (via Post) the
   scheduler's internals. Never the reverse.

   Delivery runs on an ordinary goroutine fed by os/signal, not inside a
   C signal handler, so taking these mutexes during delivery is safe.
*/

// SignalFlags is the bitset of behavior flags for Add.
type SignalFlags uint32

const (
	// SignalFlagNone requests default behavior.
	SignalFlagNone SignalFlags = 0

	// SignalFlagRestart asks for SA_RESTART semantics.
	SignalFlagRestart SignalFlags = 1 << iota

	// SignalFlagNoChildStop asks for SA_NOCLDSTOP semantics.
	SignalFlagNoChildStop

	// SignalFlagNoChildWait asks for SA_NOCLDWAIT semantics.
	SignalFlagNoChildWait

	// SignalFlagNoDefer asks for SA_NODEFER semantics.
	SignalFlagNoDefer

	// SignalFlagResetHandler asks for SA_RESETHAND semantics.
	SignalFlagResetHandler

	// SignalFlagDontCare opts out of flag conflict checking: the set
	// accepts whatever disposition is already installed.
	SignalFlagDontCare SignalFlags = 1 << 31
)

// The Go runtime owns the process's sigaction flags, so only the
// behavior-neutral flags can be honoured here. The rest return
// ErrNotSupported at Add time.
const supportedSignalFlags = SignalFlagNone | SignalFlagDontCare

//------------------------------------------------------------------------------
// Process-wide registry
//------------------------------------------------------------------------------

var gSignalMu sync.Mutex

// GUARDED_BY(gSignalMu)
var gSignalRegs = make(map[os.Signal]*globalSignalReg)

// GUARDED_BY(gSignalMu)
var gSignalServices = make(map[*signalService]struct{})

var gSignalCh chan os.Signal
var gSignalOnce sync.Once

type globalSignalReg struct {
	count int
	flags SignalFlags
}

// startDispatcher launches the process-wide delivery goroutine on first
// use. It lives for the remainder of the process, which mirrors how the
// OS-level handler installation behaves in the C world.
func startDispatcher() {
	gSignalOnce.Do(func() {
		gSignalCh = make(chan os.Signal, 128)
		go func() {
			for sig := range gSignalCh {
				deliverSignal(sig)
			}
		}()
	})
}

// deliverSignal fans a delivered signal out to every subscribed set in
// every service: a waiting set resumes, the rest queue the signal as
// undelivered so their next Wait completes immediately.
func deliverSignal(sig os.Signal) {
	gSignalMu.Lock()
	defer gSignalMu.Unlock()

	for svc := range gSignalServices {
		svc.deliver(sig)
	}
}

// subscribeGlobal counts a new subscription for sig, installing the OS
// hook on the first one. Flag conflicts across sets are rejected.
func subscribeGlobal(sig os.Signal, flags SignalFlags) error {
	gSignalMu.Lock()
	defer gSignalMu.Unlock()

	reg := gSignalRegs[sig]
	if reg != nil {
		if flags != reg.flags &&
			flags&SignalFlagDontCare == 0 &&
			reg.flags&SignalFlagDontCare == 0 {
			return fmt.Errorf("conflicting flags for signal %v: %w", sig, ErrInvalidArgument)
		}
		reg.count++
		return nil
	}

	startDispatcher()
	signal.Notify(gSignalCh, sig)
	gSignalRegs[sig] = &globalSignalReg{count: 1, flags: flags}
	return nil
}

// unsubscribeGlobal drops a subscription, restoring the default
// disposition when the last one goes away.
func unsubscribeGlobal(sig os.Signal) {
	gSignalMu.Lock()
	defer gSignalMu.Unlock()

	reg := gSignalRegs[sig]
	if reg == nil {
		return
	}
	reg.count--
	if reg.count == 0 {
		signal.Reset(sig)
		delete(gSignalRegs, sig)
	}
}

//------------------------------------------------------------------------------
// Per-context service
//------------------------------------------------------------------------------

type signalService struct {
	c *Context

	mu sync.Mutex
	// GUARDED_BY(mu)
	sets map[*SignalSet]struct{}
}

func newSignalService(c *Context) *signalService {
	svc := &signalService{
		c:    c,
		sets: make(map[*SignalSet]struct{}),
	}
	gSignalMu.Lock()
	gSignalServices[svc] = struct{}{}
	gSignalMu.Unlock()
	return svc
}

func (svc *signalService) shutdown() {
	gSignalMu.Lock()
	delete(gSignalServices, svc)
	gSignalMu.Unlock()

	svc.mu.Lock()
	sets := make([]*SignalSet, 0, len(svc.sets))
	for set := range svc.sets {
		sets = append(sets, set)
	}
	svc.sets = make(map[*SignalSet]struct{})
	svc.mu.Unlock()

	for _, set := range sets {
		set.dropAll()
	}
}

// deliver routes sig into this service's sets.
//
// LOCKS_REQUIRED(gSignalMu)
func (svc *signalService) deliver(sig os.Signal) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	for set := range svc.sets {
		reg, ok := set.sigs[sig]
		if !ok {
			continue
		}
		if set.waiting {
			resume := set.detachWaiterLocked()
			svc.c.sched.Post(func() { resume(sig, nil) })
			svc.c.sched.WorkFinished()
		} else {
			reg.undelivered++
		}
	}
}

//------------------------------------------------------------------------------

// SignalSet subscribes to a dynamic set of process signals. Wait resumes
// the next time any member signal is delivered; deliveries while nothing
// waits are queued so the next Wait completes immediately.
//
// At most one Wait may be pending per set.
type SignalSet struct {
	svc *signalService

	// All fields below GUARDED_BY(svc.mu).
	sigs    map[os.Signal]*signalReg
	waiting bool
	fn      func(os.Signal, error)
	stop    func() bool
}

type signalReg struct {
	flags       SignalFlags
	undelivered int
}

// NewSignalSet allocates a signal set and adds the given signals with no
// flags.
func NewSignalSet(c *Context, sigs ...os.Signal) (*SignalSet, error) {
	if c == nil {
		panic("NewSignalSet called with nil Context.")
	}
	svc := c.signalService()
	set := &SignalSet{
		svc:  svc,
		sigs: make(map[os.Signal]*signalReg),
	}

	svc.mu.Lock()
	svc.sets[set] = struct{}{}
	svc.mu.Unlock()

	for _, sig := range sigs {
		if err := set.Add(sig, SignalFlagNone); err != nil {
			set.Close()
			return nil, err
		}
	}
	return set, nil
}

// Add subscribes the set to sig. Flags the platform cannot honour return
// ErrNotSupported; flags conflicting with another set's subscription for
// the same signal return ErrInvalidArgument.
func (s *SignalSet) Add(sig os.Signal, flags SignalFlags) error {
	if flags&^supportedSignalFlags != 0 {
		return fmt.Errorf("signal flags %#x: %w", uint32(flags), ErrNotSupported)
	}

	s.svc.mu.Lock()
	if _, ok := s.sigs[sig]; ok {
		s.svc.mu.Unlock()
		return nil
	}
	s.svc.mu.Unlock()

	if err := subscribeGlobal(sig, flags); err != nil {
		return err
	}

	s.svc.mu.Lock()
	s.sigs[sig] = &signalReg{flags: flags}
	s.svc.mu.Unlock()
	return nil
}

// Remove unsubscribes the set from sig. Queued undelivered occurrences
// are discarded.
func (s *SignalSet) Remove(sig os.Signal) error {
	s.svc.mu.Lock()
	_, ok := s.sigs[sig]
	delete(s.sigs, sig)
	s.svc.mu.Unlock()

	if ok {
		unsubscribeGlobal(sig)
	}
	return nil
}

// Clear removes every signal from the set.
func (s *SignalSet) Clear() error {
	s.svc.mu.Lock()
	sigs := make([]os.Signal, 0, len(s.sigs))
	for sig := range s.sigs {
		sigs = append(sigs, sig)
	}
	s.sigs = make(map[os.Signal]*signalReg)
	s.svc.mu.Unlock()

	for _, sig := range sigs {
		unsubscribeGlobal(sig)
	}
	return nil
}

// Wait invokes fn with the next delivered member signal. A queued
// undelivered signal completes the wait immediately (still through the
// scheduler, never inline).
func (s *SignalSet) Wait(ctx context.Context, fn func(os.Signal, error)) {
	ctx = orBackground(ctx)

	s.svc.mu.Lock()
	if s.waiting {
		s.svc.mu.Unlock()
		panic("concurrent Wait calls on one SignalSet.")
	}

	// Deterministically prefer the lowest queued signal number.
	var queued []os.Signal
	for sig, reg := range s.sigs {
		if reg.undelivered > 0 {
			queued = append(queued, sig)
		}
	}
	if len(queued) > 0 {
		sort.Slice(queued, func(i, j int) bool {
			return signalLess(queued[i], queued[j])
		})
		sig := queued[0]
		s.sigs[sig].undelivered--
		s.svc.mu.Unlock()

		s.svc.c.sched.Post(func() { fn(sig, nil) })
		return
	}

	s.svc.c.sched.WorkStarted()
	s.waiting = true
	s.fn = fn
	if ctx.Done() != nil {
		s.stop = context.AfterFunc(ctx, s.Cancel)
	}
	s.svc.mu.Unlock()
}

// Cancel aborts a pending wait with ErrCanceled.
func (s *SignalSet) Cancel() {
	s.svc.mu.Lock()
	if !s.waiting {
		s.svc.mu.Unlock()
		return
	}
	resume := s.detachWaiterLocked()
	s.svc.mu.Unlock()

	s.svc.c.sched.Post(func() { resume(nil, ErrCanceled) })
	s.svc.c.sched.WorkFinished()
}

// Close cancels a pending wait, clears the set, and releases it.
func (s *SignalSet) Close() {
	s.Cancel()
	s.Clear()

	s.svc.mu.Lock()
	delete(s.svc.sets, s)
	s.svc.mu.Unlock()
}

// dropAll is the teardown path: discard the wait without running user
// code and release the global subscriptions.
func (s *SignalSet) dropAll() {
	s.svc.mu.Lock()
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.waiting = false
	s.fn = nil
	sigs := make([]os.Signal, 0, len(s.sigs))
	for sig := range s.sigs {
		sigs = append(sigs, sig)
	}
	s.sigs = make(map[os.Signal]*signalReg)
	s.svc.mu.Unlock()

	for _, sig := range sigs {
		unsubscribeGlobal(sig)
	}
}

// detachWaiterLocked clears the wait state and returns a closure that
// releases the stop callback and invokes the user's completion.
//
// LOCKS_REQUIRED(s.svc.mu)
func (s *SignalSet) detachWaiterLocked() func(os.Signal, error) {
	s.waiting = false
	fn := s.fn
	stop := s.stop
	s.fn = nil
	s.stop = nil
	return func(sig os.Signal, err error) {
		if stop != nil {
			stop()
		}
		fn(sig, err)
	}
}

// signalLess orders signals by number where possible.
func signalLess(a, b os.Signal) bool {
	an, aok := signalNumber(a)
	bn, bok := signalNumber(b)
	if aok && bok {
		return an < bn
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func signalNumber(s os.Signal) (int, bool) {
	if n, ok := s.(syscall.Signal); ok {
		return int(n), true
	}
	return 0, false
}
