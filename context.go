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
	"sync"

	"github.com/jacobsa/timeutil"

	"github.com/sgerbino/corio/internal/sched"
)

// A service owned by a Context. Services are created lazily and torn
// down in reverse order of creation during Shutdown.
type service interface {
	shutdown()
}

// Context is the process-facing execution context: a scheduler plus a
// keyed registry of the services built on it (timers, sockets, the
// resolver, signal sets).
//
// A Context exclusively owns its services; services hold only non-owning
// references back.
type Context struct {
	sched *sched.Scheduler
	clock timeutil.Clock

	mu sync.Mutex

	// Lazily created services, recorded in creation order.
	//
	// GUARDED_BY(mu)
	services []service
	sockets  *sched.SocketService
	resolver *resolverService
	signals  *signalService
	isDown   bool
}

// NewContext creates an execution context. Failure to create the OS
// event-wait primitive is fatal and reported here.
func NewContext() (*Context, error) {
	return NewContextWithClock(timeutil.RealClock())
}

// NewContextWithClock is NewContext with an injected timer clock. Tests
// use timeutil.SimulatedClock.
func NewContextWithClock(clock timeutil.Clock) (*Context, error) {
	s, err := sched.New(clock)
	if err != nil {
		return nil, err
	}
	return &Context{sched: s, clock: clock}, nil
}

// Run blocks the calling goroutine executing handlers until the context
// is stopped or runs out of work. Any number of goroutines may call Run
// concurrently; exactly one at a time blocks in the OS event wait.
// Returns the number of handlers executed.
func (c *Context) Run() int { return c.sched.Run() }

// RunOne executes at most one handler, blocking until one is ready.
func (c *Context) RunOne() int { return c.sched.RunOne() }

// Poll executes the handlers that are ready now, without blocking.
func (c *Context) Poll() int { return c.sched.Poll() }

// PollOne executes at most one ready handler, without blocking.
func (c *Context) PollOne() int { return c.sched.PollOne() }

// Post enqueues fn for execution by a goroutine running this context.
// Thread-safe; never blocks; never invokes fn inline.
func (c *Context) Post(fn func()) { c.sched.Post(fn) }

// Stop makes all Run calls return as soon as possible. Handlers already
// executing finish first.
func (c *Context) Stop() { c.sched.Stop() }

// Stopped reports whether the context is stopped.
func (c *Context) Stopped() bool { return c.sched.Stopped() }

// Restart clears the stopped state. Required before running again after
// Stop, or after Run returned because it ran out of work.
func (c *Context) Restart() { c.sched.Restart() }

// RunningInThisThread reports whether the calling goroutine is inside an
// active Run* invocation of this context.
func (c *Context) RunningInThisThread() bool { return c.sched.RunningInThisThread() }

// WorkStarted records outstanding work that keeps Run from returning,
// for operations composed outside this package (the TLS bridge drives
// the engine on its own goroutine, for example). Pair with WorkFinished.
func (c *Context) WorkStarted() { c.sched.WorkStarted() }

// WorkFinished releases a unit recorded by WorkStarted.
func (c *Context) WorkFinished() { c.sched.WorkFinished() }

// Shutdown tears the context down: services are destroyed in reverse
// creation order, queued handlers are destroyed without running user
// code, and the OS event channel is closed. The context must not be used
// afterward.
func (c *Context) Shutdown() {
	c.mu.Lock()
	if c.isDown {
		c.mu.Unlock()
		return
	}
	c.isDown = true
	services := c.services
	c.services = nil
	c.mu.Unlock()

	for i := len(services) - 1; i >= 0; i-- {
		services[i].shutdown()
	}
	c.sched.Timers().Shutdown()
	c.sched.Shutdown()
}

// socketService returns the socket service, creating it on first use.
func (c *Context) socketService() *sched.SocketService {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sockets == nil {
		c.sockets = sched.NewSocketService(c.sched)
		c.services = append(c.services, socketServiceAdapter{c.sockets})
	}
	return c.sockets
}

// resolverService returns the resolver service, creating it on first use.
func (c *Context) resolverService() *resolverService {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolver == nil {
		c.resolver = newResolverService(c)
		c.services = append(c.services, c.resolver)
	}
	return c.resolver
}

// signalService returns the signal service, creating it on first use.
func (c *Context) signalService() *signalService {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signals == nil {
		c.signals = newSignalService(c)
		c.services = append(c.services, c.signals)
	}
	return c.signals
}

// socketServiceAdapter lets the internal socket service participate in
// the ordered teardown.
type socketServiceAdapter struct {
	svc *sched.SocketService
}

func (a socketServiceAdapter) shutdown() { a.svc.Shutdown() }
