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
	"net/netip"

	"github.com/jacobsa/reqtrace"

	"github.com/sgerbino/corio/internal/sched"
)

// Acceptor is an asynchronous TCP listening socket. At most one accept
// may be in flight per acceptor.
type Acceptor struct {
	c    *Context
	impl *sched.AcceptorImpl
}

// NewAcceptor allocates a listening socket bound to c.
func NewAcceptor(c *Context) *Acceptor {
	if c == nil {
		panic("NewAcceptor called with nil Context.")
	}
	return &Acceptor{c: c, impl: c.socketService().CreateAcceptor()}
}

// Listen binds to ep and begins listening with the given backlog. The
// address-reuse option is set before bind. The backlog is passed through
// unclamped; DefaultBacklog is a reasonable choice.
func (a *Acceptor) Listen(ep netip.AddrPort, backlog int) error {
	if err := a.impl.Listen(ep, backlog); err != nil {
		return err
	}
	debugf("Listen on %v (backlog %d)", a.impl.LocalEndpoint(), backlog)
	return nil
}

// IsOpen reports whether the listener exists.
func (a *Acceptor) IsOpen() bool {
	return a.impl.IsOpen()
}

// LocalEndpoint returns the bound endpoint; useful after listening on
// port zero.
func (a *Acceptor) LocalEndpoint() netip.AddrPort {
	return a.impl.LocalEndpoint()
}

// Accept waits for a pending connection and transfers the accepted
// native handle into peer: non-blocking and close-on-exec flags applied,
// endpoints cached, ownership with the caller. The acceptor remains
// valid for further accepts.
func (a *Acceptor) Accept(ctx context.Context, peer *Stream, fn func(error)) {
	ctx = orBackground(ctx)
	ctx, report := reqtrace.StartSpan(ctx, "Accept")
	a.impl.Accept(ctx, peer.impl, func(err error) {
		report(err)
		fn(err)
	})
}

// Cancel aborts a pending accept with ErrCanceled.
func (a *Acceptor) Cancel() {
	a.impl.Cancel()
}

// Close cancels a pending accept and closes the listener.
func (a *Acceptor) Close() {
	a.impl.Close()
}

// Release closes the acceptor and returns its record to the service.
func (a *Acceptor) Release() {
	a.impl.Release()
}
