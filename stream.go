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

// ShutdownType selects the direction of a half-close.
type ShutdownType int

const (
	ShutdownReceive ShutdownType = iota
	ShutdownSend
	ShutdownBoth
)

// Stream is an asynchronous TCP stream socket.
//
// At most one read, one write, and one connect may be in flight per
// stream; starting a second operation of the same kind while one is
// pending is undefined. Operations on different streams of one Context
// are safe concurrently.
type Stream struct {
	c    *Context
	impl *sched.SocketImpl
}

// NewStream allocates a stream bound to c. The native handle is created
// by Open or Connect.
func NewStream(c *Context) *Stream {
	if c == nil {
		panic("NewStream called with nil Context.")
	}
	return &Stream{c: c, impl: c.socketService().CreateSocket()}
}

// Context returns the owning execution context.
func (s *Stream) Context() *Context {
	return s.c
}

// Open creates the native TCP handle and associates it with the reactor.
// Opening an already-open stream is an error.
func (s *Stream) Open() error {
	return s.impl.Open()
}

// IsOpen reports whether the native handle exists.
func (s *Stream) IsOpen() bool {
	return s.impl.IsOpen()
}

// Connect starts an asynchronous connection attempt to ep. On success
// the local and remote endpoints are cached. fn runs on a goroutine
// executing Run with the outcome: nil, ErrCanceled, or a system error.
func (s *Stream) Connect(ctx context.Context, ep netip.AddrPort, fn func(error)) {
	ctx = orBackground(ctx)
	ctx, report := reqtrace.StartSpan(ctx, "Connect")
	debugf("Connect -> %v", ep)
	s.impl.Connect(ctx, ep, func(err error) {
		report(err)
		fn(err)
	})
}

// ReadSome starts an asynchronous read into b, completing as soon as any
// bytes arrive. fn receives the byte count and nil, ErrCanceled, ErrEOF,
// or a system error. A zero-length b completes with (0, nil).
func (s *Stream) ReadSome(ctx context.Context, b Buffers, fn func(int, error)) {
	s.impl.ReadSome(orBackground(ctx), b, fn)
}

// WriteSome starts an asynchronous write of b, completing as soon as
// some bytes are sent. A disconnected peer surfaces as a system error,
// never as a SIGPIPE.
func (s *Stream) WriteSome(ctx context.Context, b Buffers, fn func(int, error)) {
	s.impl.WriteSome(orBackground(ctx), b, fn)
}

// Shutdown half-closes the connection in the given direction.
func (s *Stream) Shutdown(how ShutdownType) error {
	switch how {
	case ShutdownReceive:
		return s.impl.ShutdownConn(sched.ShutdownReceive)
	case ShutdownSend:
		return s.impl.ShutdownConn(sched.ShutdownSend)
	case ShutdownBoth:
		return s.impl.ShutdownConn(sched.ShutdownBoth)
	}
	return ErrInvalidArgument
}

// Cancel aborts every pending operation on the stream with ErrCanceled.
func (s *Stream) Cancel() {
	s.impl.Cancel()
}

// Close cancels pending operations, closes the handle, and clears the
// cached endpoints. Closing with operations pending is supported; each
// resumes with ErrCanceled. The stream may be reopened.
func (s *Stream) Close() {
	s.impl.Close()
}

// Release closes the stream and returns its record to the service. The
// stream must not be used afterward.
func (s *Stream) Release() {
	s.impl.Release()
}

// LocalEndpoint returns the cached local endpoint. The zero value means
// it could not be determined.
func (s *Stream) LocalEndpoint() netip.AddrPort {
	return s.impl.LocalEndpoint()
}

// RemoteEndpoint returns the cached remote endpoint, zero before a
// successful connect or accept.
func (s *Stream) RemoteEndpoint() netip.AddrPort {
	return s.impl.RemoteEndpoint()
}

// SetNoDelay toggles Nagle's algorithm.
func (s *Stream) SetNoDelay(v bool) error { return s.impl.SetNoDelay(v) }

// NoDelay reports whether Nagle's algorithm is disabled.
func (s *Stream) NoDelay() (bool, error) { return s.impl.NoDelay() }

// SetKeepAlive toggles TCP keep-alives.
func (s *Stream) SetKeepAlive(v bool) error { return s.impl.SetKeepAlive(v) }

// KeepAlive reports whether keep-alives are enabled.
func (s *Stream) KeepAlive() (bool, error) { return s.impl.KeepAlive() }

// SetReceiveBufferSize sets SO_RCVBUF.
func (s *Stream) SetReceiveBufferSize(n int) error { return s.impl.SetReceiveBufferSize(n) }

// ReceiveBufferSize reads SO_RCVBUF.
func (s *Stream) ReceiveBufferSize() (int, error) { return s.impl.ReceiveBufferSize() }

// SetSendBufferSize sets SO_SNDBUF.
func (s *Stream) SetSendBufferSize(n int) error { return s.impl.SetSendBufferSize(n) }

// SendBufferSize reads SO_SNDBUF.
func (s *Stream) SendBufferSize() (int, error) { return s.impl.SendBufferSize() }

// SetLinger configures SO_LINGER.
func (s *Stream) SetLinger(enabled bool, seconds int) error {
	return s.impl.SetLinger(enabled, seconds)
}

// Linger reads SO_LINGER.
func (s *Stream) Linger() (enabled bool, seconds int, err error) {
	return s.impl.Linger()
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
