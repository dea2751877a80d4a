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

package tls

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sgerbino/corio"
)

// stagingSize is the ciphertext staging buffer: one maximum TLS record
// plus header room.
const stagingSize = 17 * 1024

// engineConn bridges the engine's synchronous I/O callbacks to the
// asynchronous stream. The engine always runs on a dedicated goroutine,
// so blocking here blocks only that goroutine:
//
//   - Read drains the inbound staging buffer; when it runs dry (the
//     engine "wants a read"), an asynchronous ReadSome of the underlying
//     stream refills it and the engine resumes.
//   - Write hands ciphertext to asynchronous WriteSome calls until all
//     of it is flushed (the engine "wants a write").
//
// Deadlines exist because the engine interrupts a stalled handshake by
// setting a deadline in the past; they cancel the in-flight operation.
type engineConn struct {
	under *corio.Stream

	stage []byte
	r     []byte

	rmu     sync.Mutex
	rcancel context.CancelFunc // GUARDED_BY(rmu)
	rdead   bool               // GUARDED_BY(rmu)

	wmu     sync.Mutex
	wcancel context.CancelFunc // GUARDED_BY(wmu)
	wdead   bool               // GUARDED_BY(wmu)
}

func newEngineConn(under *corio.Stream) *engineConn {
	return &engineConn{
		under: under,
		stage: make([]byte, stagingSize),
	}
}

type ioResult struct {
	n   int
	err error
}

func (c *engineConn) Read(p []byte) (int, error) {
	if len(c.r) == 0 {
		c.rmu.Lock()
		if c.rdead {
			c.rmu.Unlock()
			return 0, os.ErrDeadlineExceeded
		}
		ctx, cancel := context.WithCancel(context.Background())
		c.rcancel = cancel
		c.rmu.Unlock()

		ch := make(chan ioResult, 1)
		c.under.ReadSome(ctx, corio.Buffers{c.stage}, func(n int, err error) {
			ch <- ioResult{n, err}
		})
		r := <-ch

		c.rmu.Lock()
		c.rcancel = nil
		c.rmu.Unlock()
		cancel()

		if r.err != nil {
			if r.err == corio.ErrEOF {
				// The engine stops reading once it has taken the peer's
				// close-notify, so the stream ending here means the peer
				// left without one.
				return 0, ErrStreamTruncated
			}
			return 0, r.err
		}
		c.r = c.stage[:r.n]
	}

	n := copy(p, c.r)
	c.r = c.r[n:]
	return n, nil
}

func (c *engineConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		c.wmu.Lock()
		if c.wdead {
			c.wmu.Unlock()
			return written, os.ErrDeadlineExceeded
		}
		ctx, cancel := context.WithCancel(context.Background())
		c.wcancel = cancel
		c.wmu.Unlock()

		ch := make(chan ioResult, 1)
		c.under.WriteSome(ctx, corio.Buffers{p[written:]}, func(n int, err error) {
			ch <- ioResult{n, err}
		})
		r := <-ch

		c.wmu.Lock()
		c.wcancel = nil
		c.wmu.Unlock()
		cancel()

		written += r.n
		if r.err != nil {
			return written, r.err
		}
	}
	return written, nil
}

// Close is not used by the bridge; the wrapper owns the underlying
// stream's lifetime.
func (c *engineConn) Close() error { return nil }

func (c *engineConn) LocalAddr() net.Addr  { return bridgeAddr{c.under.LocalEndpoint().String()} }
func (c *engineConn) RemoteAddr() net.Addr { return bridgeAddr{c.under.RemoteEndpoint().String()} }

func (c *engineConn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	c.SetWriteDeadline(t)
	return nil
}

func (c *engineConn) SetReadDeadline(t time.Time) error {
	expired := !t.IsZero() && !t.After(time.Now())
	c.rmu.Lock()
	c.rdead = expired
	cancel := c.rcancel
	c.rmu.Unlock()
	if expired && cancel != nil {
		cancel()
	}
	return nil
}

func (c *engineConn) SetWriteDeadline(t time.Time) error {
	expired := !t.IsZero() && !t.After(time.Now())
	c.wmu.Lock()
	c.wdead = expired
	cancel := c.wcancel
	c.wmu.Unlock()
	if expired && cancel != nil {
		cancel()
	}
	return nil
}

type bridgeAddr struct {
	s string
}

func (a bridgeAddr) Network() string { return "tcp" }
func (a bridgeAddr) String() string  { return a.s }
