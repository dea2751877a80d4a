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
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"golang.org/x/net/nettest"

	"github.com/sgerbino/corio"
)

func TestStream(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// writeAll loops WriteSome until p is fully sent.
func writeAll(s *corio.Stream, p []byte) error {
	ch := make(chan error, 1)
	var step func(off int)
	step = func(off int) {
		s.WriteSome(nil, corio.Buffers{p[off:]}, func(n int, err error) {
			if err != nil {
				ch <- err
				return
			}
			off += n
			if off >= len(p) {
				ch <- nil
				return
			}
			step(off)
		})
	}
	step(0)

	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		return errors.New("writeAll timed out")
	}
}

// readFull loops ReadSome until p is filled.
func readFull(s *corio.Stream, p []byte) error {
	ch := make(chan error, 1)
	var step func(off int)
	step = func(off int) {
		s.ReadSome(nil, corio.Buffers{p[off:]}, func(n int, err error) {
			if err != nil {
				ch <- err
				return
			}
			off += n
			if off >= len(p) {
				ch <- nil
				return
			}
			step(off)
		})
	}
	step(0)

	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		return errors.New("readFull timed out")
	}
}

func randPayload(n int) []byte {
	p := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, p); err != nil {
		panic(err)
	}
	return p
}

////////////////////////////////////////////////////////////////////////
// Fixture
////////////////////////////////////////////////////////////////////////

// StreamTest runs against a connected loopback pair: client dialed into
// server through a listening acceptor, with one goroutine running the
// context in the background.
type StreamTest struct {
	ctx      *corio.Context
	acceptor *corio.Acceptor
	client   *corio.Stream
	server   *corio.Stream
	runDone  chan struct{}
}

func init() { RegisterTestSuite(&StreamTest{}) }

func (t *StreamTest) SetUp(ti *TestInfo) {
	var err error
	t.ctx, err = corio.NewContext()
	AssertEq(nil, err)

	t.ctx.WorkStarted()
	t.runDone = make(chan struct{})
	go func() {
		t.ctx.Run()
		close(t.runDone)
	}()

	t.acceptor = corio.NewAcceptor(t.ctx)
	AssertEq(nil, t.acceptor.Listen(corio.LoopbackEndpoint(0), corio.DefaultBacklog))

	t.server = corio.NewStream(t.ctx)
	t.client = corio.NewStream(t.ctx)

	accDone := make(chan error, 1)
	t.acceptor.Accept(nil, t.server, func(err error) { accDone <- err })

	connDone := make(chan error, 1)
	t.client.Connect(nil, t.acceptor.LocalEndpoint(), func(err error) { connDone <- err })

	AssertEq(nil, <-accDone)
	AssertEq(nil, <-connDone)
}

func (t *StreamTest) TearDown() {
	t.client.Close()
	t.server.Close()
	t.acceptor.Close()

	t.ctx.WorkFinished()
	select {
	case <-t.runDone:
	case <-time.After(5 * time.Second):
		AddFailure("Run did not return during teardown")
	}
	t.ctx.Shutdown()
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *StreamTest) PingPong() {
	for _, size := range []int{1, 64, 1024, 65536} {
		payload := randPayload(size)
		start := time.Now()

		// Server echo for one message.
		echoDone := make(chan error, 1)
		go func() {
			buf := make([]byte, size)
			if err := readFull(t.server, buf); err != nil {
				echoDone <- err
				return
			}
			echoDone <- writeAll(t.server, buf)
		}()

		AssertEq(nil, writeAll(t.client, payload))

		got := make([]byte, size)
		AssertEq(nil, readFull(t.client, got))
		AssertEq(nil, <-echoDone)

		ExpectTrue(bytes.Equal(payload, got), fmt.Sprintf("size %d payload mismatch", size))
		ExpectLt(0, time.Since(start))
	}
}

func (t *StreamTest) VectoredReadWrite() {
	payload := randPayload(300)

	wr := make(chan ioDone, 1)
	t.client.WriteSome(nil, corio.Buffers{payload[:100], payload[100:200], payload[200:]},
		func(n int, err error) { wr <- ioDone{n, err} })
	w := <-wr
	AssertEq(nil, w.err)
	AssertLt(0, w.n)

	got := make([]byte, w.n)
	a := got[:w.n/2]
	b := got[w.n/2:]
	AssertEq(nil, readFullBuffers(t.server, corio.Buffers{a, b}, w.n))
	ExpectThat(got, DeepEquals(payload[:w.n]))
}

func (t *StreamTest) ZeroLengthReadIsNotEOF() {
	done := make(chan ioDone, 1)
	t.client.ReadSome(nil, corio.Buffers{}, func(n int, err error) { done <- ioDone{n, err} })

	d := <-done
	ExpectEq(nil, d.err)
	ExpectEq(0, d.n)
}

func (t *StreamTest) ReadSeesEOFAfterPeerShutdown() {
	AssertEq(nil, t.server.Shutdown(corio.ShutdownSend))

	done := make(chan ioDone, 1)
	buf := make([]byte, 16)
	t.client.ReadSome(nil, corio.Buffers{buf}, func(n int, err error) { done <- ioDone{n, err} })

	d := <-done
	ExpectTrue(errors.Is(d.err, corio.ErrEOF), fmt.Sprintf("got %v", d.err))
	ExpectEq(0, d.n)
}

func (t *StreamTest) CancelDuringRead() {
	done := make(chan ioDone, 1)
	buf := make([]byte, 16)
	t.client.ReadSome(nil, corio.Buffers{buf}, func(n int, err error) { done <- ioDone{n, err} })

	// Let the op register with the reactor before cancelling.
	time.Sleep(10 * time.Millisecond)
	t.client.Cancel()

	select {
	case d := <-done:
		ExpectTrue(errors.Is(d.err, corio.ErrCanceled), fmt.Sprintf("got %v", d.err))
		ExpectEq(0, d.n)
	case <-time.After(5 * time.Second):
		AddFailure("cancelled read never resumed")
	}
}

func (t *StreamTest) CloseDuringRead() {
	done := make(chan ioDone, 1)
	buf := make([]byte, 16)
	t.client.ReadSome(nil, corio.Buffers{buf}, func(n int, err error) { done <- ioDone{n, err} })

	time.Sleep(10 * time.Millisecond)
	t.client.Close()

	select {
	case d := <-done:
		ExpectTrue(errors.Is(d.err, corio.ErrCanceled), fmt.Sprintf("got %v", d.err))
	case <-time.After(5 * time.Second):
		AddFailure("read pending across Close never resumed")
	}
}

func (t *StreamTest) ContextCancelDuringRead() {
	cctx, cancel := context.WithCancel(context.Background())

	done := make(chan ioDone, 1)
	buf := make([]byte, 16)
	t.client.ReadSome(cctx, corio.Buffers{buf}, func(n int, err error) { done <- ioDone{n, err} })

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case d := <-done:
		ExpectTrue(errors.Is(d.err, corio.ErrCanceled), fmt.Sprintf("got %v", d.err))
	case <-time.After(5 * time.Second):
		AddFailure("read never resumed after context cancel")
	}
}

func (t *StreamTest) EndpointCaching() {
	ExpectTrue(t.client.RemoteEndpoint().IsValid())
	ExpectEq(t.acceptor.LocalEndpoint().Port(), t.client.RemoteEndpoint().Port())

	// The accepted stream's remote is the client's local.
	if t.client.LocalEndpoint().IsValid() {
		ExpectEq(t.client.LocalEndpoint().Port(), t.server.RemoteEndpoint().Port())
	}

	// Close clears the cache.
	t.client.Close()
	ExpectFalse(t.client.RemoteEndpoint().IsValid())
	ExpectFalse(t.client.LocalEndpoint().IsValid())
}

func (t *StreamTest) Options() {
	AssertEq(nil, t.client.SetNoDelay(true))
	v, err := t.client.NoDelay()
	AssertEq(nil, err)
	ExpectTrue(v)

	AssertEq(nil, t.client.SetKeepAlive(true))
	v, err = t.client.KeepAlive()
	AssertEq(nil, err)
	ExpectTrue(v)

	AssertEq(nil, t.client.SetReceiveBufferSize(65536))
	n, err := t.client.ReceiveBufferSize()
	AssertEq(nil, err)
	ExpectLe(65536, n)

	AssertEq(nil, t.client.SetSendBufferSize(65536))
	n, err = t.client.SendBufferSize()
	AssertEq(nil, err)
	ExpectLe(65536, n)

	AssertEq(nil, t.client.SetLinger(true, 7))
	enabled, secs, err := t.client.Linger()
	AssertEq(nil, err)
	ExpectTrue(enabled)
	ExpectEq(7, secs)
}

func (t *StreamTest) AcceptorStaysValid() {
	second := corio.NewStream(t.ctx)
	defer second.Close()

	accDone := make(chan error, 1)
	t.acceptor.Accept(nil, second, func(err error) { accDone <- err })

	dialer := corio.NewStream(t.ctx)
	defer dialer.Close()
	connDone := make(chan error, 1)
	dialer.Connect(nil, t.acceptor.LocalEndpoint(), func(err error) { connDone <- err })

	AssertEq(nil, <-accDone)
	AssertEq(nil, <-connDone)
	ExpectTrue(second.RemoteEndpoint().IsValid())
}

func (t *StreamTest) ConnectRefused() {
	// Grab a port that is certainly not listening: bind, look, close.
	probe := corio.NewAcceptor(t.ctx)
	AssertEq(nil, probe.Listen(corio.LoopbackEndpoint(0), 1))
	ep := probe.LocalEndpoint()
	probe.Close()

	s := corio.NewStream(t.ctx)
	defer s.Close()

	done := make(chan error, 1)
	s.Connect(nil, ep, func(err error) { done <- err })

	err := <-done
	ExpectNe(nil, err)
	ExpectFalse(errors.Is(err, corio.ErrCanceled))
}

func (t *StreamTest) ConnectToStandardLibraryServer() {
	ln, err := nettest.NewLocalListener("tcp")
	AssertEq(nil, err)
	defer ln.Close()

	const greeting = "hello from net"
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.WriteString(conn, greeting)
	}()

	addr, ok := ln.Addr().(*net.TCPAddr)
	AssertTrue(ok)

	s := corio.NewStream(t.ctx)
	defer s.Close()

	connDone := make(chan error, 1)
	s.Connect(nil, addr.AddrPort(), func(err error) { connDone <- err })
	AssertEq(nil, <-connDone)

	got := make([]byte, len(greeting))
	AssertEq(nil, readFull(s, got))
	ExpectEq(greeting, string(got))
}

func (t *StreamTest) DoubleOpenFails() {
	s := corio.NewStream(t.ctx)
	defer s.Close()

	AssertEq(nil, s.Open())
	ExpectTrue(errors.Is(s.Open(), corio.ErrInvalidArgument))
}

// readFullBuffers reads exactly want bytes into the scatter view.
func readFullBuffers(s *corio.Stream, b corio.Buffers, want int) error {
	got := 0
	for got < want {
		ch := make(chan ioDone, 1)
		s.ReadSome(nil, skipBuffers(b, got), func(n int, err error) { ch <- ioDone{n, err} })
		d := <-ch
		if d.err != nil {
			return d.err
		}
		got += d.n
	}
	return nil
}

// skipBuffers returns the scatter view advanced by off bytes.
func skipBuffers(b corio.Buffers, off int) corio.Buffers {
	var out corio.Buffers
	for _, v := range b {
		if off >= len(v) {
			off -= len(v)
			continue
		}
		out = append(out, v[off:])
		off = 0
	}
	return out
}
