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
	stdtls "crypto/tls"
	"errors"
	"io"

	"github.com/sgerbino/corio"
)

// ErrStreamTruncated reports that the underlying stream ended mid-TLS
// without a close-notify. A clean close-notify surfaces as ErrEOF
// instead.
var ErrStreamTruncated = errors.New("TLS stream truncated")

// Stream wraps an underlying corio.Stream with a TLS session and exposes
// the same asynchronous contract plus Handshake and Shutdown.
//
// Each operation drives the engine on a dedicated goroutine; the
// engine's reads and writes of ciphertext become asynchronous operations
// on the underlying stream, so completions still require goroutines
// running the Context. Renegotiation and handshake serialization are the
// engine's concern: the engine's own read-side and write-side locks keep
// at most one read-path and one write-path operation on the underlying
// stream at a time. The wrapper adds no lock of its own, and no single
// lock covers both directions.
//
// At most one ReadSome and one WriteSome may be in flight concurrently;
// Handshake and Shutdown must not overlap other operations.
type Stream struct {
	cfg    *Context
	under  *corio.Stream
	bridge *engineConn
	engine *stdtls.Conn
}

// NewStream wraps under. The configuration is captured from cfg when the
// handshake starts.
func NewStream(cfg *Context, under *corio.Stream) *Stream {
	if cfg == nil || under == nil {
		panic("tls.NewStream called with nil argument.")
	}
	return &Stream{
		cfg:    cfg,
		under:  under,
		bridge: newEngineConn(under),
	}
}

// Underlying returns the wrapped stream.
func (s *Stream) Underlying() *corio.Stream {
	return s.under
}

// Handshake performs the TLS handshake in the given role. fn runs on a
// goroutine executing the Context with nil, corio.ErrCanceled,
// ErrStreamTruncated, or the engine's failure.
func (s *Stream) Handshake(ctx context.Context, role Role, fn func(error)) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.engine == nil {
		cfg := s.cfg.snapshot(role)
		if role == RoleClient {
			s.engine = stdtls.Client(s.bridge, cfg)
		} else {
			s.engine = stdtls.Server(s.bridge, cfg)
		}
	}

	s.run(ctx, func() error {
		return s.engine.HandshakeContext(ctx)
	}, fn)
}

// ReadSome decrypts into b, completing as soon as any plaintext is
// available. EOF without close-notify surfaces as ErrStreamTruncated.
func (s *Stream) ReadSome(ctx context.Context, b corio.Buffers, fn func(int, error)) {
	dst := firstNonEmpty(b)
	if dst == nil {
		// Empty buffer: success with zero bytes, matching the plain
		// stream's contract.
		s.post(func() { fn(0, nil) })
		return
	}

	s.runN(ctx, func() (int, error) {
		return s.engine.Read(dst)
	}, fn)
}

// WriteSome encrypts and sends b. The engine flushes whole records, so
// on success the full buffer has been consumed.
func (s *Stream) WriteSome(ctx context.Context, b corio.Buffers, fn func(int, error)) {
	s.runN(ctx, func() (int, error) {
		total := 0
		for _, v := range b {
			if len(v) == 0 {
				continue
			}
			n, err := s.engine.Write(v)
			total += n
			if err != nil {
				return total, err
			}
		}
		return total, nil
	}, fn)
}

// Shutdown sends the close-notify alert and waits for the peer's. A peer
// that vanishes without close-notify surfaces as ErrStreamTruncated.
func (s *Stream) Shutdown(ctx context.Context, fn func(error)) {
	s.run(ctx, func() error {
		if err := s.engine.CloseWrite(); err != nil {
			return err
		}
		// Drain until the peer's close-notify (clean EOF) or failure.
		var buf [512]byte
		for {
			_, err := s.engine.Read(buf[:])
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}, fn)
}

// ConnectionState reports the engine's negotiated parameters. Only valid
// after a successful handshake.
func (s *Stream) ConnectionState() stdtls.ConnectionState {
	return s.engine.ConnectionState()
}

// run drives op on its own goroutine and posts the mapped completion.
func (s *Stream) run(ctx context.Context, op func() error, fn func(error)) {
	c := s.under.Context()
	c.WorkStarted()
	go func() {
		err := op()
		if ctx != nil && ctx.Err() != nil {
			err = corio.ErrCanceled
		}
		c.Post(func() { fn(mapEngineError(err)) })
		c.WorkFinished()
	}()
}

func (s *Stream) runN(ctx context.Context, op func() (int, error), fn func(int, error)) {
	c := s.under.Context()
	c.WorkStarted()
	go func() {
		n, err := op()
		if ctx != nil && ctx.Err() != nil {
			err = corio.ErrCanceled
		}
		c.Post(func() { fn(n, mapEngineError(err)) })
		c.WorkFinished()
	}()
}

func (s *Stream) post(fn func()) {
	s.under.Context().Post(fn)
}

// mapEngineError folds engine failures into the error taxonomy. The
// bridge reports the end of the underlying stream as ErrStreamTruncated,
// which passes through; io.ErrUnexpectedEOF maps to it as well. A clean
// close-notify arrives as io.EOF.
func mapEngineError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return ErrStreamTruncated
	default:
		return err
	}
}

func firstNonEmpty(b corio.Buffers) []byte {
	for _, v := range b {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}
