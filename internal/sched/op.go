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
	"context"
	"errors"
	"io"
	"sync/atomic"
)

// ErrCanceled is delivered to an operation aborted by Cancel, Close, or a
// done context.
var ErrCanceled = errors.New("operation canceled")

// ErrInvalidArgument reports misuse visible without reaching the OS: an
// operation on a closed object, an out-of-range descriptor, or an
// incompatible flag combination.
var ErrInvalidArgument = errors.New("invalid argument")

// Registration states for the completion/cancellation race. See the
// comment on Op.
const (
	regUnregistered uint32 = iota
	regRegistering
	regRegistered
)

// Interest directions for readiness backends.
const (
	pollRead = iota
	pollWrite
)

// Op kinds. The scheduler touches op state only through the embedded
// task; kinds exist for completion shaping (EOF discrimination) and
// debugging.
const (
	opConnect = iota
	opRead
	opWrite
	opAccept
)

// An Op holds the state of one asynchronous operation while it is in
// flight. Owning objects embed fixed slots, one per operation kind, so at
// most one operation of each kind can be pending per object.
//
// Completion vs cancellation race
// -------------------------------
//
// The reg atomic is a tri-state (unregistered, registering, registered)
// closing two races: between registration and the reactor seeing an
// event, and between reactor completion and cancellation. Whoever
// exchanges reg to unregistered and observes a prior non-unregistered
// value "claims" the operation and alone completes it. The initiating
// goroutine publishes with a registering→registered CAS; if that CAS
// fails, the reactor or a canceller has already claimed the op and the
// initiator's only remaining duty is to drop the now-orphaned fd
// registration. After publishing, the initiator re-checks the cancelled
// flag and claims the op itself if a cancel slipped in between.
//
// EOF discrimination
// ------------------
//
// A read completing with zero bytes means end-of-stream, unless the user
// supplied an empty buffer, in which case zero bytes is an ordinary
// success. emptyBufferRead records which case applies.
type Op struct {
	task

	kind int
	fd   int
	dir  int

	// Completion results, written by the claimant before the op is
	// queued and read inside invoke.
	err   error
	bytes int

	cancelled atomic.Bool
	reg       atomic.Uint32

	// On Windows, resolves the race between a synchronous completion
	// that intends to post manually and the completion packet the port
	// delivers anyway: both sides CAS 0→1 and the winner posts. Unused
	// by the readiness backends.
	ready atomic.Uint32

	// Stop-callback registration from the operation's context. Released
	// at the head of the completion, before any output is delivered, so
	// its lifetime never overlaps the user callback.
	stop func() bool

	// perform runs the syscall when the reactor observes readiness.
	perform func(*Op)

	emptyBufferRead bool

	// Per-start user completion callbacks. Exactly one is set,
	// according to kind.
	fnErr func(error)
	fnN   func(int, error)

	// Platform-specific state; see op_unix.go / op_windows.go.
	sys opSys
}

// reset prepares the slot for a new operation.
func (op *Op) reset(kind, fd int) {
	op.kind = kind
	op.fd = fd
	op.err = nil
	op.bytes = 0
	op.cancelled.Store(false)
	op.reg.Store(regUnregistered)
	op.ready.Store(0)
	op.stop = nil
	op.emptyBufferRead = false
	op.fnErr = nil
	op.fnN = nil
	op.sys = opSys{}
}

// start arms cancellation from ctx. cancel is the owning object's
// cancel-single-op path.
func (op *Op) start(ctx context.Context, cancel func(*Op)) {
	if ctx != nil && ctx.Done() != nil {
		op.stop = context.AfterFunc(ctx, func() { cancel(op) })
	}
}

// claim attempts to take sole responsibility for completing the op.
// Exactly one claimant succeeds per registration cycle.
func (op *Op) claim() bool {
	return op.reg.Swap(regUnregistered) != regUnregistered
}

// requestCancel marks the op so its completion reports cancellation.
func (op *Op) requestCancel() {
	op.cancelled.Store(true)
}

// complete records the outcome of the syscall.
func (op *Op) complete(err error, n int) {
	op.err = err
	op.bytes = n
}

// finish shapes the final error and invokes the user callback. It is the
// body of the op's queued task.
func (op *Op) finish() {
	if op.stop != nil {
		op.stop()
		op.stop = nil
	}

	err := op.err
	switch {
	case op.cancelled.Load():
		err = ErrCanceled
	case err != nil:
		// Keep the claimant's error.
	case op.kind == opRead && op.bytes == 0 && !op.emptyBufferRead:
		err = io.EOF
	}

	if op.fnN != nil {
		fn := op.fnN
		op.fnN = nil
		fn(op.bytes, err)
		return
	}
	fn := op.fnErr
	op.fnErr = nil
	if fn != nil {
		fn(err)
	}
}

// discard is the shutdown path: release resources without running user
// code. Handler destructors must never panic.
func (op *Op) discard() {
	if op.stop != nil {
		op.stop()
		op.stop = nil
	}
	op.fnErr = nil
	op.fnN = nil
}

// bind wires the task hooks. Called once when the owning object is
// created.
func (op *Op) bind() {
	op.task.invoke = op.finish
	op.task.destroy = op.discard
}
