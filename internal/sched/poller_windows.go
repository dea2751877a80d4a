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

//go:build windows

package sched

import (
	"os"
	"sync"
	"time"

	"golang.org/x/sys/windows"
)

// interruptKey is the reserved completion key used to wake the reactor.
const interruptKey = 1

// iocpPoller is the Windows reactor backend. Sockets are associated with
// the port once at creation; each in-flight overlapped operation is
// tracked by the address of its OVERLAPPED so completion packets can be
// routed back to their ops.
type iocpPoller struct {
	port windows.Handle

	mu sync.Mutex
	// GUARDED_BY(mu)
	ops map[*windows.Overlapped]*Op
}

func newPoller() (poller, error) {
	if err := wsaInit(); err != nil {
		return nil, err
	}
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, os.NewSyscallError("CreateIoCompletionPort", err)
	}
	return &iocpPoller{
		port: port,
		ops:  make(map[*windows.Overlapped]*Op),
	}, nil
}

// associate binds a socket to the completion port. Done once per handle.
func (p *iocpPoller) associate(h windows.Handle) error {
	if _, err := windows.CreateIoCompletionPort(h, p.port, 0, 0); err != nil {
		return os.NewSyscallError("CreateIoCompletionPort", err)
	}
	return nil
}

// track records an in-flight overlapped operation.
func (p *iocpPoller) track(op *Op) {
	p.mu.Lock()
	p.ops[&op.sys.ol] = op
	p.mu.Unlock()
}

func (p *iocpPoller) lookupAndForget(ol *windows.Overlapped) *Op {
	p.mu.Lock()
	op := p.ops[ol]
	delete(p.ops, ol)
	p.mu.Unlock()
	return op
}

func (p *iocpPoller) wait(timeout time.Duration) []*Op {
	ms := uint32(windows.INFINITE)
	switch {
	case timeout == 0:
		ms = 0
	case timeout > 0:
		ms = uint32((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	var completed []*Op
	for {
		var qty uint32
		var key uintptr
		var ol *windows.Overlapped
		err := windows.GetQueuedCompletionStatus(p.port, &qty, &key, &ol, ms)

		// Only the first dequeue blocks; afterwards drain what is ready.
		ms = 0

		if ol == nil {
			// Timeout, or the port was closed under us.
			return completed
		}

		if key == interruptKey {
			if len(completed) == 0 {
				return completed
			}
			continue
		}

		op := p.lookupAndForget(ol)
		if op == nil {
			continue
		}

		// The packet and a synchronous manual post race via the ready
		// flag; the winner completes, the loser does nothing.
		if !op.ready.CompareAndSwap(0, 1) {
			continue
		}

		if err != nil {
			op.complete(mapOverlappedError(err), 0)
		} else {
			op.complete(nil, int(qty))
		}
		if op.perform != nil {
			// Post-completion fixups (connect/accept context updates,
			// endpoint caching).
			op.perform(op)
		}
		completed = append(completed, op)
	}
}

func (p *iocpPoller) interrupt() {
	if p.port == 0 || p.port == windows.InvalidHandle {
		return
	}
	windows.PostQueuedCompletionStatus(p.port, 0, interruptKey, nil)
}

func (p *iocpPoller) close() error {
	if p.port != 0 && p.port != windows.InvalidHandle {
		windows.CloseHandle(p.port)
		p.port = windows.InvalidHandle
	}
	return nil
}

// mapOverlappedError folds completion failures into the taxonomy; an
// aborted operation was cancelled by CancelIoEx or handle closure.
func mapOverlappedError(err error) error {
	if err == windows.ERROR_OPERATION_ABORTED {
		return ErrCanceled
	}
	return os.NewSyscallError("GetQueuedCompletionStatus", err)
}

var wsaOnce sync.Once
var wsaErr error

// wsaInit performs WSAStartup once per process.
func wsaInit() error {
	wsaOnce.Do(func() {
		var data windows.WSAData
		wsaErr = windows.WSAStartup(uint32(0x202), &data)
	})
	if wsaErr != nil {
		return os.NewSyscallError("WSAStartup", wsaErr)
	}
	return nil
}
