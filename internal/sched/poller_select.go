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

//go:build unix && !linux

package sched

import (
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// selectPoller is the generic POSIX reactor backend. The fd sets are
// rebuilt from the registration table on every cycle, and a self-pipe
// provides the interrupt channel. Descriptors must fit below FD_SETSIZE;
// registering one that does not is an invalid-argument error surfaced
// through the operation.
type selectPoller struct {
	rpipe int
	wpipe int

	mu sync.Mutex
	// GUARDED_BY(mu)
	fds map[int]*fdEntry
}

func newPoller() (poller, error) {
	var pfds [2]int
	if err := unix.Pipe(pfds[:]); err != nil {
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range pfds {
		unix.SetNonblock(fd, true)
		unix.CloseOnExec(fd)
	}
	return &selectPoller{
		rpipe: pfds[0],
		wpipe: pfds[1],
		fds:   make(map[int]*fdEntry),
	}, nil
}

func (p *selectPoller) register(op *Op) error {
	if op.fd < 0 || op.fd >= fdSetSize {
		return os.NewSyscallError("select", unix.EINVAL)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ent := p.fds[op.fd]
	if ent == nil {
		ent = &fdEntry{}
		p.fds[op.fd] = ent
	}
	if op.dir == pollRead {
		ent.rd = op
	} else {
		ent.wr = op
	}
	return nil
}

func (p *selectPoller) deregister(op *Op) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ent := p.fds[op.fd]
	if ent == nil {
		return
	}
	if ent.rd == op {
		ent.rd = nil
	}
	if ent.wr == op {
		ent.wr = nil
	}
	if ent.rd == nil && ent.wr == nil {
		delete(p.fds, op.fd)
	}
}

func (p *selectPoller) forgetFD(fd int) {
	p.mu.Lock()
	delete(p.fds, fd)
	p.mu.Unlock()
}

const fdSetSize = 1024 // FD_SETSIZE on the supported platforms

func (p *selectPoller) wait(timeout time.Duration) []*Op {
	var rset, wset unix.FdSet
	rset.Zero()
	wset.Zero()

	maxfd := p.rpipe
	rset.Set(p.rpipe)

	p.mu.Lock()
	for fd, ent := range p.fds {
		if ent.rd != nil {
			rset.Set(fd)
		}
		if ent.wr != nil {
			wset.Set(fd)
		}
		if fd > maxfd {
			maxfd = fd
		}
	}
	p.mu.Unlock()

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(int64(timeout))
		tv = &t
	}

	n, err := unix.Select(maxfd+1, &rset, &wset, nil, tv)
	if err != nil || n <= 0 {
		// EINTR, or a descriptor closed under us (EBADF): the table has
		// already been updated by the closing path, so just let the
		// scheduler come back around with fresh sets.
		return nil
	}

	if rset.IsSet(p.rpipe) {
		var buf [64]byte
		for {
			if _, err := unix.Read(p.rpipe, buf[:]); err != nil {
				break
			}
		}
	}

	var claimed []*Op
	p.mu.Lock()
	for fd, ent := range p.fds {
		if op := ent.rd; op != nil && rset.IsSet(fd) && op.claim() {
			ent.rd = nil
			claimed = append(claimed, op)
		}
		if op := ent.wr; op != nil && wset.IsSet(fd) && op.claim() {
			ent.wr = nil
			claimed = append(claimed, op)
		}
		if ent.rd == nil && ent.wr == nil {
			delete(p.fds, fd)
		}
	}
	p.mu.Unlock()

	for _, op := range claimed {
		op.perform(op)
	}
	return claimed
}

func (p *selectPoller) interrupt() {
	if p.wpipe < 0 {
		return
	}
	one := [1]byte{1}
	unix.Write(p.wpipe, one[:])
}

func (p *selectPoller) close() error {
	if p.rpipe >= 0 {
		unix.Close(p.rpipe)
		p.rpipe = -1
	}
	if p.wpipe >= 0 {
		unix.Close(p.wpipe)
		p.wpipe = -1
	}
	return nil
}
