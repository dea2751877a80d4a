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

//go:build linux

package sched

import (
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux reactor backend. Interest is level-triggered;
// an op's interest is removed the moment it is claimed, giving the
// one-event-per-registration behavior the op state machine expects. The
// interrupt channel is an eventfd registered alongside the sockets.
type epollPoller struct {
	epfd int
	evfd int

	mu sync.Mutex
	// GUARDED_BY(mu)
	fds map[int]*fdEntry

	events [128]unix.EpollEvent
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	evfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(evfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, evfd, &ev); err != nil {
		unix.Close(evfd)
		unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}

	return &epollPoller{
		epfd: epfd,
		evfd: evfd,
		fds:  make(map[int]*fdEntry),
	}, nil
}

// register adds op's interest to its descriptor. The caller has already
// placed the op's registration state in registering.
func (p *epollPoller) register(op *Op) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ent := p.fds[op.fd]
	adding := ent == nil
	if adding {
		ent = &fdEntry{}
	}
	if op.dir == pollRead {
		ent.rd = op
	} else {
		ent.wr = op
	}

	ev := unix.EpollEvent{Events: entryMask(ent), Fd: int32(op.fd)}
	var err error
	if adding {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, op.fd, &ev)
	} else {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, op.fd, &ev)
	}
	if err != nil {
		if op.dir == pollRead {
			ent.rd = nil
		} else {
			ent.wr = nil
		}
		if !adding && ent.rd == nil && ent.wr == nil {
			unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, op.fd, nil)
			delete(p.fds, op.fd)
		}
		return os.NewSyscallError("epoll_ctl", err)
	}
	if adding {
		p.fds[op.fd] = ent
	}
	return nil
}

// deregister removes op's interest if still present. Called by the path
// that lost the registering→registered CAS (the registration is orphaned)
// and by cancellation after a successful claim.
func (p *epollPoller) deregister(op *Op) {
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
	p.updateLocked(op.fd, ent)
}

// forgetFD drops every registration for fd. Called on close; the kernel
// would drop them anyway, but doing it here keeps the table consistent
// with the select backend.
func (p *epollPoller) forgetFD(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; !ok {
		return
	}
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(p.fds, fd)
}

// LOCKS_REQUIRED(p.mu)
func (p *epollPoller) updateLocked(fd int, ent *fdEntry) {
	if ent.rd == nil && ent.wr == nil {
		unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(p.fds, fd)
		return
	}
	ev := unix.EpollEvent{Events: entryMask(ent), Fd: int32(fd)}
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func entryMask(ent *fdEntry) uint32 {
	var m uint32
	if ent.rd != nil {
		m |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ent.wr != nil {
		m |= unix.EPOLLOUT
	}
	return m
}

func (p *epollPoller) wait(timeout time.Duration) []*Op {
	msec := -1
	switch {
	case timeout == 0:
		msec = 0
	case timeout > 0:
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.EpollWait(p.epfd, p.events[:], msec)
	if err != nil {
		// EINTR: let the scheduler loop back around.
		return nil
	}

	var completed []*Op
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		fd := int(ev.Fd)

		if fd == p.evfd {
			var buf [8]byte
			unix.Read(p.evfd, buf[:])
			continue
		}

		errEvent := ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0

		var claimed []*Op
		p.mu.Lock()
		if ent := p.fds[fd]; ent != nil {
			if errEvent || ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
				if op := ent.rd; op != nil && op.claim() {
					ent.rd = nil
					claimed = append(claimed, op)
				}
			}
			if errEvent || ev.Events&unix.EPOLLOUT != 0 {
				if op := ent.wr; op != nil && op.claim() {
					ent.wr = nil
					claimed = append(claimed, op)
				}
			}
			p.updateLocked(fd, ent)
		}
		p.mu.Unlock()

		for _, op := range claimed {
			if errEvent {
				op.complete(socketError(fd), 0)
			} else {
				op.perform(op)
			}
			completed = append(completed, op)
		}
	}
	return completed
}

func (p *epollPoller) interrupt() {
	if p.evfd < 0 {
		return
	}
	var one = [8]byte{1}
	unix.Write(p.evfd, one[:])
}

func (p *epollPoller) close() error {
	if p.evfd >= 0 {
		unix.Close(p.evfd)
		p.evfd = -1
	}
	if p.epfd >= 0 {
		unix.Close(p.epfd)
		p.epfd = -1
	}
	return nil
}

// socketError retrieves the pending error on fd after an error event.
func socketError(fd int) error {
	errn, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if errn == 0 {
		return os.NewSyscallError("epoll_wait", unix.EIO)
	}
	return os.NewSyscallError("socket", unix.Errno(errn))
}
