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
	"context"
	"net/netip"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

/*
   The IOCP socket layer is proactor shaped: operations are issued with an
   OVERLAPPED up front and the port delivers a completion packet when the
   kernel finishes. Sockets are associated with the port once at creation.

   A synchronous return from WSARecv/WSASend still queues a completion
   packet, so the manual fast-path post and the packet race; both sides
   CAS the op's ready flag 0→1 and the winner completes the op. See
   poller_windows.go for the packet side.

   Cancellation is CancelIoEx: the kernel aborts the operation and the
   packet comes back with ERROR_OPERATION_ABORTED, which completes the op
   as cancelled through the ordinary path.
*/

// SocketService owns every socket and acceptor record created on one
// scheduler.
type SocketService struct {
	sched *Scheduler

	mu sync.Mutex
	// GUARDED_BY(mu)
	sockets   map[*SocketImpl]struct{}
	acceptors map[*AcceptorImpl]struct{}
}

func NewSocketService(s *Scheduler) *SocketService {
	return &SocketService{
		sched:     s,
		sockets:   make(map[*SocketImpl]struct{}),
		acceptors: make(map[*AcceptorImpl]struct{}),
	}
}

func (svc *SocketService) iocp() *iocpPoller {
	return svc.sched.poller.(*iocpPoller)
}

func (svc *SocketService) Shutdown() {
	svc.mu.Lock()
	sockets := make([]*SocketImpl, 0, len(svc.sockets))
	for impl := range svc.sockets {
		sockets = append(sockets, impl)
	}
	acceptors := make([]*AcceptorImpl, 0, len(svc.acceptors))
	for impl := range svc.acceptors {
		acceptors = append(acceptors, impl)
	}
	svc.sockets = make(map[*SocketImpl]struct{})
	svc.acceptors = make(map[*AcceptorImpl]struct{})
	svc.mu.Unlock()

	for _, impl := range sockets {
		impl.Close()
	}
	for _, impl := range acceptors {
		impl.Close()
	}
}

func (svc *SocketService) CreateSocket() *SocketImpl {
	impl := &SocketImpl{svc: svc, fd: windows.InvalidHandle}
	impl.conn.bind()
	impl.rd.bind()
	impl.wr.bind()

	svc.mu.Lock()
	svc.sockets[impl] = struct{}{}
	svc.mu.Unlock()
	return impl
}

func (svc *SocketService) CreateAcceptor() *AcceptorImpl {
	impl := &AcceptorImpl{svc: svc, fd: windows.InvalidHandle}
	impl.acc.bind()

	svc.mu.Lock()
	svc.acceptors[impl] = struct{}{}
	svc.mu.Unlock()
	return impl
}

func (svc *SocketService) destroySocket(impl *SocketImpl) {
	svc.mu.Lock()
	delete(svc.sockets, impl)
	svc.mu.Unlock()
}

func (svc *SocketService) destroyAcceptor(impl *AcceptorImpl) {
	svc.mu.Lock()
	delete(svc.acceptors, impl)
	svc.mu.Unlock()
}

// newSocketHandle creates an overlapped TCP socket and associates it
// with the completion port.
func (svc *SocketService) newSocketHandle(family int) (windows.Handle, error) {
	h, err := windows.WSASocket(int32(family), windows.SOCK_STREAM, windows.IPPROTO_TCP,
		nil, 0, windows.WSA_FLAG_OVERLAPPED)
	if err != nil {
		return windows.InvalidHandle, os.NewSyscallError("WSASocket", err)
	}
	if err := svc.iocp().associate(h); err != nil {
		windows.Closesocket(h)
		return windows.InvalidHandle, err
	}
	return h, nil
}

// issue runs fn to start an overlapped operation on op and reconciles
// the three outcomes: synchronous completion, pending packet, and
// immediate failure.
func (svc *SocketService) issue(op *Op, fn func() error) {
	s := svc.sched
	s.WorkStarted()
	svc.iocp().track(op)

	err := fn()
	switch {
	case err == nil:
		// Completed synchronously; the port will still deliver a
		// packet. Post manually if we win the ready race.
		if op.ready.CompareAndSwap(0, 1) {
			op.complete(nil, int(op.sys.qty))
			if op.perform != nil {
				op.perform(op)
			}
			s.PostTask(&op.task)
			s.WorkFinished()
		}

	case err == windows.ERROR_IO_PENDING:
		// The packet completes the op.

	default:
		// Failed without queuing a packet.
		svc.iocp().lookupAndForget(&op.sys.ol)
		if op.ready.CompareAndSwap(0, 1) {
			op.complete(os.NewSyscallError("overlapped", err), 0)
			s.PostTask(&op.task)
			s.WorkFinished()
		}
	}
}

//------------------------------------------------------------------------------

// SocketImpl is the per-stream record.
type SocketImpl struct {
	svc *SocketService
	fd  windows.Handle

	local  netip.AddrPort
	remote netip.AddrPort

	conn Op
	rd   Op
	wr   Op

	target netip.AddrPort
}

func (impl *SocketImpl) Open() error {
	if impl.fd != windows.InvalidHandle {
		return ErrInvalidArgument
	}
	h, err := impl.svc.newSocketHandle(windows.AF_INET)
	if err != nil {
		return err
	}
	impl.fd = h
	return nil
}

func (impl *SocketImpl) IsOpen() bool {
	return impl.fd != windows.InvalidHandle
}

func (impl *SocketImpl) adoptHandle(h windows.Handle, remote netip.AddrPort) {
	impl.fd = h
	impl.remote = remote
	if sa, err := windows.Getsockname(h); err == nil {
		impl.local = addrPortFromSockaddr(sa)
	}
}

// Connect starts an asynchronous connection attempt via ConnectEx, which
// requires the socket to be bound first.
func (impl *SocketImpl) Connect(ctx context.Context, ep netip.AddrPort, fn func(error)) {
	op := &impl.conn
	op.reset(opConnect, 0)
	op.fnErr = fn
	op.perform = impl.performConnect
	impl.target = ep

	if impl.fd == windows.InvalidHandle {
		h, err := impl.svc.newSocketHandle(familyOf(ep.Addr()))
		if err != nil {
			op.complete(err, 0)
			impl.svc.sched.PostTask(&op.task)
			return
		}
		impl.fd = h
	}
	op.sys.handle = impl.fd

	if err := windows.Bind(impl.fd, wildcardSockaddr(ep.Addr())); err != nil {
		op.complete(os.NewSyscallError("bind", err), 0)
		impl.svc.sched.PostTask(&op.task)
		return
	}

	op.start(ctx, impl.cancelOp)

	impl.svc.issue(op, func() error {
		return windows.ConnectEx(impl.fd, sockaddrFromAddrPort(ep),
			nil, 0, &op.sys.qty, &op.sys.ol)
	})
}

// performConnect is the post-completion hook: update the socket context
// so getsockname and shutdown behave, then cache endpoints.
func (impl *SocketImpl) performConnect(op *Op) {
	if op.err != nil {
		return
	}
	windows.Setsockopt(impl.fd, windows.SOL_SOCKET, windows.SO_UPDATE_CONNECT_CONTEXT, nil, 0)
	if sa, err := windows.Getsockname(impl.fd); err == nil {
		impl.local = addrPortFromSockaddr(sa)
	}
	impl.remote = impl.target
	op.bytes = 0
}

func (impl *SocketImpl) ReadSome(ctx context.Context, bufs [][]byte, fn func(int, error)) {
	op := &impl.rd
	op.reset(opRead, 0)
	op.fnN = fn

	if impl.fd == windows.InvalidHandle {
		op.complete(ErrInvalidArgument, 0)
		impl.svc.sched.PostTask(&op.task)
		return
	}
	op.sys.handle = impl.fd

	if packWSABufs(op, bufs) == 0 {
		op.emptyBufferRead = true
		op.complete(nil, 0)
		impl.svc.sched.PostTask(&op.task)
		return
	}

	op.start(ctx, impl.cancelOp)

	impl.svc.issue(op, func() error {
		op.sys.flags = 0
		return windows.WSARecv(impl.fd, &op.sys.wsabufs[0], op.sys.bufcnt,
			&op.sys.qty, &op.sys.flags, &op.sys.ol, nil)
	})
}

func (impl *SocketImpl) WriteSome(ctx context.Context, bufs [][]byte, fn func(int, error)) {
	op := &impl.wr
	op.reset(opWrite, 0)
	op.fnN = fn

	if impl.fd == windows.InvalidHandle {
		op.complete(ErrInvalidArgument, 0)
		impl.svc.sched.PostTask(&op.task)
		return
	}
	op.sys.handle = impl.fd

	if packWSABufs(op, bufs) == 0 {
		op.complete(nil, 0)
		impl.svc.sched.PostTask(&op.task)
		return
	}

	op.start(ctx, impl.cancelOp)

	impl.svc.issue(op, func() error {
		return windows.WSASend(impl.fd, &op.sys.wsabufs[0], op.sys.bufcnt,
			&op.sys.qty, 0, &op.sys.ol, nil)
	})
}

func (impl *SocketImpl) ShutdownConn(how int) error {
	if impl.fd == windows.InvalidHandle {
		return ErrInvalidArgument
	}
	var h int
	switch how {
	case ShutdownReceive:
		h = 0 // SD_RECEIVE
	case ShutdownSend:
		h = 1 // SD_SEND
	case ShutdownBoth:
		h = 2 // SD_BOTH
	default:
		return ErrInvalidArgument
	}
	if err := windows.Shutdown(impl.fd, h); err != nil {
		return os.NewSyscallError("shutdown", err)
	}
	return nil
}

func (impl *SocketImpl) LocalEndpoint() netip.AddrPort  { return impl.local }
func (impl *SocketImpl) RemoteEndpoint() netip.AddrPort { return impl.remote }

func (impl *SocketImpl) cancelOp(op *Op) {
	op.requestCancel()
	if op.sys.handle != windows.InvalidHandle && op.sys.handle != 0 {
		windows.CancelIoEx(op.sys.handle, &op.sys.ol)
	}
}

func (impl *SocketImpl) Cancel() {
	impl.cancelOp(&impl.conn)
	impl.cancelOp(&impl.rd)
	impl.cancelOp(&impl.wr)
}

func (impl *SocketImpl) Close() {
	impl.Cancel()
	if impl.fd != windows.InvalidHandle {
		windows.Closesocket(impl.fd)
		impl.fd = windows.InvalidHandle
	}
	impl.local = netip.AddrPort{}
	impl.remote = netip.AddrPort{}
}

func (impl *SocketImpl) Release() {
	impl.Close()
	impl.svc.destroySocket(impl)
}

//------------------------------------------------------------------------------
// Socket options
//------------------------------------------------------------------------------

func (impl *SocketImpl) SetNoDelay(v bool) error {
	return impl.setInt(windows.IPPROTO_TCP, windows.TCP_NODELAY, boolToInt(v))
}

func (impl *SocketImpl) NoDelay() (bool, error) {
	v, err := impl.getInt(windows.IPPROTO_TCP, windows.TCP_NODELAY)
	return v != 0, err
}

func (impl *SocketImpl) SetKeepAlive(v bool) error {
	return impl.setInt(windows.SOL_SOCKET, windows.SO_KEEPALIVE, boolToInt(v))
}

func (impl *SocketImpl) KeepAlive() (bool, error) {
	v, err := impl.getInt(windows.SOL_SOCKET, windows.SO_KEEPALIVE)
	return v != 0, err
}

func (impl *SocketImpl) SetReceiveBufferSize(n int) error {
	return impl.setInt(windows.SOL_SOCKET, windows.SO_RCVBUF, n)
}

func (impl *SocketImpl) ReceiveBufferSize() (int, error) {
	return impl.getInt(windows.SOL_SOCKET, windows.SO_RCVBUF)
}

func (impl *SocketImpl) SetSendBufferSize(n int) error {
	return impl.setInt(windows.SOL_SOCKET, windows.SO_SNDBUF, n)
}

func (impl *SocketImpl) SendBufferSize() (int, error) {
	return impl.getInt(windows.SOL_SOCKET, windows.SO_SNDBUF)
}

func (impl *SocketImpl) SetLinger(enabled bool, seconds int) error {
	if impl.fd == windows.InvalidHandle || seconds < 0 {
		return ErrInvalidArgument
	}
	lg := windows.Linger{Onoff: int32(boolToInt(enabled)), Linger: int32(seconds)}
	if err := windows.SetsockoptLinger(impl.fd, windows.SOL_SOCKET, windows.SO_LINGER, &lg); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	return nil
}

func (impl *SocketImpl) Linger() (enabled bool, seconds int, err error) {
	if impl.fd == windows.InvalidHandle {
		return false, 0, ErrInvalidArgument
	}
	var lg windows.Linger
	l := int32(unsafe.Sizeof(lg))
	if err := windows.Getsockopt(impl.fd, windows.SOL_SOCKET, windows.SO_LINGER,
		(*byte)(unsafe.Pointer(&lg)), &l); err != nil {
		return false, 0, os.NewSyscallError("getsockopt", err)
	}
	return lg.Onoff != 0, int(lg.Linger), nil
}

func (impl *SocketImpl) setInt(level, opt, v int) error {
	if impl.fd == windows.InvalidHandle {
		return ErrInvalidArgument
	}
	if err := windows.SetsockoptInt(impl.fd, level, opt, v); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	return nil
}

func (impl *SocketImpl) getInt(level, opt int) (int, error) {
	if impl.fd == windows.InvalidHandle {
		return 0, ErrInvalidArgument
	}
	v, err := windows.GetsockoptInt(impl.fd, level, opt)
	if err != nil {
		return 0, os.NewSyscallError("getsockopt", err)
	}
	return v, nil
}

//------------------------------------------------------------------------------

// AcceptorImpl is the per-listener record.
type AcceptorImpl struct {
	svc *SocketService
	fd  windows.Handle

	local netip.AddrPort

	acc Op
}

func (impl *AcceptorImpl) Listen(ep netip.AddrPort, backlog int) error {
	if impl.fd != windows.InvalidHandle {
		return ErrInvalidArgument
	}

	h, err := impl.svc.newSocketHandle(familyOf(ep.Addr()))
	if err != nil {
		return err
	}
	if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
		windows.Closesocket(h)
		return os.NewSyscallError("setsockopt", err)
	}
	if err := windows.Bind(h, sockaddrFromAddrPort(ep)); err != nil {
		windows.Closesocket(h)
		return os.NewSyscallError("bind", err)
	}
	if err := windows.Listen(h, backlog); err != nil {
		windows.Closesocket(h)
		return os.NewSyscallError("listen", err)
	}

	impl.fd = h
	if sa, err := windows.Getsockname(h); err == nil {
		impl.local = addrPortFromSockaddr(sa)
	}
	return nil
}

func (impl *AcceptorImpl) IsOpen() bool { return impl.fd != windows.InvalidHandle }

func (impl *AcceptorImpl) LocalEndpoint() netip.AddrPort { return impl.local }

// Accept issues AcceptEx with a pre-created accept socket. On completion
// the accepted socket's context is updated so it behaves as a connected
// socket, and its endpoints are extracted from the AcceptEx buffer.
func (impl *AcceptorImpl) Accept(ctx context.Context, peer *SocketImpl, fn func(error)) {
	op := &impl.acc
	op.reset(opAccept, 0)
	op.perform = impl.performAccept
	op.fnErr = func(err error) {
		if err == nil {
			peer.adoptHandle(op.sys.acceptSock, op.sys.acceptRemote)
		} else if op.sys.acceptSock != windows.InvalidHandle && op.sys.acceptSock != 0 {
			windows.Closesocket(op.sys.acceptSock)
		}
		fn(err)
	}

	if impl.fd == windows.InvalidHandle {
		op.complete(ErrInvalidArgument, 0)
		impl.svc.sched.PostTask(&op.task)
		return
	}
	op.sys.handle = impl.fd

	family := windows.AF_INET
	if impl.local.Addr().Is6() && !impl.local.Addr().Is4In6() {
		family = windows.AF_INET6
	}
	as, err := impl.svc.newSocketHandle(family)
	if err != nil {
		op.complete(err, 0)
		impl.svc.sched.PostTask(&op.task)
		return
	}
	op.sys.acceptSock = as

	op.start(ctx, impl.cancelOp)

	impl.svc.issue(op, func() error {
		return windows.AcceptEx(impl.fd, as, &op.sys.acceptBuf[0], 0,
			sockaddrAnyLen+16, sockaddrAnyLen+16, &op.sys.qty, &op.sys.ol)
	})
}

// performAccept is the post-completion hook for AcceptEx.
func (impl *AcceptorImpl) performAccept(op *Op) {
	if op.err != nil {
		return
	}

	ls := impl.fd
	windows.Setsockopt(op.sys.acceptSock, windows.SOL_SOCKET, windows.SO_UPDATE_ACCEPT_CONTEXT,
		(*byte)(unsafe.Pointer(&ls)), int32(unsafe.Sizeof(ls)))

	var lrsa, rrsa *windows.RawSockaddrAny
	var lrsaLen, rrsaLen int32
	windows.GetAcceptExSockaddrs(&op.sys.acceptBuf[0], 0,
		sockaddrAnyLen+16, sockaddrAnyLen+16,
		&lrsa, &lrsaLen, &rrsa, &rrsaLen)
	if rrsa != nil {
		if sa, err := rrsa.Sockaddr(); err == nil {
			op.sys.acceptRemote = addrPortFromSockaddr(sa)
		}
	}
	op.bytes = 0
}

func (impl *AcceptorImpl) cancelOp(op *Op) {
	op.requestCancel()
	if op.sys.handle != windows.InvalidHandle && op.sys.handle != 0 {
		windows.CancelIoEx(op.sys.handle, &op.sys.ol)
	}
}

func (impl *AcceptorImpl) Cancel() {
	impl.cancelOp(&impl.acc)
}

func (impl *AcceptorImpl) Close() {
	impl.Cancel()
	if impl.fd != windows.InvalidHandle {
		windows.Closesocket(impl.fd)
		impl.fd = windows.InvalidHandle
	}
	impl.local = netip.AddrPort{}
}

func (impl *AcceptorImpl) Release() {
	impl.Close()
	impl.svc.destroyAcceptor(impl)
}

//------------------------------------------------------------------------------

func familyOf(a netip.Addr) int {
	if a.Is4() || a.Is4In6() {
		return windows.AF_INET
	}
	return windows.AF_INET6
}

// wildcardSockaddr is the all-zero local address ConnectEx requires the
// socket to be bound to.
func wildcardSockaddr(a netip.Addr) windows.Sockaddr {
	if a.Is4() || a.Is4In6() {
		return &windows.SockaddrInet4{}
	}
	return &windows.SockaddrInet6{}
}

// packWSABufs fills the op's WSABUF array from bufs, returning the total
// byte count.
func packWSABufs(op *Op, bufs [][]byte) int {
	bufs = clampBuffers(bufs)
	total := 0
	n := uint32(0)
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		op.sys.wsabufs[n] = windows.WSABuf{
			Len: uint32(len(b)),
			Buf: &b[0],
		}
		n++
		total += len(b)
	}
	op.sys.bufcnt = n
	return total
}
