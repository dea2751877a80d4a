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

//go:build unix

package sched

import (
	"context"
	"net/netip"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

/*
   Each I/O operation follows the same pattern:

     1. Try the syscall immediately (the socket is non-blocking).
     2. If it succeeds or fails with a real error, post the op to the
        completion queue.
     3. On EAGAIN/EWOULDBLOCK, register with the reactor and wait.

   The try-first step avoids a reactor round trip for operations that can
   complete immediately, which is common for small transfers on fast
   local connections.

   Cancellation must complete pending operations (post them with the
   cancelled flag) so callers waiting on them make progress; Close calls
   Cancel first for exactly that reason. See op.go for the claim protocol
   that keeps the reactor, cancellers, and the initiating goroutine from
   completing the same op twice.
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

// Shutdown closes every live socket and acceptor. Pending operations are
// cancelled; their queued completions are destroyed by the scheduler's
// own shutdown.
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

// CreateSocket allocates a stream socket record. The native handle is not
// created until Open or Connect.
func (svc *SocketService) CreateSocket() *SocketImpl {
	impl := &SocketImpl{svc: svc, fd: -1}
	impl.conn.bind()
	impl.rd.bind()
	impl.wr.bind()

	svc.mu.Lock()
	svc.sockets[impl] = struct{}{}
	svc.mu.Unlock()
	return impl
}

// CreateAcceptor allocates a listening socket record.
func (svc *SocketService) CreateAcceptor() *AcceptorImpl {
	impl := &AcceptorImpl{svc: svc, fd: -1}
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

//------------------------------------------------------------------------------

// SocketImpl is the per-stream record: the native handle, the cached
// endpoints, and one op slot per operation kind.
type SocketImpl struct {
	svc *SocketService
	fd  int

	local  netip.AddrPort
	remote netip.AddrPort

	conn Op
	rd   Op
	wr   Op

	// Connect target, for endpoint caching on completion.
	target netip.AddrPort
}

// Open creates an IPv4 native TCP handle. Connect uses an existing handle
// as is; on a socket that was never opened it creates a handle of the
// target's family. Opening an already-open socket is an error.
func (impl *SocketImpl) Open() error {
	if impl.fd >= 0 {
		return ErrInvalidArgument
	}
	fd, err := sysSocket(unix.AF_INET)
	if err != nil {
		return err
	}
	impl.fd = fd
	return nil
}

// IsOpen reports whether the native handle exists.
func (impl *SocketImpl) IsOpen() bool {
	return impl.fd >= 0
}

// NativeHandle returns the raw descriptor, or -1.
func (impl *SocketImpl) NativeHandle() int {
	return impl.fd
}

// adoptFD transfers ownership of an accepted descriptor into impl.
func (impl *SocketImpl) adoptFD(fd int, remote netip.AddrPort) {
	impl.fd = fd
	impl.remote = remote
	if sa, err := unix.Getsockname(fd); err == nil {
		impl.local = addrPortFromSockaddr(sa)
	}
}

// Connect starts an asynchronous connection attempt. On success both
// endpoints are cached; the local endpoint is whatever getsockname was
// willing to report.
func (impl *SocketImpl) Connect(ctx context.Context, ep netip.AddrPort, fn func(error)) {
	op := &impl.conn
	op.reset(opConnect, impl.fd)
	op.dir = pollWrite
	op.fnErr = fn
	op.perform = impl.performConnect
	impl.target = ep

	if impl.fd < 0 {
		fd, err := sysSocket(familyOf(ep.Addr()))
		if err != nil {
			op.complete(err, 0)
			impl.svc.sched.PostTask(&op.task)
			return
		}
		impl.fd = fd
		op.fd = fd
	}

	op.start(ctx, impl.cancelOp)

	err := unix.Connect(impl.fd, sockaddrFromAddrPort(ep))
	switch {
	case err == nil:
		impl.cacheConnectedEndpoints()
		op.complete(nil, 0)
		impl.svc.sched.PostTask(&op.task)

	case err == unix.EINPROGRESS:
		impl.svc.sched.startRegistered(op)

	default:
		op.complete(os.NewSyscallError("connect", err), 0)
		impl.svc.sched.PostTask(&op.task)
	}
}

// performConnect retrieves the connect outcome once the reactor reports
// writability. The status lives in SO_ERROR, not in a return value.
func (impl *SocketImpl) performConnect(op *Op) {
	errn, err := unix.GetsockoptInt(op.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	switch {
	case err != nil:
		op.complete(os.NewSyscallError("getsockopt", err), 0)
	case errn != 0:
		op.complete(os.NewSyscallError("connect", unix.Errno(errn)), 0)
	default:
		impl.cacheConnectedEndpoints()
		op.complete(nil, 0)
	}
}

func (impl *SocketImpl) cacheConnectedEndpoints() {
	// getsockname may fail; cache whatever could be read and keep the
	// remote endpoint regardless.
	if sa, err := unix.Getsockname(impl.fd); err == nil {
		impl.local = addrPortFromSockaddr(sa)
	}
	impl.remote = impl.target
}

// ReadSome starts an asynchronous read that completes as soon as any
// bytes arrive. A zero-length buffer completes with zero bytes and no
// error; a zero-byte transfer into a real buffer reports EOF.
func (impl *SocketImpl) ReadSome(ctx context.Context, bufs [][]byte, fn func(int, error)) {
	op := &impl.rd
	op.reset(opRead, impl.fd)
	op.dir = pollRead
	op.fnN = fn
	op.perform = performRead

	if impl.fd < 0 {
		op.complete(ErrInvalidArgument, 0)
		impl.svc.sched.PostTask(&op.task)
		return
	}

	op.sys.bufs = clampBuffers(bufs)
	if totalLen(op.sys.bufs) == 0 {
		op.emptyBufferRead = true
		op.complete(nil, 0)
		impl.svc.sched.PostTask(&op.task)
		return
	}

	op.start(ctx, impl.cancelOp)

	n, _, _, _, err := unix.RecvmsgBuffers(impl.fd, op.sys.bufs, nil, 0)
	switch {
	case err == nil:
		op.complete(nil, n)
		impl.svc.sched.PostTask(&op.task)

	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		impl.svc.sched.startRegistered(op)

	case err == unix.EINTR:
		// Retry through the reactor rather than spinning here.
		impl.svc.sched.startRegistered(op)

	default:
		op.complete(os.NewSyscallError("recvmsg", err), 0)
		impl.svc.sched.PostTask(&op.task)
	}
}

func performRead(op *Op) {
	for {
		n, _, _, _, err := unix.RecvmsgBuffers(op.fd, op.sys.bufs, nil, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			op.complete(os.NewSyscallError("recvmsg", err), 0)
		} else {
			op.complete(nil, n)
		}
		return
	}
}

// WriteSome starts an asynchronous write that completes as soon as some
// bytes are sent. The send uses MSG_NOSIGNAL so a disconnected peer does
// not raise SIGPIPE.
func (impl *SocketImpl) WriteSome(ctx context.Context, bufs [][]byte, fn func(int, error)) {
	op := &impl.wr
	op.reset(opWrite, impl.fd)
	op.dir = pollWrite
	op.fnN = fn
	op.perform = performWrite

	if impl.fd < 0 {
		op.complete(ErrInvalidArgument, 0)
		impl.svc.sched.PostTask(&op.task)
		return
	}

	op.sys.bufs = clampBuffers(bufs)
	if totalLen(op.sys.bufs) == 0 {
		op.complete(nil, 0)
		impl.svc.sched.PostTask(&op.task)
		return
	}

	op.start(ctx, impl.cancelOp)

	n, err := unix.SendmsgBuffers(impl.fd, op.sys.bufs, nil, nil, unix.MSG_NOSIGNAL)
	switch {
	case err == nil:
		op.complete(nil, n)
		impl.svc.sched.PostTask(&op.task)

	case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR:
		impl.svc.sched.startRegistered(op)

	default:
		op.complete(os.NewSyscallError("sendmsg", err), 0)
		impl.svc.sched.PostTask(&op.task)
	}
}

func performWrite(op *Op) {
	for {
		n, err := unix.SendmsgBuffers(op.fd, op.sys.bufs, nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			op.complete(os.NewSyscallError("sendmsg", err), 0)
		} else {
			op.complete(nil, n)
		}
		return
	}
}

// ShutdownConn half-closes the connection in the given direction.
func (impl *SocketImpl) ShutdownConn(how int) error {
	if impl.fd < 0 {
		return ErrInvalidArgument
	}
	var h int
	switch how {
	case ShutdownReceive:
		h = unix.SHUT_RD
	case ShutdownSend:
		h = unix.SHUT_WR
	case ShutdownBoth:
		h = unix.SHUT_RDWR
	default:
		return ErrInvalidArgument
	}
	if err := unix.Shutdown(impl.fd, h); err != nil {
		return os.NewSyscallError("shutdown", err)
	}
	return nil
}

// LocalEndpoint returns the cached local endpoint, zero if unknown.
func (impl *SocketImpl) LocalEndpoint() netip.AddrPort { return impl.local }

// RemoteEndpoint returns the cached remote endpoint, zero if unknown.
func (impl *SocketImpl) RemoteEndpoint() netip.AddrPort { return impl.remote }

// cancelOp is the cancel-single-op path used by both Cancel and the
// per-operation stop callbacks.
func (impl *SocketImpl) cancelOp(op *Op) {
	op.requestCancel()
	claimed := op.claim()
	if claimed {
		impl.svc.sched.registrar().deregister(op)
		impl.svc.sched.PostTask(&op.task)
		impl.svc.sched.WorkFinished()
	}
}

// Cancel aborts every pending operation on the socket. Each is resumed
// with ErrCanceled.
func (impl *SocketImpl) Cancel() {
	impl.cancelOp(&impl.conn)
	impl.cancelOp(&impl.rd)
	impl.cancelOp(&impl.wr)
}

// Close cancels pending operations, deregisters, closes the handle, and
// clears the cached endpoints. Safe while operations are pending.
func (impl *SocketImpl) Close() {
	impl.Cancel()
	if impl.fd >= 0 {
		impl.svc.sched.registrar().forgetFD(impl.fd)
		unix.Close(impl.fd)
		impl.fd = -1
	}
	impl.local = netip.AddrPort{}
	impl.remote = netip.AddrPort{}
}

// Release closes the socket and removes it from the service.
func (impl *SocketImpl) Release() {
	impl.Close()
	impl.svc.destroySocket(impl)
}

//------------------------------------------------------------------------------
// Socket options
//------------------------------------------------------------------------------

func (impl *SocketImpl) SetNoDelay(v bool) error {
	return impl.setInt(unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(v))
}

func (impl *SocketImpl) NoDelay() (bool, error) {
	v, err := impl.getInt(unix.IPPROTO_TCP, unix.TCP_NODELAY)
	return v != 0, err
}

func (impl *SocketImpl) SetKeepAlive(v bool) error {
	return impl.setInt(unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(v))
}

func (impl *SocketImpl) KeepAlive() (bool, error) {
	v, err := impl.getInt(unix.SOL_SOCKET, unix.SO_KEEPALIVE)
	return v != 0, err
}

func (impl *SocketImpl) SetReceiveBufferSize(n int) error {
	return impl.setInt(unix.SOL_SOCKET, unix.SO_RCVBUF, n)
}

func (impl *SocketImpl) ReceiveBufferSize() (int, error) {
	return impl.getInt(unix.SOL_SOCKET, unix.SO_RCVBUF)
}

func (impl *SocketImpl) SetSendBufferSize(n int) error {
	return impl.setInt(unix.SOL_SOCKET, unix.SO_SNDBUF, n)
}

func (impl *SocketImpl) SendBufferSize() (int, error) {
	return impl.getInt(unix.SOL_SOCKET, unix.SO_SNDBUF)
}

func (impl *SocketImpl) SetLinger(enabled bool, seconds int) error {
	if impl.fd < 0 || seconds < 0 {
		return ErrInvalidArgument
	}
	lg := unix.Linger{Onoff: int32(boolToInt(enabled)), Linger: int32(seconds)}
	if err := unix.SetsockoptLinger(impl.fd, unix.SOL_SOCKET, unix.SO_LINGER, &lg); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	return nil
}

func (impl *SocketImpl) Linger() (enabled bool, seconds int, err error) {
	if impl.fd < 0 {
		return false, 0, ErrInvalidArgument
	}
	lg, err := unix.GetsockoptLinger(impl.fd, unix.SOL_SOCKET, unix.SO_LINGER)
	if err != nil {
		return false, 0, os.NewSyscallError("getsockopt", err)
	}
	return lg.Onoff != 0, int(lg.Linger), nil
}

func (impl *SocketImpl) setInt(level, opt, v int) error {
	if impl.fd < 0 {
		return ErrInvalidArgument
	}
	if err := unix.SetsockoptInt(impl.fd, level, opt, v); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	return nil
}

func (impl *SocketImpl) getInt(level, opt int) (int, error) {
	if impl.fd < 0 {
		return 0, ErrInvalidArgument
	}
	v, err := unix.GetsockoptInt(impl.fd, level, opt)
	if err != nil {
		return 0, os.NewSyscallError("getsockopt", err)
	}
	return v, nil
}

//------------------------------------------------------------------------------

// AcceptorImpl is the per-listener record.
type AcceptorImpl struct {
	svc *SocketService
	fd  int

	local netip.AddrPort

	acc Op
}

// Listen binds to ep and begins listening. The address-reuse option is
// set before bind. The backlog is passed through unclamped.
func (impl *AcceptorImpl) Listen(ep netip.AddrPort, backlog int) error {
	if impl.fd >= 0 {
		return ErrInvalidArgument
	}

	fd, err := sysSocket(familyOf(ep.Addr()))
	if err != nil {
		return err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sockaddrFromAddrPort(ep)); err != nil {
		unix.Close(fd)
		return os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return os.NewSyscallError("listen", err)
	}

	impl.fd = fd
	if sa, err := unix.Getsockname(fd); err == nil {
		impl.local = addrPortFromSockaddr(sa)
	}
	return nil
}

// IsOpen reports whether the listener exists.
func (impl *AcceptorImpl) IsOpen() bool { return impl.fd >= 0 }

// LocalEndpoint returns the bound endpoint, zero before Listen.
func (impl *AcceptorImpl) LocalEndpoint() netip.AddrPort { return impl.local }

// Accept waits for a pending connection and transfers the accepted
// handle into peer. The listener remains valid for subsequent accepts.
func (impl *AcceptorImpl) Accept(ctx context.Context, peer *SocketImpl, fn func(error)) {
	op := &impl.acc
	op.reset(opAccept, impl.fd)
	op.dir = pollRead
	op.perform = performAccept
	op.sys.acceptedFD = -1
	op.fnErr = func(err error) {
		if err == nil {
			peer.adoptFD(op.sys.acceptedFD, addrPortFromSockaddr(op.sys.acceptedSA))
		} else if op.sys.acceptedFD >= 0 {
			unix.Close(op.sys.acceptedFD)
		}
		fn(err)
	}

	if impl.fd < 0 {
		op.complete(ErrInvalidArgument, 0)
		impl.svc.sched.PostTask(&op.task)
		return
	}

	op.start(ctx, impl.cancelOp)

	nfd, sa, err := sysAccept(impl.fd)
	switch {
	case err == nil:
		op.sys.acceptedFD = nfd
		op.sys.acceptedSA = sa
		op.complete(nil, 0)
		impl.svc.sched.PostTask(&op.task)

	case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR:
		impl.svc.sched.startRegistered(op)

	default:
		op.complete(os.NewSyscallError("accept", err), 0)
		impl.svc.sched.PostTask(&op.task)
	}
}

func performAccept(op *Op) {
	for {
		nfd, sa, err := sysAccept(op.fd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			op.complete(os.NewSyscallError("accept", err), 0)
		} else {
			op.sys.acceptedFD = nfd
			op.sys.acceptedSA = sa
			op.complete(nil, 0)
		}
		return
	}
}

func (impl *AcceptorImpl) cancelOp(op *Op) {
	op.requestCancel()
	claimed := op.claim()
	if claimed {
		impl.svc.sched.registrar().deregister(op)
		impl.svc.sched.PostTask(&op.task)
		impl.svc.sched.WorkFinished()
	}
}

// Cancel aborts a pending accept.
func (impl *AcceptorImpl) Cancel() {
	impl.cancelOp(&impl.acc)
}

// Close cancels a pending accept and closes the listener.
func (impl *AcceptorImpl) Close() {
	impl.Cancel()
	if impl.fd >= 0 {
		impl.svc.sched.registrar().forgetFD(impl.fd)
		unix.Close(impl.fd)
		impl.fd = -1
	}
	impl.local = netip.AddrPort{}
}

// Release closes the acceptor and removes it from the service.
func (impl *AcceptorImpl) Release() {
	impl.Close()
	impl.svc.destroyAcceptor(impl)
}

//------------------------------------------------------------------------------

func familyOf(a netip.Addr) int {
	if a.Is4() || a.Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}
