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
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/jacobsa/reqtrace"
)

// ResolveFlags modify name resolution.
type ResolveFlags uint32

const (
	// ResolvePassive yields endpoints suitable for binding as a server.
	ResolvePassive ResolveFlags = 1 << iota

	// ResolveNumericHost requires the host to be an IP literal; no DNS.
	ResolveNumericHost

	// ResolveNumericService requires the service to be a numeric port;
	// no registry lookup.
	ResolveNumericService

	// ResolveAddressConfigured returns only addresses whose family has a
	// configured interface.
	ResolveAddressConfigured

	// ResolveV4Mapped synthesises v4-mapped IPv6 entries from IPv4
	// results.
	ResolveV4Mapped

	// ResolveAllMatching, with ResolveV4Mapped, returns both the native
	// entries and the mapped ones.
	ResolveAllMatching
)

// ResolverEntry is one resolution result: an endpoint plus the host and
// service strings it came from.
type ResolverEntry struct {
	Endpoint netip.AddrPort
	Host     string
	Service  string
}

// resolverService tracks the in-flight lookups so context teardown can
// wait for their workers.
type resolverService struct {
	c *Context

	inflight sync.WaitGroup

	mu sync.Mutex
	// GUARDED_BY(mu)
	resolvers map[*Resolver]struct{}
}

func newResolverService(c *Context) *resolverService {
	return &resolverService{
		c:         c,
		resolvers: make(map[*Resolver]struct{}),
	}
}

func (svc *resolverService) shutdown() {
	svc.mu.Lock()
	resolvers := make([]*Resolver, 0, len(svc.resolvers))
	for r := range svc.resolvers {
		resolvers = append(resolvers, r)
	}
	svc.resolvers = make(map[*Resolver]struct{})
	svc.mu.Unlock()

	for _, r := range resolvers {
		r.Cancel()
	}

	// Every worker must be done before the service goes away.
	svc.inflight.Wait()
}

// Resolver translates host/service names to endpoints. The underlying
// OS lookup is blocking, so each Resolve runs on its own worker
// goroutine and posts the completion back through the scheduler.
//
// A resolver holds exactly one operation slot: starting a Resolve while
// another is in flight panics.
type Resolver struct {
	svc *resolverService

	busy atomic.Bool

	mu sync.Mutex
	// GUARDED_BY(mu)
	cancel context.CancelFunc
}

// NewResolver allocates a resolver bound to c.
func NewResolver(c *Context) *Resolver {
	svc := c.resolverService()
	r := &Resolver{svc: svc}

	svc.mu.Lock()
	svc.resolvers[r] = struct{}{}
	svc.mu.Unlock()
	return r
}

// Resolve translates host and service to a list of endpoints. fn runs on
// a goroutine executing Run with the entries, or with nil and
// ErrCanceled, ErrInvalidArgument, or the lookup failure.
func (r *Resolver) Resolve(
	ctx context.Context,
	host string,
	service string,
	flags ResolveFlags,
	fn func([]ResolverEntry, error)) {
	if !r.busy.CompareAndSwap(false, true) {
		panic("concurrent Resolve calls on one Resolver.")
	}

	ctx = orBackground(ctx)
	ctx, report := reqtrace.StartSpan(ctx, fmt.Sprintf("Resolve %s:%s", host, service))

	lctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	sched := r.svc.c.sched
	sched.WorkStarted()
	r.svc.inflight.Add(1)

	go func() {
		entries, err := lookupEntries(lctx, host, service, flags)
		if lctx.Err() != nil {
			entries, err = nil, ErrCanceled
		}
		debugf("Resolve %s:%s -> %d entries, err=%v", host, service, len(entries), err)

		sched.Post(func() {
			r.mu.Lock()
			r.cancel = nil
			r.mu.Unlock()
			cancel()
			r.busy.Store(false)

			report(err)
			fn(entries, err)
		})
		sched.WorkFinished()
		r.svc.inflight.Done()
	}()
}

// Cancel aborts an in-flight resolve, best-effort: the OS lookup itself
// may run to completion, but the result is discarded and the completion
// reports ErrCanceled.
func (r *Resolver) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked()
}

func (r *Resolver) cancelLocked() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Close cancels any in-flight resolve and releases the resolver.
func (r *Resolver) Close() {
	r.Cancel()
	r.svc.mu.Lock()
	delete(r.svc.resolvers, r)
	r.svc.mu.Unlock()
}

//------------------------------------------------------------------------------
// Lookup
//------------------------------------------------------------------------------

// lookupEntries performs the blocking translation on the worker
// goroutine. Lookup failures arrive as net.DNSError values, and so does
// a NumericHost violation (not found); a NumericService violation or an
// out-of-range port arrives as ErrInvalidArgument.
func lookupEntries(
	ctx context.Context,
	host string,
	service string,
	flags ResolveFlags) ([]ResolverEntry, error) {
	port, err := lookupPort(ctx, service, flags)
	if err != nil {
		return nil, err
	}

	addrs, err := lookupHost(ctx, host, flags)
	if err != nil {
		return nil, err
	}

	if flags&ResolveAddressConfigured != 0 {
		addrs = filterConfigured(addrs)
	}

	if flags&ResolveV4Mapped != 0 {
		addrs = applyV4Mapped(addrs, flags&ResolveAllMatching != 0)
	}

	entries := make([]ResolverEntry, 0, len(addrs))
	for _, a := range addrs {
		entries = append(entries, ResolverEntry{
			Endpoint: netip.AddrPortFrom(a, port),
			Host:     host,
			Service:  service,
		})
	}
	return entries, nil
}

func lookupPort(ctx context.Context, service string, flags ResolveFlags) (uint16, error) {
	if service == "" {
		return 0, nil
	}

	if n, err := strconv.Atoi(service); err == nil {
		if n < 0 || n > 65535 {
			return 0, fmt.Errorf("service %q: %w", service, ErrInvalidArgument)
		}
		return uint16(n), nil
	}

	if flags&ResolveNumericService != 0 {
		return 0, fmt.Errorf("service %q is not numeric: %w", service, ErrInvalidArgument)
	}

	n, err := net.DefaultResolver.LookupPort(ctx, "tcp", service)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

func lookupHost(ctx context.Context, host string, flags ResolveFlags) ([]netip.Addr, error) {
	if host == "" {
		// Wildcard for servers, loopback for clients, as getaddrinfo
		// does with a null node name.
		if flags&ResolvePassive != 0 {
			return []netip.Addr{netip.IPv4Unspecified(), netip.IPv6Unspecified()}, nil
		}
		return []netip.Addr{
			netip.AddrFrom4([4]byte{127, 0, 0, 1}),
			netip.IPv6Loopback(),
		}, nil
	}

	if a, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{a.Unmap()}, nil
	}

	if flags&ResolveNumericHost != 0 {
		return nil, &net.DNSError{
			Err:        "host is not an IP literal",
			Name:       host,
			IsNotFound: true,
		}
	}

	ipAddrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	addrs := make([]netip.Addr, 0, len(ipAddrs))
	for _, ia := range ipAddrs {
		if a, ok := netip.AddrFromSlice(ia.IP); ok {
			addrs = append(addrs, a.Unmap())
		}
	}
	sort.SliceStable(addrs, func(i, j int) bool {
		// Keep v4 entries ahead of v6 for deterministic tests.
		return addrs[i].Is4() && !addrs[j].Is4()
	})
	return addrs, nil
}

// filterConfigured drops families with no configured interface address.
func filterConfigured(addrs []netip.Addr) []netip.Addr {
	have4, have6 := configuredFamilies()
	out := addrs[:0]
	for _, a := range addrs {
		if a.Is4() || a.Is4In6() {
			if have4 {
				out = append(out, a)
			}
		} else if have6 {
			out = append(out, a)
		}
	}
	return out
}

func configuredFamilies() (have4, have6 bool) {
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		// Can't tell; filter nothing.
		return true, true
	}
	for _, ia := range ifAddrs {
		ipNet, ok := ia.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.To4() != nil {
			have4 = true
		} else {
			have6 = true
		}
	}
	return have4, have6
}

// applyV4Mapped rewrites IPv4 results as v4-mapped IPv6 entries; with
// all set, both forms are returned.
func applyV4Mapped(addrs []netip.Addr, all bool) []netip.Addr {
	out := make([]netip.Addr, 0, len(addrs)*2)
	for _, a := range addrs {
		if a.Is4() {
			if all {
				out = append(out, a)
			}
			out = append(out, netip.AddrFrom16(a.As16()))
			continue
		}
		out = append(out, a)
	}
	return out
}
