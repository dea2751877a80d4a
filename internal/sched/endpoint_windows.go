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
	"net/netip"

	"golang.org/x/sys/windows"
)

func sockaddrFromAddrPort(ap netip.AddrPort) windows.Sockaddr {
	a := ap.Addr()
	if a.Is4() || a.Is4In6() {
		return &windows.SockaddrInet4{
			Port: int(ap.Port()),
			Addr: a.Unmap().As4(),
		}
	}
	return &windows.SockaddrInet6{
		Port: int(ap.Port()),
		Addr: a.As16(),
	}
}

func addrPortFromSockaddr(sa windows.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *windows.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *windows.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
