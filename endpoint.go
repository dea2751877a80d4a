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
	"fmt"
	"net/netip"
)

// Endpoints are netip.AddrPort values: an IPv4 or IPv6 address plus a
// port. The zero value means "unknown".

// ParseEndpoint parses "host:port" with an IP literal host, e.g.
// "127.0.0.1:8080" or "[::1]:8080".
func ParseEndpoint(s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse endpoint %q: %w", s, ErrInvalidArgument)
	}
	return ap, nil
}

// Endpoint builds an endpoint from an address and port.
func Endpoint(addr netip.Addr, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(addr, port)
}

// LoopbackEndpoint is the IPv4 loopback with the given port. Port zero
// asks the OS to choose.
func LoopbackEndpoint(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)
}
