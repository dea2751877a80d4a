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

// acceptBufLen holds two sockaddr slots for AcceptEx; each must be the
// maximum sockaddr size plus the 16 bytes the API demands.
const acceptBufLen = 2 * (sockaddrAnyLen + 16)

const sockaddrAnyLen = 28 // sizeof(sockaddr_in6)

// opSys holds the Windows-specific portion of an Op. The overlapped
// struct's address identifies the op when the completion packet comes
// back from the port.
type opSys struct {
	ol windows.Overlapped

	handle windows.Handle

	wsabufs [maxIOVec]windows.WSABuf
	bufcnt  uint32
	flags   uint32
	qty     uint32

	acceptSock   windows.Handle
	acceptBuf    [acceptBufLen]byte
	acceptRemote netip.AddrPort
}
