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

import "golang.org/x/sys/unix"

// opSys holds the POSIX-specific portion of an Op.
type opSys struct {
	// Scatter/gather views for read and write ops, already capped at
	// maxIOVec entries.
	bufs [][]byte

	// Accept results.
	acceptedFD int
	acceptedSA unix.Sockaddr
}
