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

// Buffers is a scatter/gather view: an ordered sequence of byte slices
// treated as one logical buffer. A single syscall consumes at most the
// first 16 vectors; read_some/write_some semantics make the remainder a
// matter for the next call.
//
// The memory must stay valid and untouched until the operation's
// completion callback runs.
type Buffers [][]byte

// TotalLen returns the combined length of all vectors.
func (b Buffers) TotalLen() int {
	n := 0
	for _, v := range b {
		n += len(v)
	}
	return n
}
