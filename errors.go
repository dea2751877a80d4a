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
	"errors"
	"io"

	"github.com/sgerbino/corio/internal/sched"
)

var (
	// ErrCanceled is delivered to operations aborted via Cancel, Close,
	// or a done context.
	ErrCanceled = sched.ErrCanceled

	// ErrEOF is delivered when the peer closes cleanly. A zero-length
	// read caused by an empty buffer is a success, not ErrEOF.
	ErrEOF = io.EOF

	// ErrNotSupported is returned for flags or options unavailable on
	// this platform.
	ErrNotSupported = errors.ErrUnsupported

	// ErrInvalidArgument is returned for misuse visible without reaching
	// the OS: closed objects, bad endpoints, incompatible flags.
	ErrInvalidArgument = sched.ErrInvalidArgument
)

// DefaultBacklog is a sensible listen backlog for callers with no
// opinion. The value passed to Listen is not clamped.
const DefaultBacklog = 128
