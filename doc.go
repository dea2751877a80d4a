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

// Package corio is an asynchronous I/O runtime for TCP networking, built
// on I/O completion ports on Windows, epoll on Linux, and select on other
// POSIX systems.
//
// The primary elements of interest are:
//
//   - Context, the execution context. Goroutines call its Run method to
//     donate themselves to the runtime; exactly one of them at a time
//     blocks in the OS event wait while the rest execute completion
//     handlers.
//
//   - Stream and Acceptor, asynchronous TCP sockets. Operations take a
//     context.Context for cancellation and a completion callback that is
//     invoked on a goroutine running the Context.
//
//   - Timer, Resolver, and SignalSet, which deliver their completions
//     through the same scheduler, so a single Run call drains everything.
//
//   - Package tls, which wraps a Stream with a TLS session driven by the
//     standard library's engine.
//
// Completion callbacks run to completion without preemption and must not
// block; start follow-up operations and return instead.
package corio
