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

package corio_test

import (
	"testing"
	"time"

	"github.com/sgerbino/corio"
)

// runner keeps a context running on background goroutines for the
// duration of a test, so operation completions are delivered while the
// test goroutine blocks on channels.
type runner struct {
	ctx  *corio.Context
	done chan struct{}
}

func startRunner(t *testing.T, threads int) (*corio.Context, *runner) {
	t.Helper()

	ctx, err := corio.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	r := &runner{ctx: ctx, done: make(chan struct{})}

	// Hold a work unit so Run doesn't return between operations.
	ctx.WorkStarted()
	for i := 0; i < threads; i++ {
		go func() {
			ctx.Run()
			r.done <- struct{}{}
		}()
	}
	return ctx, r
}

// stop releases the keep-alive work and waits for every Run to return.
func (r *runner) stop(t *testing.T, threads int) {
	t.Helper()
	r.ctx.WorkFinished()
	for i := 0; i < threads; i++ {
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return")
		}
	}
	r.ctx.Shutdown()
}

// expectErr reads one error from ch with a timeout.
func expectErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out awaiting completion")
		return nil
	}
}

type ioDone struct {
	n   int
	err error
}

func expectIO(t *testing.T, ch chan ioDone) ioDone {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out awaiting completion")
		return ioDone{}
	}
}
