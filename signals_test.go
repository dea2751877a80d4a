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

package corio_test

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/sgerbino/corio"
)

func raiseSelf(t *testing.T, sig syscall.Signal) {
	t.Helper()
	if err := syscall.Kill(os.Getpid(), sig); err != nil {
		t.Fatalf("kill: %v", err)
	}
}

func TestSignalWait(t *testing.T) {
	ioctx, r := startRunner(t, 1)

	set, err := corio.NewSignalSet(ioctx, syscall.SIGUSR1)
	if err != nil {
		t.Fatalf("NewSignalSet: %v", err)
	}

	type sigDone struct {
		sig os.Signal
		err error
	}
	done := make(chan sigDone, 1)
	set.Wait(nil, func(sig os.Signal, err error) { done <- sigDone{sig, err} })

	raiseSelf(t, syscall.SIGUSR1)

	select {
	case d := <-done:
		if d.err != nil {
			t.Errorf("wait completed with %v", d.err)
		}
		if d.sig != syscall.SIGUSR1 {
			t.Errorf("delivered %v, want SIGUSR1", d.sig)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("signal never delivered")
	}

	set.Close()
	r.stop(t, 1)
}

func TestSignalUndeliveredQueue(t *testing.T) {
	// A delivery with no waiter attached completes the next Wait
	// without blocking.
	ioctx, r := startRunner(t, 1)

	set, err := corio.NewSignalSet(ioctx, syscall.SIGUSR2)
	if err != nil {
		t.Fatalf("NewSignalSet: %v", err)
	}

	raiseSelf(t, syscall.SIGUSR2)

	// Give the delivery goroutine time to queue it as undelivered.
	time.Sleep(100 * time.Millisecond)

	done := make(chan error, 1)
	set.Wait(nil, func(sig os.Signal, err error) {
		if sig != syscall.SIGUSR2 {
			t.Errorf("delivered %v, want SIGUSR2", sig)
		}
		done <- err
	})

	if err := expectErr(t, done); err != nil {
		t.Errorf("wait completed with %v", err)
	}

	set.Close()
	r.stop(t, 1)
}

func TestSignalCancel(t *testing.T) {
	ioctx, r := startRunner(t, 1)

	set, err := corio.NewSignalSet(ioctx, syscall.SIGUSR1)
	if err != nil {
		t.Fatalf("NewSignalSet: %v", err)
	}

	done := make(chan error, 1)
	set.Wait(nil, func(_ os.Signal, err error) { done <- err })
	set.Cancel()

	if err := expectErr(t, done); !errors.Is(err, corio.ErrCanceled) {
		t.Errorf("wait completed with %v, want ErrCanceled", err)
	}

	set.Close()
	r.stop(t, 1)
}

func TestSignalWaitContextCancel(t *testing.T) {
	ioctx, r := startRunner(t, 1)

	set, err := corio.NewSignalSet(ioctx, syscall.SIGUSR1)
	if err != nil {
		t.Fatalf("NewSignalSet: %v", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	set.Wait(cctx, func(_ os.Signal, err error) { done <- err })
	cancel()

	if err := expectErr(t, done); !errors.Is(err, corio.ErrCanceled) {
		t.Errorf("wait completed with %v, want ErrCanceled", err)
	}

	set.Close()
	r.stop(t, 1)
}

func TestSignalUnsupportedFlags(t *testing.T) {
	ioctx := newContext(t)
	defer ioctx.Shutdown()

	set, err := corio.NewSignalSet(ioctx)
	if err != nil {
		t.Fatalf("NewSignalSet: %v", err)
	}
	defer set.Close()

	err = set.Add(syscall.SIGUSR1, corio.SignalFlagRestart)
	if !errors.Is(err, corio.ErrNotSupported) {
		t.Errorf("Add(restart) = %v, want ErrNotSupported", err)
	}
}

func TestSignalConflictingFlags(t *testing.T) {
	ioctx := newContext(t)
	defer ioctx.Shutdown()

	a, err := corio.NewSignalSet(ioctx)
	if err != nil {
		t.Fatalf("NewSignalSet: %v", err)
	}
	defer a.Close()
	b, err := corio.NewSignalSet(ioctx)
	if err != nil {
		t.Fatalf("NewSignalSet: %v", err)
	}
	defer b.Close()

	if err := a.Add(syscall.SIGWINCH, corio.SignalFlagNone); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err = b.Add(syscall.SIGWINCH, corio.SignalFlagDontCare)
	if err != nil {
		t.Errorf("Add(dont_care) = %v, want success", err)
	}
}

func TestSignalAddRemove(t *testing.T) {
	ioctx := newContext(t)
	defer ioctx.Shutdown()

	set, err := corio.NewSignalSet(ioctx, syscall.SIGUSR1, syscall.SIGUSR2)
	if err != nil {
		t.Fatalf("NewSignalSet: %v", err)
	}
	defer set.Close()

	if err := set.Remove(syscall.SIGUSR1); err != nil {
		t.Errorf("Remove: %v", err)
	}
	if err := set.Clear(); err != nil {
		t.Errorf("Clear: %v", err)
	}
}
