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

// registrar is the readiness-registration face of the POSIX backends.
type registrar interface {
	register(op *Op) error
	deregister(op *Op)
	forgetFD(fd int)
}

func (s *Scheduler) registrar() registrar {
	return s.poller.(registrar)
}

// startRegistered runs the registration protocol for an op whose
// initiating syscall returned would-block. On return, exactly one of the
// reactor, a canceller, or this path has taken responsibility for
// completing the op.
func (s *Scheduler) startRegistered(op *Op) {
	s.WorkStarted()

	// Publish registering before touching the poller so an event
	// delivered during the registration window is not dropped. The
	// reactor and cancellers treat registering the same as registered
	// when claiming.
	op.reg.Store(regRegistering)

	if err := s.registrar().register(op); err != nil {
		// Never registered with the OS; unless a canceller slipped in
		// and claimed already, complete with the registration error.
		if op.claim() {
			op.complete(err, 0)
			s.PostTask(&op.task)
			s.WorkFinished()
		}
		return
	}

	// Publish registered. Failure means the reactor or a canceller
	// already claimed and the fd registration may be orphaned, because
	// the claimant's deregister can have run before our register.
	if !op.reg.CompareAndSwap(regRegistering, regRegistered) {
		s.registrar().deregister(op)
		return
	}

	// A cancel that fired before we published is handled here.
	if op.cancelled.Load() {
		if op.claim() {
			s.registrar().deregister(op)
			s.PostTask(&op.task)
			s.WorkFinished()
		}
	}
}
