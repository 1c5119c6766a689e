// Copyright 2018 The gVisor Authors.
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

// Package dispatch defines the dispatcher/interpreter collaborator
// boundary (spec §1, §6). The dispatcher's scheduling loop is out of
// scope; the master signal handler only needs to hand off to it through a
// distinguished linkstub and read/write its next-tag field.
package dispatch

// Linkstub distinguishes the kind of transfer the handler is arranging
// when it rewrites the translator's own (alternate-stack) context to
// reenter the dispatcher.
type Linkstub int

const (
	// LinkFcacheReturn reenters at the dispatcher's fcache-return routine:
	// ordinary deferred-signal dispatcher reentry.
	LinkFcacheReturn Linkstub = iota
	// LinkSigreturn marks a reentry arranged so that an intercepted
	// sigreturn resumes translated execution.
	LinkSigreturn
	// LinkHandlerDelivery marks a reentry whose next-tag is the
	// application's signal handler entry point.
	LinkHandlerDelivery
	// LinkSelfmodRebuild marks a reentry after a self-modifying-code fault
	// has been handled and the affected fragments rebuilt.
	LinkSelfmodRebuild
)

// Dispatcher is the external dispatcher/interpreter collaborator.
type Dispatcher interface {
	// SetNextTag sets the application (or, for LinkSelfmodRebuild, cache)
	// PC the dispatcher should transfer to on its next reentry.
	SetNextTag(pc uint64)

	// NextTag returns the currently armed next-tag.
	NextTag() uint64

	// ArmReentry rewrites the translator's own context so that control
	// returns to the dispatcher via the given linkstub rather than back
	// into the interrupted fragment.
	ArmReentry(stub Linkstub)

	// FcacheReturnRoutine returns the cache address of the dispatcher's
	// fcache-return routine, the well-known reentry point after a deferred
	// signal delivery.
	FcacheReturnRoutine() uint64

	// ForgeTransferEntry returns the cache address dispatch should jump to
	// in order to process a forged exception (spec §4.4 "Forging
	// signals").
	ForgeTransferEntry() uint64
}
