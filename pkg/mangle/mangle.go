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

// Package mangle implements the spill/mangling tracker (spec §4.1,
// component A): given a fragment's instructions, it tracks which
// application registers are currently displaced into translator spill
// slots and how far the translated stack pointer has drifted from the
// application's.
package mangle

import (
	"github.com/pkg/errors"

	"github.com/dbtrt/dbtcore/pkg/arch"
	"github.com/dbtrt/dbtcore/pkg/decode"
)

// ErrUnsupportedMangle is wrapped with the offending PC and returned when a
// synchronous (fault) translation needs a good state but the walk has
// latched an unrecognized mangling sequence. Per spec §7 class 2, this is
// only ever a soft downgrade for asynchronous translations; for synchronous
// ones the caller must treat it as a bug.
var ErrUnsupportedMangle = errors.New("mangle: unsupported mangling sequence")

// slotState records where one application register's value currently
// lives, or none if it has not been spilled.
type slotState struct {
	spilled bool
	inTLS   bool
	offset  uintptr
}

// Walk is the transient, per-translation-attempt state described as
// TranslationWalk in spec §3. It is intended to be stack-allocated by the
// caller and reused (via Init) across repeated translation attempts.
type Walk struct {
	cacheStart, cacheEnd uint64

	slots [arch.RegCount]slotState

	xspAdjust int64

	inMangleRegion   bool
	inMangleEpilogue bool
	inCleanCall      bool

	unsupportedMangle bool

	// translation is the application PC the current mangling region
	// corresponds to (spec §3).
	translation   uint64
	hasTranslation bool

	// lastPC is a running cache PC: Init seeds it with cacheStart and Post
	// advances it by each walked instruction's length, so after Post it is
	// the address just past the most recently classified instruction. It
	// is used only to annotate ErrUnsupportedMangle.
	lastPC uint64

	// stolenRegPending is set immediately after a region reset on
	// architectures that spill a dedicated stolen register across
	// application instructions (spec §4.1 walk_pre exception): the very
	// next instruction must be a matching TLS restore of that register.
	stolenRegPending bool
	stolenReg        arch.Reg
}

// NewWalk allocates a Walk. Most callers embed a Walk as a value and call
// Init instead of allocating; NewWalk exists for call sites that want a
// pointer receiver without a local variable (e.g. a pool).
func NewWalk() *Walk { return &Walk{} }

// Init resets all spill slots to none and xsp_adjust to zero, beginning a
// fresh walk over the fragment [cacheStart, cacheEnd) captured at mctx.
func (w *Walk) Init(cacheStart, cacheEnd uint64, mctx *arch.Context) {
	*w = Walk{cacheStart: cacheStart, cacheEnd: cacheEnd, lastPC: cacheStart}
	_ = mctx // captured context informs callers' later Restore call, not the reset itself
}

func (w *Walk) resetRegion() {
	for i := range w.slots {
		w.slots[i] = slotState{}
	}
	w.inMangleRegion = false
	w.inMangleEpilogue = false
	w.unsupportedMangle = false
}

// Pre is called before each cache instruction is classified. It detects a
// mangling-region boundary: a new region begins, the instruction's
// attached translation PC differs from the walk's current one, or the
// mangling epilogue has been exited. Crossing a boundary resets all spill
// tracking, with the stolen-register exception from spec §4.1.
func (w *Walk) Pre(in decode.Instr) error {
	pc, hasPC := in.TranslationPC()
	boundary := false
	switch {
	case !w.inMangleRegion:
		boundary = true
	case hasPC && w.hasTranslation && pc != w.translation:
		boundary = true
	case w.inMangleEpilogue && in.Kind() != decode.OurMangling:
		boundary = true
	}

	if boundary {
		w.resetRegion()
		if hasPC {
			w.translation = pc
			w.hasTranslation = true
		}
		w.inMangleRegion = true
		if w.stolenRegPending {
			if in.Kind() != decode.Restore || !in.Spill().InTLS || in.Spill().Reg != w.stolenReg {
				return errors.Errorf("mangle: expected TLS restore of stolen register after region reset at translation pc %#x", w.translation)
			}
			w.stolenRegPending = false
		}
	}
	return nil
}

// Post updates the walk with the just-classified instruction. See the
// per-kind rules in spec §4.1.
func (w *Walk) Post(in decode.Instr) {
	defer func() { w.lastPC += uint64(in.Length()) }()

	switch in.Kind() {
	case decode.Spill:
		slot := in.Spill()
		w.slots[slot.Reg] = slotState{spilled: true, inTLS: slot.InTLS, offset: slot.Offset}
	case decode.Restore:
		slot := in.Spill()
		// Redundant restores of an already-clear slot are allowed.
		w.slots[slot.Reg] = slotState{}
	case decode.Cti:
		if in.IsExit() {
			// Exit CTIs preserve spills; they survive to the translation
			// target.
			return
		}
		// A non-exit control transfer (selfmod sandboxing emits
		// intra-fragment branches) conservatively resets all spill state:
		// we assume downstream code does not rely on prior spills.
		w.resetRegion()
	case decode.StackAdjust:
		w.xspAdjust += in.StackDelta()
	case decode.OurMangling:
		if !in.Recognized() {
			w.unsupportedMangle = true
		}
	case decode.AppInstr:
		// Nothing to track.
	}
}

// GoodState reports whether the walk is in a good state for full-state
// translation: either unsupportedMangle was never latched, or the target
// PC lies past the end of the current mangling region. PC-only translation
// is always in a good state (spec §4.1).
func (w *Walk) GoodState(targetPC uint64, justPC bool) bool {
	if justPC {
		return true
	}
	if !w.unsupportedMangle {
		return true
	}
	return w.hasTranslation && targetPC != w.translation
}

// Restore reloads every spilled register from its slot into ctx and
// subtracts the accumulated stack adjustment, per spec §4.1's Restore
// operation. If atPostRegion is true (the reconstructed PC is the point
// just after the mangling region's push/pop sequence), the stack
// adjustment is not subtracted again, because the walk already accounted
// for arriving past it.
//
// tlsRead reads a spilled-to-TLS value; mcontextRead reads a spilled-to-
// saved-mcontext value. Both take the slot offset.
func (w *Walk) Restore(ctx *arch.Context, atPostRegion bool, tlsRead, mcontextRead func(offset uintptr) uint64) {
	for reg, slot := range w.slots {
		if !slot.spilled {
			continue
		}
		var v uint64
		if slot.inTLS {
			v = tlsRead(slot.offset)
		} else {
			v = mcontextRead(slot.offset)
		}
		ctx.SetReg(arch.Reg(reg), v)
	}
	if !atPostRegion {
		ctx.AdjustSP(w.xspAdjust)
	}
}

// MarkStolenRegisterPending records that the region just reset spilled a
// dedicated stolen register across application instructions, and the very
// next instruction walked must restore it from TLS (spec §4.1 exception).
func (w *Walk) MarkStolenRegisterPending(r arch.Reg) {
	w.stolenRegPending = true
	w.stolenReg = r
}

// XSPAdjust returns the walk's current cumulative stack-pointer delta.
func (w *Walk) XSPAdjust() int64 { return w.xspAdjust }

// UnsupportedMangleErr returns ErrUnsupportedMangle augmented with the
// walk's running cache PC (lastPC), for callers that must fail a
// synchronous translation. That PC is the point the walk reached, not
// necessarily the address of the unrecognized instruction itself.
func (w *Walk) UnsupportedMangleErr() error {
	return errors.Wrapf(ErrUnsupportedMangle, "at cache pc %#x", w.lastPC)
}
