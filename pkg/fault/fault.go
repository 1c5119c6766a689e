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

// Package fault implements the fault translator (spec §4.2, component B):
// given a cache PC and a captured machine context, it reconstructs the
// equivalent application PC and, where possible, the full application
// register file.
package fault

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/dbtrt/dbtcore/pkg/arch"
	"github.com/dbtrt/dbtcore/pkg/decode"
	"github.com/dbtrt/dbtcore/pkg/fragment"
	"github.com/dbtrt/dbtcore/pkg/mangle"
)

// Result is the three-way outcome of Translate, per spec §4.2.
type Result int

const (
	// Fail means the caller cannot use the reconstructed context; the
	// thread is not in a relocatable state.
	Fail Result = iota
	// PCOk means the PC was reconstructed but some register state is
	// unrecoverable.
	PCOk
	// StateOk means both the PC and all registers were reconstructed
	// faithfully.
	StateOk
)

func (r Result) String() string {
	switch r {
	case StateOk:
		return "STATE_OK"
	case PCOk:
		return "PC_OK"
	default:
		return "FAIL"
	}
}

// RegionClass classifies where a PC lies, for the ordered gates in
// Translate.
type RegionClass int

const (
	// RegionSyscallGateway is a recognized syscall-gateway page
	// (vsyscall/sysenter trampoline): no translation is needed.
	RegionSyscallGateway RegionClass = iota
	// RegionPostSyscallReturn is the address immediately after a
	// translator-issued syscall that returns, covering a thread suspended
	// mid-kernel.
	RegionPostSyscallReturn
	// RegionResetExitStub is the translator's reset-exit stub.
	RegionResetExitStub
	// RegionGeneratedRoutine is some other generated-routine region.
	RegionGeneratedRoutine
	// RegionFcache is inside the code cache.
	RegionFcache
	// RegionOther is translator DLL, libc, or anything else.
	RegionOther
)

// Classifier answers the special-case gates tried, in order, before
// fragment-based reconstruction (spec §4.2 gates 1-4 and 6).
type Classifier interface {
	// ClassifyPC returns which special region pc falls in, if any, and the
	// rewritten PC for RegionPostSyscallReturn/RegionResetExitStub.
	ClassifyPC(pc uint64) (class RegionClass, rewritten uint64)
}

// Hook is the optional client-callback signal-event hook from spec §4.2:
// invoked with both the raw (pre-translation) and cooked (post-translation)
// contexts, so a client can further adjust PC/registers or fail the
// translation outright.
type Hook interface {
	OnTranslated(raw, cooked *arch.Context) (adjusted *arch.Context, fail bool)
}

// Translator implements the fault translator's Translate operation.
type Translator struct {
	Decoder    decode.Decoder
	Store      fragment.Store
	Classifier Classifier
	Hook       Hook // optional; nil if no client hook is registered.

	// tlsRead / mcontextRead back the mangling tracker's Restore; they are
	// how the translator actually dereferences a spill slot.
	TLSRead      func(offset uintptr) uint64
	MContextRead func(offset uintptr) uint64

	// initExitGate stands in for the source's thread_initexit_lock (spec
	// §5): the only lock RecreateIlist may be called under, and the lone
	// lock the handler path may take when translating. A weighted
	// semaphore of weight 1 is used instead of a sync.Mutex because the
	// gate needs a non-blocking TryAcquire fast path (see DESIGN.md): a
	// full-state translation that fails to acquire it returns Fail rather
	// than blocking; a PC-only translation waits for it.
	initExitGate *semaphore.Weighted
}

// NewTranslator constructs a Translator. TLSRead and MContextRead must not
// be nil if StateOk-level translation is ever attempted.
func NewTranslator(d decode.Decoder, s fragment.Store, c Classifier, h Hook, tlsRead, mcontextRead func(uintptr) uint64) *Translator {
	return &Translator{
		Decoder: d, Store: s, Classifier: c, Hook: h,
		TLSRead: tlsRead, MContextRead: mcontextRead,
		initExitGate: semaphore.NewWeighted(1),
	}
}

// PriorityBoundaryError is returned when translation lands in a region
// that is categorically not relocatable (gate 4 or gate 6 of spec §4.2).
var PriorityBoundaryError = errors.New("fault: pc is not in a relocatable region")

// Translate reconstructs the application PC (and, if justPC is false, the
// full register file) corresponding to the cache PC recorded in mctx.
// restoreMemory, when true, asks the mangling tracker to reload spilled
// registers from TLS/mcontext rather than leaving the caller's mctx
// untouched beyond the PC.
func (t *Translator) Translate(mctx *arch.Context, justPC, restoreMemory bool) (Result, error) {
	pc := mctx.PC()

	class, rewritten := t.Classifier.ClassifyPC(pc)
	switch class {
	case RegionSyscallGateway:
		return StateOk, nil
	case RegionPostSyscallReturn, RegionResetExitStub:
		mctx.SetPC(rewritten)
		return StateOk, nil
	case RegionGeneratedRoutine:
		return Fail, errors.Wrap(PriorityBoundaryError, "generated routine")
	case RegionOther:
		return Fail, errors.Wrap(PriorityBoundaryError, "outside translator control")
	case RegionFcache:
		// Fall through to fragment-based reconstruction below.
	}

	f, ok := t.Store.PCLookup(pc)
	if !ok {
		return Fail, errors.Errorf("fault: pc %#x classified as fcache but no fragment found", pc)
	}

	raw := mctx.Clone()
	res, err := t.translateFragment(f, pc, mctx, justPC, restoreMemory)
	if res == Fail {
		return Fail, err
	}

	if t.Hook != nil {
		adjusted, fail := t.Hook.OnTranslated(raw, mctx)
		if fail {
			return Fail, errors.New("fault: client hook rejected translation")
		}
		if adjusted != nil {
			*mctx = *adjusted
		}
	}

	return res, err
}

// translateFragment performs the fragment-based reconstruction gate (spec
// §4.2 gate 5): walk the TranslationInfo table if present, or recreate the
// fragment's instruction list otherwise, feeding each instruction through
// the mangling tracker.
func (t *Translator) translateFragment(f fragment.Fragment, pc uint64, mctx *arch.Context, justPC, restoreMemory bool) (Result, error) {
	entry := t.Store.EntryPC(f)
	offset := pc - entry

	var w mangle.Walk
	w.Init(entry, pc, mctx)

	if ti, ok := f.TranslationInfo(); ok {
		appPC, _, found := ti.Lookup(offset)
		if !found {
			return Fail, errors.Errorf("fault: offset %#x out of range for fragment's TranslationInfo", offset)
		}
		if justPC {
			mctx.SetPC(appPC)
			return PCOk, nil
		}
		if err := t.walkTranslationInfo(&w, ti, offset, entry); err != nil {
			return Fail, err
		}
		return t.finish(&w, mctx, appPC, justPC, restoreMemory)
	}

	// No recorded table: recreate the instruction list, gated by
	// initExitGate the same way the source gates recreate_fragment_ilist
	// behind thread_initexit_lock (spec §5). A synchronous translation
	// that cannot acquire the gate fails rather than blocks.
	acquired := t.initExitGate.TryAcquire(1)
	if !acquired {
		if justPC {
			// PC-only callers can afford to wait; they are not on the
			// synchronous-fault fast path that must avoid blocking.
			if err := t.initExitGate.Acquire(context.Background(), 1); err != nil {
				return Fail, errors.Wrap(err, "fault: acquiring fragment recreation gate")
			}
			acquired = true
		} else {
			return Fail, errors.New("fault: fragment recreation gate contended during synchronous translation")
		}
	}
	defer t.initExitGate.Release(1)

	// A non-selfmod fragment's recreated translation PCs are already
	// application PCs: rebasing from the tag onto the tag leaves them as is.
	copyPC, selfmod := t.Store.SelfmodCopyPC(f)
	rebase := f.Tag()
	if selfmod {
		rebase = uint64(copyPC)
	}

	il, err := t.Store.RecreateIlist(entry)
	if err != nil {
		return Fail, errors.Wrap(err, "fault: recreating fragment instruction list")
	}

	appPC, err := t.walkIlist(&w, il, offset, rebase, entry, f.Tag())
	if err != nil {
		return Fail, err
	}
	if justPC {
		mctx.SetPC(appPC)
		return PCOk, nil
	}
	return t.finish(&w, mctx, appPC, justPC, restoreMemory)
}

// walkTranslationInfo feeds the mangling tracker the real decoded
// instruction at each recorded change point, so Spill/Restore/StackAdjust
// events it reports are genuine rather than hardcoded zero values (spec
// §4.2 "feed each decoded instruction through the tracker"). The change
// point itself still supplies the translation PC: the decoder knows only
// the bytes at a cache address, not which application PC produced them.
func (t *Translator) walkTranslationInfo(w *mangle.Walk, ti *fragment.TranslationInfo, targetOffset, entry uint64) error {
	for _, e := range ti.Entries() {
		if e.CacheOffset > targetOffset {
			break
		}
		in, err := t.Decoder.Decode(entry + e.CacheOffset)
		if err != nil {
			return errors.Wrapf(err, "fault: decoding cache instruction at offset %#x", e.CacheOffset)
		}
		tagged := taggedInstr{Instr: in, transPC: e.AppPC}
		if err := w.Pre(tagged); err != nil {
			return err
		}
		w.Post(tagged)
	}
	return nil
}

// taggedInstr overrides a real decoded instruction's translation PC with
// the address the fragment's table or recreated instruction list recorded
// for it; every other method is the genuine decode.Instr.
type taggedInstr struct {
	decode.Instr
	transPC uint64
}

func (t taggedInstr) TranslationPC() (uint64, bool) { return t.transPC, true }

// walkIlist walks a recreated instruction list forward from entry, decoding
// each cache instruction for real so the mangling tracker observes genuine
// Spill/Restore/StackAdjust/Cti events. tag is the fragment's application
// PC (fragment.Fragment.Tag), the rebase target for a selfmod fragment
// whose recorded transPC values are relative to its stored copy rather than
// the live cache (spec §4.2 "translations are rebased from the copy address
// onto the fragment's tag").
func (t *Translator) walkIlist(w *mangle.Walk, il fragment.Ilist, targetOffset uint64, rebase, entry, tag uint64) (uint64, error) {
	var (
		off    uint64
		answer uint64
		pc     = entry
	)
	for i := 0; i < il.Len(); i++ {
		length, transPC, _ := il.At(i)
		in, err := t.Decoder.Decode(pc)
		if err != nil {
			return 0, errors.Wrapf(err, "fault: decoding cache instruction at pc %#x", pc)
		}
		tagged := taggedInstr{Instr: in, transPC: transPC}
		if err := w.Pre(tagged); err != nil {
			return 0, err
		}
		w.Post(tagged)
		answer = transPC - rebase + tag
		pc += uint64(length)
		if off >= targetOffset {
			break
		}
		off += uint64(length)
	}
	return answer, nil
}

// finish applies the tracker's good-state gate and, on success, restores
// the register file; on failure for an asynchronous translation it
// downgrades to PCOk rather than failing outright (spec §4.2 "Failure
// policy").
func (t *Translator) finish(w *mangle.Walk, mctx *arch.Context, appPC uint64, justPC, restoreMemory bool) (Result, error) {
	mctx.SetPC(appPC)
	if justPC {
		return PCOk, nil
	}
	if !w.GoodState(appPC, justPC) {
		// Downgrade permitted only for asynchronous translations; the
		// caller is responsible for treating this as a bug when it knows
		// the translation was for a synchronous fault (spec §7 class 2).
		return PCOk, w.UnsupportedMangleErr()
	}
	if restoreMemory && t.TLSRead != nil && t.MContextRead != nil {
		w.Restore(mctx, false, t.TLSRead, t.MContextRead)
	}
	return StateOk, nil
}
