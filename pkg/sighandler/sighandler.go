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

// Package sighandler implements the master signal handler (spec §4.4,
// component D): the single entry point the kernel invokes for every
// intercepted signal. It classifies the delivered PC, decides between
// immediate delivery and deferral, builds the app-visible frame, and
// intercepts the app's sigreturn. It is the heaviest user of (B) fault and
// (C) sigstate, and the one package where a bug is directly app-visible.
package sighandler

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dbtrt/dbtcore/pkg/arch"
	"github.com/dbtrt/dbtcore/pkg/decode"
	"github.com/dbtrt/dbtcore/pkg/dispatch"
	"github.com/dbtrt/dbtcore/pkg/fault"
	"github.com/dbtrt/dbtcore/pkg/fragment"
	"github.com/dbtrt/dbtcore/pkg/sigstate"
)

// Outcome is what the caller (the real signal-delivery trampoline, outside
// this package's scope) must do once HandleSignal returns.
type Outcome int

const (
	// OutcomeHandled means the handler fully resolved the signal itself
	// (queued it, fixed up self-modifying code, longjmp'd to a try/except
	// slot); the caller just returns from the trampoline.
	OutcomeHandled Outcome = iota
	// OutcomeDeliver means the dispatcher has been armed to transfer to the
	// app's handler; the caller returns from the trampoline as normal and
	// the dispatcher does the rest.
	OutcomeDeliver
	// OutcomeTerminate means the process must terminate: an unhandled
	// synchronous fault, a bug, or a fault the translator caused itself.
	OutcomeTerminate
	// OutcomeDropped means an always-delayable signal arrived for a thread
	// not yet (or no longer) under translator control; spec §7 explicitly
	// permits silently dropping only this case.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeliver:
		return "DELIVER"
	case OutcomeTerminate:
		return "TERMINATE"
	case OutcomeDropped:
		return "DROPPED"
	default:
		return "HANDLED"
	}
}

// Verdict is the client signal-event hook's decision (spec §6 "Client
// hooks": optional signal-event callback returning one of {DELIVER,
// SUPPRESS, BYPASS-to-default, REDIRECT}).
type Verdict int

const (
	VerdictDeliver Verdict = iota
	VerdictSuppress
	VerdictBypassDefault
	VerdictRedirect
)

// EventHook is the optional client signal-event callback. target is only
// consulted when the returned Verdict is VerdictRedirect.
type EventHook interface {
	OnSignal(sig unix.Signal, ctx *arch.Context) (verdict Verdict, target uint64)
}

// ModifiedCodeHandler is the "handle_modified_code" external collaborator
// (spec §4.4's self-modifying-code check): given the faulting write
// target, it flushes and rebuilds the affected fragments and returns the
// cache PC execution should resume at.
type ModifiedCodeHandler interface {
	HandleModifiedCode(addr uintptr) (nextCachePC uint64, err error)
}

// TryExceptTable answers whether a PC inside translator code proper
// matches a registered try/except long-jump slot (spec §4.4 "Inside
// translator code proper"). savedMask is restored manually by the caller,
// since there is no sigreturn for a longjmp recovery.
type TryExceptTable interface {
	Lookup(pc uint64) (target uint64, savedMask unix.Sigset_t, ok bool)
}

// FrameWriter lays a constructed signal frame out in application memory:
// the "copy the PendingFrame onto that stack" step of spec §4.4, including
// converting a real-time frame to non-real-time when the app did not
// request SA_SIGINFO, fixing up intra-frame pointers, and stamping the
// chosen restorer. It reports false if any page in the target range
// cannot be written (spec §7 class 4).
type FrameWriter interface {
	WriteFrame(sp uintptr, frame *sigstate.PendingFrame, rt bool, restorer uintptr) (ok bool)
}

// redZone is reserved below the interrupted app stack pointer before
// laying out a frame, per spec §4.4 "rounded down with a red-zone
// reservation".
const redZone = 128

// stackAlign is the ABI stack alignment frame construction rounds down to.
const stackAlign = 16

// Handler implements the master signal handler's Entry operation. All
// fields are external collaborators (spec §6 "Consumed"); a Handler is not
// usable until every required field is set.
type Handler struct {
	Decoder      decode.Decoder
	Store        fragment.Store
	Classifier   fault.Classifier
	Translator   *fault.Translator
	Dispatcher   dispatch.Dispatcher
	Memory       arch.MemoryQuerier
	Frames       FrameWriter
	ModifiedCode ModifiedCodeHandler
	TryExcept    TryExceptTable
	Event        EventHook // optional; nil if no client hook is registered.

	// AlwaysDelayable reports whether sig's default semantics make it safe
	// to defer indefinitely (spec §4.4 classification table).
	AlwaysDelayable func(sig unix.Signal) bool

	// RestorerPattern reports whether a probed restorer's leading bytes
	// match a recognized sigreturn-trampoline encoding (spec §4.4 "cached
	// bytes match a recognized restorer pattern").
	RestorerPattern func(bytes []byte) bool

	// TranslatorRestorer is the translator's own sigreturn trampoline,
	// used whenever the app's restorer is absent or unrecognized.
	TranslatorRestorer uintptr

	Log logrus.FieldLogger
}

// NewHandler constructs a Handler from its required collaborators. Event
// may be nil.
func NewHandler(d decode.Decoder, s fragment.Store, c fault.Classifier, t *fault.Translator, disp dispatch.Dispatcher, mem arch.MemoryQuerier, frames FrameWriter, mc ModifiedCodeHandler, te TryExceptTable, alwaysDelayable func(unix.Signal) bool, restorerPattern func([]byte) bool, translatorRestorer uintptr, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Decoder: d, Store: s, Classifier: c, Translator: t, Dispatcher: disp,
		Memory: mem, Frames: frames, ModifiedCode: mc, TryExcept: te,
		AlwaysDelayable: alwaysDelayable, RestorerPattern: restorerPattern,
		TranslatorRestorer: translatorRestorer, Log: log,
	}
}

// HandleSignal is the master signal handler's entry point (spec §4.4
// "Entry"): the kernel has invoked it on the alternate stack with
// signals-in-mask blocked. managed reports whether the interrupted thread
// is under translator control at all.
func (h *Handler) HandleSignal(managed bool, ts *sigstate.ThreadState, sig unix.Signal, info *unix.Siginfo, mctx *arch.Context) (Outcome, error) {
	if !managed {
		if h.isAlwaysDelayable(sig) {
			return OutcomeDropped, nil
		}
		return OutcomeTerminate, errors.Errorf("sighandler: synchronous signal %v delivered to an unmanaged thread", sig)
	}

	pc := mctx.PC()

	if sig == unix.SIGSEGV && h.Store.InFcache(pc) {
		if outcome, handled, err := h.checkModifiedCode(mctx); handled {
			return outcome, err
		}
	}

	if h.Store.InFcache(pc) {
		if h.isAlwaysDelayable(sig) {
			return h.deferAsync(ts, sig, info, mctx)
		}
		return h.deliverSync(ts, sig, info, mctx)
	}

	class, rewritten := h.Classifier.ClassifyPC(pc)
	switch class {
	case fault.RegionFcache:
		// Defensive: Store and Classifier disagreed. Treat as cache, the
		// more conservative (translatable) of the two.
		if h.isAlwaysDelayable(sig) {
			return h.deferAsync(ts, sig, info, mctx)
		}
		return h.deliverSync(ts, sig, info, mctx)

	case fault.RegionSyscallGateway, fault.RegionPostSyscallReturn, fault.RegionResetExitStub, fault.RegionGeneratedRoutine:
		_ = rewritten // only meaningful to the fault translator's own gates
		if !h.isAlwaysDelayable(sig) {
			return OutcomeTerminate, errors.Errorf("sighandler: synchronous signal %v inside a generated translator routine", sig)
		}
		return h.queueWithoutTranslation(ts, sig, info, mctx)

	default: // fault.RegionOther: translator code proper.
		if target, savedMask, ok := h.TryExcept.Lookup(pc); ok {
			mctx.SetPC(target)
			ts.SetSigProcMask(unix.SIG_SETMASK, &savedMask, func(unix.Signal) bool { return true })
			return OutcomeHandled, nil
		}
		if h.isAlwaysDelayable(sig) {
			return h.queueWithoutTranslation(ts, sig, info, mctx)
		}
		h.Log.WithFields(logrus.Fields{"sig": sig, "pc": pc}).Error("sighandler: synchronous fault inside translator code with no try/except slot")
		return OutcomeTerminate, errors.Errorf("sighandler: synchronous signal %v inside translator code, no try/except handler", sig)
	}
}

func (h *Handler) isAlwaysDelayable(sig unix.Signal) bool {
	return h.AlwaysDelayable != nil && h.AlwaysDelayable(sig)
}

// checkModifiedCode implements spec §4.4's self-modifying-code check. It
// returns handled=true only when this signal turned out to be a
// self-modifying-code fault, in which case outcome/err is the caller's
// final answer; otherwise the caller continues with ordinary
// classification.
func (h *Handler) checkModifiedCode(mctx *arch.Context) (outcome Outcome, handled bool, err error) {
	instr, derr := h.Decoder.Decode(mctx.PC())
	if derr != nil {
		return OutcomeHandled, false, nil
	}
	addr, isWrite, ok := instr.MemoryOperand(mctx)
	if !ok || !isWrite {
		return OutcomeHandled, false, nil
	}
	mi, found := h.Memory.GetMemoryInfo(addr)
	if !found || !mi.WasWritableExecutable {
		return OutcomeHandled, false, nil
	}
	nextPC, cerr := h.ModifiedCode.HandleModifiedCode(addr)
	if cerr != nil {
		return OutcomeTerminate, true, errors.Wrap(cerr, "sighandler: handling self-modifying code")
	}
	mctx.SetPC(nextPC)
	h.Dispatcher.ArmReentry(dispatch.LinkSelfmodRebuild)
	return OutcomeHandled, true, nil
}

// deferAsync implements the "inside the code cache, always-delayable or
// forged" classification: unlink the fragment's outgoing edges, queue a
// PendingFrame, and mark signals pending.
func (h *Handler) deferAsync(ts *sigstate.ThreadState, sig unix.Signal, info *unix.Siginfo, mctx *arch.Context) (Outcome, error) {
	f, ok := h.Store.PCLookup(mctx.PC())
	if !ok {
		return OutcomeTerminate, errors.Errorf("sighandler: pc %#x classified as fcache but no fragment found", mctx.PC())
	}
	ts.SetInterruptedFragment(f)
	h.Dispatcher.ArmReentry(dispatch.LinkFcacheReturn)
	if f.Flags()&fragment.HasSyscall != 0 {
		// Patch the post-syscall jump so the dispatcher regains control
		// before the syscall executes, rather than after.
		h.Dispatcher.SetNextTag(h.Dispatcher.FcacheReturnRoutine())
	}
	return h.queueWithoutTranslation(ts, sig, info, mctx)
}

// queueWithoutTranslation parks a frame with its sigcontext untouched: the
// cache PC it carries is never surfaced to the app (spec §4.4 "we will not
// pass the translator-internal PC to the app"); a subsequent dispatcher
// reentry is responsible for calling Translator.Translate before handing
// the frame to the app.
func (h *Handler) queueWithoutTranslation(ts *sigstate.ThreadState, sig unix.Signal, info *unix.Siginfo, mctx *arch.Context) (Outcome, error) {
	frame := ts.NewPendingFrame()
	frame.Sig = sig
	if info != nil {
		frame.Siginfo = *info
	}
	frame.Sigcontext = sigstate.Sigcontext{PC: uintptr(mctx.PC()), SP: uintptr(mctx.SP()), Mask: ts.AppMask()}
	if !ts.Enqueue(sig, frame) {
		ts.FreePendingFrame(frame)
		h.Log.WithField("sig", sig).Warn("sighandler: dropping signal, pending queue at capacity")
	}
	return OutcomeHandled, nil
}

// DrainPending implements the "dispatcher reentry, drain pending" step of
// spec §4.4: called on every fcache-return reentry, before the dispatcher
// resumes ordinary execution, to deliver whatever queueWithoutTranslation
// parked earlier. mctx is the live machine context the dispatcher suspended
// the thread at; for a frame that still carries its untranslated cache PC,
// that is exactly the context Translator.Translate reconstructs an
// application PC from. A forged frame already carries a real application PC
// (ForgeException sets it directly) and skips retranslation.
func (h *Handler) DrainPending(ts *sigstate.ThreadState, mctx *arch.Context) (Outcome, error) {
	sig, frame := ts.DequeueAny()
	if frame == nil {
		return OutcomeHandled, nil
	}

	if !frame.Forged {
		res, err := h.Translator.Translate(mctx, false, true)
		if res == fault.Fail {
			ts.FreePendingFrame(frame)
			return OutcomeTerminate, errors.Wrap(err, "sighandler: translating deferred signal frame on dispatcher reentry")
		}
		frame.Sigcontext = sigstate.Sigcontext{PC: uintptr(mctx.PC()), SP: uintptr(mctx.SP()), Mask: ts.AppMask()}
	}

	act := ts.Actions().Get(sig)
	switch act.Handler {
	case sigstate.SigDfl:
		ts.FreePendingFrame(frame)
		return OutcomeTerminate, nil
	case sigstate.SigIgn:
		ts.FreePendingFrame(frame)
		return OutcomeHandled, nil
	}

	return h.deliverToApp(ts, sig, act, frame, mctx)
}

// deliverSync implements the "inside the code cache, synchronous"
// classification: translate, invoke the client hook, then dispatch to the
// app handler or the default action.
func (h *Handler) deliverSync(ts *sigstate.ThreadState, sig unix.Signal, info *unix.Siginfo, mctx *arch.Context) (Outcome, error) {
	res, err := h.Translator.Translate(mctx, false, true)
	if res == fault.Fail {
		return OutcomeTerminate, errors.Wrap(err, "sighandler: synchronous fault translation failed")
	}
	if res == fault.PCOk && err != nil {
		// A downgrade from STATE_OK is only a permitted soft failure for
		// asynchronous (relocation) translations. Here it is a bug (spec §7
		// class 2).
		return OutcomeTerminate, errors.Wrap(err, "sighandler: unsupported mangling sequence during a synchronous fault")
	}

	if h.Event != nil {
		switch verdict, target := h.Event.OnSignal(sig, mctx); verdict {
		case VerdictSuppress:
			return OutcomeHandled, nil
		case VerdictBypassDefault:
			return OutcomeTerminate, nil
		case VerdictRedirect:
			mctx.SetPC(target)
		}
	}

	act := ts.Actions().Get(sig)
	switch act.Handler {
	case sigstate.SigDfl:
		return OutcomeTerminate, nil
	case sigstate.SigIgn:
		return OutcomeHandled, nil
	}

	frame := ts.NewPendingFrame()
	frame.Sig = sig
	if info != nil {
		frame.Siginfo = *info
	}
	frame.Sigcontext = sigstate.Sigcontext{PC: uintptr(mctx.PC()), SP: uintptr(mctx.SP()), Mask: ts.AppMask()}
	return h.deliverToApp(ts, sig, act, frame, mctx)
}

// deliverToApp implements "Frame construction for app delivery" and
// "Delivery mechanism" (spec §4.4).
func (h *Handler) deliverToApp(ts *sigstate.ThreadState, sig unix.Signal, act sigstate.Action, frame *sigstate.PendingFrame, mctx *arch.Context) (Outcome, error) {
	sp := h.appStackPointer(ts, act, mctx)
	restorer := h.chooseRestorer(ts, sig, act)
	rt := act.Flags&uint64(sigstate.SA_SIGINFO) != 0

	if !h.Frames.WriteFrame(sp, frame, rt, restorer) {
		ts.FreePendingFrame(frame)
		// Spec §7 class 4: an unwritable app stack terminates the process
		// whether or not the app has a handler, so no fault loop can
		// start. No fault is synthesized for the app on this path.
		return OutcomeTerminate, errors.Errorf("sighandler: app stack unwritable, cannot deliver signal %v", sig)
	}

	h.Dispatcher.ArmReentry(dispatch.LinkHandlerDelivery)
	h.Dispatcher.SetNextTag(act.Handler)

	newMask := act.Mask
	if act.Flags&uint64(sigstate.SA_NODEFER) == 0 {
		word, bit := sigBit(sig)
		newMask.Val[word] |= bit
	}
	ts.SetSigProcMask(unix.SIG_SETMASK, &newMask, func(unix.Signal) bool { return true })

	if act.Flags&uint64(sigstate.SA_RESETHAND) != 0 {
		act.Handler = sigstate.SigDfl
		ts.Actions().Set(sig, act)
	}

	ts.FreePendingFrame(frame)
	return OutcomeDeliver, nil
}

// appStackPointer computes the app-visible stack pointer frame
// construction should use: the app's alternate stack if SA_ONSTACK is set,
// one is registered, and the thread is not already executing on it;
// otherwise the interrupted app stack, red-zone reserved and ABI aligned.
func (h *Handler) appStackPointer(ts *sigstate.ThreadState, act sigstate.Action, mctx *arch.Context) uintptr {
	alt := ts.AppAltstack()
	curSP := uintptr(mctx.SP())
	altBase := uintptr(unsafe.Pointer(alt.Ss_sp))
	onAltAlready := alt.Ss_size > 0 && curSP >= altBase && curSP < altBase+uintptr(alt.Ss_size)

	var sp uintptr
	if act.Flags&uint64(sigstate.SA_ONSTACK) != 0 && alt.Ss_size > 0 && !onAltAlready {
		sp = altBase + uintptr(alt.Ss_size)
	} else {
		sp = curSP - redZone
	}
	return sp &^ uintptr(stackAlign-1)
}

// chooseRestorer implements "Set the restorer" (spec §4.4): the app's
// restorer if it supplied one that probes as a recognized pattern,
// otherwise the translator's own sigreturn trampoline.
func (h *Handler) chooseRestorer(ts *sigstate.ThreadState, sig unix.Signal, act sigstate.Action) uintptr {
	if act.Flags&uint64(sigstate.SA_RESTORER) != 0 && act.Restorer != 0 && h.IsSignalRestorerCode(ts, sig, act.Restorer) {
		return act.Restorer
	}
	return h.TranslatorRestorer
}

// IsSignalRestorerCode implements spec §6's is_signal_restorer_code: a
// cached tri-state probe (spec §7 class 3) of whether pc's bytes match a
// recognized sigreturn-trampoline encoding, used for the ret-after-call
// policy and for the restorer choice above.
func (h *Handler) IsSignalRestorerCode(ts *sigstate.ThreadState, sig unix.Signal, pc uintptr) bool {
	if v := ts.RestorerValidity(sig); v != sigstate.RestorerUnknown {
		return v == sigstate.RestorerValid
	}
	var buf [16]byte
	if !h.Memory.SafeRead(pc, len(buf), buf[:]) {
		// Unreadable probe: the caller continues conservatively, treating
		// the restorer cache as invalid (spec §7 class 3).
		ts.SetRestorerValidity(sig, sigstate.RestorerInvalid)
		return false
	}
	valid := h.RestorerPattern != nil && h.RestorerPattern(buf[:])
	if valid {
		ts.SetRestorerValidity(sig, sigstate.RestorerValid)
	} else {
		ts.SetRestorerValidity(sig, sigstate.RestorerInvalid)
	}
	return valid
}

// HandleSigreturn implements the sigreturn interception from spec §4.4:
// recover the signal number and mask from the frame the app's handler was
// given (since the handler might have clobbered the kernel's own sig
// argument), restore app_mask, and arrange for the dispatcher to regain
// control and continue at the app PC recorded in the frame.
func (h *Handler) HandleSigreturn(ts *sigstate.ThreadState, frame *sigstate.PendingFrame) (appPC uint64, err error) {
	sig := frame.Sig
	mask := frame.Sigcontext.Mask
	ts.SetSigProcMask(unix.SIG_SETMASK, &mask, func(unix.Signal) bool { return true })
	ts.ResumeFromSigsuspend()

	act := ts.Actions().Get(sig)
	if act.Flags&uint64(sigstate.SA_RESETHAND) != 0 && act.Handler == sigstate.SigDfl {
		// The action was already reset to SIG_DFL at delivery time (spec
		// §4.4 "Delivery mechanism"); nothing further to release here since
		// Action is a plain value, not a separately allocated record.
	}

	h.Dispatcher.ArmReentry(dispatch.LinkSigreturn)
	appPC = uint64(frame.Sigcontext.PC)
	h.Dispatcher.SetNextTag(appPC)
	ts.FreePendingFrame(frame)
	return appPC, nil
}

// ForgeException implements "Forging signals" (spec §4.4): a caller
// inside the translator synthesizes a signal by constructing a frame,
// recording it as pending with Forged set (to suppress retranslation on
// drain), and transferring to the dispatcher's forge entry point.
func (h *Handler) ForgeException(ts *sigstate.ThreadState, sig unix.Signal, targetAppPC uint64, mctx *arch.Context) (Outcome, error) {
	act := ts.Actions().Get(sig)
	if act.Handler == sigstate.SigDfl {
		return OutcomeTerminate, errors.Errorf("sighandler: forged signal %v has no app handler installed", sig)
	}
	if act.Handler == sigstate.SigIgn {
		return OutcomeHandled, nil
	}

	frame := ts.NewPendingFrame()
	frame.Sig = sig
	frame.Forged = true
	frame.Sigcontext = sigstate.Sigcontext{PC: uintptr(targetAppPC), SP: uintptr(mctx.SP()), Mask: ts.AppMask()}

	if !ts.Enqueue(sig, frame) {
		ts.FreePendingFrame(frame)
		return OutcomeTerminate, errors.Errorf("sighandler: forged signal %v dropped, pending queue at capacity", sig)
	}

	h.Dispatcher.ArmReentry(dispatch.LinkFcacheReturn)
	h.Dispatcher.SetNextTag(h.Dispatcher.ForgeTransferEntry())
	return OutcomeHandled, nil
}

func sigBit(sig unix.Signal) (word, bit uint64) {
	idx := uint64(sig) - 1
	return idx / 64, 1 << (idx % 64)
}
