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

// Package core is the façade the rest of the translator drives (spec §6
// "Exposed"): per-thread lifecycle, the pre/post-syscall signal hooks, and
// the handful of operations (context translation, forging, the restorer
// probe) other subsystems need without reaching into sigstate/sighandler
// themselves.
package core

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dbtrt/dbtcore/pkg/arch"
	"github.com/dbtrt/dbtcore/pkg/config"
	"github.com/dbtrt/dbtcore/pkg/fault"
	"github.com/dbtrt/dbtcore/pkg/sighandler"
	"github.com/dbtrt/dbtcore/pkg/sigstate"
)

// KernelOps is the real syscall boundary pkg/core drives: installing the
// translator's own master handler, and projecting the app-visible mask
// onto the one the kernel actually enforces. It is the only place a full
// implementation would reach for unix.RtSigaction/RtSigprocmask.
type KernelOps interface {
	// InstallMasterHandler registers the translator's master signal
	// handler as sig's kernel disposition (SA_SIGINFO | SA_ONSTACK).
	InstallMasterHandler(sig unix.Signal) error
	// RestoreDefaultAction reverts sig to SIG_DFL at the kernel, called
	// when the last thread sharing an action table exits (spec §3 "last
	// one out frees it").
	RestoreDefaultAction(sig unix.Signal) error
	// SetKernelMask installs set as the kernel-enforced signal mask,
	// returning the previous one.
	SetKernelMask(set *unix.Sigset_t) (old unix.Sigset_t, err error)
	// SetKernelAltstack registers s as the kernel alternate stack for the
	// calling thread.
	SetKernelAltstack(s sigstate.StackT) (old sigstate.StackT, err error)
}

// SelfContextInstaller builds an rt signal frame on the calling thread's
// own stack and invokes the real sigreturn to reload sc wholesale (spec
// §6 "thread_set_self_context"). This is necessarily a small assembly
// trampoline outside this core's scope, the same way the dispatcher's
// scheduling loop is (spec §1).
type SelfContextInstaller interface {
	SetSelfContext(sc *arch.Context) error
}

// CloneRecord carries a cloning thread's continuation state and signal
// info across to its about-to-be-created child, mirroring struct
// _clone_record_t (original source, core/linux/signal.c).
type CloneRecord struct {
	CallerID       int
	ContinuationPC uint64
	CloneSysnum    int
	CloneFlags     uintptr
	AppThreadSP    uint64
}

// Core holds every registered thread's signal state and the collaborators
// needed to act on it.
type Core struct {
	mu      sync.RWMutex
	threads map[int]*sigstate.ThreadState

	Policy  config.TranslatorPolicy
	Handler *sighandler.Handler
	Kernel  KernelOps

	// SelfContext is optional; ThreadSetSelfContext errors without it.
	SelfContext SelfContextInstaller

	// WeIntercept decides, independent of any app sigaction call, whether
	// the translator must own a signal's kernel disposition — always true
	// for the synchronous-fault signals translation cannot happen
	// without (SIGSEGV, SIGBUS, SIGILL, SIGFPE, SIGTRAP), optionally
	// others per policy.
	WeIntercept func(sig unix.Signal) bool

	Log logrus.FieldLogger
}

// New constructs an empty Core.
func New(policy config.TranslatorPolicy, handler *sighandler.Handler, kernel KernelOps, selfContext SelfContextInstaller, weIntercept func(unix.Signal) bool, log logrus.FieldLogger) *Core {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Core{
		threads:     make(map[int]*sigstate.ThreadState),
		Policy:      policy,
		Handler:     handler,
		Kernel:      kernel,
		SelfContext: selfContext,
		WeIntercept: weIntercept,
		Log:         log,
	}
}

// Lookup returns the registered ThreadState for tid, if any.
func (c *Core) Lookup(tid int) (*sigstate.ThreadState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ts, ok := c.threads[tid]
	return ts, ok
}

// SignalThreadInit implements spec §6's signal_thread_init: allocate an
// altstack sized per policy, register it with the kernel, intercept every
// signal WeIntercept names regardless of what the app has installed, and
// register the new ThreadState.
func (c *Core) SignalThreadInit(tid int) (*sigstate.ThreadState, error) {
	ts := sigstate.New(tid, c.Policy.RTSignalQueueCap, c.Log)

	buf := make([]byte, c.Policy.AltStackSize)
	stack := sigstate.StackT{Ss_sp: &buf[0], Ss_size: uint64(len(buf))}
	if _, err := c.Kernel.SetKernelAltstack(stack); err != nil {
		return nil, errors.Wrap(err, "core: signal_thread_init: registering altstack")
	}
	ts.SetOurAltstack(stack)

	for sig := 1; sig < sigstate.MaxSignum; sig++ {
		s := unix.Signal(sig)
		if c.WeIntercept == nil || !c.WeIntercept(s) {
			continue
		}
		if err := c.Kernel.InstallMasterHandler(s); err != nil {
			return nil, errors.Wrapf(err, "core: signal_thread_init: installing master handler for %v", s)
		}
		ts.Actions().SetWeIntercept(s, true)
	}

	c.mu.Lock()
	c.threads[tid] = ts
	c.mu.Unlock()
	return ts, nil
}

// SignalThreadExit implements spec §6's signal_thread_exit: wait for any
// in-flight clone() children to finish copying their template (spec
// §4.3), then release this thread's reference to its action table,
// restoring kernel defaults if this was the last reference.
func (c *Core) SignalThreadExit(tid int) error {
	c.mu.Lock()
	ts, ok := c.threads[tid]
	delete(c.threads, tid)
	c.mu.Unlock()
	if !ok {
		return errors.Errorf("core: signal_thread_exit: tid %d not registered", tid)
	}

	ts.WaitNoUnstartedChildren(runtime.Gosched)

	if !ts.Exit() {
		return nil
	}
	for sig := 1; sig < sigstate.MaxSignum; sig++ {
		s := unix.Signal(sig)
		if !ts.Actions().WeIntercept(s) {
			continue
		}
		if err := c.Kernel.RestoreDefaultAction(s); err != nil {
			c.Log.WithError(err).WithField("sig", s).Warn("core: signal_thread_exit: failed restoring default action")
		}
	}
	return nil
}

// BeginClone marks parentTID as having an in-flight, not-yet-registered
// child, for the caller to invoke immediately before its clone() syscall
// (spec §4.3 "Clone coordination").
func (c *Core) BeginClone(parentTID int) error {
	parent, ok := c.Lookup(parentTID)
	if !ok {
		return errors.Errorf("core: begin_clone: parent tid %d not registered", parentTID)
	}
	parent.BeginUnstartedChild()
	return nil
}

// SignalThreadInherit implements spec §6's signal_thread_inherit: build
// the new thread's ThreadState by sharing or deep-copying its parent's
// action table depending on CLONE_SIGHAND, then signal the parent that
// this child has finished copying its template.
func (c *Core) SignalThreadInherit(tid int, rec *CloneRecord) (*sigstate.ThreadState, error) {
	parent, ok := c.Lookup(rec.CallerID)
	if !ok {
		return nil, errors.Errorf("core: signal_thread_inherit: parent tid %d not registered", rec.CallerID)
	}

	var ts *sigstate.ThreadState
	if rec.CloneFlags&unix.CLONE_SIGHAND != 0 {
		ts = sigstate.InheritShared(tid, parent, c.Policy.RTSignalQueueCap, c.Log)
	} else {
		ts = sigstate.InheritCopy(tid, parent, c.Policy.RTSignalQueueCap, c.Log)
	}

	c.mu.Lock()
	c.threads[tid] = ts
	c.mu.Unlock()

	parent.EndUnstartedChild()
	return ts, nil
}

// HandleSigaction implements the sigaction pre/post-syscall hook (spec
// §6). act is nil for a query-only call (SA_RESTORER/old-action read). If
// the app is newly requesting non-default handling of a signal this core
// does not already own, it installs its master handler before returning.
func (c *Core) HandleSigaction(ts *sigstate.ThreadState, sig unix.Signal, act *sigstate.Action) (old sigstate.Action, err error) {
	old = ts.Actions().Get(sig)
	if act == nil {
		return old, nil
	}
	ts.Actions().Set(sig, *act)

	appWantsHandling := act.Handler != sigstate.SigDfl && act.Handler != sigstate.SigIgn
	if appWantsHandling && !ts.Actions().WeIntercept(sig) {
		if err := c.Kernel.InstallMasterHandler(sig); err != nil {
			return old, errors.Wrapf(err, "core: handle_sigaction: installing master handler for %v", sig)
		}
		ts.Actions().SetWeIntercept(sig, true)
	}
	return old, nil
}

// HandleSigprocmask implements the sigprocmask pre/post-syscall hook
// (spec §6): update the app-visible mask for intercepted signals, and
// project the same change onto the kernel mask so the two views never
// diverge for signals this core does not own (spec §8 quantified
// invariant).
func (c *Core) HandleSigprocmask(ts *sigstate.ThreadState, how int, set *unix.Sigset_t) (old unix.Sigset_t, err error) {
	old, unblockedPending := ts.SetSigProcMask(how, set, ts.Actions().WeIntercept)
	if unblockedPending {
		c.Log.WithField("tid", ts.TID).Debug("core: sigprocmask unblocked a signal with a pending frame")
	}
	if set != nil {
		if _, err := c.Kernel.SetKernelMask(set); err != nil {
			return old, errors.Wrap(err, "core: handle_sigprocmask: syncing kernel mask")
		}
	}
	return old, nil
}

// HandleSigaltstack implements the sigaltstack pre/post-syscall hook
// (spec §6). It is entirely emulated (spec §4.3): the kernel keeps this
// core's own altstack throughout, so no kernel call is needed here.
func (c *Core) HandleSigaltstack(ts *sigstate.ThreadState, newStack *sigstate.StackT) (old sigstate.StackT) {
	return ts.Sigaltstack(newStack)
}

// HandleSigsuspend implements the sigsuspend pre/post-syscall hook (spec
// §6): save the app mask, install the suspend mask both in our tracking
// and at the kernel.
func (c *Core) HandleSigsuspend(ts *sigstate.ThreadState, mask unix.Sigset_t) error {
	ts.Sigsuspend(mask)
	if _, err := c.Kernel.SetKernelMask(&mask); err != nil {
		return errors.Wrap(err, "core: handle_sigsuspend: installing kernel mask")
	}
	return nil
}

// HandleSigreturn implements spec §6's handle_sigreturn(is_rt), invoked
// from the syscall path once the caller has recovered sig and the
// as-delivered mask from the slots the translator added to the frame
// (because the app handler might have clobbered the kernel's own sig
// argument) and the frame's recorded PC/SP.
func (c *Core) HandleSigreturn(ts *sigstate.ThreadState, sig unix.Signal, framePC, frameSP uintptr, frameMask unix.Sigset_t) (appPC uint64, err error) {
	frame := ts.NewPendingFrame()
	frame.Sig = sig
	frame.Sigcontext = sigstate.Sigcontext{PC: framePC, SP: frameSP, Mask: frameMask}
	return c.Handler.HandleSigreturn(ts, frame)
}

// ThreadSetSelfContext implements spec §6's thread_set_self_context.
func (c *Core) ThreadSetSelfContext(sc *arch.Context) error {
	if c.SelfContext == nil {
		return errors.New("core: thread_set_self_context: no self-context installer configured")
	}
	return c.SelfContext.SetSelfContext(sc)
}

// TranslateAppPC implements spec §6's translate_app_pc(cache_pc): a
// PC-only translation that never touches the rest of mctx's registers.
func (c *Core) TranslateAppPC(mctx *arch.Context) (appPC uint64, err error) {
	res, err := c.Handler.Translator.Translate(mctx, true, false)
	if res == fault.Fail {
		return 0, err
	}
	return mctx.PC(), nil
}

// TranslateAppState implements spec §6's translate_app_state(mcontext,
// restore_memory).
func (c *Core) TranslateAppState(mctx *arch.Context, restoreMemory bool) (fault.Result, error) {
	return c.Handler.Translator.Translate(mctx, false, restoreMemory)
}

// DrainPendingSignals implements the "dispatcher reentry, drain pending"
// step of spec §4.4: the dispatcher is expected to call this on every
// LinkFcacheReturn/LinkHandlerDelivery reentry, before resuming ordinary
// execution, so a signal queued via deferAsync actually reaches the app.
func (c *Core) DrainPendingSignals(tid int, mctx *arch.Context) (sighandler.Outcome, error) {
	ts, ok := c.Lookup(tid)
	if !ok {
		return sighandler.OutcomeTerminate, errors.Errorf("core: drain_pending_signals: tid %d not registered", tid)
	}
	return c.Handler.DrainPending(ts, mctx)
}

// ForgeException implements spec §6's forge_exception(target_pc, kind),
// kind being the signal number to synthesize.
func (c *Core) ForgeException(ts *sigstate.ThreadState, kind unix.Signal, targetAppPC uint64, mctx *arch.Context) (sighandler.Outcome, error) {
	return c.Handler.ForgeException(ts, kind, targetAppPC, mctx)
}

// IsSignalRestorerCode implements spec §6's is_signal_restorer_code(pc),
// used by the ret-after-call policy elsewhere in the translator.
func (c *Core) IsSignalRestorerCode(ts *sigstate.ThreadState, sig unix.Signal, pc uintptr) bool {
	return c.Handler.IsSignalRestorerCode(ts, sig, pc)
}
