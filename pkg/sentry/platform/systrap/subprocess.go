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

// Package systrap backs pkg/core's KernelOps: the real rt_sigaction/
// rt_sigprocmask/sigaltstack syscall boundary, plus a registry of the OS
// threads the translator has initialized signal state for. Unlike the
// teacher's ptrace-stub subprocess pool, this core's translated code runs
// in the same address space as the application — there is no separate
// traced process to pool, only bookkeeping of which kernel thread backs
// which managed ThreadState, and a way to reach it with tgkill when a
// forged signal must interrupt a thread stuck in a long syscall.
package systrap

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/dbtrt/dbtcore/pkg/sigstate"
)

// sigactionT is the kernel's rt_sigaction(2) wire format (linux/amd64).
// golang.org/x/sys/unix does not export this on this build, so the raw
// syscall argument is built by hand; Mask is the kernel's NSIG/8-bit
// sigset, not the extended sigset sigstate.Action carries for app-visible
// bookkeeping.
type sigactionT struct {
	Handler  uintptr
	Flags    uint64
	Restorer uintptr
	Mask     uint64
}

// MasterHandlerEntry is the address of the translator's own master signal
// trampoline (spec §4.4 "Entry"). Supplying it is the platform-specific
// assembly glue this core does not implement, the same boundary
// core.SelfContextInstaller crosses; InstallMasterHandler refuses to
// proceed until it is set.
var MasterHandlerEntry uintptr

// thread is the OS-thread handle backing one managed application thread:
// the tid pkg/core registers a ThreadState against, and the target of a
// forced-signal delivery other subsystems use to interrupt it.
type thread struct {
	tgid int32
	tid  int32
}

// tgkill forces sig to be delivered to this specific thread, the mechanism
// behind forging a signal at a thread other than the caller (spec §4.4
// "Forging signals" considered process-wide rather than self-only).
func (t *thread) tgkill(sig unix.Signal) error {
	if _, _, errno := unix.RawSyscall(unix.SYS_TGKILL, uintptr(t.tgid), uintptr(t.tid), uintptr(sig)); errno != 0 {
		return errors.Wrapf(errno, "systrap: tgkill(tgid=%d, tid=%d, sig=%v)", t.tgid, t.tid, sig)
	}
	return nil
}

// threadRegistry tracks every OS thread pkg/core has initialized signal
// state for.
type threadRegistry struct {
	mu      sync.Mutex
	threads map[int32]*thread

	log logrus.FieldLogger
}

// newThreadRegistry constructs an empty registry.
func newThreadRegistry(log logrus.FieldLogger) *threadRegistry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &threadRegistry{threads: make(map[int32]*thread), log: log}
}

// register records tid as managed, called from signal_thread_init on the
// thread itself. tgid is the process-wide thread-group ID, the same for
// every managed thread in this process.
func (r *threadRegistry) register(tgid, tid int32) *thread {
	t := &thread{tgid: tgid, tid: tid}
	r.mu.Lock()
	r.threads[tid] = t
	r.mu.Unlock()
	return t
}

// unregister drops tid's bookkeeping at signal_thread_exit.
func (r *threadRegistry) unregister(tid int32) {
	r.mu.Lock()
	delete(r.threads, tid)
	r.mu.Unlock()
}

// lookup returns tid's thread handle, if registered.
func (r *threadRegistry) lookup(tid int32) (*thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[tid]
	return t, ok
}

// interruptAll forges sig at every currently registered thread
// concurrently: a process-wide operation (e.g. draining every managed
// thread before a checkpoint) that must reach each target without waiting
// for them one at a time. errgroup fits here because the target set is a
// fixed snapshot of the registry, unlike pkg/sigstate's clone-coordination
// wait, whose count changes while it's being waited on.
func (r *threadRegistry) interruptAll(sig unix.Signal) error {
	r.mu.Lock()
	targets := make([]*thread, 0, len(r.threads))
	for _, t := range r.threads {
		targets = append(targets, t)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, t := range targets {
		t := t
		g.Go(func() error { return t.tgkill(sig) })
	}
	return g.Wait()
}

// kernelOps is the concrete core.KernelOps: the translator's real
// rt_sigaction/rt_sigprocmask/sigaltstack syscall boundary (spec §6).
// Raw syscalls are used throughout rather than a higher-level wrapper so
// that sigaltstack and sigaction calls land on the calling OS thread
// exactly the way the kernel requires (both are per-thread or
// per-thread-group state the Go runtime must not be allowed to migrate a
// goroutine away from mid-call; the caller is expected to have locked the
// OS thread, as core.SignalThreadInit's caller must for the same reason).
type kernelOps struct {
	registry *threadRegistry
}

// newKernelOps constructs a core.KernelOps backed by registry.
func newKernelOps(registry *threadRegistry) *kernelOps {
	return &kernelOps{registry: registry}
}

// InstallMasterHandler registers MasterHandlerEntry as sig's kernel
// disposition with SA_SIGINFO | SA_ONSTACK.
func (k *kernelOps) InstallMasterHandler(sig unix.Signal) error {
	if MasterHandlerEntry == 0 {
		return errors.New("systrap: MasterHandlerEntry not configured")
	}
	var act sigactionT
	act.Handler = MasterHandlerEntry
	act.Flags = sigstate.SA_SIGINFO | sigstate.SA_ONSTACK
	var old sigactionT
	if _, _, errno := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), uintptr(unsafe.Pointer(&act)), uintptr(unsafe.Pointer(&old)), unsafe.Sizeof(act.Mask), 0, 0); errno != 0 {
		return errors.Wrapf(errno, "systrap: rt_sigaction(%v)", sig)
	}
	return nil
}

// RestoreDefaultAction reverts sig to SIG_DFL at the kernel.
func (k *kernelOps) RestoreDefaultAction(sig unix.Signal) error {
	var act sigactionT // zero Handler is SIG_DFL
	var old sigactionT
	if _, _, errno := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), uintptr(unsafe.Pointer(&act)), uintptr(unsafe.Pointer(&old)), unsafe.Sizeof(act.Mask), 0, 0); errno != 0 {
		return errors.Wrapf(errno, "systrap: rt_sigaction(%v, SIG_DFL)", sig)
	}
	return nil
}

// SetKernelMask installs set as the calling thread's kernel-enforced
// signal mask. The sigsetsize argument is the kernel's own 8-byte sigset
// width (the first word of set), the only size rt_sigprocmask accepts.
func (k *kernelOps) SetKernelMask(set *unix.Sigset_t) (unix.Sigset_t, error) {
	var old unix.Sigset_t
	if _, _, errno := unix.RawSyscall6(unix.SYS_RT_SIGPROCMASK, uintptr(unix.SIG_SETMASK), uintptr(unsafe.Pointer(set)), uintptr(unsafe.Pointer(&old)), unsafe.Sizeof(old.Val[0]), 0, 0); errno != 0 {
		return old, errors.Wrap(errno, "systrap: rt_sigprocmask")
	}
	return old, nil
}

// SetKernelAltstack registers s as the calling thread's alternate stack.
func (k *kernelOps) SetKernelAltstack(s sigstate.StackT) (sigstate.StackT, error) {
	var old sigstate.StackT
	if _, _, errno := unix.RawSyscall(unix.SYS_SIGALTSTACK, uintptr(unsafe.Pointer(&s)), uintptr(unsafe.Pointer(&old)), 0); errno != 0 {
		return old, errors.Wrap(errno, "systrap: sigaltstack")
	}
	return old, nil
}
