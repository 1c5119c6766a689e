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

// Package sigstate implements the per-thread signal state (spec §4.3,
// component C): the app/translator signal-action tables, pending queue,
// alternate stack, blocked mask, and shared-handler reference count, plus
// interception of sigaction/sigprocmask/sigaltstack/sigsuspend. It mirrors
// the source's thread_sig_info_t (see DESIGN.md) almost field for field.
package sigstate

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dbtrt/dbtcore/internal/slab"
)

// MaxSignum bounds the per-signal tables, matching the source's
// MAX_SIGNUM (signal 0 is unused; valid signals are [1, MaxSignum)).
const MaxSignum = 65

// RestorerValidity is the tri-state cache from spec §3's
// restorer_cache[SIG_MAX].
type RestorerValidity int

const (
	RestorerUnknown RestorerValidity = iota
	RestorerValid
	RestorerInvalid
)

// Action is the application's view of one signal's disposition: handler
// address, mask, flags and restorer, matching struct sigaction's fields
// that the spec's app_action table needs (spec §3).
type Action struct {
	Handler  uintptr
	Mask     unix.Sigset_t
	Flags    uint64
	Restorer uintptr
}

const (
	// SigDfl and SigIgn mirror SIG_DFL/SIG_IGN, which are not ordinary
	// handler addresses.
	SigDfl uintptr = 0
	SigIgn uintptr = 1
)

// PendingFrame is a verbatim copy of a delivered signal frame (spec §3):
// siginfo, context and FP state, parked until the next safe delivery
// point. The fixed-size byte buffers are what internal/slab's Pool
// allocates nodes of.
type PendingFrame struct {
	Sig      unix.Signal
	Siginfo  unix.Siginfo
	Sigcontext Sigcontext
	FPState  [512]byte // aligned FP save area, spec §3
	Forged   bool       // true for a translator-synthesized signal (spec §4.4)
	next     *PendingFrame
}

// Sigcontext is the subset of a delivered ucontext/sigcontext the core
// needs to carry through the pending queue and frame construction: the PC,
// SP and the blocked mask snapshot at delivery time. The full register
// file lives in arch.Context when a translation is performed; Sigcontext
// additionally keeps the as-delivered mask because that is app-visible
// state the handler must not lose.
type Sigcontext struct {
	PC, SP uintptr
	Mask   unix.Sigset_t
}

// actionTable is the (possibly shared) per-signal action table, refcounted
// per spec §3's shared_action/refcount/shared_lock.
type actionTable struct {
	mu        sync.Mutex
	actions   [MaxSignum]Action
	weIntercept [MaxSignum]bool
	refcount  int32
}

// SharedRef is a handle to a (possibly shared) actionTable. It models the
// source's shared_refcount as the strong count of a reference-counted,
// mutex-guarded table.
type SharedRef struct {
	t     *actionTable
	own   bool // true if not shared: no locking required on mutation
}

// newOwned returns a SharedRef over a freshly allocated, unshared table.
func newOwned() *SharedRef {
	return &SharedRef{t: &actionTable{refcount: 1}, own: true}
}

// Share increments the reference count and returns a new handle over the
// same underlying table, for CLONE_SIGHAND-style sharing (spec §4.3). r
// itself is marked shared too, so both handles lock on every access.
func (r *SharedRef) Share() *SharedRef {
	atomic.AddInt32(&r.t.refcount, 1)
	r.own = false
	return &SharedRef{t: r.t, own: false}
}

// Release decrements the reference count; the caller must stop using this
// handle afterward. It returns true if this was the last reference (the
// caller is then responsible for restoring original kernel actions, spec
// §3 "last one out frees it").
func (r *SharedRef) Release() bool {
	return atomic.AddInt32(&r.t.refcount, -1) == 0
}

// Refcount returns the current strong count.
func (r *SharedRef) Refcount() int32 { return atomic.LoadInt32(&r.t.refcount) }

// withLock runs fn while holding shared_lock, unless this handle is known
// unshared (own==true), in which case no lock is needed: invariant 4 only
// requires serialization "if shared_action is true" (spec §3). shared_lock
// is never held across a suspension point (invariant 6); fn must not block.
func (r *SharedRef) withLock(fn func(*actionTable)) {
	if !r.own {
		r.t.mu.Lock()
		defer r.t.mu.Unlock()
	}
	fn(r.t)
}

// Get reads signal sig's app-visible action.
func (r *SharedRef) Get(sig unix.Signal) Action {
	var a Action
	r.withLock(func(t *actionTable) { a = t.actions[sig] })
	return a
}

// Set installs signal sig's app-visible action.
func (r *SharedRef) Set(sig unix.Signal, a Action) {
	r.withLock(func(t *actionTable) { t.actions[sig] = a })
}

// WeIntercept reports whether the translator has installed its own master
// handler for sig even though the app has not asked for one.
func (r *SharedRef) WeIntercept(sig unix.Signal) bool {
	var v bool
	r.withLock(func(t *actionTable) { v = t.weIntercept[sig] })
	return v
}

// SetWeIntercept records that the translator has (or has not) installed
// its own master handler for sig independent of the app's wishes.
func (r *SharedRef) SetWeIntercept(sig unix.Signal, v bool) {
	r.withLock(func(t *actionTable) { t.weIntercept[sig] = v })
}

// pendingQueue is a singly-linked queue of PendingFrame records for one
// signal, capped at 1 for non-real-time signals and at the rtCap given to
// New for real-time signals (no cap when rtCap is 0).
type pendingQueue struct {
	head, tail *PendingFrame
	len        int
}

func (q *pendingQueue) push(f *PendingFrame, cap int) (accepted bool) {
	if cap > 0 && q.len >= cap {
		return false
	}
	f.next = nil
	if q.tail == nil {
		q.head, q.tail = f, f
	} else {
		q.tail.next = f
		q.tail = f
	}
	q.len++
	return true
}

func (q *pendingQueue) pop() *PendingFrame {
	if q.head == nil {
		return nil
	}
	f := q.head
	q.head = f.next
	if q.head == nil {
		q.tail = nil
	}
	f.next = nil
	q.len--
	return f
}

// ThreadState is the per-thread signal state from spec §3/§4.3.
type ThreadState struct {
	TID int

	actions *SharedRef

	restorer [MaxSignum]RestorerValidity

	pending    [MaxSignum]pendingQueue
	pendingCap [MaxSignum]int // 1 for non-RT, configured cap for RT
	pool       *slab.Pool[PendingFrame]

	mu sync.Mutex // guards appMask, altstacks, insigsuspend, interruptedFragment

	appMask unix.Sigset_t

	inSigsuspend bool
	savedMask    unix.Sigset_t

	appAltstack StackT
	ourAltstack StackT

	// interruptedFragment is an opaque handle (the core's fragment.Fragment,
	// kept here as any to avoid an import cycle with pkg/fragment) whose
	// outgoing edges were unlinked to force dispatcher return (spec §3).
	interruptedFragment any

	// signalsPending is set whenever the dispatcher should drain the
	// pending queues at its next safe point (spec §4.3 sigprocmask
	// interception, §5 ordering guarantee 3).
	signalsPending atomic.Bool

	// unstartedChildren counts clone()d children that have not yet
	// finished copying their deep-copied template (spec §4.3 "Clone
	// coordination"); thread exit waits for it to reach zero.
	unstartedChildren atomic.Int32

	log logrus.FieldLogger
}

// RTSignalStart is the first real-time signal number on Linux
// (SIGRTMIN is usually 34 once glibc's reserved range is subtracted, but
// the kernel's own boundary, used for queue-capping purposes here, is 32).
const RTSignalStart = 32

// New constructs a ThreadState for a freshly initialized thread. rtCap
// bounds the pending queue for real-time signals; non-real-time signals
// are always capped at 1.
func New(tid int, rtCap int, log logrus.FieldLogger) *ThreadState {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ts := &ThreadState{
		TID:     tid,
		actions: newOwned(),
		pool:    slab.New[PendingFrame](),
		log:     log.WithField("tid", tid),
	}
	for sig := 1; sig < MaxSignum; sig++ {
		if sig >= RTSignalStart {
			ts.pendingCap[sig] = rtCap
		} else {
			ts.pendingCap[sig] = 1
		}
	}
	return ts
}

// InheritShared builds a ThreadState for a CLONE_SIGHAND child: it shares
// the parent's action table (spec §4.3 "ancestor establishes a mutex and
// refcount shared with the child").
func InheritShared(tid int, parent *ThreadState, rtCap int, log logrus.FieldLogger) *ThreadState {
	ts := New(tid, rtCap, log)
	ts.actions = parent.actions.Share()
	return ts
}

// InheritCopy builds a ThreadState for a plain clone()d child: a deep copy
// of the parent's action table (spec §4.3 "the child gets a deep copy").
// Once this returns, the child side calls parent.EndUnstartedChild to
// report that the copy is complete (spec §4.3).
func InheritCopy(tid int, parent *ThreadState, rtCap int, log logrus.FieldLogger) *ThreadState {
	ts := New(tid, rtCap, log)
	for sig := 0; sig < MaxSignum; sig++ {
		ts.actions.Set(unix.Signal(sig), parent.actions.Get(unix.Signal(sig)))
		ts.actions.SetWeIntercept(unix.Signal(sig), parent.actions.WeIntercept(unix.Signal(sig)))
	}
	return ts
}

// Exit tears down a ThreadState. If its action table is shared and this
// was the last reference, the caller is responsible for restoring original
// kernel actions (the caller, not this package, owns the kernel syscall
// boundary); Exit reports whether that responsibility falls to it.
func (ts *ThreadState) Exit() (lastSharer bool) {
	return ts.actions.Release()
}

// SignalsPending reports whether the dispatcher should drain queued
// signals at its next safe point.
func (ts *ThreadState) SignalsPending() bool { return ts.signalsPending.Load() }

// ClearSignalsPending resets the flag once the dispatcher has drained
// whatever it is going to drain this reentry (spec §5 ordering guarantee
// 3: one pending entry per reentry at most when a delivery transfers to
// the app handler).
func (ts *ThreadState) ClearSignalsPending() { ts.signalsPending.Store(false) }

// Enqueue parks frame f on sig's pending queue. It returns false if the
// queue was already at capacity (non-RT signals, or an RT signal whose
// configured cap was reached), in which case the caller must not claim the
// frame was delivered.
func (ts *ThreadState) Enqueue(sig unix.Signal, f *PendingFrame) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ok := ts.pending[sig].push(f, ts.pendingCap[sig])
	if ok {
		ts.signalsPending.Store(true)
		ts.log.WithFields(logrus.Fields{"sig": sig, "forged": f.Forged}).Debug("sigstate: enqueued pending frame")
	} else {
		ts.log.WithField("sig", sig).Warn("sigstate: pending queue at capacity, dropping frame")
	}
	return ok
}

// DequeueAny pops one pending frame (lowest signal number first, matching
// the source's sequential scan over sigpending[]), or returns nil if none
// are queued. Signals blocked by appMask are skipped (spec ordering
// guarantee: delivery only of unblocked signals).
func (ts *ThreadState) DequeueAny() (unix.Signal, *PendingFrame) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for sig := 1; sig < MaxSignum; sig++ {
		if ts.maskedLocked(unix.Signal(sig)) {
			continue
		}
		if f := ts.pending[sig].pop(); f != nil {
			if !ts.anyPendingLocked() {
				ts.signalsPending.Store(false)
			}
			return unix.Signal(sig), f
		}
	}
	return 0, nil
}

// anyPendingLocked reports whether any signal's queue still holds a frame.
// Checking every signal, not just the one DequeueAny just popped from, is
// what lets signalsPending be cleared accurately: a caller that stops
// polling as soon as its own queue drains would otherwise miss a different
// signal still waiting.
func (ts *ThreadState) anyPendingLocked() bool {
	for sig := 1; sig < MaxSignum; sig++ {
		if ts.pending[sig].len > 0 {
			return true
		}
	}
	return false
}

// NewPendingFrame allocates a frame from the lockless slab.
func (ts *ThreadState) NewPendingFrame() *PendingFrame { return ts.pool.Get() }

// FreePendingFrame returns a frame to the slab once consumed.
func (ts *ThreadState) FreePendingFrame(f *PendingFrame) { ts.pool.Put(f) }

// AppMask returns the signal mask the application believes is blocked.
func (ts *ThreadState) AppMask() unix.Sigset_t {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.appMask
}

func (ts *ThreadState) maskedLocked(sig unix.Signal) bool {
	word, bit := sigsetIndex(sig)
	return ts.appMask.Val[word]&bit != 0
}

func sigsetIndex(sig unix.Signal) (word uint64, bit uint64) {
	idx := uint64(sig) - 1
	return idx / 64, 1 << (idx % 64)
}

// SetSigProcMask implements the sigprocmask interception from spec §4.3:
// only the bits for signals the translator intercepts are projected onto
// appMask; how/oldset follow POSIX SIG_BLOCK/SIG_UNBLOCK/SIG_SETMASK
// semantics. It returns the previous appMask and whether any now-unblocked
// signal has a pending frame (in which case the caller must set
// signals_pending so the dispatcher drains the queue).
func (ts *ThreadState) SetSigProcMask(how int, set *unix.Sigset_t, weIntercept func(unix.Signal) bool) (old unix.Sigset_t, unblockedPending bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	old = ts.appMask
	if set == nil {
		return old, false
	}
	next := ts.appMask
	for sig := 1; sig < MaxSignum; sig++ {
		if !weIntercept(unix.Signal(sig)) {
			continue
		}
		word, bit := sigsetIndex(unix.Signal(sig))
		setBit := set.Val[word]&bit != 0
		switch how {
		case unix.SIG_BLOCK:
			if setBit {
				next.Val[word] |= bit
			}
		case unix.SIG_UNBLOCK:
			if setBit {
				next.Val[word] &^= bit
			}
		case unix.SIG_SETMASK:
			if setBit {
				next.Val[word] |= bit
			} else {
				next.Val[word] &^= bit
			}
		}
	}
	ts.appMask = next
	for sig := 1; sig < MaxSignum; sig++ {
		word, bit := sigsetIndex(unix.Signal(sig))
		wasBlocked := old.Val[word]&bit != 0
		nowBlocked := next.Val[word]&bit != 0
		if wasBlocked && !nowBlocked && ts.pending[sig].len > 0 {
			unblockedPending = true
		}
	}
	if unblockedPending {
		ts.signalsPending.Store(true)
	}
	return old, unblockedPending
}

// Sigsuspend implements the sigsuspend interception from spec §4.3: save
// appMask into savedMask, install mask as the new appMask, and mark
// inSigsuspend; the first intercepted delivery afterward must call
// ResumeFromSigsuspend to restore savedMask.
func (ts *ThreadState) Sigsuspend(mask unix.Sigset_t) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.savedMask = ts.appMask
	ts.appMask = mask
	ts.inSigsuspend = true
}

// ResumeFromSigsuspend restores savedMask and clears inSigsuspend, if a
// sigsuspend was outstanding. It is a no-op otherwise.
func (ts *ThreadState) ResumeFromSigsuspend() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if !ts.inSigsuspend {
		return
	}
	ts.appMask = ts.savedMask
	ts.inSigsuspend = false
}

// InSigsuspend reports whether a sigsuspend call is outstanding.
func (ts *ThreadState) InSigsuspend() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.inSigsuspend
}

// Sigaltstack implements the sigaltstack interception from spec §4.3: it
// is entirely emulated. The kernel keeps the translator's own alternate
// stack (ourAltstack, set once at thread init via SetOurAltstack); this
// call only updates the app-visible registration.
func (ts *ThreadState) Sigaltstack(newStack *StackT) (old StackT) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	old = ts.appAltstack
	if newStack != nil {
		ts.appAltstack = *newStack
	}
	return old
}

// SetOurAltstack records the alternate stack actually registered with the
// kernel for the master handler (spec §4.3: "allocated per thread (size >=
// the translator's own stack size...) and registered with the kernel with
// SA_ONSTACK").
func (ts *ThreadState) SetOurAltstack(s StackT) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.ourAltstack = s
}

// AppAltstack returns the application's (emulated) altstack registration.
func (ts *ThreadState) AppAltstack() StackT {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.appAltstack
}

// OurAltstack returns the altstack actually registered with the kernel.
func (ts *ThreadState) OurAltstack() StackT {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.ourAltstack
}

// RestorerValidity returns the cached validity of sig's restorer pointer.
func (ts *ThreadState) RestorerValidity(sig unix.Signal) RestorerValidity {
	return ts.restorer[sig]
}

// SetRestorerValidity updates the cache. It is not locked: only the
// owning thread's handler ever writes it, immediately after a safe_read
// probe (spec §7 class 3).
func (ts *ThreadState) SetRestorerValidity(sig unix.Signal, v RestorerValidity) {
	ts.restorer[sig] = v
}

// InterruptedFragment returns the fragment whose outgoing edges were
// unlinked to force dispatcher return for a delayed delivery, if any.
func (ts *ThreadState) InterruptedFragment() any {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.interruptedFragment
}

// SetInterruptedFragment records (or, passing nil, clears) the unlinked
// fragment.
func (ts *ThreadState) SetInterruptedFragment(f any) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.interruptedFragment = f
}

// BeginUnstartedChild increments the unstarted-children counter; the
// parent calls this before clone() (spec §4.3).
func (ts *ThreadState) BeginUnstartedChild() { ts.unstartedChildren.Add(1) }

// EndUnstartedChild decrements the counter; the child calls this after it
// has finished copying its template (spec §4.3).
func (ts *ThreadState) EndUnstartedChild() { ts.unstartedChildren.Add(-1) }

// WaitNoUnstartedChildren blocks (via polling, consistent with spec §5's
// "thread_yield polls inside clone coordination") until the counter
// reaches zero, so thread-exit never frees tables a newborn is still
// reading.
func (ts *ThreadState) WaitNoUnstartedChildren(yield func()) {
	for ts.unstartedChildren.Load() > 0 {
		yield()
	}
}

// Actions exposes the (possibly shared) action table handle, for
// pkg/core's sigaction interception.
func (ts *ThreadState) Actions() *SharedRef { return ts.actions }
