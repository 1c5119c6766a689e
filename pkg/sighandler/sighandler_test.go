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

package sighandler_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dbtrt/dbtcore/pkg/arch"
	"github.com/dbtrt/dbtcore/pkg/decode"
	"github.com/dbtrt/dbtcore/pkg/decode/decodetest"
	"github.com/dbtrt/dbtcore/pkg/dispatch"
	"github.com/dbtrt/dbtcore/pkg/fault"
	"github.com/dbtrt/dbtcore/pkg/fragment"
	"github.com/dbtrt/dbtcore/pkg/sighandler"
	"github.com/dbtrt/dbtcore/pkg/sigstate"
)

func onlyUSR1Delayable(sig unix.Signal) bool { return sig == unix.SIGUSR1 }

type classifier struct {
	class     fault.RegionClass
	rewritten uint64
}

func (c classifier) ClassifyPC(uint64) (fault.RegionClass, uint64) { return c.class, c.rewritten }

type fakeFragment struct {
	flags fragment.Flag
	ti    *fragment.TranslationInfo
}

func (f *fakeFragment) Flags() fragment.Flag { return f.flags }
func (f *fakeFragment) Tag() uint64          { return 0 }
func (f *fakeFragment) TranslationInfo() (*fragment.TranslationInfo, bool) {
	if f.ti == nil {
		return nil, false
	}
	return f.ti, true
}

type fakeStore struct {
	entry    uint64
	frag     fragment.Fragment
	inFcache bool
}

func (s *fakeStore) PCLookup(uint64) (fragment.Fragment, bool) {
	if s.frag == nil {
		return nil, false
	}
	return s.frag, true
}
func (s *fakeStore) EntryPC(fragment.Fragment) uint64 { return s.entry }
func (s *fakeStore) InFcache(uint64) bool              { return s.inFcache }
func (s *fakeStore) RecreateIlist(uint64) (fragment.Ilist, error) {
	return nil, nil
}
func (s *fakeStore) SelfmodCopyPC(fragment.Fragment) (uintptr, bool) { return 0, false }

type fakeDispatcher struct {
	armed        []dispatch.Linkstub
	nextTag      uint64
	fcacheReturn uint64
	forgeEntry   uint64
}

func (d *fakeDispatcher) SetNextTag(pc uint64)             { d.nextTag = pc }
func (d *fakeDispatcher) NextTag() uint64                  { return d.nextTag }
func (d *fakeDispatcher) ArmReentry(stub dispatch.Linkstub) { d.armed = append(d.armed, stub) }
func (d *fakeDispatcher) FcacheReturnRoutine() uint64       { return d.fcacheReturn }
func (d *fakeDispatcher) ForgeTransferEntry() uint64        { return d.forgeEntry }

type fakeMemory struct {
	infos       map[uintptr]arch.MemoryInfo
	safeOK      bool
	safeContent []byte
}

func (m *fakeMemory) GetMemoryInfo(addr uintptr) (arch.MemoryInfo, bool) {
	mi, ok := m.infos[addr]
	return mi, ok
}
func (m *fakeMemory) SafeRead(_ uintptr, size int, dst []byte) bool {
	if !m.safeOK {
		return false
	}
	copy(dst, m.safeContent)
	return true
}

type frameWriteCall struct {
	sp       uintptr
	frame    *sigstate.PendingFrame
	rt       bool
	restorer uintptr
}

type fakeFrameWriter struct {
	ok    bool
	calls []frameWriteCall
}

func (w *fakeFrameWriter) WriteFrame(sp uintptr, frame *sigstate.PendingFrame, rt bool, restorer uintptr) bool {
	w.calls = append(w.calls, frameWriteCall{sp, frame, rt, restorer})
	return w.ok
}

type fakeModifiedCode struct {
	nextPC uint64
	err    error
	called bool
}

func (m *fakeModifiedCode) HandleModifiedCode(uintptr) (uint64, error) {
	m.called = true
	return m.nextPC, m.err
}

type fakeTryExcept struct {
	target uint64
	mask   unix.Sigset_t
	ok     bool
}

func (t fakeTryExcept) Lookup(uint64) (uint64, unix.Sigset_t, bool) { return t.target, t.mask, t.ok }

func newHandler(store *fakeStore, disp *fakeDispatcher, mem *fakeMemory, frames *fakeFrameWriter, mc *fakeModifiedCode, te fakeTryExcept, cls classifier) *sighandler.Handler {
	// 0xc000_0000 is the fragment entry every full-state-translation test in
	// this file faults at; a full (non-PC-only) translation now decodes it
	// for real rather than synthesizing a zero-value instruction.
	dec := &decodetest.Decoder{ByPC: map[uint64]decodetest.Instr{
		0xc000_0000: {K: decode.AppInstr, Len: 1},
	}}
	tr := fault.NewTranslator(dec, store, cls, nil, nil, nil)
	return sighandler.NewHandler(dec, store, cls, tr, disp, mem, frames, mc, te, onlyUSR1Delayable, nil, 0xdead0000, nil)
}

func TestHandleSignalUnmanagedAlwaysDelayableDropped(t *testing.T) {
	h := newHandler(&fakeStore{}, &fakeDispatcher{}, &fakeMemory{}, &fakeFrameWriter{}, &fakeModifiedCode{}, fakeTryExcept{}, classifier{})
	ts := sigstate.New(1, 16, nil)
	ctx := arch.NewContext(arch.Registers{}, 0x1000, 0x2000)

	outcome, err := h.HandleSignal(false, ts, unix.SIGUSR1, nil, ctx)
	require.NoError(t, err)
	require.Equal(t, sighandler.OutcomeDropped, outcome)
}

func TestHandleSignalUnmanagedSyncTerminates(t *testing.T) {
	h := newHandler(&fakeStore{}, &fakeDispatcher{}, &fakeMemory{}, &fakeFrameWriter{}, &fakeModifiedCode{}, fakeTryExcept{}, classifier{})
	ts := sigstate.New(1, 16, nil)
	ctx := arch.NewContext(arch.Registers{}, 0x1000, 0x2000)

	outcome, err := h.HandleSignal(false, ts, unix.SIGSEGV, nil, ctx)
	require.Error(t, err)
	require.Equal(t, sighandler.OutcomeTerminate, outcome)
}

func TestHandleSignalAsyncInCacheQueuesAndArms(t *testing.T) {
	store := &fakeStore{inFcache: true, frag: &fakeFragment{flags: fragment.HasSyscall}}
	disp := &fakeDispatcher{fcacheReturn: 0xaaaa}
	h := newHandler(store, disp, &fakeMemory{}, &fakeFrameWriter{}, &fakeModifiedCode{}, fakeTryExcept{}, classifier{})
	ts := sigstate.New(1, 16, nil)
	ctx := arch.NewContext(arch.Registers{}, 0xc000_1000, 0x2000)

	outcome, err := h.HandleSignal(true, ts, unix.SIGUSR1, nil, ctx)
	require.NoError(t, err)
	require.Equal(t, sighandler.OutcomeHandled, outcome)
	require.True(t, ts.SignalsPending())
	require.Contains(t, disp.armed, dispatch.LinkFcacheReturn)
	require.Equal(t, uint64(0xaaaa), disp.nextTag, "a fragment with an inlined syscall must patch the post-syscall jump to the fcache-return routine")
}

func TestHandleSignalSyncInCacheTranslatesAndDelivers(t *testing.T) {
	entry := uint64(0xc000_0000)
	ti := fragment.NewTranslationInfo([]fragment.ChangePoint{
		{CacheOffset: 0, AppPC: 0x5000, Stride: fragment.Identical},
	})
	store := &fakeStore{entry: entry, inFcache: true, frag: &fakeFragment{ti: ti}}
	disp := &fakeDispatcher{}
	frames := &fakeFrameWriter{ok: true}
	h := newHandler(store, disp, &fakeMemory{}, frames, &fakeModifiedCode{}, fakeTryExcept{}, classifier{class: fault.RegionFcache})

	ts := sigstate.New(1, 16, nil)
	ts.Actions().Set(unix.SIGSEGV, sigstate.Action{Handler: 0x4000_1234})

	ctx := arch.NewContext(arch.Registers{}, entry, 0x7fff_1000)
	outcome, err := h.HandleSignal(true, ts, unix.SIGSEGV, nil, ctx)
	require.NoError(t, err)
	require.Equal(t, sighandler.OutcomeDeliver, outcome)
	require.Contains(t, disp.armed, dispatch.LinkHandlerDelivery)
	require.Equal(t, uint64(0x4000_1234), disp.nextTag)
	require.Len(t, frames.calls, 1)
	require.Equal(t, uintptr(0xdead0000), frames.calls[0].restorer, "with no app-supplied restorer the translator's own trampoline must be used")
}

func TestHandleSignalSyncDefaultActionTerminates(t *testing.T) {
	entry := uint64(0xc000_0000)
	ti := fragment.NewTranslationInfo([]fragment.ChangePoint{
		{CacheOffset: 0, AppPC: 0x5000, Stride: fragment.Identical},
	})
	store := &fakeStore{entry: entry, inFcache: true, frag: &fakeFragment{ti: ti}}
	h := newHandler(store, &fakeDispatcher{}, &fakeMemory{}, &fakeFrameWriter{}, &fakeModifiedCode{}, fakeTryExcept{}, classifier{class: fault.RegionFcache})

	ts := sigstate.New(1, 16, nil) // no action installed: default SIG_DFL
	ctx := arch.NewContext(arch.Registers{}, entry, 0x7fff_1000)

	outcome, err := h.HandleSignal(true, ts, unix.SIGSEGV, nil, ctx)
	require.NoError(t, err)
	require.Equal(t, sighandler.OutcomeTerminate, outcome)
}

func TestSelfModifyingCodeFixupFlushesAndRebuilds(t *testing.T) {
	store := &fakeStore{inFcache: true}
	mem := &fakeMemory{infos: map[uintptr]arch.MemoryInfo{0x40_0020: {WasWritableExecutable: true}}}
	mc := &fakeModifiedCode{nextPC: 0xc000_9999}
	disp := &fakeDispatcher{}
	h := sighandler.NewHandler(
		&decodetest.Decoder{ByPC: map[uint64]decodetest.Instr{
			0xc000_0050: {MemAddr: 0x40_0020, MemWrite: true, HasMem: true},
		}},
		store, classifier{}, fault.NewTranslator(nil, store, classifier{}, nil, nil, nil),
		disp, mem, &fakeFrameWriter{}, mc, fakeTryExcept{}, onlyUSR1Delayable, nil, 0, nil,
	)
	ts := sigstate.New(1, 16, nil)
	ctx := arch.NewContext(arch.Registers{}, 0xc000_0050, 0)

	outcome, err := h.HandleSignal(true, ts, unix.SIGSEGV, nil, ctx)
	require.NoError(t, err)
	require.Equal(t, sighandler.OutcomeHandled, outcome)
	require.True(t, mc.called)
	require.Equal(t, uint64(0xc000_9999), ctx.PC())
	require.Contains(t, disp.armed, dispatch.LinkSelfmodRebuild)
}

func TestHandleSigreturnRestoresMaskAndArmsReentry(t *testing.T) {
	disp := &fakeDispatcher{}
	h := newHandler(&fakeStore{}, disp, &fakeMemory{}, &fakeFrameWriter{}, &fakeModifiedCode{}, fakeTryExcept{}, classifier{})
	ts := sigstate.New(1, 16, nil)

	var blockUSR2 unix.Sigset_t
	blockUSR2.Val[0] |= 1 << (uint(unix.SIGUSR2) - 1)

	frame := ts.NewPendingFrame()
	frame.Sig = unix.SIGUSR1
	frame.Sigcontext = sigstate.Sigcontext{PC: 0x5050, Mask: blockUSR2}

	appPC, err := h.HandleSigreturn(ts, frame)
	require.NoError(t, err)
	require.Equal(t, uint64(0x5050), appPC)
	require.Equal(t, blockUSR2, ts.AppMask())
	require.Contains(t, disp.armed, dispatch.LinkSigreturn)
	require.Equal(t, uint64(0x5050), disp.nextTag)
}

func TestForgeExceptionEnqueuesPendingAndArmsForgeEntry(t *testing.T) {
	disp := &fakeDispatcher{forgeEntry: 0xfeed0000}
	h := newHandler(&fakeStore{}, disp, &fakeMemory{}, &fakeFrameWriter{}, &fakeModifiedCode{}, fakeTryExcept{}, classifier{})
	ts := sigstate.New(1, 16, nil)
	ts.Actions().Set(unix.SIGUSR1, sigstate.Action{Handler: 0x7000})

	ctx := arch.NewContext(arch.Registers{}, 0, 0x8000)
	outcome, err := h.ForgeException(ts, unix.SIGUSR1, 0x1111, ctx)
	require.NoError(t, err)
	require.Equal(t, sighandler.OutcomeHandled, outcome)
	require.True(t, ts.SignalsPending())
	require.Equal(t, uint64(0xfeed0000), disp.nextTag)

	sig, f := ts.DequeueAny()
	require.Equal(t, unix.SIGUSR1, sig)
	require.True(t, f.Forged)
	require.Equal(t, uintptr(0x1111), f.Sigcontext.PC)
}

// TestDeferredSignalDrainedOnDispatcherReentryDeliversToApp exercises spec
// §4.4's "dispatcher reentry, drain pending" step end to end: a signal
// queued via deferAsync is later dequeued, translated, and delivered to the
// app on the next reentry, rather than staying parked forever.
func TestDeferredSignalDrainedOnDispatcherReentryDeliversToApp(t *testing.T) {
	entry := uint64(0xc000_0000)
	ti := fragment.NewTranslationInfo([]fragment.ChangePoint{
		{CacheOffset: 0, AppPC: 0x5000, Stride: fragment.Identical},
	})
	store := &fakeStore{entry: entry, inFcache: true, frag: &fakeFragment{ti: ti}}
	disp := &fakeDispatcher{}
	frames := &fakeFrameWriter{ok: true}
	dec := &decodetest.Decoder{ByPC: map[uint64]decodetest.Instr{
		entry: {K: decode.AppInstr, Len: 1},
	}}
	tr := fault.NewTranslator(dec, store, classifier{class: fault.RegionFcache}, nil, nil, nil)
	h := sighandler.NewHandler(dec, store, classifier{class: fault.RegionFcache}, tr, disp, &fakeMemory{}, frames, &fakeModifiedCode{}, fakeTryExcept{}, onlyUSR1Delayable, nil, 0xdead0000, nil)

	ts := sigstate.New(1, 16, nil)
	ts.Actions().Set(unix.SIGUSR1, sigstate.Action{Handler: 0x4000_2222})

	ctx := arch.NewContext(arch.Registers{}, entry, 0x7fff_1000)
	outcome, err := h.HandleSignal(true, ts, unix.SIGUSR1, nil, ctx)
	require.NoError(t, err)
	require.Equal(t, sighandler.OutcomeHandled, outcome)
	require.True(t, ts.SignalsPending())
	require.Contains(t, disp.armed, dispatch.LinkFcacheReturn, "deferAsync must arm a fcache-return reentry")

	reentry := arch.NewContext(arch.Registers{}, entry, 0x7fff_1000)
	outcome, err = h.DrainPending(ts, reentry)
	require.NoError(t, err)
	require.Equal(t, sighandler.OutcomeDeliver, outcome)
	require.Contains(t, disp.armed, dispatch.LinkHandlerDelivery, "draining a deferred signal must arm delivery the same way a synchronous one does")
	require.Equal(t, uint64(0x4000_2222), disp.nextTag)
	require.Len(t, frames.calls, 1)
	require.False(t, ts.SignalsPending(), "the drained frame must be removed from the pending queue")
}

// TestDrainPendingSkipsRetranslationForForgedFrame pins down the comment in
// ForgeException: a forged frame already carries a real application PC and
// must not be run back through the translator on drain. The classifier
// puts every PC in a generated routine, where Translate fails, so a
// retranslation would turn the delivery into OutcomeTerminate.
func TestDrainPendingSkipsRetranslationForForgedFrame(t *testing.T) {
	disp := &fakeDispatcher{forgeEntry: 0xfeed0000}
	frames := &fakeFrameWriter{ok: true}
	h := newHandler(&fakeStore{}, disp, &fakeMemory{}, frames, &fakeModifiedCode{}, fakeTryExcept{}, classifier{class: fault.RegionGeneratedRoutine})
	ts := sigstate.New(1, 16, nil)
	ts.Actions().Set(unix.SIGUSR1, sigstate.Action{Handler: 0x7000})

	ctx := arch.NewContext(arch.Registers{}, 0, 0x8000)
	outcome, err := h.ForgeException(ts, unix.SIGUSR1, 0x1111, ctx)
	require.NoError(t, err)
	require.Equal(t, sighandler.OutcomeHandled, outcome)

	outcome, err = h.DrainPending(ts, ctx)
	require.NoError(t, err)
	require.Equal(t, sighandler.OutcomeDeliver, outcome)
	require.Len(t, frames.calls, 1)
	require.Equal(t, uint64(0x7000), disp.nextTag)
}

func TestIsSignalRestorerCodeCachesUnreadableAsInvalid(t *testing.T) {
	mem := &fakeMemory{safeOK: false}
	h := newHandler(&fakeStore{}, &fakeDispatcher{}, mem, &fakeFrameWriter{}, &fakeModifiedCode{}, fakeTryExcept{}, classifier{})
	ts := sigstate.New(1, 16, nil)

	require.False(t, h.IsSignalRestorerCode(ts, unix.SIGUSR1, 0x3000))
	require.Equal(t, sigstate.RestorerInvalid, ts.RestorerValidity(unix.SIGUSR1))
}

func TestTryExceptSlotLongjmpsAndRestoresMask(t *testing.T) {
	var savedMask unix.Sigset_t
	savedMask.Val[0] |= 1 << (uint(unix.SIGUSR1) - 1)
	te := fakeTryExcept{target: 0x9000, mask: savedMask, ok: true}
	h := newHandler(&fakeStore{inFcache: false}, &fakeDispatcher{}, &fakeMemory{}, &fakeFrameWriter{}, &fakeModifiedCode{}, te, classifier{class: fault.RegionOther})
	ts := sigstate.New(1, 16, nil)

	ctx := arch.NewContext(arch.Registers{}, 0x5000_0000, 0)
	outcome, err := h.HandleSignal(true, ts, unix.SIGSEGV, nil, ctx)
	require.NoError(t, err)
	require.Equal(t, sighandler.OutcomeHandled, outcome)
	require.Equal(t, uint64(0x9000), ctx.PC())
	require.Equal(t, savedMask, ts.AppMask())
}
