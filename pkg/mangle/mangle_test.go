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

package mangle_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbtrt/dbtcore/pkg/arch"
	"github.com/dbtrt/dbtcore/pkg/decode"
	"github.com/dbtrt/dbtcore/pkg/mangle"
)

// walkInstrs feeds a sequence of instructions through Pre/Post in order,
// the way the fault translator does during a fragment walk.
func walkInstrs(t *testing.T, w *mangle.Walk, instrs []decode.Instr) {
	t.Helper()
	for _, in := range instrs {
		require.NoError(t, w.Pre(in))
		w.Post(in)
	}
}

type fakeInstr struct {
	k          decode.Kind
	length     int
	transPC    uint64
	hasTrans   bool
	exit       bool
	slot       decode.SpillSlot
	delta      int64
	recognized bool
}

func (f fakeInstr) Kind() decode.Kind                   { return f.k }
func (f fakeInstr) Length() int                         { return f.length }
func (f fakeInstr) TranslationPC() (uint64, bool)       { return f.transPC, f.hasTrans }
func (f fakeInstr) IsExit() bool                        { return f.exit }
func (f fakeInstr) Spill() decode.SpillSlot             { return f.slot }
func (f fakeInstr) StackDelta() int64                   { return f.delta }
func (f fakeInstr) Recognized() bool                    { return f.recognized }
func (f fakeInstr) MemoryOperand(*arch.Context) (uintptr, bool, bool) {
	return 0, false, false
}

func TestSpillThenRestoreReproducesValue(t *testing.T) {
	const appPC = 0x1000
	ctx := arch.NewContext(arch.Registers{}, 0xc000, 0)
	ctx.SetReg(arch.Reg(0), 0xdeadbeef)

	var w mangle.Walk
	w.Init(0xc000, 0xc100, ctx)

	spill := fakeInstr{k: decode.Spill, length: 4, transPC: appPC, hasTrans: true,
		slot: decode.SpillSlot{Reg: 0, Offset: 0x40, InTLS: true}}
	nop := fakeInstr{k: decode.AppInstr, length: 3, transPC: appPC, hasTrans: true}
	walkInstrs(t, &w, []decode.Instr{spill, nop})

	// The register has been spilled to TLS[0x40]; zero the live register to
	// simulate the translator having reused it, then restore.
	ctx.SetReg(arch.Reg(0), 0)
	tls := map[uintptr]uint64{0x40: 0xdeadbeef}
	w.Restore(ctx, false, func(off uintptr) uint64 { return tls[off] }, func(uintptr) uint64 { return 0 })

	require.Equal(t, uint64(0xdeadbeef), ctx.Reg(0))
}

func TestRedundantSpillAllowed(t *testing.T) {
	var w mangle.Walk
	w.Init(0, 0x100, arch.NewContext(arch.Registers{}, 0, 0))

	s1 := fakeInstr{k: decode.Spill, length: 4, transPC: 1, hasTrans: true,
		slot: decode.SpillSlot{Reg: 2, Offset: 8}}
	s2 := fakeInstr{k: decode.Spill, length: 4, transPC: 1, hasTrans: true,
		slot: decode.SpillSlot{Reg: 2, Offset: 16}}
	require.NoError(t, w.Pre(s1))
	w.Post(s1)
	require.NoError(t, w.Pre(s2))
	w.Post(s2)
	require.True(t, w.GoodState(2, false))
}

func TestNonExitCtiResetsSpillState(t *testing.T) {
	var w mangle.Walk
	w.Init(0, 0x100, arch.NewContext(arch.Registers{}, 0, 0))

	spill := fakeInstr{k: decode.Spill, length: 4, transPC: 1, hasTrans: true,
		slot: decode.SpillSlot{Reg: 3, Offset: 24, InTLS: true}}
	branch := fakeInstr{k: decode.Cti, length: 2, transPC: 1, hasTrans: true, exit: false}
	walkInstrs(t, &w, []decode.Instr{spill, branch})

	ctx := arch.NewContext(arch.Registers{}, 0, 0)
	ctx.SetReg(arch.Reg(3), 1)
	w.Restore(ctx, false, func(uintptr) uint64 { return 99 }, func(uintptr) uint64 { return 99 })
	// Spill was reset by the non-exit CTI, so Restore must not touch reg 3.
	require.Equal(t, uint64(1), ctx.Reg(3))
}

func TestExitCtiPreservesSpillState(t *testing.T) {
	var w mangle.Walk
	w.Init(0, 0x100, arch.NewContext(arch.Registers{}, 0, 0))

	spill := fakeInstr{k: decode.Spill, length: 4, transPC: 1, hasTrans: true,
		slot: decode.SpillSlot{Reg: 3, Offset: 24, InTLS: true}}
	exit := fakeInstr{k: decode.Cti, length: 2, transPC: 1, hasTrans: true, exit: true}
	walkInstrs(t, &w, []decode.Instr{spill, exit})

	ctx := arch.NewContext(arch.Registers{}, 0, 0)
	w.Restore(ctx, false, func(uintptr) uint64 { return 77 }, func(uintptr) uint64 { return 0 })
	require.Equal(t, uint64(77), ctx.Reg(3))
}

func TestUnsupportedManglingFailsOnlyBeforeRegionEnd(t *testing.T) {
	var w mangle.Walk
	w.Init(0, 0x100, arch.NewContext(arch.Registers{}, 0, 0))

	weird := fakeInstr{k: decode.OurMangling, length: 4, transPC: 5, hasTrans: true, recognized: false}
	require.NoError(t, w.Pre(weird))
	w.Post(weird)

	require.False(t, w.GoodState(5, false), "still inside the region with an unrecognized mangling")
	require.True(t, w.GoodState(6, false), "past the region end, full translation may proceed")
	require.True(t, w.GoodState(5, true), "PC-only translation always succeeds")
}

func TestStackAdjustAccumulatesAndRestoreSubtracts(t *testing.T) {
	var w mangle.Walk
	w.Init(0, 0x100, arch.NewContext(arch.Registers{}, 0, 0))

	push := fakeInstr{k: decode.StackAdjust, length: 4, transPC: 1, hasTrans: true, delta: -8}
	push2 := fakeInstr{k: decode.StackAdjust, length: 4, transPC: 1, hasTrans: true, delta: -8}
	walkInstrs(t, &w, []decode.Instr{push, push2})
	require.Equal(t, int64(-16), w.XSPAdjust())

	ctx := arch.NewContext(arch.Registers{}, 0, 0x1000)
	w.Restore(ctx, false, func(uintptr) uint64 { return 0 }, func(uintptr) uint64 { return 0 })
	require.Equal(t, uint64(0x1010), ctx.SP())

	// At the post-region point we already arrived past the push/pop, so no
	// further adjustment is applied.
	ctx2 := arch.NewContext(arch.Registers{}, 0, 0x2000)
	w.Restore(ctx2, true, func(uintptr) uint64 { return 0 }, func(uintptr) uint64 { return 0 })
	require.Equal(t, uint64(0x2000), ctx2.SP())
}
