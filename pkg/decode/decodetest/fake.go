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

// Package decodetest provides a scriptable fake of pkg/decode.Decoder for
// tests, standing in for the real (out of scope) decoder the way spec §1
// treats it: opaque, consulted only through the narrow interface.
package decodetest

import (
	"fmt"

	"github.com/dbtrt/dbtcore/pkg/arch"
	"github.com/dbtrt/dbtcore/pkg/decode"
)

// Instr is a plain-data implementation of decode.Instr for tests.
type Instr struct {
	K            decode.Kind
	Len          int
	TransPC      uint64
	HasTransPC   bool
	Exit         bool
	Slot         decode.SpillSlot
	Delta        int64
	IsRecognized bool
	MemAddr      uintptr
	MemWrite     bool
	HasMem       bool
}

func (i Instr) Kind() decode.Kind { return i.K }
func (i Instr) Length() int       { return i.Len }
func (i Instr) TranslationPC() (uint64, bool) {
	return i.TransPC, i.HasTransPC
}
func (i Instr) IsExit() bool             { return i.Exit }
func (i Instr) Spill() decode.SpillSlot  { return i.Slot }
func (i Instr) StackDelta() int64        { return i.Delta }
func (i Instr) Recognized() bool         { return i.IsRecognized }
func (i Instr) MemoryOperand(ctx *arch.Context) (uintptr, bool, bool) {
	return i.MemAddr, i.MemWrite, i.HasMem
}

// Decoder is a fake Decoder backed by a fixed instruction stream keyed by
// PC, for tests that walk a known fragment.
type Decoder struct {
	ByPC map[uint64]Instr
}

// NewDecoder builds a Decoder from a linear sequence of instructions
// starting at start; each instruction's PC is the running offset.
func NewDecoder(start uint64, instrs []Instr) *Decoder {
	d := &Decoder{ByPC: make(map[uint64]Instr, len(instrs))}
	pc := start
	for _, in := range instrs {
		d.ByPC[pc] = in
		pc += uint64(in.Len)
	}
	return d
}

func (d *Decoder) Decode(pc uint64) (decode.Instr, error) {
	in, ok := d.ByPC[pc]
	if !ok {
		return nil, fmt.Errorf("decodetest: no instruction at pc %#x", pc)
	}
	return in, nil
}

func (d *Decoder) NextPC(pc uint64) uint64 {
	in, ok := d.ByPC[pc]
	if !ok {
		return pc
	}
	return pc + uint64(in.Len)
}
