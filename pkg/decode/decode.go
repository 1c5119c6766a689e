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

// Package decode defines the instruction-decoder collaborator boundary.
// The decoder's internals (opcode tables, operand encodings) are
// deliberately out of scope for this core (spec §1); everything here is the
// narrow interface the mangling tracker and fault translator call through,
// modeled as a visitor-style tagged instruction kind rather than raw
// decoded bytes, per spec §9's dynamic-dispatch adaptation note.
package decode

import "github.com/dbtrt/dbtcore/pkg/arch"

// Kind tags what role an instruction plays from the translator's point of
// view. Exactly one Kind applies to a given Instr.
type Kind int

const (
	// AppInstr is an application instruction, untouched by mangling.
	AppInstr Kind = iota
	// Spill is a translator-emitted store of an application register to a
	// spill slot (TLS or saved mcontext).
	Spill
	// Restore is a translator-emitted load of an application register back
	// from a spill slot.
	Restore
	// StackAdjust is a translator-emitted stack pointer adjustment
	// (push/pop inserted by indirect-branch mangling).
	StackAdjust
	// Cti is a control-transfer instruction.
	Cti
	// OurMangling is any other translator-inserted instruction: either a
	// recognized known-safe kind (inline-syscall jump, segment-base load,
	// clean-call arg label, etc.) or, if Instr.Recognized() is false, an
	// unsupported sequence that makes full-state translation fail.
	OurMangling
)

// SpillSlot describes where a spilled register's value lives.
type SpillSlot struct {
	Reg    arch.Reg
	Offset uintptr
	InTLS  bool
}

// Instr is one decoded cache instruction and the translator metadata
// attached to it. The decoder, not the core, computes all of these;
// Instr is what it hands back.
type Instr interface {
	// Kind returns this instruction's classification.
	Kind() Kind

	// Length returns the instruction's encoded length in bytes
	// (spec §6 "instr_length").
	Length() int

	// TranslationPC returns the application PC this cache instruction
	// corresponds to, i.e. its "translation" field.
	TranslationPC() (pc uint64, ok bool)

	// IsExit reports whether a Cti instruction is a fragment exit (as
	// opposed to an intra-fragment branch emitted for self-modifying-code
	// sandboxing).
	IsExit() bool

	// Spill returns the slot an instruction of Kind()==Spill or
	// Kind()==Restore acts on.
	Spill() SpillSlot

	// StackDelta returns the signed byte delta a StackAdjust instruction
	// applies to the translated stack pointer.
	StackDelta() int64

	// Recognized reports, for Kind()==OurMangling, whether this is one of
	// the known-safe mangling kinds (inline-syscall jump, segment-base
	// load, special lea, trace-compare, clean-call arg label, mcontext-base
	// load, rseq preamble) rather than an unsupported sequence.
	Recognized() bool

	// MemoryOperand evaluates this instruction's memory operand (if any)
	// against ctx, for self-modifying-code target computation (spec §4.4).
	MemoryOperand(ctx *arch.Context) (addr uintptr, isWrite bool, ok bool)
}

// Decoder is the external decoder collaborator from spec §6: decode(pc,
// instr_out) and instr_length(instr), plus decode_next_pc.
type Decoder interface {
	// Decode decodes the instruction at pc.
	Decode(pc uint64) (Instr, error)

	// NextPC returns the address of the instruction following pc.
	NextPC(pc uint64) uint64
}
