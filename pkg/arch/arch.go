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

// Package arch provides an architecture-independent view of an
// application's machine context: its general-purpose register file, program
// counter and stack pointer, plus the handful of memory queries the fault
// translator and master signal handler need to stay safe around unmapped or
// partially-built application state.
package arch

import "fmt"

// Reg identifies one general-purpose application register that the
// translator may spill. The concrete set and width are host-architecture
// dependent; Reg is an opaque small integer so the rest of the core never
// switches on architecture.
type Reg int

// RegCount bounds the number of spillable application registers on any
// architecture this core targets (x86-64 and aarch64 both fit comfortably).
const RegCount = 32

// Registers is a snapshot of an application's general-purpose register
// file, indexed by Reg. It does not include the program counter or stack
// pointer, which are tracked separately because every path that touches
// them (mangling, translation, frame construction) treats them specially.
type Registers [RegCount]uint64

// Context is the mutable machine context reconstructed by the fault
// translator and consumed by the master signal handler. It generalizes the
// source's struct sigcontext / kernel_ucontext_t: instead of field-offset
// macros (SC_XIP, SC_XSP) it exposes named accessors, which is the
// idiomatic Go shape for the same concern.
type Context struct {
	regs Registers
	pc   uint64
	sp   uint64
}

// NewContext builds a Context from a captured register file, PC and SP.
func NewContext(regs Registers, pc, sp uint64) *Context {
	return &Context{regs: regs, pc: pc, sp: sp}
}

// PC returns the current program counter.
func (c *Context) PC() uint64 { return c.pc }

// SetPC overwrites the program counter.
func (c *Context) SetPC(pc uint64) { c.pc = pc }

// SP returns the current stack pointer.
func (c *Context) SP() uint64 { return c.sp }

// SetSP overwrites the stack pointer.
func (c *Context) SetSP(sp uint64) { c.sp = sp }

// AdjustSP subtracts delta from the stack pointer. delta may be negative,
// which is how the mangling tracker's xsp_adjust is applied or undone.
func (c *Context) AdjustSP(delta int64) { c.sp = uint64(int64(c.sp) - delta) }

// Reg reads register r.
func (c *Context) Reg(r Reg) uint64 { return c.regs[r] }

// SetReg writes register r.
func (c *Context) SetReg(r Reg, v uint64) { c.regs[r] = v }

// Clone returns a deep copy, used whenever a collaborator must be handed a
// context it might mutate (e.g. a client signal-event hook) without
// corrupting the handler's own working copy.
func (c *Context) Clone() *Context {
	cp := *c
	return &cp
}

func (c *Context) String() string {
	return fmt.Sprintf("pc=%#x sp=%#x", c.pc, c.sp)
}

// MemoryProt is a bitmask of memory protection flags, as returned by
// GetMemoryInfo.
type MemoryProt uint32

// Protection bits. Only the bits the core actually inspects are named.
const (
	ProtRead MemoryProt = 1 << iota
	ProtWrite
	ProtExec
)

// MemoryInfo describes one mapped (or formerly mapped) region, as returned
// by the "get_memory_info" external collaborator from spec §6.
type MemoryInfo struct {
	Base uintptr
	Size uintptr
	Prot MemoryProt
	// WasWritableExecutable records whether this region was, at the time
	// the translator write-protected it for self-modifying-code detection,
	// both executable and writable. handle_modified_code's gate (spec §4.4)
	// consults this rather than the current (write-protected) Prot.
	WasWritableExecutable bool
}

// MemoryQuerier is the "Memory queries" external collaborator from spec §6:
// GetMemoryInfo and SafeRead, both of which must never fault the caller
// even when asked about unmapped or partially-unmapped memory.
type MemoryQuerier interface {
	// GetMemoryInfo returns the mapping (if any) containing addr.
	GetMemoryInfo(addr uintptr) (MemoryInfo, bool)

	// SafeRead copies size bytes starting at src into dst, returning false
	// (without faulting the caller) if any part of the range is unreadable.
	// dst must have length >= size.
	SafeRead(src uintptr, size int, dst []byte) bool
}
